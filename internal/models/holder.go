package models

// Holder kinds for the polymorphic held_by reference on Item and for the
// creator reference on OrderUpdate.
const (
	HolderOrder = "order"
	HolderTask  = "task"
	HolderUser  = "user"
)

// SID kind labels. These feed the SID codec's IV derivation, so renaming
// one invalidates every published identifier of that kind.
const (
	KindItem        = "item"
	KindOrder       = "order"
	KindOrderUpdate = "order_update"
	KindTab         = "tab"
	KindTask        = "task"
	KindUser        = "user"
)

// Ref is a tagged reference to an Order, Task, or User row. The zero Ref
// means "nothing".
type Ref struct {
	Kind string
	ID   uint64
}

// IsZero reports whether the reference points at nothing.
func (r Ref) IsZero() bool {
	return r.Kind == "" && r.ID == 0
}
