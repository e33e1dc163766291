package sid

import (
	"strings"
	"testing"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec("test-secret-key")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestNewCodec_EmptySecret(t *testing.T) {
	if _, err := NewCodec(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestEncode_Format(t *testing.T) {
	c := newTestCodec(t)
	s, err := c.Encode("item", 1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Count(s, "-") != 1 {
		t.Errorf("SID %q must contain exactly one hyphen", s)
	}
	if len(s) != 14 {
		t.Errorf("SID %q length = %d, want 14", s, len(s))
	}
	if s != strings.ToLower(s) {
		t.Errorf("SID %q must be lowercase", s)
	}
	if strings.Contains(s, "l") {
		t.Errorf("SID %q must not contain 'l'", s)
	}
	if !Valid(s) {
		t.Errorf("Valid(%q) = false", s)
	}
}

func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	kinds := []string{"item", "order", "order_update", "task", "tab", "user"}
	ids := []uint64{1, 2, 42, 1000, 123456789}

	for _, kind := range kinds {
		for _, id := range ids {
			s, err := c.Encode(kind, id)
			if err != nil {
				t.Fatalf("Encode(%s, %d): %v", kind, id, err)
			}
			got, err := c.Decode(kind, s)
			if err != nil {
				t.Fatalf("Decode(%s, %q): %v", kind, s, err)
			}
			if got != id {
				t.Errorf("Decode(Encode(%d)) = %d for kind %s", id, got, kind)
			}
		}
	}
}

func TestRoundTrip_CaseInsensitive(t *testing.T) {
	c := newTestCodec(t)
	s, err := c.Encode("order", 7)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode("order", strings.ToUpper(s))
	if err != nil {
		t.Fatalf("Decode upper: %v", err)
	}
	if got != 7 {
		t.Errorf("Decode(upper) = %d, want 7", got)
	}
}

func TestKindsDoNotCollide(t *testing.T) {
	c := newTestCodec(t)
	itemSID, err := c.Encode("item", 1)
	if err != nil {
		t.Fatalf("Encode item: %v", err)
	}
	orderSID, err := c.Encode("order", 1)
	if err != nil {
		t.Fatalf("Encode order: %v", err)
	}
	if itemSID == orderSID {
		t.Errorf("same SID %q for id 1 of two kinds", itemSID)
	}
}

func TestDecode_Invalid(t *testing.T) {
	c := newTestCodec(t)
	for _, bad := range []string{"", "abc", "no-hyphen-here-at-all", "???-???????"} {
		if _, err := c.Decode("item", bad); err == nil {
			t.Errorf("Decode(%q) succeeded, want error", bad)
		}
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"iw6pz4-n47rkn6", true},
		{"iw6pz4n47rkn6", false},
		{"iw6-pz4-n47rkn6", false},
		{"iw6pz4-n47rkn", false},
		{"iw6pz1-n47rkn6", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.in); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
