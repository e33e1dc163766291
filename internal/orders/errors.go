// Package orders implements the order service: creating orders, appending
// updates to their immutable logs, and deriving every order property from
// those logs. Nothing here mutates an update after insert.
package orders

import "errors"

// Error kinds for the API layer to map onto HTTP statuses.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
)
