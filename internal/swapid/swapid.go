// Package swapid generates opaque swap identifiers.
package swapid

import "github.com/google/uuid"

// ID is an opaque 128-bit swap identifier.
type ID string

// New returns a fresh, unique swap ID.
func New() ID {
	return ID(uuid.New().String())
}

// Valid reports whether s parses as a well-formed swap ID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
