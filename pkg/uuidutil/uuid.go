package uuidutil

import (
	"strings"

	"github.com/google/uuid"
)

// NewV7 generates a time-ordered UUID v7 string. Lock ids use v7 so that
// ledger children sort in acquisition order.
// Panics if the random source fails (system-level error, no recovery path).
func NewV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic("lockd: uuid generation failed (system error): " + err.Error())
	}
	return id.String()
}

// NewV4 generates a random UUID v4 string.
func NewV4() string {
	return uuid.NewString()
}

// Valid reports whether s is a canonical lowercase UUID string.
func Valid(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.String() == strings.ToLower(s)
}
