package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrVersionConflict is returned when a write would replace a newer document.
	ErrVersionConflict = errors.New("document version conflict")

	// ErrInvalidKey is returned for keys that cannot name a document.
	ErrInvalidKey = errors.New("invalid document key")
)
