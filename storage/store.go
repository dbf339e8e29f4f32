// Package storage provides the artifact store: durable key to document
// storage for workflow state and stage outputs. Keys are slash separated
// relative paths such as "qa-engineer/qa-test-report.json".
package storage

import (
	"context"
	"fmt"
	"strings"
)

// Store is a key to document store.
type Store interface {
	// Get returns the document stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put creates or replaces the document stored under key.
	Put(ctx context.Context, key string, doc []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// VersionedStore is a Store that can make a write conditional on the
// revision it last read.
type VersionedStore interface {
	Store
	// GetRevision returns the document under key with its revision, or
	// ErrNotFound.
	GetRevision(ctx context.Context, key string) ([]byte, uint64, error)
	// PutIf writes doc only while key is still at revision. Revision zero
	// means the key must not exist. A lost race returns ErrVersionConflict.
	PutIf(ctx context.Context, key string, doc []byte, revision uint64) error
}

// CheckKey rejects keys that are empty, absolute, or escape the store root.
func CheckKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
