package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the KV bucket holding semforge documents.
const DefaultBucket = "SEMFORGE_ARTIFACTS"

// KVStore is a Store backed by a NATS JetStream key-value bucket.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore opens the bucket, creating it if it doesn't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", bucket, err)
	}
	return &KVStore{kv: kv}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Semforge %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// Get returns the latest revision of key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := CheckKey(key); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Put writes a new revision of key.
func (s *KVStore) Put(ctx context.Context, key string, doc []byte) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, key, doc); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// GetRevision returns the latest revision of key and its sequence number.
func (s *KVStore) GetRevision(ctx context.Context, key string) ([]byte, uint64, error) {
	if err := CheckKey(key); err != nil {
		return nil, 0, err
	}
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

// PutIf creates key when revision is zero and otherwise updates it only if
// its latest revision still matches.
func (s *KVStore) PutIf(ctx context.Context, key string, doc []byte, revision uint64) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	var err error
	if revision == 0 {
		_, err = s.kv.Create(ctx, key, doc)
	} else {
		_, err = s.kv.Update(ctx, key, doc, revision)
	}
	if err != nil {
		if isWrongRevision(err) {
			return fmt.Errorf("%w: %s changed since revision %d", ErrVersionConflict, key, revision)
		}
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete places a delete marker on key. History is kept by the bucket.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, key); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns the live keys starting with prefix.
func (s *KVStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	matched := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	slices.Sort(matched)
	return matched, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "key not found")
}

// isWrongRevision checks if a conditional write lost against another writer.
func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}
