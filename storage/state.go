package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/validation"
)

const (
	workflowsPrefix = "workflows/"
	stateFile       = "workflow-state.json"
)

// StateKey returns the key of a workflow's state document.
func StateKey(id string) string {
	return workflowsPrefix + id + "/" + stateFile
}

// StateRepository persists workflow state documents in a Store and reads
// stage artifacts from the same store. It is the orchestrator's StateStore
// and ArtifactReader.
type StateRepository struct {
	store     Store
	validator *validation.Validator
}

// NewStateRepository wraps store. Documents are checked against the
// workflow-state schema on load.
func NewStateRepository(store Store, v *validation.Validator) *StateRepository {
	return &StateRepository{store: store, validator: v}
}

// Store returns the underlying document store.
func (r *StateRepository) Store() Store {
	return r.store
}

// Load reads and validates the state of workflow id.
func (r *StateRepository) Load(ctx context.Context, id string) (*workflow.State, error) {
	doc, err := r.store.Get(ctx, StateKey(id))
	if err != nil {
		return nil, err
	}
	s, err := r.validator.DecodeState(doc)
	if err != nil {
		return nil, fmt.Errorf("decode state %s: %w", id, err)
	}
	return s, nil
}

// Save writes s. A stored document with a later updated_at is never
// replaced; equal timestamps are accepted. On a VersionedStore the write is
// conditional on the revision that was checked, so a concurrent writer
// landing in between also yields ErrVersionConflict.
func (r *StateRepository) Save(ctx context.Context, s *workflow.State) error {
	if s == nil || s.ID == "" {
		return errors.New("save state: workflow id is required")
	}
	key := StateKey(s.ID)
	versioned, isVersioned := r.store.(VersionedStore)

	var (
		current  []byte
		revision uint64
		err      error
	)
	if isVersioned {
		current, revision, err = versioned.GetRevision(ctx, key)
	} else {
		current, err = r.store.Get(ctx, key)
	}
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return fmt.Errorf("read current state: %w", err)
	default:
		var stored struct {
			UpdatedAt time.Time `json:"updated_at"`
		}
		if err := json.Unmarshal(current, &stored); err != nil {
			return fmt.Errorf("decode current state: %w", err)
		}
		if stored.UpdatedAt.After(s.UpdatedAt) {
			return fmt.Errorf("%w: workflow %s stored at %s, write carries %s", ErrVersionConflict,
				s.ID, stored.UpdatedAt.Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339))
		}
	}

	doc, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if isVersioned {
		return versioned.PutIf(ctx, key, doc, revision)
	}
	return r.store.Put(ctx, key, doc)
}

// List returns the ids of every persisted workflow.
func (r *StateRepository) List(ctx context.Context) ([]string, error) {
	keys, err := r.store.List(ctx, workflowsPrefix)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, key := range keys {
		id, ok := strings.CutSuffix(strings.TrimPrefix(key, workflowsPrefix), "/"+stateFile)
		if ok && id != "" && !strings.Contains(id, "/") {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Get reads an artifact document.
func (r *StateRepository) Get(ctx context.Context, key string) ([]byte, error) {
	return r.store.Get(ctx, key)
}

// Put writes an artifact document.
func (r *StateRepository) Put(ctx context.Context, key string, doc []byte) error {
	return r.store.Put(ctx, key, doc)
}
