package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semforge/workflow"
	"github.com/c360studio/semforge/workflow/validation"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newState(t *testing.T, id string) *workflow.State {
	t.Helper()
	p, err := workflow.DefaultPolicy()
	require.NoError(t, err)
	g := workflow.DefaultGraph()
	res, err := p.Resolve(g, workflow.DefaultProjectType, workflow.ModeFull)
	require.NoError(t, err)
	s := workflow.NewState(id, "Recipe Planner", workflow.DefaultProjectType, workflow.ModeFull, g, res, testNow)
	s.Record(workflow.StageRequirements).Start(testNow, time.Hour)
	return s
}

func newRepository(t *testing.T) *StateRepository {
	t.Helper()
	v, err := validation.NewValidator()
	require.NoError(t, err)
	return NewStateRepository(newMemStore(t), v)
}

func TestStateKey(t *testing.T) {
	assert.Equal(t, "workflows/wf-1/workflow-state.json", StateKey("wf-1"))
}

func TestStateRepositoryRoundTrip(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()

	_, err := repo.Load(ctx, "wf-1")
	assert.ErrorIs(t, err, ErrNotFound)

	s := newState(t, "wf-1")
	require.NoError(t, repo.Save(ctx, s))

	loaded, err := repo.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestStateRepositoryRejectsStaleWrite(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()

	s := newState(t, "wf-1")
	s.UpdatedAt = testNow.Add(time.Minute)
	require.NoError(t, repo.Save(ctx, s))

	same := s.Clone()
	same.FixCycles = 1
	require.NoError(t, repo.Save(ctx, same), "equal timestamps are accepted")

	stale := s.Clone()
	stale.UpdatedAt = testNow
	assert.ErrorIs(t, repo.Save(ctx, stale), ErrVersionConflict)

	loaded, err := repo.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.FixCycles)
}

// interleavedStore lets another writer land between the revision read and
// the conditional write.
type interleavedStore struct {
	*KVStore
	between func()
}

func (s *interleavedStore) GetRevision(ctx context.Context, key string) ([]byte, uint64, error) {
	doc, rev, err := s.KVStore.GetRevision(ctx, key)
	if s.between != nil {
		s.between()
		s.between = nil
	}
	return doc, rev, err
}

func TestStateRepositoryConditionalWrite(t *testing.T) {
	v, err := validation.NewValidator()
	require.NoError(t, err)
	kv := newKVStore(t)
	store := &interleavedStore{KVStore: kv}
	repo := NewStateRepository(store, v)
	ctx := context.Background()

	s := newState(t, "wf-1")
	require.NoError(t, repo.Save(ctx, s))

	winner := s.Clone()
	winner.FixCycles = 2
	store.between = func() {
		require.NoError(t, NewStateRepository(kv, v).Save(ctx, winner))
	}
	loser := s.Clone()
	loser.FixCycles = 1
	assert.ErrorIs(t, repo.Save(ctx, loser), ErrVersionConflict, "equal timestamps but the revision moved")

	loaded, err := repo.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.FixCycles)

	other := newState(t, "wf-2")
	store.between = func() {
		require.NoError(t, kv.Put(ctx, StateKey("wf-2"), []byte(`{}`)))
	}
	assert.ErrorIs(t, repo.Save(ctx, other), ErrVersionConflict, "created by someone else")
}

func TestKVStorePutIf(t *testing.T) {
	s := newKVStore(t)
	ctx := context.Background()
	key := "workflows/wf-1/workflow-state.json"

	require.NoError(t, s.PutIf(ctx, key, []byte(`{"v":1}`), 0))
	assert.ErrorIs(t, s.PutIf(ctx, key, []byte(`{"v":1}`), 0), ErrVersionConflict)

	doc, rev, err := s.GetRevision(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(doc))
	require.NoError(t, s.PutIf(ctx, key, []byte(`{"v":2}`), rev))
	assert.ErrorIs(t, s.PutIf(ctx, key, []byte(`{"v":3}`), rev), ErrVersionConflict)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))

	_, _, err = s.GetRevision(ctx, "workflows/wf-9/workflow-state.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateRepositoryRejectsInvalidDocument(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.Store().Put(ctx, StateKey("wf-bad"), []byte(`{"workflow_id":"wf-bad"}`)))

	_, err := repo.Load(ctx, "wf-bad")
	assert.ErrorIs(t, err, workflow.ErrSchemaViolation)
	assert.Error(t, repo.Save(ctx, &workflow.State{}))
}

func TestStateRepositoryList(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()

	ids, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, repo.Save(ctx, newState(t, "wf-b")))
	require.NoError(t, repo.Save(ctx, newState(t, "wf-a")))
	require.NoError(t, repo.Put(ctx, "workflows/wf-a/notes.json", []byte(`{}`)))
	require.NoError(t, repo.Put(ctx, "qa-engineer/qa-test-report.json", []byte(`{}`)))

	ids, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-a", "wf-b"}, ids)
}

func TestStateRepositoryArtifacts(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	doc, err := json.Marshal(map[string]any{"summary": "ok"})
	require.NoError(t, err)

	require.NoError(t, repo.Put(ctx, "qa-engineer/qa-test-report.json", doc))
	got, err := repo.Get(ctx, "qa-engineer/qa-test-report.json")
	require.NoError(t, err)
	assert.JSONEq(t, string(doc), string(got))
}
