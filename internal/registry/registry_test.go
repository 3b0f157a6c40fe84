package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkdex/forkdex/pkg/types"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "session-registry.json"))
	require.NoError(t, err)
	return r
}

func session(id, project string, updated time.Time) *types.Session {
	return &types.Session{
		ID:        id,
		Project:   project,
		CreatedAt: updated.Add(-time.Hour),
		UpdatedAt: updated,
	}
}

func TestAddGetDelete(t *testing.T) {
	r := openTestRegistry(t)
	now := time.Now().UTC()

	require.NoError(t, r.Add(session("s1", "proj", now)))

	got, err := r.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "proj", got.Project)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Delete("s1"))
	_, err = r.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete("s1"), ErrNotFound)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session-registry.json")

	r, err := Open(path)
	require.NoError(t, err)
	s := session("s1", "proj", time.Now().UTC())
	s.Tags = []string{"auth"}
	s.ChunkCount = 7
	require.NoError(t, r.Add(s))

	reopened, err := Open(path)
	require.NoError(t, err)
	got, err := reopened.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.ChunkCount)
	assert.Equal(t, []string{"auth"}, got.Tags)

	// No torn temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestUpdatePartial(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Add(session("s1", "proj", time.Now())))

	require.NoError(t, r.Update("s1", func(s *types.Session) {
		s.ChunkCount = 42
		s.Summary = "a summary"
	}))

	got, err := r.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, 42, got.ChunkCount)
	assert.Equal(t, "a summary", got.Summary)

	assert.ErrorIs(t, r.Update("missing", func(*types.Session) {}), ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Add(session("s1", "proj", time.Now())))

	got, _ := r.Get("s1")
	got.ChunkCount = 999

	again, _ := r.Get("s1")
	assert.Equal(t, 0, again.ChunkCount)
}

func TestListFilters(t *testing.T) {
	r := openTestRegistry(t)
	now := time.Now().UTC()

	a := session("a", "proj-a", now.Add(-2*time.Hour))
	a.Tags = []string{"auth"}
	b := session("b", "proj-b", now.Add(-1*time.Hour))
	c := session("c", "proj-a", now)
	c.Archived = true
	for _, s := range []*types.Session{a, b, c} {
		require.NoError(t, r.Add(s))
	}

	all := r.List(ListFilter{})
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "b", all[1].ID)

	assert.Len(t, r.List(ListFilter{Project: "proj-a"}), 2)
	assert.Len(t, r.List(ListFilter{Tag: "auth"}), 1)

	archived := true
	assert.Len(t, r.List(ListFilter{Archived: &archived}), 1)
	active := false
	assert.Len(t, r.List(ListFilter{Archived: &active}), 2)
}

func TestStats(t *testing.T) {
	r := openTestRegistry(t)
	now := time.Now()

	a := session("a", "proj-a", now)
	a.ChunkCount = 3
	b := session("b", "proj-a", now)
	b.ChunkCount = 2
	b.Archived = true
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, 1, stats.ArchivedSessions)
	assert.Equal(t, 5, stats.TotalChunks)
	assert.Equal(t, 2, stats.SessionsByProject["proj-a"])
}

// fakeCounter reports fixed chunk counts per session.
type fakeCounter map[string]int

func (f fakeCounter) CountBySession(_ context.Context, id string) (int, error) {
	return f[id], nil
}

func TestReconcileRepairsDrift(t *testing.T) {
	r := openTestRegistry(t)
	now := time.Now()

	a := session("a", "proj", now)
	a.ChunkCount = 5 // store says 3: drifted
	b := session("b", "proj", now)
	b.ChunkCount = 2 // store agrees
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	corrected, err := r.Reconcile(context.Background(), fakeCounter{"a": 3, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)

	got, _ := r.Get("a")
	assert.Equal(t, 3, got.ChunkCount)
}

func TestClear(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Add(session("s1", "proj", time.Now())))
	require.NoError(t, r.Clear())
	assert.Empty(t, r.List(ListFilter{}))
}
