package search

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkdex/forkdex/internal/cache"
	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/vectorstore/sqlite"
	"github.com/forkdex/forkdex/pkg/types"
)

// countingEmbedder embeds queries with a fixed fake vector and counts calls.
type countingEmbedder struct {
	calls atomic.Int64
	vec   []float32
}

func (c *countingEmbedder) EmbedText(_ context.Context, _ string) ([]float32, error) {
	c.calls.Add(1)
	return c.vec, nil
}

// staticPrefs serves a fixed preference map.
type staticPrefs map[string]*types.Preference

func (p staticPrefs) Preference(id string) *types.Preference { return p[id] }

type fixture struct {
	store    *sqlite.Store
	registry *registry.Registry
	embedder *countingEmbedder
	orch     *Orchestrator
}

func newFixture(t *testing.T, prefs staticPrefs) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "vector_db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.Open(filepath.Join(dir, "session-registry.json"))
	require.NoError(t, err)

	emb := &countingEmbedder{vec: []float32{1, 0, 0}}
	sc := cache.New(cache.Config{})
	orch := New(store, reg, emb, sc, prefs, Config{})

	return &fixture{store: store, registry: reg, embedder: emb, orch: orch}
}

func (f *fixture) seedSession(t *testing.T, id string, updated time.Time, vecs [][]float32, markers []types.MemoryType) {
	t.Helper()
	chunks := make([]types.Chunk, len(vecs))
	for i, vec := range vecs {
		chunks[i] = types.Chunk{
			SessionID:   id,
			Index:       i,
			Text:        "Discussion about " + id + " chunk " + strings.Repeat("x", i),
			TokenCount:  10,
			Embedding:   vec,
			Project:     "proj",
			Timestamp:   updated,
			MemoryTypes: markers,
		}
	}
	require.NoError(t, f.store.UpsertChunks(context.Background(), chunks))
	require.NoError(t, f.registry.Add(&types.Session{
		ID:         id,
		Project:    "proj",
		CreatedAt:  updated.Add(-time.Hour),
		UpdatedAt:  updated,
		ChunkCount: len(vecs),
	}))
}

// vecAt builds a 3-d vector whose cosine similarity to (1,0,0) is sim.
func vecAt(sim float64) []float32 {
	other := 1 - sim*sim
	if other < 0 {
		other = 0
	}
	return []float32{float32(sim), float32(sqrt(other)), 0}
}

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	guess := x
	for i := 0; i < 40; i++ {
		guess = (guess + x/guess) / 2
	}
	return guess
}

func TestBasicSearchRanking(t *testing.T) {
	// S1: session A (one 0.90 chunk, 1 day old) outranks session B
	// (three 0.5 chunks, 10 days old, PATTERN marker).
	f := newFixture(t, nil)
	now := time.Now()

	f.seedSession(t, "A", now.Add(-24*time.Hour), [][]float32{vecAt(0.90)}, nil)
	f.seedSession(t, "B", now.Add(-10*24*time.Hour),
		[][]float32{vecAt(0.5), vecAt(0.5), vecAt(0.5)},
		[]types.MemoryType{types.MemoryPattern})

	results, err := f.orch.Search(context.Background(), Request{Query: "oauth jwt"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "A", results[0].Session.ID)
	assert.Equal(t, "B", results[1].Session.ID)
	assert.InDelta(t, 0.90, results[0].Score.Components.BestSimilarity, 0.01)
	assert.InDelta(t, 0.05, results[1].Score.Components.MemoryBoost, 1e-9)
	assert.NotEmpty(t, results[0].Preview)
}

func TestCacheBehavior(t *testing.T) {
	// S3: repeat search costs no embedding call; a store mutation makes the
	// next search go back to the store.
	f := newFixture(t, nil)
	now := time.Now()
	f.seedSession(t, "A", now, [][]float32{vecAt(0.9)}, nil)

	req := Request{Query: "react hooks"}
	first, err := f.orch.Search(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, int64(1), f.embedder.calls.Load())

	second, err := f.orch.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.embedder.calls.Load()) // embedding cache hit, result cache hit

	// Insert a new chunk: result cache invalidated, embedding cache kept.
	f.seedSession(t, "B", now, [][]float32{vecAt(0.95)}, nil)
	third, err := f.orch.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.embedder.calls.Load()) // embedding still cached
	require.Len(t, third, 2)
	assert.Equal(t, "B", third[0].Session.ID) // fresh result, not stale
}

func TestSimilarityThresholdDropsWeakSessions(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	f.seedSession(t, "strong", now, [][]float32{vecAt(0.8)}, nil)
	f.seedSession(t, "weak", now, [][]float32{vecAt(0.1)}, nil)

	results, err := f.orch.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "strong", results[0].Session.ID)
}

func TestProjectAndTagFilters(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	f.seedSession(t, "A", now, [][]float32{vecAt(0.9)}, nil)

	// Project mismatch filters everything out.
	results, err := f.orch.Search(context.Background(), Request{Query: "q", Project: "other-proj"})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Tag filter: no chunks carry tags yet.
	results, err = f.orch.Search(context.Background(), Request{Query: "q", Tags: []string{"auth"}})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Tag the session's chunks; the filter now matches.
	require.NoError(t, f.store.UpdateSessionTags(context.Background(), "A", []string{"auth"}))
	results, err = f.orch.Search(context.Background(), Request{Query: "q", Tags: []string{"AUTH"}})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestArchiveExcludedByDefault(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	f.seedSession(t, "archived", now, [][]float32{vecAt(0.9)}, nil)
	require.NoError(t, f.store.MoveToPartition(context.Background(), "archived", types.PartitionArchive))

	results, err := f.orch.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = f.orch.Search(context.Background(), Request{Query: "q", IncludeArchive: true})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestPreferenceBoostApplied(t *testing.T) {
	now := time.Now()
	prefs := staticPrefs{
		"liked": {SessionID: "liked", ForkCount: 4, AvgPosition: 0, LastSelection: now},
	}
	f := newFixture(t, prefs)
	f.seedSession(t, "liked", now, [][]float32{vecAt(0.7)}, nil)
	f.seedSession(t, "plain", now, [][]float32{vecAt(0.7)}, nil)

	results, err := f.orch.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "liked", results[0].Session.ID)
	assert.Greater(t, results[0].Score.Components.PreferenceBoost, 0.0)
	assert.Equal(t, 0.0, results[1].Score.Components.PreferenceBoost)
}

func TestLimitOverride(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		f.seedSession(t, id, now, [][]float32{vecAt(0.9)}, nil)
	}

	results, err := f.orch.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Len(t, results, 5) // default top N

	results, err = f.orch.Search(context.Background(), Request{Query: "q", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestPreviewTruncation(t *testing.T) {
	long := strings.Repeat("word ", 200)
	preview := buildPreview([]types.ChunkHit{{Chunk: types.Chunk{Text: long}}}, 200)
	assert.LessOrEqual(t, len(preview), 204)
	assert.True(t, strings.HasSuffix(preview, "…"))

	short := buildPreview([]types.ChunkHit{{Chunk: types.Chunk{Text: "brief"}}}, 200)
	assert.Equal(t, "brief", short)
}
