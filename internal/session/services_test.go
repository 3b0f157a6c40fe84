package session

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/internal/vectorstore/sqlite"
	"github.com/forkdex/forkdex/pkg/types"
)

type fixture struct {
	dir      string
	store    *sqlite.Store
	registry *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "vector_db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.Open(filepath.Join(dir, "session-registry.json"))
	require.NoError(t, err)

	return &fixture{dir: dir, store: store, registry: reg}
}

func (f *fixture) seed(t *testing.T, id string, texts []string, vecs [][]float32, updated time.Time) {
	t.Helper()
	chunks := make([]types.Chunk, len(texts))
	for i := range texts {
		chunks[i] = types.Chunk{
			SessionID:  id,
			Index:      i,
			Text:       texts[i],
			TokenCount: len(texts[i]) / 4,
			Embedding:  vecs[i],
			Project:    "proj-" + id,
			Timestamp:  updated,
		}
	}
	require.NoError(t, f.store.UpsertChunks(context.Background(), chunks))
	require.NoError(t, f.registry.Add(&types.Session{
		ID:         id,
		Project:    "proj-" + id,
		CreatedAt:  updated.Add(-time.Hour),
		UpdatedAt:  updated,
		ChunkCount: len(chunks),
	}))
}

func TestTagLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", []string{"text"}, [][]float32{{1, 0}}, time.Now())
	svc := NewTagService(f.registry, f.store)
	ctx := context.Background()

	tags, err := svc.Add(ctx, "s1", "  Auth ")
	require.NoError(t, err)
	assert.Equal(t, []string{"auth"}, tags)

	// Duplicate add is a no-op.
	tags, err = svc.Add(ctx, "s1", "AUTH")
	require.NoError(t, err)
	assert.Equal(t, []string{"auth"}, tags)

	// The chunk metadata follows, so store filters see the tag.
	hits, err := f.store.Search(ctx, []float32{1, 0}, 10, vectorstore.Filter{Tags: []string{"auth"}})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	found, err := svc.FindByTag("auth")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "s1", found[0].ID)

	tags, err = svc.Remove(ctx, "s1", "auth")
	require.NoError(t, err)
	assert.Empty(t, tags)

	hits, err = f.store.Search(ctx, []float32{1, 0}, 10, vectorstore.Filter{Tags: []string{"auth"}})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestTagValidation(t *testing.T) {
	_, err := NormalizeTag("")
	assert.Error(t, err)
	_, err = NormalizeTag("has spaces")
	assert.Error(t, err)
	_, err = NormalizeTag("-leading-dash")
	assert.Error(t, err)
	_, err = NormalizeTag(fmt.Sprintf("%051d", 0))
	assert.Error(t, err)

	tag, err := NormalizeTag("Good.Tag-1")
	require.NoError(t, err)
	assert.Equal(t, "good.tag-1", tag)
}

func TestTagUnknownSession(t *testing.T) {
	f := newFixture(t)
	svc := NewTagService(f.registry, f.store)
	_, err := svc.Add(context.Background(), "missing", "tag")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSummarize(t *testing.T) {
	text := `The authentication service uses short-lived JWT access tokens. ` +
		"```go\nfunc ignored() {}\n```\n" +
		`Refresh tokens rotate on every use to limit replay exposure. ` +
		`We also talked about lunch. ` +
		`Token validation happens in middleware before any handler runs. ` +
		`The middleware rejects expired tokens with a 401 response.`

	summary := Summarize(text, 3)
	assert.NotEmpty(t, summary)
	assert.NotContains(t, summary, "func ignored") // code excluded
	assert.Contains(t, summary, "token")
}

func TestSummaryCachedAndRegenerated(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	texts := []string{
		"The migration moved every table to the new schema. The cutover ran overnight without downtime. Rollback scripts were tested first.",
	}
	f.seed(t, "s1", texts, [][]float32{{1, 0}}, now)

	svc := NewSummaryService(f.registry, f.store)
	first, err := svc.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	// Cached on the registry row.
	sess, err := f.registry.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, first, sess.Summary)
	assert.Equal(t, 1, sess.SummaryChunkCount)

	// Small drift keeps the cache; >= 10% drift regenerates.
	require.NoError(t, f.registry.Update("s1", func(s *types.Session) { s.ChunkCount = 20 }))
	_, err = svc.Get(context.Background(), "s1")
	require.NoError(t, err)
	sess, _ = f.registry.Get("s1")
	assert.Equal(t, 20, sess.SummaryChunkCount)
}

func TestDiffCommonAndUnique(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	shared := []float32{1, 0, 0}
	onlyA := []float32{0, 1, 0}
	onlyB := []float32{0, 0, 1}

	f.seed(t, "a", []string{"shared oauth topic discussion", "unique redis caching work"},
		[][]float32{shared, onlyA}, now)
	f.seed(t, "b", []string{"shared oauth topic discussion", "unique css layout work"},
		[][]float32{shared, onlyB}, now)

	svc := NewDiffService(f.store)
	diff, err := svc.Compare(context.Background(), "a", "b")
	require.NoError(t, err)

	assert.Len(t, diff.Common, 1)
	assert.Len(t, diff.UniqueToA, 1)
	assert.Len(t, diff.UniqueToB, 1)
	assert.Greater(t, diff.ContentSimilarity, 0.0)
	assert.Greater(t, diff.TopicOverlap, 0.0)
	assert.InDelta(t, 0.7*diff.ContentSimilarity+0.3*diff.TopicOverlap, diff.Overall, 1e-9)
}

func TestDuplicateDetection(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	same := [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {0.95, 0.05, 0}}
	other := [][]float32{{0, 1, 0}, {0, 0.9, 0.1}, {0, 0.95, 0.05}}
	texts := []string{"one", "two", "three"}

	f.seed(t, "dup1", texts, same, now)
	f.seed(t, "dup2", texts, same, now)
	f.seed(t, "different", texts, other, now)
	// Too small to participate.
	f.seed(t, "tiny", []string{"only"}, [][]float32{{1, 0, 0}}, now)

	svc := NewDuplicateService(f.registry, f.store)
	pairs, err := svc.Find(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.ElementsMatch(t, []string{"dup1", "dup2"}, []string{pairs[0].SessionA, pairs[0].SessionB})
	assert.Greater(t, pairs[0].Similarity, 0.85)
}

func TestClusterRunAndLoad(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	groupA := [][]float32{{1, 0, 0}, {0.9, 0.1, 0}}
	groupB := [][]float32{{0, 1, 0}, {0.1, 0.9, 0}}
	f.seed(t, "a1", []string{"x", "y"}, groupA, now)
	f.seed(t, "a2", []string{"x", "y"}, groupA, now)
	f.seed(t, "b1", []string{"x", "y"}, groupB, now)
	f.seed(t, "b2", []string{"x", "y"}, groupB, now)

	svc := NewClusterService(f.registry, f.store, filepath.Join(f.dir, "clusters.json"))
	assignment, err := svc.Run(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, 2, assignment.K)
	assert.Len(t, assignment.BySession, 4)
	assert.Equal(t, assignment.BySession["a1"], assignment.BySession["a2"])
	assert.Equal(t, assignment.BySession["b1"], assignment.BySession["b2"])
	assert.NotEqual(t, assignment.BySession["a1"], assignment.BySession["b1"])
	assert.Greater(t, assignment.Silhouette, 0.5) // well-separated groups

	// Labels fall back to the dominant project when no tags exist.
	for _, cluster := range assignment.Clusters {
		assert.NotEmpty(t, cluster.Label)
	}

	// Snapshot round trip.
	loaded, err := svc.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, assignment.BySession, loaded.BySession)
}

func TestClusterKClampedToSessionCount(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "only", []string{"x"}, [][]float32{{1, 0}}, time.Now())

	svc := NewClusterService(f.registry, f.store, filepath.Join(f.dir, "clusters.json"))
	assignment, err := svc.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, assignment.K)
}

func TestArchiveAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "s1", []string{"text"}, [][]float32{{1, 0}}, time.Now())

	svc := NewArchiveService(f.registry, f.store)
	require.NoError(t, svc.Archive(ctx, "s1"))

	sess, _ := f.registry.Get("s1")
	assert.True(t, sess.Archived)
	hits, err := f.store.Search(ctx, []float32{1, 0}, 10, vectorstore.Filter{}, types.PartitionArchive)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	require.NoError(t, svc.Restore(ctx, "s1"))
	sess, _ = f.registry.Get("s1")
	assert.False(t, sess.Archived)

	assert.ErrorIs(t, svc.Archive(ctx, "missing"), registry.ErrNotFound)
}

func TestArchiveSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	f.seed(t, "old", []string{"text"}, [][]float32{{1, 0}}, now.AddDate(0, 0, -400))
	f.seed(t, "fresh", []string{"text"}, [][]float32{{1, 0}}, now)

	svc := NewArchiveService(f.registry, f.store)
	archived, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, archived)

	sess, _ := f.registry.Get("fresh")
	assert.False(t, sess.Archived)
}

func TestMeanEmbedding(t *testing.T) {
	chunks := []types.Chunk{
		{Embedding: []float32{2, 0}},
		{Embedding: []float32{0, 2}},
	}
	mean := MeanEmbedding(chunks)
	require.Len(t, mean, 2)
	// Mean (1,1) normalized: (0.707, 0.707).
	assert.InDelta(t, 0.7071, mean[0], 1e-3)
	assert.InDelta(t, 0.7071, mean[1], 1e-3)

	assert.Nil(t, MeanEmbedding(nil))
	assert.Nil(t, MeanEmbedding([]types.Chunk{{}}))
}
