package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder produces deterministic vectors and counts model invocations.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	texts int
	fail  bool
	dim   int
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, ErrEmbeddingUnavailable
	}
	f.calls++
	f.texts += len(texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, f.dimension())
		for j := range vec {
			vec[j] = float32(len(t)%7) + float32(j)
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) dimension() int {
	if f.dim == 0 {
		return 8
	}
	return f.dim
}

func (f *fakeEmbedder) Dimension() int { return f.dimension() }

func newTestGateway(t *testing.T, emb *fakeEmbedder) (*Gateway, *DiskCache) {
	t.Helper()
	cache, err := OpenDiskCache(filepath.Join(t.TempDir(), "embedding_cache", "cache.json"))
	require.NoError(t, err)
	return NewGateway(emb, cache, GatewayConfig{BatchSize: 4, MinBatchSize: 2, MaxBatchSize: 8}), cache
}

func TestEmbedPreservesOrder(t *testing.T) {
	emb := &fakeEmbedder{}
	gw, _ := newTestGateway(t, emb)

	texts := []string{"alpha", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := gw.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, v := range vecs {
		require.NotNil(t, v, "vector %d", i)
		assert.InDelta(t, float32(len(texts[i])%7), v[0], 1e-6)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	emb := &fakeEmbedder{}
	gw, cache := newTestGateway(t, emb)

	first, err := gw.EmbedTexts(context.Background(), []string{"repeat me"})
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls)

	// Second call: identical vector, zero model invocations.
	second, err := gw.EmbedTexts(context.Background(), []string{"repeat me"})
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls)
	assert.Equal(t, first[0], second[0])

	// Cache survives a reopen.
	require.NoError(t, cache.Flush())
	reopened, err := OpenDiskCache(cache.path)
	require.NoError(t, err)
	assert.Equal(t, first[0], reopened.Get("repeat me"))
}

func TestDuplicateTextsEmbeddedOnce(t *testing.T) {
	emb := &fakeEmbedder{}
	gw, _ := newTestGateway(t, emb)

	vecs, err := gw.EmbedTexts(context.Background(), []string{"same", "same", "same"})
	require.NoError(t, err)
	assert.Equal(t, 1, emb.texts)
	assert.Equal(t, vecs[0], vecs[1])
	assert.Equal(t, vecs[1], vecs[2])
}

func TestModelFailureSurfaces(t *testing.T) {
	emb := &fakeEmbedder{fail: true}
	gw, _ := newTestGateway(t, emb)

	_, err := gw.EmbedTexts(context.Background(), []string{"doomed"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestBatchingRespectsClamp(t *testing.T) {
	emb := &fakeEmbedder{}
	gw, _ := newTestGateway(t, emb)

	texts := make([]string, 20)
	for i := range texts {
		texts[i] = string(rune('a'+i)) + "-unique"
	}
	_, err := gw.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	// 20 misses at batch size <= 8 means at least 3 model calls.
	assert.GreaterOrEqual(t, emb.calls, 3)
	assert.Equal(t, 20, emb.texts)
}

func TestHashTextStable(t *testing.T) {
	assert.Equal(t, HashText("hello"), HashText("hello"))
	assert.NotEqual(t, HashText("hello"), HashText("hello "))
	assert.Len(t, HashText("x"), 64)
}

func TestCorruptCacheFileDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{torn"), 0o600))

	cache, err := OpenDiskCache(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Len())
}

func TestClientAgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := embedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			out.Embeddings[i] = make([]float32, 4)
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, Dimension: 4})
	vecs, err := client.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 4)
}

func TestClientDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, Dimension: 4})
	_, err := client.EmbedBatch(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}
