package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/forkdex/forkdex/pkg/types"
)

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "react hooks", NormalizeQuery("  React   Hooks "))
	assert.Equal(t, "a b c", NormalizeQuery("A\tB\nC"))
	assert.Equal(t, "", NormalizeQuery("   "))
}

func TestResultKeyCanonical(t *testing.T) {
	a := ResultKey("OAuth JWT", map[string]interface{}{"project": "api", "scope": "all"})
	b := ResultKey("oauth  jwt", map[string]interface{}{"scope": "all", "project": "api"})
	assert.Equal(t, a, b)

	c := ResultKey("oauth jwt", map[string]interface{}{"project": "web"})
	assert.NotEqual(t, a, c)
}

func TestEmbeddingCacheHitOnEquivalentQueries(t *testing.T) {
	sc := New(Config{})
	vec := []float32{1, 2, 3}
	sc.PutEmbedding("React Hooks", vec)

	assert.Equal(t, vec, sc.GetEmbedding("react   hooks"))
	assert.Nil(t, sc.GetEmbedding("vue hooks"))
}

func TestResultCacheRoundTrip(t *testing.T) {
	sc := New(Config{})
	results := []types.SearchResult{{Preview: "preview text"}}
	key := ResultKey("q", nil)

	assert.Nil(t, sc.GetResults(key))
	sc.PutResults(key, results)
	assert.Equal(t, results, sc.GetResults(key))
}

func TestInvalidateResultsKeepsEmbeddings(t *testing.T) {
	sc := New(Config{})
	sc.PutEmbedding("q", []float32{1})
	sc.PutResults(ResultKey("q", nil), []types.SearchResult{{}})

	sc.InvalidateResults()

	assert.Nil(t, sc.GetResults(ResultKey("q", nil)))
	assert.NotNil(t, sc.GetEmbedding("q"))
}

func TestTTLExpiry(t *testing.T) {
	sc := New(Config{TTL: 20 * time.Millisecond})
	sc.PutEmbedding("q", []float32{1})
	assert.NotNil(t, sc.GetEmbedding("q"))

	time.Sleep(60 * time.Millisecond)
	assert.Nil(t, sc.GetEmbedding("q"))
}

func TestLRUEviction(t *testing.T) {
	sc := New(Config{QueryCacheSize: 2, ResultCacheSize: 2})
	sc.PutEmbedding("one", []float32{1})
	sc.PutEmbedding("two", []float32{2})
	sc.PutEmbedding("three", []float32{3})

	embeddings, _ := sc.Len()
	assert.Equal(t, 2, embeddings)
	assert.Nil(t, sc.GetEmbedding("one"))
}
