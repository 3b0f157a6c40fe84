// Package cache provides the two search-path caches: normalized query →
// embedding vector, and normalized query + canonical filters → ranked result
// list. Both share an LRU + TTL primitive. A vector-store mutation clears the
// result cache only; embeddings stay valid across store writes.
package cache

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/forkdex/forkdex/pkg/types"
)

// Config sizes the caches. Zero values fall back to the defaults.
type Config struct {
	QueryCacheSize  int           // default 100
	ResultCacheSize int           // default 50
	TTL             time.Duration // default 5 minutes
}

func (c Config) withDefaults() Config {
	if c.QueryCacheSize <= 0 {
		c.QueryCacheSize = 100
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = 50
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	return c
}

// SearchCache holds the embedding and result caches.
type SearchCache struct {
	embeddings *expirable.LRU[string, []float32]
	results    *expirable.LRU[string, []types.SearchResult]
}

// New creates the caches.
func New(cfg Config) *SearchCache {
	cfg = cfg.withDefaults()
	return &SearchCache{
		embeddings: expirable.NewLRU[string, []float32](cfg.QueryCacheSize, nil, cfg.TTL),
		results:    expirable.NewLRU[string, []types.SearchResult](cfg.ResultCacheSize, nil, cfg.TTL),
	}
}

// NormalizeQuery canonicalizes a query for cache keying: lowercased, trimmed,
// inner whitespace collapsed.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// ResultKey builds the canonical result-cache key from a query and a filter
// map. Filter keys are sorted so equivalent filters share a key.
func ResultKey(query string, filters map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString(NormalizeQuery(query))
	sb.WriteString("|")

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := json.Marshal(filters[k])
		sb.WriteString(k)
		sb.WriteString("=")
		sb.Write(v)
		sb.WriteString(";")
	}
	return sb.String()
}

// GetEmbedding returns the cached vector for a query, or nil.
func (c *SearchCache) GetEmbedding(query string) []float32 {
	vec, ok := c.embeddings.Get(NormalizeQuery(query))
	if !ok {
		return nil
	}
	return vec
}

// PutEmbedding caches a query's vector.
func (c *SearchCache) PutEmbedding(query string, vec []float32) {
	c.embeddings.Add(NormalizeQuery(query), vec)
}

// GetResults returns the cached ranked list for a result key, or nil.
func (c *SearchCache) GetResults(key string) []types.SearchResult {
	results, ok := c.results.Get(key)
	if !ok {
		return nil
	}
	return results
}

// PutResults caches a ranked list under its key.
func (c *SearchCache) PutResults(key string, results []types.SearchResult) {
	c.results.Add(key, results)
}

// InvalidateResults clears the result cache. Wired to the vector store's
// mutation signal; the embedding cache is deliberately untouched.
func (c *SearchCache) InvalidateResults() {
	c.results.Purge()
}

// Len reports current entry counts (embeddings, results).
func (c *SearchCache) Len() (int, int) {
	return c.embeddings.Len(), c.results.Len()
}
