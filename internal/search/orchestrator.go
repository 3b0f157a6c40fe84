// Package search implements the query pipeline: cache probe, query embedding,
// filtered k-NN, session grouping, composite ranking, and preview building.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/forkdex/forkdex/internal/cache"
	"github.com/forkdex/forkdex/internal/ranker"
	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/pkg/types"
)

// embedderGateway is the slice of the embedding gateway the orchestrator uses.
type embedderGateway interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// preferenceSource supplies per-session preference records.
type preferenceSource interface {
	Preference(sessionID string) *types.Preference
}

// Config holds the orchestrator's tunables.
type Config struct {
	KChunks             int     // k-NN fan-out (default 200)
	TopNSessions        int     // results returned (default 5)
	PreviewLength       int     // preview characters (default 200)
	SimilarityThreshold float64 // ranker threshold (default 0.3)
	RecencyWeight       float64 // ranker recency weight (default 0.25)
}

func (c Config) withDefaults() Config {
	if c.KChunks <= 0 {
		c.KChunks = 200
	}
	if c.TopNSessions <= 0 {
		c.TopNSessions = 5
	}
	if c.PreviewLength <= 0 {
		c.PreviewLength = 200
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.3
	}
	return c
}

// Request is one search invocation.
type Request struct {
	Query          string
	Project        string   // exact project filter; empty means all
	Tags           []string // keep sessions carrying any of these tags
	TimeRange      *ranker.TimeRange
	IncludeArchive bool
	Limit          int // overrides TopNSessions when positive
}

// Orchestrator runs searches.
type Orchestrator struct {
	store    vectorstore.VectorStore
	registry *registry.Registry
	gateway  embedderGateway
	cache    *cache.SearchCache
	prefs    preferenceSource
	config   Config
}

// New creates a search orchestrator and subscribes the result cache to the
// store's mutation signal. prefs may be nil when preference boosting is off.
func New(store vectorstore.VectorStore, reg *registry.Registry, gateway embedderGateway,
	sc *cache.SearchCache, prefs preferenceSource, cfg Config) *Orchestrator {

	o := &Orchestrator{
		store:    store,
		registry: reg,
		gateway:  gateway,
		cache:    sc,
		prefs:    prefs,
		config:   cfg.withDefaults(),
	}
	if sc != nil {
		store.OnMutation(sc.InvalidateResults)
	}
	return o
}

// Search runs the full pipeline for a request.
func (o *Orchestrator) Search(ctx context.Context, req Request) ([]types.SearchResult, error) {
	key := o.resultKey(req)
	if o.cache != nil {
		if cached := o.cache.GetResults(key); cached != nil {
			return cached, nil
		}
	}

	// Query embedding: cache, then model.
	var queryVec []float32
	if o.cache != nil {
		queryVec = o.cache.GetEmbedding(req.Query)
	}
	if queryVec == nil {
		vec, err := o.gateway.EmbedText(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		queryVec = vec
		if o.cache != nil {
			o.cache.PutEmbedding(req.Query, queryVec)
		}
	}

	filter := vectorstore.Filter{Project: req.Project, Tags: normalizeTags(req.Tags)}
	if req.TimeRange != nil {
		filter.Since = req.TimeRange.From
		filter.Until = req.TimeRange.To
	}

	partitions := []types.Partition{types.PartitionActive}
	if req.IncludeArchive {
		partitions = append(partitions, types.PartitionArchive)
	}

	hits, err := o.store.Search(ctx, queryVec, o.config.KChunks, filter, partitions...)
	if err != nil {
		return nil, fmt.Errorf("search: store: %w", err)
	}

	results := o.rank(req, hits)

	if o.cache != nil {
		o.cache.PutResults(key, results)
	}
	return results, nil
}

// rank groups hits by session, scores them, and builds previews.
func (o *Orchestrator) rank(req Request, hits []types.ChunkHit) []types.SearchResult {
	bySession := make(map[string][]types.ChunkHit)
	for _, h := range hits {
		bySession[h.Chunk.SessionID] = append(bySession[h.Chunk.SessionID], h)
	}

	r := &ranker.Ranker{
		SimilarityThreshold: o.config.SimilarityThreshold,
		RecencyWeight:       o.config.RecencyWeight,
	}

	var (
		inputs   []ranker.Input
		sessions = make(map[string]*types.Session)
	)
	for sessionID, sessionHits := range bySession {
		sess, err := o.registry.Get(sessionID)
		if err != nil {
			// Chunks without a registry row are orphans from a crashed index
			// run. Skip them; registry reconciliation only corrects counts of
			// registered sessions and does not remove such chunks.
			continue
		}
		sessions[sessionID] = sess

		sims := make([]float64, len(sessionHits))
		var markers []types.MemoryType
		seen := make(map[types.MemoryType]bool)
		for i, h := range sessionHits {
			sims[i] = h.Similarity
			for _, mt := range h.Chunk.MemoryTypes {
				if !seen[mt] {
					seen[mt] = true
					markers = append(markers, mt)
				}
			}
		}

		var pref *types.Preference
		if o.prefs != nil {
			pref = o.prefs.Preference(sessionID)
		}

		inputs = append(inputs, ranker.Input{
			Session:      sess,
			Similarities: sims,
			MemoryTypes:  markers,
			Preference:   pref,
			TimeRange:    req.TimeRange,
		})
	}

	scores := r.Rank(inputs)

	topN := o.config.TopNSessions
	if req.Limit > 0 {
		topN = req.Limit
	}
	if len(scores) > topN {
		scores = scores[:topN]
	}

	results := make([]types.SearchResult, 0, len(scores))
	for _, score := range scores {
		sessionHits := bySession[score.SessionID]
		top := topChunks(sessionHits, 3)
		results = append(results, types.SearchResult{
			Session:   sessions[score.SessionID],
			Score:     score,
			Preview:   buildPreview(top, o.config.PreviewLength),
			TopChunks: top,
		})
	}
	return results
}

// resultKey builds the canonical cache key for a request.
func (o *Orchestrator) resultKey(req Request) string {
	filters := map[string]interface{}{}
	if req.Project != "" {
		filters["project"] = req.Project
	}
	if tags := normalizeTags(req.Tags); len(tags) > 0 {
		filters["tags"] = tags
	}
	if req.TimeRange != nil {
		filters["from"] = req.TimeRange.From
		filters["to"] = req.TimeRange.To
	}
	if req.IncludeArchive {
		filters["include_archive"] = true
	}
	if req.Limit > 0 {
		filters["limit"] = req.Limit
	}
	return cache.ResultKey(req.Query, filters)
}

// topChunks returns up to n hits by similarity descending.
func topChunks(hits []types.ChunkHit, n int) []types.ChunkHit {
	sorted := make([]types.ChunkHit, len(hits))
	copy(sorted, hits)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Similarity > sorted[j].Similarity
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// buildPreview concatenates the hit texts and trims to maxLen on a word
// boundary, appending an ellipsis when truncated.
func buildPreview(hits []types.ChunkHit, maxLen int) string {
	var parts []string
	for _, h := range hits {
		text := strings.TrimSpace(h.Chunk.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	preview := strings.Join(parts, " … ")
	if len(preview) <= maxLen {
		return preview
	}

	cut := preview[:maxLen]
	if idx := strings.LastIndexAny(cut, " \n\t"); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "…"
}

func normalizeTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
