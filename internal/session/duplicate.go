package session

import (
	"context"
	"sort"

	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/vectorstore"
)

// duplicateMinChunks is the minimum chunk count for a session to be
// considered in duplicate detection; tiny sessions pair spuriously.
const duplicateMinChunks = 3

// DuplicatePair is a pair of sessions whose session-level embeddings exceed
// the similarity threshold.
type DuplicatePair struct {
	SessionA   string  `json:"session_a"`
	SessionB   string  `json:"session_b"`
	Similarity float64 `json:"similarity"`
}

// DuplicateService finds near-duplicate sessions.
type DuplicateService struct {
	registry *registry.Registry
	store    vectorstore.VectorStore

	// Threshold is the session-level similarity above which a pair is
	// reported (default 0.85).
	Threshold float64
}

// NewDuplicateService wires the duplicate detector.
func NewDuplicateService(reg *registry.Registry, store vectorstore.VectorStore) *DuplicateService {
	return &DuplicateService{registry: reg, store: store, Threshold: 0.85}
}

// Find returns duplicate pairs, highest similarity first. Sessions with fewer
// than three chunks are skipped.
func (d *DuplicateService) Find(ctx context.Context) ([]DuplicatePair, error) {
	sessions := d.registry.List(registry.ListFilter{})

	type embedded struct {
		id  string
		vec []float64
	}
	var candidates []embedded
	for _, s := range sessions {
		if s.ChunkCount < duplicateMinChunks {
			continue
		}
		vec, err := SessionEmbedding(ctx, d.store, s.ID)
		if err != nil {
			return nil, err
		}
		if vec == nil {
			continue
		}
		candidates = append(candidates, embedded{id: s.ID, vec: vec})
	}

	var pairs []DuplicatePair
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			sim := cosine64(candidates[i].vec, candidates[j].vec)
			if sim >= d.Threshold {
				pairs = append(pairs, DuplicatePair{
					SessionA:   candidates[i].id,
					SessionB:   candidates[j].id,
					Similarity: sim,
				})
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Similarity > pairs[j].Similarity })
	return pairs, nil
}
