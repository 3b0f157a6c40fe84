package session

import (
	"context"
	"sort"
	"strings"

	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/pkg/types"
)

// diffMatchThreshold is the cosine similarity above which two chunks are
// considered the same topic.
const diffMatchThreshold = 0.80

// DiffResult is the semantic comparison of two sessions.
type DiffResult struct {
	// Common holds topic snippets present in both sessions.
	Common []string `json:"common"`

	// UniqueToA / UniqueToB hold topic snippets found in only one session.
	UniqueToA []string `json:"unique_to_a"`
	UniqueToB []string `json:"unique_to_b"`

	// ContentSimilarity is the sum of the greedy matches' similarities divided
	// by the smaller session's chunk count, capped at 1.
	ContentSimilarity float64 `json:"content_similarity"`

	// TopicOverlap is the Jaccard overlap of the sessions' topic term sets.
	TopicOverlap float64 `json:"topic_overlap"`

	// Overall = 0.7·content + 0.3·topic_overlap.
	Overall float64 `json:"overall"`
}

// DiffService compares sessions semantically.
type DiffService struct {
	store vectorstore.VectorStore
}

// NewDiffService wires the diff service.
func NewDiffService(store vectorstore.VectorStore) *DiffService {
	return &DiffService{store: store}
}

// Compare diffs two sessions: greedy cosine pairing of their chunks above the
// match threshold plus topic-set overlap.
func (d *DiffService) Compare(ctx context.Context, idA, idB string) (*DiffResult, error) {
	chunksA, err := d.store.ChunksBySession(ctx, idA)
	if err != nil {
		return nil, err
	}
	chunksB, err := d.store.ChunksBySession(ctx, idB)
	if err != nil {
		return nil, err
	}

	result := &DiffResult{}

	// Greedy pairing: repeatedly take the highest-similarity unmatched pair
	// above the threshold.
	type pair struct {
		a, b int
		sim  float64
	}
	var pairs []pair
	for i, ca := range chunksA {
		for j, cb := range chunksB {
			sim := vectorstore.CosineSimilarity(ca.Embedding, cb.Embedding)
			if sim >= diffMatchThreshold {
				pairs = append(pairs, pair{a: i, b: j, sim: sim})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].sim > pairs[j].sim })

	matchedA := make(map[int]bool)
	matchedB := make(map[int]bool)
	simSum := 0.0
	matched := 0
	for _, p := range pairs {
		if matchedA[p.a] || matchedB[p.b] {
			continue
		}
		matchedA[p.a] = true
		matchedB[p.b] = true
		simSum += p.sim
		matched++
		result.Common = append(result.Common, snippet(chunksA[p.a].Text))
	}

	for i, c := range chunksA {
		if !matchedA[i] {
			result.UniqueToA = append(result.UniqueToA, snippet(c.Text))
		}
	}
	for j, c := range chunksB {
		if !matchedB[j] {
			result.UniqueToB = append(result.UniqueToB, snippet(c.Text))
		}
	}

	if matched > 0 {
		// Normalize over the smaller session so a subset relationship scores
		// high content similarity.
		denom := len(chunksA)
		if len(chunksB) < denom {
			denom = len(chunksB)
		}
		result.ContentSimilarity = simSum / float64(denom)
		if result.ContentSimilarity > 1 {
			result.ContentSimilarity = 1
		}
	}

	result.TopicOverlap = topicOverlap(chunksA, chunksB)
	result.Overall = 0.7*result.ContentSimilarity + 0.3*result.TopicOverlap
	return result, nil
}

// topicOverlap is the Jaccard index of the two sessions' term sets.
func topicOverlap(a, b []types.Chunk) float64 {
	termsA := sessionTerms(a)
	termsB := sessionTerms(b)
	if len(termsA) == 0 || len(termsB) == 0 {
		return 0
	}

	intersection := 0
	for term := range termsA {
		if termsB[term] {
			intersection++
		}
	}
	union := len(termsA) + len(termsB) - intersection
	return float64(intersection) / float64(union)
}

func sessionTerms(chunks []types.Chunk) map[string]bool {
	terms := make(map[string]bool)
	for _, c := range chunks {
		for term := range tokenize(c.Text) {
			terms[term] = true
		}
	}
	return terms
}

// snippet trims a chunk body to a short topic label.
func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > 120 {
		text = text[:120] + "…"
	}
	return text
}
