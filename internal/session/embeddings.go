// Package session hosts the stateful helper services that share the registry
// and vector store: tagging, summaries, session diffing, duplicate detection,
// clustering, and archive management.
package session

import (
	"context"
	"math"

	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/pkg/types"
)

// SessionEmbedding computes a session-level embedding: the mean of its chunk
// embeddings, L2-normalized. Returns nil when the session has no embedded
// chunks.
func SessionEmbedding(ctx context.Context, store vectorstore.VectorStore, sessionID string) ([]float64, error) {
	chunks, err := store.ChunksBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return MeanEmbedding(chunks), nil
}

// MeanEmbedding is the L2-normalized mean of the chunks' embeddings.
func MeanEmbedding(chunks []types.Chunk) []float64 {
	var mean []float64
	n := 0
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		if mean == nil {
			mean = make([]float64, len(c.Embedding))
		}
		if len(c.Embedding) != len(mean) {
			continue
		}
		for i, v := range c.Embedding {
			mean[i] += float64(v)
		}
		n++
	}
	if n == 0 {
		return nil
	}

	norm := 0.0
	for i := range mean {
		mean[i] /= float64(n)
		norm += mean[i] * mean[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil
	}
	for i := range mean {
		mean[i] /= norm
	}
	return mean
}

// Cosine is cosine similarity over float64 vectors.
func Cosine(a, b []float64) float64 { return cosine64(a, b) }

// cosine64 is cosine similarity over float64 vectors.
func cosine64(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
