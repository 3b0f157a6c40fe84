package embedding

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"

	"golang.org/x/time/rate"
)

// GatewayConfig configures the embedding gateway.
type GatewayConfig struct {
	BatchSize    int // initial batch size (default 32)
	MinBatchSize int // adaptive lower clamp (default 4)
	MaxBatchSize int // adaptive upper clamp (default 128)

	// MaxMemoryMB bounds the adaptive batch sizer; when the process heap
	// approaches this ceiling, batches shrink toward MinBatchSize.
	MaxMemoryMB int // default 2000

	// GCBetweenBatches issues an explicit memory-reclaim hint between model
	// batches. withDefaults leaves it as given (false when unset); the
	// config package's default turns it on.
	GCBetweenBatches bool
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 4
	}
	if c.MaxBatchSize < c.MinBatchSize {
		c.MaxBatchSize = 128
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = 2000
	}
	return c
}

// Gateway batches texts to the model, serving repeats from the persistent
// content-addressed cache. Model calls are serialized (embedding models are
// typically not re-entrant) and paced so bulk indexing does not starve
// interactive searches.
type Gateway struct {
	embedder Embedder
	cache    *DiskCache
	config   GatewayConfig

	// modelMu serializes model calls across goroutines.
	modelMu sync.Mutex

	// limiter paces batch submissions: a small sustained rate with burst
	// headroom for interactive single-query embeds.
	limiter *rate.Limiter
}

// NewGateway creates a gateway over an embedder and a disk cache. The cache
// may be nil for callers that want no persistence (tests).
func NewGateway(embedder Embedder, cache *DiskCache, cfg GatewayConfig) *Gateway {
	return &Gateway{
		embedder: embedder,
		cache:    cache,
		config:   cfg.withDefaults(),
		limiter:  rate.NewLimiter(rate.Limit(10), 10),
	}
}

// Dimension returns the underlying embedder's vector dimension.
func (g *Gateway) Dimension() int { return g.embedder.Dimension() }

// EmbedTexts embeds texts preserving input order. Cached texts cost nothing;
// misses are embedded in adaptive batches. On model failure the whole call
// fails with ErrEmbeddingUnavailable — no caller ever receives zero vectors.
func (g *Gateway) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))

	// Cache pass: collect misses, deduplicating identical texts.
	var (
		missTexts []string
		missIdx   = make(map[string][]int)
	)
	for i, text := range texts {
		if g.cache != nil {
			if vec := g.cache.Get(text); vec != nil {
				result[i] = vec
				continue
			}
		}
		if _, seen := missIdx[text]; !seen {
			missTexts = append(missTexts, text)
		}
		missIdx[text] = append(missIdx[text], i)
	}
	if len(missTexts) == 0 {
		return result, nil
	}

	// Model pass: adaptive batches over the misses.
	for start := 0; start < len(missTexts); {
		batch := g.adaptiveBatchSize()
		end := start + batch
		if end > len(missTexts) {
			end = len(missTexts)
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}

		g.modelMu.Lock()
		vectors, err := g.embedder.EmbedBatch(ctx, missTexts[start:end])
		g.modelMu.Unlock()
		if err != nil {
			return nil, err
		}

		for i, vec := range vectors {
			text := missTexts[start+i]
			for _, idx := range missIdx[text] {
				result[idx] = vec
			}
			if g.cache != nil {
				g.cache.Put(text, vec)
			}
		}

		start = end
		if g.config.GCBetweenBatches && start < len(missTexts) {
			runtime.GC()
		}
	}

	if g.cache != nil {
		if err := g.cache.Flush(); err != nil {
			log.Printf("embedding: cache flush failed: %v", err)
		}
	}
	return result, nil
}

// EmbedText embeds a single text.
func (g *Gateway) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Flush persists the disk cache.
func (g *Gateway) Flush() error {
	if g.cache == nil {
		return nil
	}
	return g.cache.Flush()
}

// adaptiveBatchSize recomputes the batch size from current heap pressure,
// clamped to [MinBatchSize, MaxBatchSize]. As the heap approaches the
// configured ceiling the batch steps down: to half of BatchSize when less
// than half the budget is free, to MinBatchSize when less than a quarter is.
func (g *Gateway) adaptiveBatchSize() int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	usedMB := int(ms.HeapAlloc / (1024 * 1024))
	budget := g.config.MaxMemoryMB

	size := g.config.BatchSize
	if usedMB > 0 && budget > 0 {
		free := budget - usedMB
		if free < budget/4 {
			size = g.config.MinBatchSize
		} else if free < budget/2 {
			size = g.config.BatchSize / 2
		}
	}

	if size < g.config.MinBatchSize {
		size = g.config.MinBatchSize
	}
	if size > g.config.MaxBatchSize {
		size = g.config.MaxBatchSize
	}
	return size
}
