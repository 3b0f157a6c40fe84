// Package embedding turns text into fixed-dimension vectors. The model itself
// is an external collaborator reached over a loopback HTTP endpoint; this
// package owns batching, caching, pacing, and failure isolation around it.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ErrEmbeddingUnavailable is returned when the model cannot produce vectors.
// The gateway never silently substitutes zeros.
var ErrEmbeddingUnavailable = errors.New("embedding: model unavailable")

// Embedder produces one vector per input text, preserving order.
type Embedder interface {
	// EmbedBatch embeds texts in order. len(result) == len(texts) on success.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the fixed vector dimension d.
	Dimension() int
}

// ClientConfig holds the HTTP embedding client configuration.
type ClientConfig struct {
	// BaseURL is the model endpoint (default: http://127.0.0.1:11434).
	// Only loopback endpoints are expected; the service never reaches out.
	BaseURL string

	// Model is the embedding model name (default: nomic-embed-text).
	Model string

	// Dimension is the vector dimension the model produces (default: 768).
	Dimension int

	// Timeout is the per-request timeout (default: 60s — bulk batches are slow).
	Timeout time.Duration
}

// Client is an HTTP embedding client with circuit breaker protection. After
// three consecutive failures the breaker opens and calls fail fast with
// ErrEmbeddingUnavailable until a cool-down passes.
type Client struct {
	baseURL   string
	model     string
	dimension int
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
}

// embedRequest is the request body for the /api/embed endpoint.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the response from /api/embed: one embedding per input.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewClient creates an embedding client. Missing config values use defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 768
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Client{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		http:      &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "embedding-model",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Dimension returns the configured vector dimension.
func (c *Client) Dimension() int { return c.dimension }

// EmbedBatch embeds texts in order via a single model call, wrapped with the
// circuit breaker. Any failure — transport, HTTP status, shape mismatch, open
// breaker — surfaces as ErrEmbeddingUnavailable.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.embed(ctx, texts)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrEmbeddingUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	return result.([][]float32), nil
}

func (c *Client) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model returned %d: %s", resp.StatusCode, payload)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("model returned %d embeddings for %d inputs", len(parsed.Embeddings), len(texts))
	}
	for i, vec := range parsed.Embeddings {
		if len(vec) != c.dimension {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(vec), c.dimension)
		}
	}
	return parsed.Embeddings, nil
}
