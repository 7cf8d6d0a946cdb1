// Package vector implements the dense semantic stores: an embedding engine
// plus a flat L2 index with a parallel metadata list, both persisted together
// on every mutation. Two independent instances exist at runtime: the
// narrative store (memories) and the legislative store (rules).
package vector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Name() string
}

// =============================================================================
// OLLAMA EMBEDDER
// =============================================================================

// OllamaEmbedder calls a local Ollama server's /api/embeddings endpoint.
type OllamaEmbedder struct {
	endpoint   string
	model      string
	dimensions int
	client     *http.Client
}

// NewOllamaEmbedder builds the HTTP embedder.
func NewOllamaEmbedder(endpoint, model string, dimensions int) *OllamaEmbedder {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if dimensions == 0 {
		dimensions = 768
	}
	return &OllamaEmbedder{
		endpoint:   endpoint,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding for one text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, string(b))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return result.Embedding, nil
}

// Dimensions returns the configured vector dimension.
func (e *OllamaEmbedder) Dimensions() int { return e.dimensions }

// Name identifies the engine.
func (e *OllamaEmbedder) Name() string { return "ollama:" + e.model }

// EmbedBatch embeds several texts with bounded parallelism. Ollama has no
// native batch endpoint.
func EmbedBatch(ctx context.Context, e Embedder, texts []string, parallelism int) ([][]float32, error) {
	if parallelism <= 0 {
		parallelism = 4
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("embed text %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// HASH EMBEDDER (deterministic, offline)
// =============================================================================

// HashEmbedder is a deterministic token-hashing embedder used in tests and as
// a degraded offline mode. Identical texts map to identical vectors.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder builds a hash embedder of the given dimension.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed hashes sliding trigrams into a fixed-size normalised vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimensions)
	if text == "" {
		return vec, nil
	}
	for i := 0; i+3 <= len(text); i++ {
		h := sha256.Sum256([]byte(text[i : i+3]))
		idx := int(binary.BigEndian.Uint32(h[:4])) % e.dimensions
		if idx < 0 {
			idx = -idx
		}
		vec[idx]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

// Dimensions returns the vector dimension.
func (e *HashEmbedder) Dimensions() int { return e.dimensions }

// Name identifies the engine.
func (e *HashEmbedder) Name() string { return "hash" }
