package llm

import (
	"context"
	"sync"
)

// miniMu serialises every call to the small-model backend. The classifier,
// the judge and the consolidator share a single GPU stream; concurrent
// completions there corrupt each other's KV cache.
var miniMu sync.Mutex

// MiniClient wraps the small-model client with the process-wide mutex.
type MiniClient struct {
	client *Client
}

// NewMiniClient wraps a Client as the serialised small-model endpoint.
func NewMiniClient(c *Client) *MiniClient {
	return &MiniClient{client: c}
}

// Generate runs a non-streaming completion while holding the shared lock.
func (m *MiniClient) Generate(ctx context.Context, prompt string) (string, error) {
	miniMu.Lock()
	defer miniMu.Unlock()
	return m.client.Generate(ctx, prompt)
}

// Healthy probes the small server without taking the lock.
func (m *MiniClient) Healthy(ctx context.Context) bool {
	return m.client.Healthy(ctx)
}
