package orchestrator

import (
	"sync"
	"time"
)

// StatEntry is the cumulative call record for one agent.
type StatEntry struct {
	Calls     int     `json:"calls"`
	Errors    int     `json:"errors"`
	LatencyMS float64 `json:"latency_ms"`
}

// AgentStats intercepts agent method calls and records per-agent counters.
// The orchestrator wraps every delegated call through Observe.
type AgentStats struct {
	mu      sync.Mutex
	entries map[string]*StatEntry
}

// NewAgentStats builds an empty interceptor.
func NewAgentStats() *AgentStats {
	return &AgentStats{entries: map[string]*StatEntry{}}
}

// Observe runs fn and records its latency and error outcome under agent.
func (s *AgentStats) Observe(agent string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	s.mu.Lock()
	e, ok := s.entries[agent]
	if !ok {
		e = &StatEntry{}
		s.entries[agent] = e
	}
	e.Calls++
	if err != nil {
		e.Errors++
	}
	e.LatencyMS += float64(elapsed.Milliseconds())
	s.mu.Unlock()
	return err
}

// Snapshot returns a copy of the current counters.
func (s *AgentStats) Snapshot() map[string]StatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StatEntry, len(s.entries))
	for k, v := range s.entries {
		out[k] = *v
	}
	return out
}
