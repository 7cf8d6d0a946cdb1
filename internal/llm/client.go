// Package llm talks to the two local inference servers: a large model for
// generation and a small model for classification and judging. Both expose a
// llama.cpp-style /completion endpoint with SSE streaming and a /health probe.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
)

// ClientError is a structured soft failure: callers treat 4xx and network
// errors alike as abstentions, never as fatal conditions.
type ClientError struct {
	Status int
	Body   string
	Err    error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm client: %v", e.Err)
	}
	return fmt.Sprintf("llm client: HTTP %d: %s", e.Status, e.Body)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Client is one completion server endpoint.
type Client struct {
	serverURL  string
	generation config.GenerationConfig
	httpClient *http.Client
}

// NewClient builds a client from one model profile.
func NewClient(mc config.ModelConfig) *Client {
	timeout := time.Duration(mc.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	return &Client{
		serverURL:  strings.TrimRight(mc.ServerURL, "/"),
		generation: mc.Generation,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// completionRequest is the llama.cpp server request body.
type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop,omitempty"`
	CachePrompt bool     `json:"cache_prompt"`
	Stream      bool     `json:"stream"`
}

// completionChunk is one SSE data payload or the non-streaming body.
type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// Healthy probes the /health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) newRequest(ctx context.Context, prompt string, stream bool) (*http.Request, error) {
	body := completionRequest{
		Prompt:      prompt,
		NPredict:    c.generation.MaxTokens,
		Temperature: c.generation.Temperature,
		TopP:        c.generation.TopP,
		Stop:        c.generation.StopTokens,
		CachePrompt: c.generation.CachePrompt,
		Stream:      stream,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/completion", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Stream posts a streaming completion and yields tokens on the returned
// channel. The channel closes on [DONE], HTTP error, or when a stop token is
// observed locally (belt-and-braces guard on top of the server-side stop).
func (c *Client) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	tokens := make(chan string, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		req, err := c.newRequest(ctx, prompt, true)
		if err != nil {
			errs <- &ClientError{Err: err}
			return
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			errs <- &ClientError{Err: err}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			errs <- &ClientError{Status: resp.StatusCode, Body: string(body)}
			return
		}

		var emitted strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}
			var chunk completionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Content != "" {
				emitted.WriteString(chunk.Content)
				if stop, clean := c.hitStopToken(emitted.String()); stop {
					if remainder := c.trailingClean(clean, chunk.Content); remainder != "" {
						tokens <- remainder
					}
					return
				}
				select {
				case tokens <- chunk.Content:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Stop {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- &ClientError{Err: err}
		}
	}()

	return tokens, errs
}

// hitStopToken reports whether the accumulated output contains a stop token
// and returns the output truncated at that token.
func (c *Client) hitStopToken(acc string) (bool, string) {
	for _, st := range c.generation.StopTokens {
		if st == "" {
			continue
		}
		if idx := strings.Index(acc, st); idx >= 0 {
			return true, acc[:idx]
		}
	}
	return false, ""
}

// trailingClean returns the part of the final chunk that precedes the stop
// token, so callers still receive text emitted in the same chunk.
func (c *Client) trailingClean(clean, lastChunk string) string {
	already := len(clean) - len(lastChunk)
	if already < 0 {
		return clean
	}
	if already >= len(clean) {
		return ""
	}
	return clean[already:]
}

// Generate performs a non-streaming completion and trims any trailing stop
// token from the response.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	req, err := c.newRequest(ctx, prompt, false)
	if err != nil {
		return "", &ClientError{Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ClientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ClientError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		logging.Get(logging.CategoryLLM).Warnw("completion failed",
			"status", resp.StatusCode, "url", c.serverURL)
		return "", &ClientError{Status: resp.StatusCode, Body: string(body)}
	}

	var chunk completionChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return "", &ClientError{Err: fmt.Errorf("decode response: %w", err)}
	}

	out := chunk.Content
	for _, st := range c.generation.StopTokens {
		out = strings.TrimSuffix(strings.TrimSpace(out), st)
	}
	return strings.TrimSpace(out), nil
}
