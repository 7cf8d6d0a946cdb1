package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maxime-Gagne/secondmind/internal/config"
)

func testModelConfig(url string) config.ModelConfig {
	return config.ModelConfig{
		ServerURL:  url,
		TimeoutSec: 5,
		Generation: config.GenerationConfig{
			MaxTokens:   64,
			Temperature: 0.1,
			TopP:        0.9,
			StopTokens:  []string{"<|im_end|>"},
		},
	}
}

func TestGenerateTrimsStopToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content": "hello world<|im_end|>", "stop": true}`)
	}))
	defer srv.Close()

	c := NewClient(testModelConfig(srv.URL))
	out, err := c.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestGenerateStructuredErrorOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(testModelConfig(srv.URL))
	_, err := c.Generate(context.Background(), "hi")
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusBadRequest, ce.Status)
}

func TestGenerateNetworkErrorIsSoft(t *testing.T) {
	c := NewClient(testModelConfig("http://127.0.0.1:1"))
	_, err := c.Generate(context.Background(), "hi")
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Zero(t, ce.Status)
}

func TestStreamYieldsTokensUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\": \"Hel\"}\n\n")
		fmt.Fprint(w, "data: {\"content\": \"lo\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(testModelConfig(srv.URL))
	tokens, errs := c.Stream(context.Background(), "hi")

	var got string
	for tok := range tokens {
		got += tok
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "Hello", got)
}

func TestStreamLocalStopTokenGuard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\": \"answer\"}\n\n")
		// Server fails to honour stop; the client must cut locally.
		fmt.Fprint(w, "data: {\"content\": \"<|im_end|>leak\"}\n\n")
		fmt.Fprint(w, "data: {\"content\": \"more leak\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(testModelConfig(srv.URL))
	tokens, errs := c.Stream(context.Background(), "hi")

	var got string
	for tok := range tokens {
		got += tok
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "answer", got)
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(testModelConfig(srv.URL))
	assert.True(t, c.Healthy(context.Background()))

	down := NewClient(testModelConfig("http://127.0.0.1:1"))
	assert.False(t, down.Healthy(context.Background()))
}

func TestMiniClientSerialises(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content": "ok"}`)
	}))
	defer srv.Close()

	mini := NewMiniClient(NewClient(testModelConfig(srv.URL)))
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			_, _ = mini.Generate(context.Background(), "x")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
