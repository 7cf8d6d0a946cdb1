// Package locator wraps the OS-assisted file finder subprocess. It is the
// first discovery stage for rules, READMEs, documentation, historic files and
// project code; callers filter the returned paths by their own rules.
package locator

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
)

// Locator invokes the configured finder binary. The binary takes flags before
// positional tokens and understands path:"…", content:"…" and ext: filters.
type Locator struct {
	binaryPath string
	timeout    time.Duration

	// run is the exec seam; tests replace it.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New builds a locator around the given binary.
func New(binaryPath string) *Locator {
	if binaryPath == "" {
		binaryPath = "es"
	}
	return &Locator{
		binaryPath: binaryPath,
		timeout:    10 * time.Second,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Find resolves a query to absolute paths. query may be a string or a token
// list; limit bounds the result count. "No match" is never an error: non-zero
// exit codes and empty stdout both yield an empty slice.
func (l *Locator) Find(ctx context.Context, query interface{}, limit int) []string {
	tokens := normaliseQuery(query)
	if len(tokens) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	// Flags must precede positional tokens.
	args := []string{"-n", strconv.Itoa(limit)}
	args = append(args, tokens...)

	out, err := l.run(ctx, l.binaryPath, args...)
	if err != nil {
		// Exit code 1 and friends mean "nothing found" for finder binaries.
		logging.Get(logging.CategoryLocator).Debugw("finder returned error",
			"err", err, "query", tokens)
		return nil
	}

	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil
	}

	var paths []string
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

// normaliseQuery accepts a string or a []string and repairs known quoting
// edge cases (a trailing escaped quote left by upstream JSON decoding).
func normaliseQuery(query interface{}) []string {
	var tokens []string
	switch q := query.(type) {
	case string:
		tokens = strings.Fields(q)
	case []string:
		tokens = q
	case []interface{}:
		for _, e := range q {
			if s, ok := e.(string); ok {
				tokens = append(tokens, s)
			}
		}
	}

	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		tok = strings.TrimSuffix(tok, `\"`)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
