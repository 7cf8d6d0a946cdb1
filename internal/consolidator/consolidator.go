// Package consolidator distils idle sessions into classified summaries. The
// summaries replace raw history during retrieval (context swap) and feed the
// training dataset, so raw turns only ever need to survive until their
// session goes quiet.
package consolidator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/index"
	"github.com/Maxime-Gagne/secondmind/internal/jsonx"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/memory"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// Streamer is the large-model seam: consolidation streams so it can stop at
// the terminator without paying for the rest of the generation.
type Streamer interface {
	Stream(ctx context.Context, prompt string) (<-chan string, <-chan error)
}

// Consolidator is the deferred background worker.
type Consolidator struct {
	cfg config.ConsolidatorConfig
	mgr *memory.Manager
	llm Streamer
	now func() time.Time
}

// New builds a consolidator over the memory manager.
func New(cfg config.ConsolidatorConfig, mgr *memory.Manager, llm Streamer) *Consolidator {
	return &Consolidator{cfg: cfg, mgr: mgr, llm: llm, now: time.Now}
}

// =============================================================================
// STATE FILE
// =============================================================================

// state tracks consumed history files so a crash never consolidates twice.
type state struct {
	Processed []string `json:"processed"`
	LastRun   string   `json:"last_run"`
}

func (c *Consolidator) loadState() *state {
	st := &state{}
	raw, err := os.ReadFile(c.mgr.Layout().StateFile())
	if err == nil {
		json.Unmarshal(raw, st)
	}
	return st
}

func (c *Consolidator) saveState(st *state) error {
	st.LastRun = c.now().Format(time.RFC3339)
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.mgr.Layout().StateFile() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.mgr.Layout().StateFile())
}

// LastRun returns the previous run time, zero when never run.
func (c *Consolidator) LastRun() time.Time {
	st := c.loadState()
	if st.LastRun == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, st.LastRun)
	if err != nil {
		return time.Time{}
	}
	return t
}

// =============================================================================
// SESSION GROUPING
// =============================================================================

type turn struct {
	file string
	it   types.Interaction
	ts   time.Time
}

// groupSessions walks historique/, skips already-processed files and groups
// the rest chronologically by session.
func (c *Consolidator) groupSessions() map[string][]turn {
	processed := map[string]struct{}{}
	for _, f := range c.loadState().Processed {
		processed[f] = struct{}{}
	}

	entries, err := os.ReadDir(c.mgr.Layout().Historique())
	if err != nil {
		return nil
	}

	groups := map[string][]turn{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if _, done := processed[e.Name()]; done {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(c.mgr.Layout().Historique(), e.Name()))
		if err != nil {
			continue
		}
		var it types.Interaction
		if err := json.Unmarshal(raw, &it); err != nil || it.Meta.SessionID == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, it.Meta.Timestamp)
		if err != nil {
			ts = time.Time{}
		}
		groups[it.Meta.SessionID] = append(groups[it.Meta.SessionID], turn{file: e.Name(), it: it, ts: ts})
	}

	for id := range groups {
		g := groups[id]
		sort.Slice(g, func(i, j int) bool { return g[i].ts.Before(g[j].ts) })
		groups[id] = g
	}
	return groups
}

// =============================================================================
// CONSOLIDATION
// =============================================================================

const (
	msgDelimiter  = "=== MSG %d ==="
	endTerminator = "=== FIN DE SESSION ==="
)

// Run consolidates every session idle for longer than the configured timeout.
// Returns the number of sessions consolidated.
func (c *Consolidator) Run(ctx context.Context) (int, error) {
	log := logging.Get(logging.CategoryConsolidator)
	timeout := time.Duration(c.cfg.ProcesseurPersistante.TimeoutSessionHeures * float64(time.Hour))

	groups := c.groupSessions()
	done := 0
	for sessionID, turns := range groups {
		if len(turns) == 0 {
			continue
		}
		last := turns[len(turns)-1].ts
		if c.now().Sub(last) <= timeout {
			continue
		}
		if err := c.consolidateSession(ctx, sessionID, turns); err != nil {
			log.Errorw("session consolidation failed", "session", sessionID, "err", err)
			continue
		}
		done++
	}
	// Stamp last_run even when every session was still active, otherwise the
	// boot catch-up keeps rescheduling itself on each start.
	if err := c.saveState(c.loadState()); err != nil {
		log.Warnw("state save failed", "err", err)
	}
	return done, nil
}

// buildPrompt numbers the messages and demands one JSON block per message
// between explicit delimiters, ending with the terminator.
func (c *Consolidator) buildPrompt(turns []turn) string {
	var sb strings.Builder
	sb.WriteString("Voici une session complète à consolider.\n\n")
	for i, t := range turns {
		fmt.Fprintf(&sb, "[%d] User: %s\n[%d] Assistant: %s\n", i+1, t.it.Prompt, i+1, t.it.Response)
	}
	sb.WriteString(fmt.Sprintf(`
Pour CHAQUE message numéroté, produis exactement un bloc:
%s
{"subject": "...", "action": "...", "category": "...", "summary": "..."}

subject ∈ {MEMOIRE, CODE, PROJET, SYSTEME, GENERAL}; action ∈ {CREER, MODIFIER, EXPLIQUER, CHERCHER, ANALYSER}; category ∈ {ANALYSE, CODE, AGENT, PLAN, DIALOGUE}.
Termine par la ligne:
%s
`, fmt.Sprintf(msgDelimiter, 1), endTerminator))
	return sb.String()
}

// collectStreaming consumes tokens until the terminator appears, then stops
// the generation early.
func (c *Consolidator) collectStreaming(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tokens, errs := c.llm.Stream(ctx, prompt)
	var sb strings.Builder
	for tokens != nil || errs != nil {
		select {
		case tok, ok := <-tokens:
			if !ok {
				tokens = nil
				continue
			}
			sb.WriteString(tok)
			if strings.Contains(sb.String(), endTerminator) {
				return sb.String(), nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return sb.String(), err
			}
		}
	}
	return sb.String(), nil
}

// summaryBlock is one parsed per-message result.
type summaryBlock struct {
	Subject  string `json:"subject"`
	Action   string `json:"action"`
	Category string `json:"category"`
	Summary  string `json:"summary"`
}

// parseBlocks splits the model output on MSG delimiters and parses each block
// with the repair ladder.
func parseBlocks(output string) []summaryBlock {
	output = strings.Split(output, endTerminator)[0]
	parts := splitOnDelimiters(output)

	var blocks []summaryBlock
	for _, part := range parts {
		var b summaryBlock
		raw := jsonx.Extract(part)
		if raw == "" {
			continue
		}
		if !jsonx.DecodeInto(jsonx.RepairTrailingCommas(raw), &b) {
			continue
		}
		if b.Summary == "" {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// splitOnDelimiters cuts the output at every "=== MSG n ===" line.
func splitOnDelimiters(s string) []string {
	var parts []string
	for {
		i := strings.Index(s, "=== MSG ")
		if i < 0 {
			if strings.TrimSpace(s) != "" {
				parts = append(parts, s)
			}
			return parts
		}
		head := s[:i]
		if strings.TrimSpace(head) != "" {
			parts = append(parts, head)
		}
		s = s[i+len("=== MSG "):]
		if j := strings.Index(s, "==="); j >= 0 {
			s = s[j+3:]
		}
	}
}

// consolidateSession runs the model over one session and persists every
// parsed summary. The state file is committed once per session, after all
// writes succeed.
func (c *Consolidator) consolidateSession(ctx context.Context, sessionID string, turns []turn) error {
	log := logging.Get(logging.CategoryConsolidator)

	output, err := c.collectStreaming(ctx, c.buildPrompt(turns))
	if err != nil {
		return fmt.Errorf("consolidation stream: %w", err)
	}
	blocks := parseBlocks(output)
	if len(blocks) == 0 {
		return fmt.Errorf("no parseable summary block for session %s", sessionID)
	}

	for i, b := range blocks {
		if i >= len(turns) {
			break
		}
		src := turns[i]
		intent := types.NewIntent(src.it.Prompt, b.Subject, b.Action, b.Category)

		if err := c.persistSummary(ctx, sessionID, src, intent, b.Summary, turns); err != nil {
			return err
		}
		if err := c.appendTrainingSample(src.it.Prompt, intent); err != nil {
			log.Warnw("training sample rejected", "err", err)
		}
	}

	// Commit the consumed files atomically per session.
	st := c.loadState()
	for _, t := range turns {
		st.Processed = append(st.Processed, t.file)
	}
	return c.saveState(st)
}

func (c *Consolidator) persistSummary(ctx context.Context, sessionID string, src turn, intent types.Intent, summary string, turns []turn) error {
	suffix := make([]byte, 2)
	rand.Read(suffix)
	name := fmt.Sprintf("%s_%s_%s_%s_%s.json",
		string(intent.Subject), string(intent.Act), string(intent.Category),
		c.now().Format("20060102_150405"), hex.EncodeToString(suffix))
	path := filepath.Join(c.mgr.Layout().Persistante(), name)

	var msgTurns []int
	for _, t := range turns {
		msgTurns = append(msgTurns, t.it.Meta.MessageTurn)
	}

	// The summary is persisted as a canonical Interaction whose response is
	// the summary text, so the same reader serves historique/ and persistante/.
	record := types.Interaction{
		Prompt:   src.it.Prompt,
		Response: summary,
		Intent:   intent,
		Meta: types.Meta{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			MessageTurn: src.it.Meta.MessageTurn,
			Timestamp:   c.now().Format(time.RFC3339Nano),
			SourceAgent: "DeferredConsolidator",
			Kind:        "batch_summary",
			LenContent:  len(src.it.Prompt) + len(summary),
			FreeData: map[string]interface{}{
				"source":        "consolidation_global",
				"message_turns": msgTurns,
			},
		},
	}
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}

	if err := c.mgr.Narrative().AddFragment(ctx, summary, map[string]interface{}{
		"kind": "batch_summary", "session_id": sessionID,
		"message_turn": src.it.Meta.MessageTurn, "title": name, "path": path,
	}); err != nil {
		logging.Get(logging.CategoryConsolidator).Warnw("summary vectorisation failed", "err", err)
	}

	return c.mgr.Inverted().Update(index.Entry{
		Path:        path,
		Filename:    name,
		Content:     summary,
		Kind:        "batch_summary",
		Timestamp:   c.now().Format(time.RFC3339),
		SubjectTag:  string(intent.Subject),
		ActionTag:   string(intent.Act),
		CategoryTag: string(intent.Category),
		SessionID:   sessionID,
		MessageTurn: src.it.Meta.MessageTurn,
	})
}

// =============================================================================
// TRAINING DATASET
// =============================================================================

var droppedPrefixes = []string{"+1", "-1", "recherche_web", "rechercher_memoire", "exit", "quit"}

// trainingSample is one line of batch_dataset.jsonl.
type trainingSample struct {
	Prompt   string `json:"prompt"`
	Subject  string `json:"subject"`
	Action   string `json:"action"`
	Category string `json:"category"`
}

// appendTrainingSample applies the quality gate and appends a dataset line.
func (c *Consolidator) appendTrainingSample(prompt string, intent types.Intent) error {
	trimmed := strings.TrimSpace(prompt)
	low := strings.ToLower(trimmed)
	for _, p := range droppedPrefixes {
		if strings.HasPrefix(low, p) {
			return fmt.Errorf("command prefix %q", p)
		}
	}
	if len(trimmed) < 10 {
		return fmt.Errorf("too short (%d chars)", len(trimmed))
	}
	if len(strings.Fields(trimmed)) < 3 {
		return fmt.Errorf("too few words")
	}
	if strings.Contains(strings.ToLower(string(intent.Subject)), "inconnu") {
		return fmt.Errorf("unknown subject")
	}
	if len(trimmed) > 2000 {
		trimmed = trimmed[:2000]
	}

	path := filepath.Join(c.mgr.Layout().TrainingCentre(), "batch_dataset.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(trainingSample{
		Prompt:  trimmed,
		Subject: string(intent.Subject), Action: string(intent.Act),
		Category: string(intent.Category),
	})
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}
