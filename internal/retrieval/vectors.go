package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// narrativeK is the raw fan-out of the narrative query before boost and cut.
const narrativeK = 15

// consolidatedSummary reads back a persistante/ record for the context swap.
// The consolidator writes canonical Interactions (summary in response, ids
// under meta), but older flat records with a top-level resume/session_id and
// a singular message_turn or plural message_turns are still honoured.
type consolidatedSummary struct {
	Resume       string `json:"resume"`
	Response     string `json:"response"`
	SessionID    string `json:"session_id"`
	MessageTurn  *int   `json:"message_turn"`
	MessageTurns []int  `json:"message_turns"`
	Meta         struct {
		SessionID   string                 `json:"session_id"`
		MessageTurn int                    `json:"message_turn"`
		Kind        string                 `json:"kind"`
		FreeData    map[string]interface{} `json:"free_data"`
	} `json:"meta"`
}

// summary returns the consolidated text regardless of record shape.
func (s *consolidatedSummary) summary() string {
	if s.Response != "" {
		return s.Response
	}
	return s.Resume
}

// covers reports whether the record belongs to the session and includes the
// given message turn.
func (s *consolidatedSummary) covers(sessionID string, turn int) bool {
	if s.SessionID != sessionID && s.Meta.SessionID != sessionID {
		return false
	}
	if s.MessageTurn != nil && *s.MessageTurn == turn {
		return true
	}
	if s.Meta.SessionID == sessionID && s.Meta.MessageTurn == turn {
		return true
	}
	for _, t := range s.MessageTurns {
		if t == turn {
			return true
		}
	}
	if raw, ok := s.Meta.FreeData["message_turns"].([]interface{}); ok {
		for _, v := range raw {
			if f, ok := v.(float64); ok && int(f) == turn {
				return true
			}
		}
	}
	return false
}

// RetrieveVectorContext queries the narrative store, swaps raw-history hits
// for their consolidated summaries when one exists, applies the intent boost
// and returns the top results by final score descending. Ties keep the ANN
// insertion order because the store sorts stably.
func (a *Agent) RetrieveVectorContext(ctx context.Context, query string, intent types.Intent) types.RetrievalResult {
	start := time.Now()
	log := logging.Get(logging.CategoryRetrieval)

	hits, err := a.narrative.Search(ctx, query, narrativeK)
	if err != nil {
		log.Warnw("narrative search failed", "err", err)
		return types.RetrievalResult{Elapsed: time.Since(start)}
	}

	type scored struct {
		atom  types.Atom
		score float64
	}
	candidates := make([]scored, 0, len(hits))

	boostTerms := intent.BoostTerms()
	for _, h := range hits {
		content, _ := h.Meta["content"].(string)
		title, _ := h.Meta["title"].(string)
		kind, _ := h.Meta["kind"].(string)
		score := h.Score

		// Context swap: a raw history hit whose summary already exists is
		// replaced by that summary.
		if path, _ := h.Meta["path"].(string); strings.Contains(path, "historique") {
			sessionID, _ := h.Meta["session_id"].(string)
			turn := metaInt(h.Meta, "message_turn")
			if sessionID != "" {
				if resume, sumTitle, ok := a.findConsolidatedSummary(sessionID, turn); ok {
					content, title, kind = resume, sumTitle, "consolidated_summary"
				}
			}
		}
		if content == "" {
			continue
		}
		if kind == "" {
			kind = "memory"
		}

		lowTitle := strings.ToLower(title)
		matches := 0
		for _, term := range boostTerms {
			if strings.Contains(lowTitle, term) {
				matches++
			}
		}
		if matches > 0 {
			score *= 1 + a.cfg.Scoring.BoostIntention*float64(matches)
		}

		candidates = append(candidates, scored{
			atom:  types.NewMemory(content, title, kind, score),
			score: score,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	limit := a.cfg.Limites.ResultatsFinaux
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	atoms := make([]types.Atom, 0, len(candidates))
	for _, c := range candidates {
		c.atom.Score = c.score
		a.auditor.CheckAtom(c.atom)
		atoms = append(atoms, c.atom)
	}

	elapsed := time.Since(start)
	return types.RetrievalResult{
		RawMemories:    atoms,
		ScannedCount:   len(hits),
		ElapsedSeconds: elapsed.Seconds(),
		Elapsed:        elapsed,
	}
}

func metaInt(meta map[string]interface{}, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return -1
}

// findConsolidatedSummary scans persistante/ for a summary covering the
// session and turn. The substring pre-filter keeps the scan cheap; the JSON
// parse confirms the match.
func (a *Agent) findConsolidatedSummary(sessionID string, turn int) (string, string, bool) {
	entries, err := os.ReadDir(a.layout.Persistante())
	if err != nil {
		return "", "", false
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(a.layout.Persistante(), e.Name())
		raw, err := os.ReadFile(path)
		if err != nil || !strings.Contains(string(raw), sessionID) {
			continue
		}
		var sum consolidatedSummary
		if err := json.Unmarshal(raw, &sum); err != nil {
			continue
		}
		if sum.covers(sessionID, turn) && sum.summary() != "" {
			return sum.summary(), e.Name(), true
		}
	}
	return "", "", false
}

// =============================================================================
// HISTORY
// =============================================================================

// namedInteraction pairs a per-turn record with its filename.
type namedInteraction struct {
	name string
	it   types.Interaction
}

// recentInteractions reads the newest limit turns from historique/ in
// chronological order. Timestamped filenames sort lexically, newest last.
func (a *Agent) recentInteractions(limit int) []namedInteraction {
	entries, err := os.ReadDir(a.layout.Historique())
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[len(names)-limit:]
	}

	var turns []namedInteraction
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(a.layout.Historique(), name))
		if err != nil {
			continue
		}
		var it types.Interaction
		if err := json.Unmarshal(raw, &it); err != nil {
			continue
		}
		turns = append(turns, namedInteraction{name: name, it: it})
	}
	return turns
}

// ChronologicalHistory returns the newest M turns from historique/ in
// chronological order, each swapped to its consolidated summary when one
// exists.
func (a *Agent) ChronologicalHistory(limit int) []types.Atom {
	if limit <= 0 {
		limit = a.cfg.Limites.HistoriqueRecent
	}
	var atoms []types.Atom
	for _, t := range a.recentInteractions(limit) {
		content := t.it.Prompt + "\n" + t.it.Response
		title := t.name
		kind := "raw_history"
		if resume, sumTitle, ok := a.findConsolidatedSummary(t.it.Meta.SessionID, t.it.Meta.MessageTurn); ok {
			content, title, kind = resume, sumTitle, "consolidated_summary"
		}
		atoms = append(atoms, types.NewMemory(content, title, kind, 1.0))
	}
	return atoms
}

// RecentExchanges returns the newest limit turns as raw prompt/response
// pairs, for seeding the role-alternating session history.
func (a *Agent) RecentExchanges(limit int) [][2]string {
	var out [][2]string
	for _, t := range a.recentInteractions(limit) {
		out = append(out, [2]string{t.it.Prompt, t.it.Response})
	}
	return out
}

// VerbatimSearch proves exact-phrase presence by string containment, never by
// token matching. Survivors carry the proven-verbatim score.
func (a *Agent) VerbatimSearch(ctx context.Context, phrase string) []types.Atom {
	if strings.TrimSpace(phrase) == "" {
		return nil
	}

	paths := a.locator.Find(ctx,
		[]string{`path:"` + a.layout.Historique() + `"`, phrase},
		a.cfg.Limites.RechercheEverythingMax)
	if len(paths) == 0 {
		// Fall back to scanning historique/ directly.
		entries, err := os.ReadDir(a.layout.Historique())
		if err != nil {
			return nil
		}
		for _, e := range entries {
			if !e.IsDir() {
				paths = append(paths, filepath.Join(a.layout.Historique(), e.Name()))
			}
		}
	}

	var atoms []types.Atom
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if !strings.Contains(string(raw), phrase) {
			continue
		}
		atoms = append(atoms, types.Atom{
			Variant: types.AtomMemory,
			Content: string(raw),
			Title:   fmt.Sprintf("verbatim: %s", filepath.Base(p)),
			Kind:    "verbatim_proven",
			Score:   10.0,
		})
	}
	return atoms
}
