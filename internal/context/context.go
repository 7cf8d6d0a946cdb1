// Package context aggregates governance rules, READMEs, judged memories and
// session history into the ContextResult handed to the prompt builder. The
// aggregate is guaranteed non-empty: fallback atoms are injected wherever a
// stage comes back dry, because the schema forbids empty sections.
package context

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/judge"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/retrieval"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// truthTag is the reserved tag whose rules are always active.
const truthTag = "truth"

// Agent builds the per-turn context. Session history is an in-memory ring
// buffer seeded from historique/ on cold start.
type Agent struct {
	cfg     config.ContextConfig
	orchCfg config.OrchestratorConfig
	ret     *retrieval.Agent
	judge   *judge.Judge
	auditor *types.Auditor

	symbolic map[*regexp.Regexp][]string
	triggers map[string]*regexp.Regexp

	histMu  sync.Mutex
	history []string
}

// NewAgent compiles the rule-activation patterns and seeds the history.
func NewAgent(cfg config.ContextConfig, orchCfg config.OrchestratorConfig,
	ret *retrieval.Agent, j *judge.Judge, auditor *types.Auditor) *Agent {

	a := &Agent{
		cfg:      cfg,
		orchCfg:  orchCfg,
		ret:      ret,
		judge:    j,
		auditor:  auditor,
		symbolic: map[*regexp.Regexp][]string{},
		triggers: map[string]*regexp.Regexp{},
	}
	log := logging.Get(logging.CategoryContext)
	for pattern, ids := range cfg.SymbolicRules {
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Warnw("invalid symbolic rule pattern", "pattern", pattern, "err", err)
			continue
		}
		a.symbolic[re] = ids
	}
	for tag, pattern := range cfg.TriggersCategories {
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Warnw("invalid trigger pattern", "tag", tag, "err", err)
			continue
		}
		a.triggers[tag] = re
	}
	a.seedHistory()
	return a
}

// seedHistory reloads the latest turns from disk so a restart keeps its
// conversational thread. Each past turn contributes a user entry and an
// assistant entry, matching what PushHistory appends live.
func (a *Agent) seedHistory() {
	max := a.orchCfg.MaxHistorySession
	for _, ex := range a.ret.RecentExchanges(max / 2) {
		a.history = append(a.history, ex[0], ex[1])
	}
	if max > 0 && len(a.history) > max {
		a.history = a.history[len(a.history)-max:]
	}
}

// PushHistory appends one user/assistant exchange to the ring buffer.
func (a *Agent) PushHistory(userMsg, assistantMsg string) {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	a.history = append(a.history, userMsg, assistantMsg)
	max := a.orchCfg.MaxHistorySession
	if max > 0 && len(a.history) > max {
		a.history = a.history[len(a.history)-max:]
	}
}

// History returns a copy of the current buffer.
func (a *Agent) History() []string {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}

// Build runs the activation pipeline and assembles the validated context.
func (a *Agent) Build(ctx context.Context, intent types.Intent, res types.RetrievalResult) types.ContextResult {
	lowPrompt := strings.ToLower(intent.Prompt)
	seen := map[string]struct{}{}

	var rules []types.Atom
	add := func(dst *[]types.Atom, atoms ...types.Atom) {
		for _, at := range atoms {
			key := at.Title
			if key == "" {
				key = at.Content
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			*dst = append(*dst, at)
		}
	}

	// 1. Symbolic rules: regex over the prompt activates named rule files.
	for re, ids := range a.symbolic {
		if !re.MatchString(lowPrompt) {
			continue
		}
		for _, id := range ids {
			add(&rules, a.ret.RulesByTag(id)...)
		}
	}

	// 2. Category triggers.
	for tag, re := range a.triggers {
		if re.MatchString(lowPrompt) {
			add(&rules, a.ret.RulesByTag(tag)...)
		}
	}

	// 3. Truth rules are unconditional.
	add(&rules, a.ret.RulesByTag(truthTag)...)

	// 4. Base rule fallback before the semantic pass so the invariant holds
	// even with an empty rules directory.
	if len(rules) == 0 {
		add(&rules, types.NewRule(
			"Réponds avec rigueur. Si une information n'est pas dans le contexte, dis-le explicitement.",
			"regle_de_base", "rule"))
	}

	// 5. Semantic rules from the legislative store.
	top := a.cfg.SemanticRulesTop
	if top <= 0 {
		top = 3
	}
	add(&rules, a.ret.RulesSemantic(ctx, intent.Prompt, top)...)

	// 6. READMEs with placeholder.
	var readmes []types.Atom
	add(&readmes, a.ret.Readmes(ctx, intent.Prompt)...)
	if len(readmes) == 0 {
		add(&readmes, types.Atom{
			Variant: types.AtomReadme,
			Content: "Aucun README requis pour cette requête.",
			Title:   "readme_placeholder",
			Kind:    "readme",
			Score:   0,
			Path:    "-",
		})
	}

	// 7. Memories: rules hiding in the retrieval result move to the rules
	// list; the rest pass the a-priori judge.
	var memories []types.Atom
	filters := []string{string(intent.Subject)}
	for _, at := range res.RawMemories {
		if at.Kind == "rule" {
			at.Variant = types.AtomRule
			at.Score = types.DefaultRuleScore
			add(&rules, at)
			continue
		}
		score := a.judge.Score(intent.Prompt, at.Content, at.Title, filters)
		if score >= a.orchCfg.RelevanceThreshold {
			at.Score = score
			add(&memories, at)
		}
	}
	// Keep the best max_items only.
	if max := a.orchCfg.MaxItemsContext; max > 0 && len(memories) > max {
		sort.SliceStable(memories, func(i, j int) bool {
			return memories[i].Score > memories[j].Score
		})
		memories = memories[:max]
	}
	if len(memories) == 0 {
		memories = []types.Atom{types.NewMemory(
			"Aucune mémoire pertinente pour cette requête.", "memoire_placeholder", "placeholder", 0)}
	}

	cr := types.ContextResult{
		History:       a.History(),
		MemoryContext: memories,
		ActiveRules:   rules,
		Readmes:       readmes,
		Intent:        intent,
	}
	a.auditor.CheckContextResult(&cr)
	return cr
}
