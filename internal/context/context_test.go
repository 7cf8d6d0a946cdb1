package context

import (
	stdctx "context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/index"
	"github.com/Maxime-Gagne/secondmind/internal/judge"
	"github.com/Maxime-Gagne/secondmind/internal/locator"
	"github.com/Maxime-Gagne/secondmind/internal/memory"
	"github.com/Maxime-Gagne/secondmind/internal/retrieval"
	"github.com/Maxime-Gagne/secondmind/internal/types"
	"github.com/Maxime-Gagne/secondmind/internal/vector"
)

func testAgent(t *testing.T) (*Agent, *memory.Layout) {
	t.Helper()
	layout, err := memory.NewLayout(t.TempDir())
	require.NoError(t, err)
	return buildAgent(t, layout), layout
}

// buildAgent wires a context agent over an existing layout, so tests can
// pre-populate historique/ before the cold-start seed runs.
func buildAgent(t *testing.T, layout *memory.Layout) *Agent {
	t.Helper()
	root := layout.Root

	emb := vector.NewHashEmbedder(64)
	narrative, err := vector.NewStore(emb, layout.NarrativeIndex(), layout.NarrativeMeta())
	require.NoError(t, err)
	legislative, err := vector.NewStore(emb, layout.LegislativeIndex(), layout.LegislativeMeta())
	require.NoError(t, err)
	inverted, err := index.Open(layout.InvertedIndexDB())
	require.NoError(t, err)
	t.Cleanup(func() { inverted.Close() })

	auditor := types.NewAuditor(root)
	mgr := memory.NewManager(layout, narrative, legislative, inverted, auditor)
	cfg := config.Default()
	ret := retrieval.NewAgent(cfg.Retrieval, root, mgr, locator.New("/nonexistent"), auditor)
	j := judge.New(cfg.Judge, nil)

	return NewAgent(cfg.Context, cfg.Orchestrator, ret, j, auditor)
}

func writeRule(t *testing.T, layout *memory.Layout, name, rule string) {
	t.Helper()
	raw, _ := json.Marshal(map[string]string{"rule": rule})
	require.NoError(t, os.WriteFile(filepath.Join(layout.Regles(), name), raw, 0o644))
}

func TestBuildInjectsFallbacks(t *testing.T) {
	a, _ := testAgent(t)
	intent := types.NewIntent("bonjour", "GENERAL", "INCONNU", "DIALOGUE")

	cr := a.Build(stdctx.Background(), intent, types.RetrievalResult{})
	require.NotEmpty(t, cr.ActiveRules, "base rule fallback is mandatory")
	require.NotEmpty(t, cr.Readmes, "readme placeholder is mandatory")
	require.NotEmpty(t, cr.MemoryContext, "memory placeholder is mandatory")
	assert.Equal(t, "regle_de_base", cr.ActiveRules[0].Title)
	assert.Equal(t, "readme_placeholder", cr.Readmes[0].Title)
}

func TestBuildTruthRulesAlwaysActive(t *testing.T) {
	a, layout := testAgent(t)
	writeRule(t, layout, "R_truth_001.json", "ne jamais inventer")

	cr := a.Build(stdctx.Background(), types.NewIntent("salut", "GENERAL", "INCONNU", "DIALOGUE"),
		types.RetrievalResult{})
	require.Len(t, cr.ActiveRules, 1)
	assert.Equal(t, "ne jamais inventer", cr.ActiveRules[0].Content)
}

func TestBuildSymbolicActivation(t *testing.T) {
	a, layout := testAgent(t)
	writeRule(t, layout, "R_prudence_destruction.json", "demander confirmation avant suppression")

	cr := a.Build(stdctx.Background(),
		types.NewIntent("supprime le fichier de config", "SYSTEME", "MODIFIER", "AGENT"),
		types.RetrievalResult{})

	var found bool
	for _, r := range cr.ActiveRules {
		if r.Content == "demander confirmation avant suppression" {
			found = true
		}
	}
	assert.True(t, found, "symbolic rule should activate on the destruction pattern")
}

func TestBuildCategoryTrigger(t *testing.T) {
	a, layout := testAgent(t)
	writeRule(t, layout, "R_code_style.json", "respecter le style existant")

	cr := a.Build(stdctx.Background(),
		types.NewIntent("corrige cette fonction", "CODE", "MODIFIER", "CODE"),
		types.RetrievalResult{})

	var found bool
	for _, r := range cr.ActiveRules {
		if r.Content == "respecter le style existant" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBuildReclassifiesRuleMemories(t *testing.T) {
	a, _ := testAgent(t)
	res := types.RetrievalResult{RawMemories: []types.Atom{
		types.NewMemory("une regle égarée", "regle_perdue", "rule", 0.3),
		types.NewMemory("souvenir sans rapport aucun", "note", "memory", 0.3),
	}}

	cr := a.Build(stdctx.Background(),
		types.NewIntent("parle des chats", "GENERAL", "EXPLIQUER", "DIALOGUE"), res)

	var asRule bool
	for _, r := range cr.ActiveRules {
		if r.Title == "regle_perdue" {
			asRule = true
			assert.Equal(t, types.AtomRule, r.Variant)
			assert.Equal(t, types.DefaultRuleScore, r.Score)
		}
	}
	assert.True(t, asRule)
	for _, m := range cr.MemoryContext {
		assert.NotEqual(t, "regle_perdue", m.Title)
	}
}

func TestBuildJudgeFiltersMemories(t *testing.T) {
	a, _ := testAgent(t)
	res := types.RetrievalResult{RawMemories: []types.Atom{
		types.NewMemory("la consolidation des sessions fonctionne", "note_consolidation", "memory", 0.9),
		types.NewMemory("recette de cuisine au beurre", "note_cuisine", "memory", 0.9),
	}}

	cr := a.Build(stdctx.Background(),
		types.NewIntent("explique la consolidation des sessions", "MEMOIRE", "EXPLIQUER", "ANALYSE"), res)

	titles := map[string]bool{}
	for _, m := range cr.MemoryContext {
		titles[m.Title] = true
	}
	assert.True(t, titles["note_consolidation"])
	assert.False(t, titles["note_cuisine"])
}

func TestBuildDedupesByTitle(t *testing.T) {
	a, layout := testAgent(t)
	writeRule(t, layout, "R_truth_001.json", "unique")

	res := types.RetrievalResult{RawMemories: []types.Atom{
		types.NewMemory("unique", "R_truth_001.json", "rule", 1),
	}}
	cr := a.Build(stdctx.Background(),
		types.NewIntent("salut", "GENERAL", "INCONNU", "DIALOGUE"), res)

	count := 0
	for _, r := range cr.ActiveRules {
		if r.Title == "R_truth_001.json" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestColdStartSeedsRoleAlternatingHistory(t *testing.T) {
	layout, err := memory.NewLayout(t.TempDir())
	require.NoError(t, err)

	// Two past turns on disk before the agent exists.
	for i, q := range []string{"première question", "seconde question"} {
		it := types.NewInteraction(q, "réponse "+q, "", types.Intent{Prompt: q}, "sess-seed", i+1)
		raw, merr := json.Marshal(it)
		require.NoError(t, merr)
		name := filepath.Join(layout.Historique(),
			"interaction_general_expliquer_dialogue_2026010112000"+string(rune('0'+i))+"000.json")
		require.NoError(t, os.WriteFile(name, raw, 0o644))
	}

	a := buildAgent(t, layout)
	h := a.History()
	require.Len(t, h, 4)
	assert.Equal(t, "première question", h[0])
	assert.Equal(t, "réponse première question", h[1])
	assert.Equal(t, "seconde question", h[2])
	assert.Equal(t, "réponse seconde question", h[3])
}

func TestHistoryRingBuffer(t *testing.T) {
	a, _ := testAgent(t)
	for i := 0; i < 12; i++ {
		a.PushHistory("user", "assistant")
	}
	h := a.History()
	assert.Len(t, h, config.Default().Orchestrator.MaxHistorySession)
}
