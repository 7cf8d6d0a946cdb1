package retrieval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/index"
	"github.com/Maxime-Gagne/secondmind/internal/locator"
	"github.com/Maxime-Gagne/secondmind/internal/memory"
	"github.com/Maxime-Gagne/secondmind/internal/types"
	"github.com/Maxime-Gagne/secondmind/internal/vector"
)

func testAgent(t *testing.T) (*Agent, *memory.Manager, *memory.Layout) {
	t.Helper()
	root := t.TempDir()
	layout, err := memory.NewLayout(root)
	require.NoError(t, err)

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

	loc := locator.New("/nonexistent/finder")
	return NewAgent(config.Default().Retrieval, root, mgr, loc, auditor), mgr, layout
}

func writeRule(t *testing.T, layout *memory.Layout, name, rule string) {
	t.Helper()
	raw, _ := json.Marshal(map[string]string{"rule": rule})
	require.NoError(t, os.WriteFile(filepath.Join(layout.Regles(), name), raw, 0o644))
}

func TestRulesByTag(t *testing.T) {
	a, _, layout := testAgent(t)
	writeRule(t, layout, "R_truth_001.json", "toujours dire la vérité")
	writeRule(t, layout, "R_code_002.json", "valider le code avant de répondre")

	atoms := a.RulesByTag("truth")
	require.Len(t, atoms, 1)
	assert.Equal(t, types.AtomRule, atoms[0].Variant)
	assert.Equal(t, "toujours dire la vérité", atoms[0].Content)
	assert.Equal(t, types.DefaultRuleScore, atoms[0].Score)
}

func TestRulesByTagRawFallback(t *testing.T) {
	a, _, layout := testAgent(t)
	// Not valid JSON; raw contents become the rule text.
	require.NoError(t, os.WriteFile(filepath.Join(layout.Regles(), "R_legacy_truth.json"),
		[]byte("regle brute non structurée"), 0o644))

	atoms := a.RulesByTag("truth")
	require.Len(t, atoms, 1)
	assert.Equal(t, "regle brute non structurée", atoms[0].Content)
}

func TestRulesSemantic(t *testing.T) {
	a, mgr, _ := testAgent(t)
	require.NoError(t, mgr.VectoriseRule(context.Background(),
		"ne jamais inventer de chemin de fichier",
		map[string]interface{}{"trigger": "chemins"}))

	atoms := a.RulesSemantic(context.Background(), "chemin de fichier", 3)
	require.Len(t, atoms, 1)
	assert.Equal(t, "vectorial_rule", atoms[0].Kind)
	assert.Contains(t, atoms[0].Title, "chemins (sim: ")
}

func TestReadmeSubsetGate(t *testing.T) {
	a, _, layout := testAgent(t)
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(layout.Connaissances(), name), []byte(body), 0o644))
	}
	write("README_vector_store.md", "doc du store")
	write("README_consolidation.md", "doc de la consolidation")

	// Prompt names both key tokens of the first file only.
	atoms := a.Readmes(context.Background(), "comment fonctionne le vector store ?")
	require.Len(t, atoms, 1)
	assert.Equal(t, "README_vector_store.md", atoms[0].Title)
	assert.Equal(t, types.AtomReadme, atoms[0].Variant)
	assert.NotEmpty(t, atoms[0].Path)
}

func TestReadmeAccentAndCamelFolding(t *testing.T) {
	a, _, layout := testAgent(t)
	require.NoError(t, os.WriteFile(filepath.Join(layout.Connaissances(), "README_memoire.md"),
		[]byte("doc"), 0o644))

	// Accented prompt with camelCase still matches the folded key token.
	atoms := a.Readmes(context.Background(), "parle-moi de la vectorMémoire")
	require.Len(t, atoms, 1)
}

func TestRetrieveVectorContextBoostAndOrder(t *testing.T) {
	a, mgr, _ := testAgent(t)
	ctx := context.Background()

	require.NoError(t, mgr.Narrative().AddFragment(ctx, "discussion sur le chat",
		map[string]interface{}{"title": "note_generale", "kind": "memory"}))
	require.NoError(t, mgr.Narrative().AddFragment(ctx, "discussion sur le code du projet",
		map[string]interface{}{"title": "note_code_projet", "kind": "memory"}))

	intent := types.NewIntent("code", "CODE", "EXPLIQUER", "ANALYSE")
	res := a.RetrieveVectorContext(ctx, "discussion", intent)
	require.NotEmpty(t, res.RawMemories)
	assert.Equal(t, 2, res.ScannedCount)

	// Scores come back strictly descending.
	for i := 1; i < len(res.RawMemories); i++ {
		assert.GreaterOrEqual(t, res.RawMemories[i-1].Score, res.RawMemories[i].Score)
	}
}

func TestRetrieveVectorContextSwapsSummary(t *testing.T) {
	a, mgr, layout := testAgent(t)
	ctx := context.Background()

	histPath := filepath.Join(layout.Historique(), "interaction_code_creer_code_20260101120000000.json")
	require.NoError(t, mgr.Narrative().AddFragment(ctx, "question brute et réponse brute",
		map[string]interface{}{
			"kind": "raw_history", "path": histPath,
			"session_id": "sess-9", "message_turn": 2,
			"title": "interaction brute",
		}))

	sum, _ := json.Marshal(map[string]interface{}{
		"resume":        "résumé consolidé de la session",
		"session_id":    "sess-9",
		"message_turns": []int{1, 2, 3},
	})
	require.NoError(t, os.WriteFile(
		filepath.Join(layout.Persistante(), "CODE_CREER_CODE_20260101_ab12.json"), sum, 0o644))

	res := a.RetrieveVectorContext(ctx, "question", types.Intent{Prompt: "question"})
	require.Len(t, res.RawMemories, 1)
	got := res.RawMemories[0]
	assert.Equal(t, "consolidated_summary", got.Kind)
	assert.Equal(t, "résumé consolidé de la session", got.Content)
	assert.Equal(t, "CODE_CREER_CODE_20260101_ab12.json", got.Title)
}

func TestFindConsolidatedSummaryShapes(t *testing.T) {
	a, _, layout := testAgent(t)

	flat, _ := json.Marshal(map[string]interface{}{
		"resume": "résumé plat", "session_id": "S", "message_turn": 3,
	})
	require.NoError(t, os.WriteFile(
		filepath.Join(layout.Persistante(), "GENERAL_EXPLIQUER_DIALOGUE_20260101_120000_aa01.json"), flat, 0o644))

	canonical, _ := json.Marshal(types.Interaction{
		Prompt:   "question d'origine",
		Response: "résumé canonique",
		Meta: types.Meta{
			SessionID: "T", MessageTurn: 5,
			SourceAgent: "DeferredConsolidator", Kind: "batch_summary",
			FreeData: map[string]interface{}{"message_turns": []int{4, 5}},
		},
	})
	require.NoError(t, os.WriteFile(
		filepath.Join(layout.Persistante(), "CODE_CREER_CODE_20260102_090000_bb02.json"), canonical, 0o644))

	sum, _, ok := a.findConsolidatedSummary("S", 3)
	require.True(t, ok)
	assert.Equal(t, "résumé plat", sum)

	sum, _, ok = a.findConsolidatedSummary("T", 4)
	require.True(t, ok)
	assert.Equal(t, "résumé canonique", sum)

	_, _, ok = a.findConsolidatedSummary("S", 7)
	assert.False(t, ok)
}

func TestChronologicalHistoryOrder(t *testing.T) {
	a, mgr, _ := testAgent(t)
	ctx := context.Background()

	for i, prompt := range []string{"premier", "deuxieme", "troisieme"} {
		intent := types.NewIntent(prompt, "GENERAL", "EXPLIQUER", "DIALOGUE")
		it := types.NewInteraction(prompt, "réponse "+prompt, "", intent, "sess-h", i)
		it.Meta.Timestamp = time.Date(2026, 1, 1, 10, i, 0, 0, time.UTC).Format(time.RFC3339Nano)
		require.True(t, mgr.RecordInteraction(ctx, it))
	}

	atoms := a.ChronologicalHistory(2)
	require.Len(t, atoms, 2)
	assert.Contains(t, atoms[0].Content, "deuxieme")
	assert.Contains(t, atoms[1].Content, "troisieme")
}

func TestVerbatimSearch(t *testing.T) {
	a, _, layout := testAgent(t)
	require.NoError(t, os.WriteFile(filepath.Join(layout.Historique(), "a.json"),
		[]byte(`{"prompt": "la phrase exacte recherchée est ici"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(layout.Historique(), "b.json"),
		[]byte(`{"prompt": "phrase exacte mais recherchee sans accent"}`), 0o644))

	atoms := a.VerbatimSearch(context.Background(), "phrase exacte recherchée")
	require.Len(t, atoms, 1)
	assert.Equal(t, "verbatim_proven", atoms[0].Kind)
	assert.Equal(t, 10.0, atoms[0].Score)
}

func TestAllowedProjectFile(t *testing.T) {
	assert.True(t, allowedProjectFile("/proj/main.go"))
	assert.True(t, allowedProjectFile("/proj/config.yaml"))
	assert.True(t, allowedProjectFile("/proj/.github/workflows/ci.yml"))
	assert.False(t, allowedProjectFile("/proj/main.exe"))
	assert.False(t, allowedProjectFile("/proj/backup/config.yaml"))
	assert.False(t, allowedProjectFile("/proj/logs/run.md"))
	assert.False(t, allowedProjectFile("/proj/notes_copie.md"))
}

func TestProjectFilesWalkFallback(t *testing.T) {
	// The test agent's locator points at a nonexistent binary, so resolution
	// relies entirely on the directory walk.
	a, _, _ := testAgent(t)
	root := a.projectRoot
	write := func(rel, body string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("internal/handlers.go", "package internal")
	write("internal/handlers.txt", "extension hors liste")
	write("backup/handlers.go", "copie de sauvegarde")

	atoms := a.ProjectFiles(context.Background(), "handlers")
	require.Len(t, atoms, 1)
	assert.Equal(t, "handlers.go", atoms[0].Title)
	assert.Equal(t, filepath.Join(root, "internal", "handlers.go"), atoms[0].Path)
	assert.Equal(t, "package internal", atoms[0].Content)
	assert.Equal(t, "code_file", atoms[0].Kind)
}

func TestWalkProjectBounds(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"note_a.md", "note_b.md", "note_c.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	assert.Len(t, walkProject(dir, "note", 2), 2)
	assert.Empty(t, walkProject(dir, "note", 0))
	assert.Empty(t, walkProject(dir, "   ", 5))
}

func TestIndexSearchPreviewAndWhitelist(t *testing.T) {
	a, mgr, _ := testAgent(t)
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	require.NoError(t, mgr.Inverted().Update(index.Entry{
		Path: "/m/one.md", Filename: "one.md", Content: "sujet particulier " + string(long),
	}))
	require.NoError(t, mgr.Inverted().Update(index.Entry{
		Path: "/m/two.md", Filename: "two.md", Content: "sujet particulier aussi",
	}))

	atoms := a.IndexSearch("particulier", []string{"/m/one.md"}, 5)
	require.Len(t, atoms, 1)
	assert.Equal(t, "/m/one.md", atoms[0].Path)
	assert.LessOrEqual(t, len(atoms[0].Content), 800)
}

func TestRebuildIndex(t *testing.T) {
	a, mgr, layout := testAgent(t)
	require.NoError(t, os.WriteFile(filepath.Join(layout.Connaissances(), "note.md"),
		[]byte("contenu indexable"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(layout.Connaissances(), "binaire.bin"),
		[]byte{0x01}, 0o644))

	n, err := a.RebuildIndex(2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := mgr.Inverted().Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStats(t *testing.T) {
	a, mgr, _ := testAgent(t)
	ctx := context.Background()
	for _, subj := range []string{"CODE", "CODE", "MEMOIRE"} {
		intent := types.NewIntent("p", subj, "CHERCHER", "ANALYSE")
		it := types.NewInteraction("p", "r", "", intent, "s", 0)
		require.True(t, mgr.RecordInteraction(ctx, it))
	}

	stats, err := a.Stats(time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Subjects["CODE"])
	assert.Equal(t, 1, stats.Subjects["MEMOIRE"])
	assert.Equal(t, 3, stats.Actions["CHERCHER"])
}
