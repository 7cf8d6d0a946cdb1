package reflexor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/index"
	"github.com/Maxime-Gagne/secondmind/internal/memory"
	"github.com/Maxime-Gagne/secondmind/internal/types"
	"github.com/Maxime-Gagne/secondmind/internal/vector"
)

type scriptedLLM struct {
	outputs []string
	err     error
	calls   int
}

func (s *scriptedLLM) Generate(_ context.Context, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	out := ""
	if s.calls < len(s.outputs) {
		out = s.outputs[s.calls]
	}
	s.calls++
	return out, nil
}

func testReflexor(t *testing.T, llm Generator) (*Reflexor, *memory.Manager, *memory.Layout) {
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

	mgr := memory.NewManager(layout, narrative, legislative, inverted, types.NewAuditor(root))
	return New(config.Default().Reflexor, mgr, llm), mgr, layout
}

func TestParseDeviation(t *testing.T) {
	assert.Equal(t, DeviationHallucination, ParseDeviation("hallucination"))
	assert.Equal(t, DeviationGovernance, ParseDeviation(" Governance "))
	assert.Equal(t, DeviationTechnical, ParseDeviation("n'importe quoi"))
	assert.Equal(t, DeviationTechnical, ParseDeviation(""))
}

func TestAnalyzeFullPipeline(t *testing.T) {
	llm := &scriptedLLM{outputs: []string{
		`{"committed_error": "chemin inventé", "ecart_type": "Hallucination",
		  "violated_rule": "R_truth", "causal_hypothesis": "contexte insuffisant",
		  "immediate_correction": "vérifier avant de citer"}`,
		"Toujours vérifier l'existence d'un chemin avant de le citer.",
	}}
	r, mgr, layout := testReflexor(t, llm)
	intent := types.NewIntent("!!!", "SYSTEME", "ANALYSER", "AGENT")

	a, err := r.Analyze(context.Background(), []string{"u: où est le fichier ?", "a: dans /fake/path"}, intent)
	require.NoError(t, err)
	assert.Equal(t, DeviationHallucination, a.EcartType)

	// Journal written.
	raw, err := os.ReadFile(filepath.Join(layout.Reflexive(), "journal_de_doute_reflexif.md"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "chemin inventé")

	// Corrective rule persisted under regles/.
	entries, err := os.ReadDir(layout.Regles())
	require.NoError(t, err)
	var ruleFile string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "R_CORRECTION_") {
			ruleFile = e.Name()
		}
	}
	require.NotEmpty(t, ruleFile)

	// Vectorised legislatively, not narratively beyond the journal trace.
	assert.Equal(t, 1, mgr.Legislative().Size())

	// Indexed.
	hits, err := mgr.Inverted().Search("chemin", nil, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestAnalyzeFallbackOnModelFailure(t *testing.T) {
	r, _, layout := testReflexor(t, &scriptedLLM{err: errors.New("down")})

	a, err := r.Analyze(context.Background(), []string{"u", "a"}, types.Intent{Prompt: "!!!"})
	require.NoError(t, err)
	assert.Equal(t, DeviationTechnical, a.EcartType)
	assert.Equal(t, "analyse indisponible", a.CommittedError)

	// The journal still records the incident.
	raw, err := os.ReadFile(filepath.Join(layout.Reflexive(), "journal_de_doute_reflexif.md"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Technical")
}

func TestAnalyzeFallbackOnGarbageJSON(t *testing.T) {
	llm := &scriptedLLM{outputs: []string{"pas de json ici", "une règle quand même"}}
	r, _, _ := testReflexor(t, llm)

	a, err := r.Analyze(context.Background(), []string{"u", "a"}, types.Intent{Prompt: "!!!"})
	require.NoError(t, err)
	assert.Equal(t, DeviationTechnical, a.EcartType)
}

func TestRecordFeedback(t *testing.T) {
	r, mgr, layout := testReflexor(t, &scriptedLLM{})

	path, err := r.RecordFeedback("bonne réponse sur la memoire", "merci", 1, "memoire")
	require.NoError(t, err)
	assert.Equal(t, layout.Feedback(), filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "feedback_+1_memoire_"))

	// Positive score on the trigger keyword indexes the feedback.
	hits, err := mgr.Inverted().Search("bonne", nil, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "feedback", hits[0].Entry.Kind)
}

func TestRecordFeedbackNegativeNotIndexed(t *testing.T) {
	r, mgr, _ := testReflexor(t, &scriptedLLM{})

	_, err := r.RecordFeedback("mauvaise réponse", "bof", -1, "memoire")
	require.NoError(t, err)

	hits, err := mgr.Inverted().Search("mauvaise", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
