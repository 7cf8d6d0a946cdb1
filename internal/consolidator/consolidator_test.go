package consolidator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/index"
	"github.com/Maxime-Gagne/secondmind/internal/memory"
	"github.com/Maxime-Gagne/secondmind/internal/types"
	"github.com/Maxime-Gagne/secondmind/internal/vector"
)

// fakeStreamer emits its script token by token, then keeps leaking tokens to
// prove the consumer stops at the terminator.
type fakeStreamer struct {
	script string
	extra  string
}

func (f *fakeStreamer) Stream(ctx context.Context, _ string) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(tokens)
		defer close(errs)
		for _, chunk := range strings.SplitAfter(f.script+f.extra, " ") {
			select {
			case tokens <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return tokens, errs
}

func testConsolidator(t *testing.T, llm Streamer) (*Consolidator, *memory.Manager, *memory.Layout) {
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
	return New(config.Default().Consolidator, mgr, llm), mgr, layout
}

func recordTurn(t *testing.T, mgr *memory.Manager, session, prompt string, turnN int, ts time.Time) {
	t.Helper()
	intent := types.NewIntent(prompt, "CODE", "EXPLIQUER", "ANALYSE")
	it := types.NewInteraction(prompt, "réponse à "+prompt, "", intent, session, turnN)
	it.Meta.Timestamp = ts.Format(time.RFC3339Nano)
	require.True(t, mgr.RecordInteraction(context.Background(), it))
}

const modelOutput = `=== MSG 1 ===
{"subject": "CODE", "action": "EXPLIQUER", "category": "ANALYSE", "summary": "explication du store vectoriel",}
=== MSG 2 ===
{"subject": "projet", "action": "chercher", "category": "plan", "summary": "recherche du plan de projet"}
=== FIN DE SESSION === `

func TestRunConsolidatesIdleSession(t *testing.T) {
	c, mgr, layout := testConsolidator(t, &fakeStreamer{script: modelOutput, extra: "fuite de tokens après terminateur "})
	old := time.Now().Add(-24 * time.Hour)
	recordTurn(t, mgr, "sess-1", "explique le store vectoriel du projet", 1, old)
	recordTurn(t, mgr, "sess-1", "où est le plan de projet détaillé ?", 2, old.Add(time.Minute))

	n, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Two summaries in persistante/, uppercase enums in the filename.
	entries, err := os.ReadDir(layout.Persistante())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	joined := strings.Join(names, " ")
	assert.Contains(t, joined, "CODE_EXPLIQUER_ANALYSE_")
	assert.Contains(t, joined, "PROJET_CHERCHER_PLAN_")

	// Summary record is a canonical Interaction with consolidator provenance.
	raw, err := os.ReadFile(filepath.Join(layout.Persistante(), entries[0].Name()))
	require.NoError(t, err)
	var rec types.Interaction
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "DeferredConsolidator", rec.Meta.SourceAgent)
	assert.Equal(t, "sess-1", rec.Meta.SessionID)
	assert.Equal(t, "batch_summary", rec.Meta.Kind)
	assert.NotEmpty(t, rec.Response)
	assert.Equal(t, "consolidation_global", rec.Meta.FreeData["source"])

	// Narrative store received the batch summaries (2 raw turns + 2 summaries).
	assert.Equal(t, 4, mgr.Narrative().Size())

	// State file commits the consumed filenames.
	st := c.loadState()
	assert.Len(t, st.Processed, 2)
	assert.NotEmpty(t, st.LastRun)

	// A second run has nothing left to do.
	n, err = c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunSkipsActiveSession(t *testing.T) {
	c, mgr, layout := testConsolidator(t, &fakeStreamer{script: modelOutput})
	recordTurn(t, mgr, "sess-live", "question récente sur le code", 1, time.Now())

	n, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	entries, _ := os.ReadDir(layout.Persistante())
	assert.Empty(t, entries)

	// last_run is stamped even though nothing was consolidated, so the boot
	// catch-up does not reschedule itself on every start.
	assert.False(t, c.LastRun().IsZero())
	assert.Empty(t, c.loadState().Processed)
}

func TestParseBlocksRepairsTrailingComma(t *testing.T) {
	blocks := parseBlocks(modelOutput)
	require.Len(t, blocks, 2)
	assert.Equal(t, "explication du store vectoriel", blocks[0].Summary)
	assert.Equal(t, "projet", blocks[1].Subject)
}

func TestParseBlocksIgnoresGarbage(t *testing.T) {
	out := "préambule sans json\n=== MSG 1 ===\npas du json\n=== MSG 2 ===\n{\"summary\": \"valide\", \"subject\": \"CODE\", \"action\": \"CREER\", \"category\": \"CODE\"}\n=== FIN DE SESSION ==="
	blocks := parseBlocks(out)
	require.Len(t, blocks, 1)
	assert.Equal(t, "valide", blocks[0].Summary)
}

func TestTrainingQualityGate(t *testing.T) {
	c, _, layout := testConsolidator(t, &fakeStreamer{})
	ok := types.NewIntent("x", "CODE", "CREER", "CODE")

	tests := []struct {
		name    string
		prompt  string
		intent  types.Intent
		wantErr bool
	}{
		{"valid", "explique la consolidation des sessions en détail", ok, false},
		{"feedback command", "+1 memoire", ok, true},
		{"tool command", "rechercher_memoire le plan", ok, true},
		{"exit", "exit", ok, true},
		{"too short", "bonjour à", ok, true},
		{"too few words", "consolidationlongue", ok, true},
		{"unknown subject", "une question parfaitement valide pourtant",
			types.NewIntent("x", "INCONNU", "CREER", "CODE"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.appendTrainingSample(tt.prompt, tt.intent)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	raw, err := os.ReadFile(filepath.Join(layout.TrainingCentre(), "batch_dataset.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 1)
}

func TestTrainingSampleTruncation(t *testing.T) {
	c, _, layout := testConsolidator(t, &fakeStreamer{})
	long := strings.Repeat("mot très long ", 300)
	require.NoError(t, c.appendTrainingSample(long, types.NewIntent("x", "CODE", "CREER", "CODE")))

	raw, err := os.ReadFile(filepath.Join(layout.TrainingCentre(), "batch_dataset.jsonl"))
	require.NoError(t, err)
	var sample trainingSample
	require.NoError(t, json.Unmarshal([]byte(strings.Split(strings.TrimSpace(string(raw)), "\n")[0]), &sample))
	assert.LessOrEqual(t, len(sample.Prompt), 2000)
}
