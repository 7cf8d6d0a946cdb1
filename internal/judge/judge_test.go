package judge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Maxime-Gagne/secondmind/internal/config"
)

type fakeMini struct {
	out string
	err error
}

func (f *fakeMini) Generate(_ context.Context, _ string) (string, error) {
	return f.out, f.err
}

func newTestJudge(mini Generator) *Judge {
	return New(config.Default().Judge, mini)
}

func TestScoreFullRecall(t *testing.T) {
	j := newTestJudge(nil)
	s := j.Score("vectorisation memoire", "la vectorisation de la memoire fonctionne", "", nil)
	assert.Equal(t, 1.0, s)
}

func TestScoreStopWordsIgnored(t *testing.T) {
	j := newTestJudge(nil)
	// Prompt made only of stop-words and one-char tokens scores zero.
	assert.Equal(t, 0.0, j.Score("le la et de a", "n'importe quoi", "", nil))
}

func TestScorePoorStemming(t *testing.T) {
	j := newTestJudge(nil)
	// "regles" stems to "regle" on both sides.
	s := j.Score("regles", "regle importante", "", nil)
	assert.Equal(t, 1.0, s)
}

func TestScoreTitleBoost(t *testing.T) {
	j := newTestJudge(nil)
	// No content match; title match doubled by boost, clamped to 1.
	s := j.Score("consolidation", "rien d'utile ici", "consolidation_session.json", nil)
	assert.Equal(t, 1.0, s)
}

func TestScoreSubjectBonus(t *testing.T) {
	j := newTestJudge(nil)
	base := j.Score("vectorisation memoire", "la vectorisation du code", "", nil)
	boosted := j.Score("vectorisation memoire", "la vectorisation du code", "", []string{"code"})
	assert.InDelta(t, base+0.15, boosted, 1e-9)

	// The unknown member never earns a bonus.
	same := j.Score("vectorisation memoire", "la vectorisation du code inconnu", "", []string{"INCONNU"})
	assert.Equal(t, j.Score("vectorisation memoire", "la vectorisation du code inconnu", "", nil), same)
}

func TestScoreCappedAndRounded(t *testing.T) {
	j := newTestJudge(nil)
	s := j.Score("code projet", "code projet", "code_projet.md", []string{"code", "projet"})
	assert.Equal(t, 1.0, s)
}

func TestCoherenceAbstainsOnThinContext(t *testing.T) {
	j := newTestJudge(&fakeMini{})
	v := j.Coherence(context.Background(), "court", "q", "r")
	assert.True(t, v.Valid)
	assert.Equal(t, 0.5, v.Score)
	assert.Contains(t, v.Reason, "abstention")
}

func TestCoherenceTruncatesLargeContext(t *testing.T) {
	cfg := config.Default().Judge
	mini := &capturingMini{out: `{"reason": "ok", "score": 1.0}`}
	j := New(cfg, mini)

	big := strings.Repeat("a", cfg.Limites.MaxCharsContexte+500)
	v := j.Coherence(context.Background(), big, "q", "r")
	assert.True(t, v.Valid)
	assert.Contains(t, mini.prompt, truncationMarker)
}

func TestCoherenceBoundaries(t *testing.T) {
	cfg := config.Default().Judge
	mini := &capturingMini{out: `{"reason": "ok", "score": 1.0}`}
	j := New(cfg, mini)

	// Exactly at the floor the judge still judges.
	atMin := strings.Repeat("a", cfg.Limites.MinCharsContexte)
	v := j.Coherence(context.Background(), atMin, "q", "r")
	assert.NotContains(t, v.Reason, "abstention")

	// Exactly at the ceiling the context is truncated.
	mini.prompt = ""
	atMax := strings.Repeat("a", cfg.Limites.MaxCharsContexte)
	j.Coherence(context.Background(), atMax, "q", "r")
	assert.Contains(t, mini.prompt, truncationMarker)
}

type capturingMini struct {
	prompt string
	out    string
}

func (c *capturingMini) Generate(_ context.Context, p string) (string, error) {
	c.prompt = p
	return c.out, nil
}

func TestCoherenceFailOpenOnClientError(t *testing.T) {
	j := newTestJudge(&fakeMini{err: errors.New("connection refused")})
	v := j.Coherence(context.Background(), strings.Repeat("contexte ", 20), "q", "r")
	assert.True(t, v.Valid)
	assert.Equal(t, 0.5, v.Score)
}

func TestCoherenceVerdictParsing(t *testing.T) {
	ctx := strings.Repeat("les faits etablis ", 10)

	tests := []struct {
		name      string
		out       string
		wantValid bool
		wantScore float64
	}{
		{"supported", `{"reason": "soutenu", "score": 0.9}`, true, 0.9},
		{"hallucination", `{"reason": "contradiction", "score": 0.1}`, false, 0.1},
		{"clamped high", `{"reason": "x", "score": 3.0}`, true, 1.0},
		{"prose around json", `Voici mon verdict: {"reason": "ok", "score": 0.7} merci`, true, 0.7},
		{"garbage", `pas de json du tout`, true, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newTestJudge(&fakeMini{out: tt.out})
			v := j.Coherence(context.Background(), ctx, "q", "r")
			assert.Equal(t, tt.wantValid, v.Valid)
			assert.Equal(t, tt.wantScore, v.Score)
		})
	}
}

func TestCoherenceEMA(t *testing.T) {
	j := newTestJudge(&fakeMini{out: `{"reason": "ok", "score": 1.0}`})
	ctx := strings.Repeat("contexte factuel ", 10)

	j.Coherence(context.Background(), ctx, "q", "r")
	ema, n := j.CoherenceEMA()
	assert.Equal(t, 1, n)
	assert.InDelta(t, 0.1*1.0+0.9*0.5, ema, 1e-9)

	j.Coherence(context.Background(), ctx, "q", "r")
	ema, n = j.CoherenceEMA()
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.1+0.9*0.55, ema, 1e-9)
}
