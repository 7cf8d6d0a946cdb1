// Package judge holds the two independent quality gates: an a-priori lexical
// relevance score used to filter retrieved memories before prompting, and an
// a-posteriori coherence verdict rendered by the small model after each turn.
package judge

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/jsonx"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// Generator is the small-model seam. Satisfied by llm.MiniClient.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Judge evaluates memory relevance and response coherence. The coherence EMA
// is guarded separately so concurrent verdicts do not race on the statistic.
type Judge struct {
	cfg  config.JudgeConfig
	mini Generator

	stopWords map[string]struct{}

	emaMu sync.Mutex
	ema   float64
	count int
}

// New builds a judge from its configuration block.
func New(cfg config.JudgeConfig, mini Generator) *Judge {
	stops := make(map[string]struct{}, len(cfg.Pertinence.StopWords))
	for _, w := range cfg.Pertinence.StopWords {
		stops[strings.ToLower(w)] = struct{}{}
	}
	return &Judge{cfg: cfg, mini: mini, stopWords: stops, ema: 0.5}
}

// =============================================================================
// A-PRIORI RELEVANCE
// =============================================================================

var wordRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// tokenise lowers, drops stop-words and one-char tokens, then applies the
// poor-stemming pass: trailing s trimmed above length 3, trailing x above 4.
func (j *Judge) tokenise(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if len(w) <= 1 {
			continue
		}
		if _, stop := j.stopWords[w]; stop {
			continue
		}
		if strings.HasSuffix(w, "s") && len(w) > 3 {
			w = w[:len(w)-1]
		}
		if strings.HasSuffix(w, "x") && len(w) > 4 {
			w = w[:len(w)-1]
		}
		out[w] = struct{}{}
	}
	return out
}

// Score rates content against the prompt on [0,1]. semanticFilters are the
// intent enum values; each one found in the combined text adds the subject
// bonus. The result is rounded to 3 decimals.
func (j *Judge) Score(prompt, content, title string, semanticFilters []string) float64 {
	promptTokens := j.tokenise(prompt)
	if len(promptTokens) == 0 {
		return 0
	}

	contentTokens := j.tokenise(content)
	recall := overlap(promptTokens, contentTokens) / float64(len(promptTokens))

	// Filenames carry words glued by underscores and dots.
	normTitle := strings.NewReplacer("_", " ", ".", " ").Replace(title)
	titleTokens := j.tokenise(normTitle)
	titleScore := overlap(promptTokens, titleTokens) / float64(len(promptTokens))
	titleScore = math.Min(1.0, titleScore*j.cfg.Pertinence.BoostTitre)

	base := math.Max(recall, titleScore)

	combined := strings.ToLower(content + " " + normTitle)
	var bonus float64
	for _, f := range semanticFilters {
		lf := strings.ToLower(strings.TrimSpace(f))
		if lf == "" || lf == "inconnu" || lf == "unknown" {
			continue
		}
		if strings.Contains(combined, lf) {
			bonus += j.cfg.Pertinence.BonusSujet
		}
	}

	return math.Round(math.Min(1.0, base+bonus)*1000) / 1000
}

func overlap(a, b map[string]struct{}) float64 {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return float64(n)
}

// =============================================================================
// A-POSTERIORI COHERENCE
// =============================================================================

const truncationMarker = "\n[... contexte tronqué ...]"

const coherencePromptFmt = `Tu es un évaluateur impartial. Ta tâche: déterminer si chaque affirmation factuelle de la RÉPONSE est soutenue par le CONTEXTE fourni.

CONTEXTE:
%s

QUESTION:
%s

RÉPONSE:
%s

Réponds STRICTEMENT en JSON: {"reason": "<justification courte>", "score": <nombre entre 0 et 1>}
1.0 = entièrement soutenue, 0.5 = incertain, 0.0 = hallucination ou contradiction.`

// Coherence renders the a-posteriori verdict. It abstains (score 0.5,
// valid true) on thin context, oversized prompts and any small-model failure:
// the judge may withhold judgment but never blocks persistence.
func (j *Judge) Coherence(ctx context.Context, ragContext, prompt, response string) types.JudgeVerdict {
	log := logging.Get(logging.CategoryJudge)
	lim := j.cfg.Limites

	if len(ragContext) < lim.MinCharsContexte {
		return j.record(types.JudgeVerdict{
			Valid: true, Score: 0.5, Reason: "abstention: contexte insuffisant",
		})
	}

	if len(ragContext) >= lim.MaxCharsContexte {
		ragContext = ragContext[:lim.MaxCharsContexte] + truncationMarker
	}

	judgePrompt := fmt.Sprintf(coherencePromptFmt, ragContext, prompt, response)
	if len(judgePrompt) > lim.MaxCharsContexte+lim.MargePromptTotal {
		return j.record(types.JudgeVerdict{
			Valid: true, Score: 0.5, Reason: "abstention: prompt trop volumineux",
		})
	}

	raw, err := j.mini.Generate(ctx, judgePrompt)
	if err != nil || strings.TrimSpace(raw) == "" {
		log.Warnw("coherence judge unavailable", "err", err)
		return j.record(types.JudgeVerdict{
			Valid: true, Score: 0.5, Reason: "abstention: juge indisponible",
			Details: map[string]interface{}{"error": fmt.Sprint(err)},
		})
	}

	parsed := jsonx.Decode(raw)
	score, ok := parsed["score"].(float64)
	if !ok {
		log.Warnw("coherence judge returned no score", "raw_len", len(raw))
		return j.record(types.JudgeVerdict{
			Valid: true, Score: 0.5, Reason: "abstention: verdict illisible",
		})
	}
	score = math.Max(0, math.Min(1, score))

	reason, _ := parsed["reason"].(string)
	if reason == "" {
		reason = "sans justification"
	}
	return j.record(types.JudgeVerdict{
		Valid:  score >= j.cfg.Decision.SeuilValidation,
		Score:  score,
		Reason: reason,
		Details: map[string]interface{}{
			"raw_score": score,
			"threshold": j.cfg.Decision.SeuilValidation,
		},
	})
}

// record folds the verdict into the EMA and returns it unchanged.
func (j *Judge) record(v types.JudgeVerdict) types.JudgeVerdict {
	j.emaMu.Lock()
	j.ema = 0.1*v.Score + 0.9*j.ema
	j.count++
	j.emaMu.Unlock()
	return v
}

// CoherenceEMA returns the running coherence average and the verdict count.
func (j *Judge) CoherenceEMA() (float64, int) {
	j.emaMu.Lock()
	defer j.emaMu.Unlock()
	return j.ema, j.count
}
