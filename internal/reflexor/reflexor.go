// Package reflexor is the self-healing loop: on a user alert it analyses the
// recent exchange, journals a metacognitive trace and mines a corrective rule
// into the legislative store so the deviation becomes retrievable governance.
package reflexor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/index"
	"github.com/Maxime-Gagne/secondmind/internal/jsonx"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/memory"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// Deviation classifies what went wrong. Unknown labels collapse to Technical.
type Deviation string

const (
	DeviationHallucination Deviation = "Hallucination"
	DeviationGovernance    Deviation = "Governance"
	DeviationLogic         Deviation = "Logic"
	DeviationBias          Deviation = "Bias"
	DeviationVisual        Deviation = "Visual"
	DeviationTechnical     Deviation = "Technical"
)

var deviations = []Deviation{
	DeviationHallucination, DeviationGovernance, DeviationLogic,
	DeviationBias, DeviationVisual, DeviationTechnical,
}

// ParseDeviation maps free text to a member, case-insensitive; unknown text
// maps to Technical with a warning.
func ParseDeviation(s string) Deviation {
	f := types.Fold(strings.TrimSpace(s))
	for _, d := range deviations {
		if types.Fold(string(d)) == f {
			return d
		}
	}
	logging.Get(logging.CategoryReflexor).Warnw("unknown deviation label", "label", s)
	return DeviationTechnical
}

// Analysis is the structured incident record returned by the model.
type Analysis struct {
	CommittedError      string    `json:"committed_error"`
	EcartType           Deviation `json:"ecart_type"`
	ViolatedRule        string    `json:"violated_rule"`
	CausalHypothesis    string    `json:"causal_hypothesis"`
	ImmediateCorrection string    `json:"immediate_correction"`
}

// Generator is the model seam shared with the judge.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Reflexor runs the alert analysis and the feedback path.
type Reflexor struct {
	cfg config.ReflexorConfig
	mgr *memory.Manager
	llm Generator
	now func() time.Time
}

// New wires the reflexor over the memory manager.
func New(cfg config.ReflexorConfig, mgr *memory.Manager, llm Generator) *Reflexor {
	return &Reflexor{cfg: cfg, mgr: mgr, llm: llm, now: time.Now}
}

const analysisPromptFmt = `Un incident vient d'être signalé par l'utilisateur (commande d'alerte).

DERNIERS ÉCHANGES:
%s

CAS SIMILAIRES PASSÉS:
%s

Analyse l'incident. Réponds STRICTEMENT en JSON avec ces clés:
{"committed_error": "...", "ecart_type": "Hallucination|Governance|Logic|Bias|Visual|Technical", "violated_rule": "...", "causal_hypothesis": "...", "immediate_correction": "..."}`

// Analyze runs the full incident pipeline: similar-case retrieval, model
// analysis with a Technical fallback, reflexive journaling and corrective
// rule mining. Always journals something, even when the model is down.
func (r *Reflexor) Analyze(ctx context.Context, historyLines []string, intent types.Intent) (*Analysis, error) {
	log := logging.Get(logging.CategoryReflexor)

	if n := r.cfg.HistoryLines; n > 0 && len(historyLines) > n {
		historyLines = historyLines[len(historyLines)-n:]
	}
	history := strings.Join(historyLines, "\n")

	// Similar past incidents from the narrative store.
	var similar []string
	hits, err := r.mgr.Narrative().Search(ctx, history, r.cfg.SimilarIncidents)
	if err != nil {
		log.Warnw("similar incident search failed", "err", err)
	}
	for _, h := range hits {
		if kind, _ := h.Meta["kind"].(string); kind != "reflexive" {
			continue
		}
		if content, _ := h.Meta["content"].(string); content != "" {
			similar = append(similar, content)
		}
	}
	similarBlock := "(aucun)"
	if len(similar) > 0 {
		similarBlock = strings.Join(similar, "\n---\n")
	}

	analysis := r.runAnalysis(ctx, fmt.Sprintf(analysisPromptFmt, history, similarBlock))

	// Reflexive journal entry.
	entry := r.journalMarkdown(analysis)
	if err := r.mgr.JournalReflexiveTrace(ctx, entry, "incident", intent); err != nil {
		log.Warnw("reflexive journal failed", "err", err)
	}

	// Corrective rule mining.
	if err := r.mineCorrectiveRule(ctx, analysis); err != nil {
		log.Warnw("corrective rule mining failed", "err", err)
	}
	return analysis, nil
}

// runAnalysis parses the model's JSON; any failure yields the Technical
// fallback record.
func (r *Reflexor) runAnalysis(ctx context.Context, prompt string) *Analysis {
	fallback := &Analysis{
		CommittedError:      "analyse indisponible",
		EcartType:           DeviationTechnical,
		CausalHypothesis:    "le modèle d'analyse n'a pas produit de JSON exploitable",
		ImmediateCorrection: "journaliser l'incident et réessayer plus tard",
	}

	raw, err := r.llm.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed := jsonx.Decode(raw)
	if len(parsed) == 0 {
		return fallback
	}

	str := func(key string) string {
		s, _ := parsed[key].(string)
		return s
	}
	a := &Analysis{
		CommittedError:      str("committed_error"),
		EcartType:           ParseDeviation(str("ecart_type")),
		ViolatedRule:        str("violated_rule"),
		CausalHypothesis:    str("causal_hypothesis"),
		ImmediateCorrection: str("immediate_correction"),
	}
	if a.CommittedError == "" && a.CausalHypothesis == "" {
		return fallback
	}
	return a
}

func (r *Reflexor) journalMarkdown(a *Analysis) string {
	ts := r.now().Format(time.RFC3339)
	return fmt.Sprintf(`## Incident %s
- Écart: %s
- Erreur commise: %s
- Règle violée: %s
- Hypothèse causale: %s
- Correction immédiate: %s`,
		ts, a.EcartType, a.CommittedError, a.ViolatedRule,
		a.CausalHypothesis, a.ImmediateCorrection)
}

// correctionRule is the persisted corrective rule shape.
type correctionRule struct {
	Rule      string `json:"rule"`
	Source    string `json:"source"`
	Deviation string `json:"deviation"`
	Timestamp string `json:"timestamp"`
}

// mineCorrectiveRule asks the model for a rule body, persists it under
// regles/, vectorises it legislatively and upserts the inverted index.
func (r *Reflexor) mineCorrectiveRule(ctx context.Context, a *Analysis) error {
	rulePrompt := fmt.Sprintf(
		"À partir de cette hypothèse causale, formule UNE règle de gouvernance impérative, en une phrase:\n%s\nRéponds uniquement par la règle.",
		a.CausalHypothesis)

	body, err := r.llm.Generate(ctx, rulePrompt)
	if err != nil {
		return fmt.Errorf("rule generation: %w", err)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return fmt.Errorf("rule generation: empty body")
	}

	ts := r.now().Format("20060102150405")
	name := fmt.Sprintf("R_CORRECTION_%s.json", ts)
	path := filepath.Join(r.mgr.Layout().Regles(), name)

	raw, err := json.MarshalIndent(correctionRule{
		Rule:      body,
		Source:    "reflexor",
		Deviation: string(a.EcartType),
		Timestamp: r.now().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("persist corrective rule: %w", err)
	}

	if err := r.mgr.VectoriseRule(ctx, body, map[string]interface{}{
		"trigger": a.CommittedError, "kind": "vectorial_rule", "path": path,
	}); err != nil {
		logging.Get(logging.CategoryReflexor).Warnw("rule vectorisation failed", "err", err)
	}

	return r.mgr.Inverted().Update(index.Entry{
		Path:      path,
		Filename:  name,
		Content:   body,
		Kind:      "rule",
		Timestamp: r.now().Format(time.RFC3339),
	})
}

// =============================================================================
// FEEDBACK
// =============================================================================

// feedbackRecord is one +1/-1 entry under reflexive/feedback/.
type feedbackRecord struct {
	Prompt    string  `json:"prompt"`
	Response  string  `json:"response"`
	Score     float64 `json:"score"`
	Keyword   string  `json:"keyword"`
	Timestamp string  `json:"timestamp"`
}

// RecordFeedback persists a feedback JSON; a positive score on the configured
// trigger keyword also upserts the record into the inverted index so it
// becomes searchable immediately.
func (r *Reflexor) RecordFeedback(prompt, response string, score float64, keyword string) (string, error) {
	rec := feedbackRecord{
		Prompt: prompt, Response: response, Score: score, Keyword: keyword,
		Timestamp: r.now().Format(time.RFC3339),
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}

	sign := "+1"
	if score < 0 {
		sign = "-1"
	}
	kw := keyword
	if kw == "" {
		kw = "general"
	}
	name := fmt.Sprintf("feedback_%s_%s_%s.json", sign, kw, r.now().Format("20060102150405"))
	path := filepath.Join(r.mgr.Layout().Feedback(), name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("persist feedback: %w", err)
	}

	if keyword == r.cfg.FeedbackTrigger && score > r.cfg.FeedbackThreshold {
		if err := r.mgr.Inverted().Update(index.Entry{
			Path:      path,
			Filename:  name,
			Content:   prompt + "\n" + response,
			Kind:      "feedback",
			Timestamp: rec.Timestamp,
		}); err != nil {
			logging.Get(logging.CategoryReflexor).Warnw("feedback index upsert failed", "err", err)
		}
	}
	return path, nil
}
