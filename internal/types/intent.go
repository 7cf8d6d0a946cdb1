package types

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Subject classifies what a prompt is about.
type Subject string

// Action classifies what the user wants done.
type Action string

// Category classifies the conversational register.
type Category string

const (
	SubjectMemoire Subject = "MEMOIRE"
	SubjectCode    Subject = "CODE"
	SubjectProjet  Subject = "PROJET"
	SubjectSysteme Subject = "SYSTEME"
	SubjectGeneral Subject = "GENERAL"
	SubjectInconnu Subject = "INCONNU"

	ActionCreer     Action = "CREER"
	ActionModifier  Action = "MODIFIER"
	ActionExpliquer Action = "EXPLIQUER"
	ActionChercher  Action = "CHERCHER"
	ActionAnalyser  Action = "ANALYSER"
	ActionInconnu   Action = "INCONNU"

	CategoryAnalyse  Category = "ANALYSE"
	CategoryCode     Category = "CODE"
	CategoryAgent    Category = "AGENT"
	CategoryPlan     Category = "PLAN"
	CategoryDialogue Category = "DIALOGUE"
	CategoryInconnu  Category = "INCONNU"
)

var (
	subjects   = []Subject{SubjectMemoire, SubjectCode, SubjectProjet, SubjectSysteme, SubjectGeneral, SubjectInconnu}
	actions    = []Action{ActionCreer, ActionModifier, ActionExpliquer, ActionChercher, ActionAnalyser, ActionInconnu}
	categories = []Category{CategoryAnalyse, CategoryCode, CategoryAgent, CategoryPlan, CategoryDialogue, CategoryInconnu}
)

// Intent is the classified user prompt. Prompt is non-empty; enum fields fall
// back to the INCONNU members when free text cannot be mapped.
type Intent struct {
	Prompt   string   `json:"prompt"`
	Subject  Subject  `json:"subject"`
	Act      Action   `json:"action"`
	Category Category `json:"category"`
}

// Fold lower-cases and strips accents so "Créer" matches "creer".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// ParseSubject maps free text to a Subject member, accent-folded and
// case-insensitive. Unknown text maps to SubjectInconnu.
func ParseSubject(s string) Subject {
	f := Fold(strings.TrimSpace(s))
	for _, m := range subjects {
		if Fold(string(m)) == f {
			return m
		}
	}
	return SubjectInconnu
}

// ParseAction maps free text to an Action member.
func ParseAction(s string) Action {
	f := Fold(strings.TrimSpace(s))
	for _, m := range actions {
		if Fold(string(m)) == f {
			return m
		}
	}
	return ActionInconnu
}

// ParseCategory maps free text to a Category member.
func ParseCategory(s string) Category {
	f := Fold(strings.TrimSpace(s))
	for _, m := range categories {
		if Fold(string(m)) == f {
			return m
		}
	}
	return CategoryInconnu
}

// NewIntent builds an Intent from raw classifier strings.
func NewIntent(prompt, subject, action, category string) Intent {
	return Intent{
		Prompt:   prompt,
		Subject:  ParseSubject(subject),
		Act:      ParseAction(action),
		Category: ParseCategory(category),
	}
}

// BoostTerms returns the lowered enum values minus the neutral members, used
// by the retrieval intent boost.
func (i Intent) BoostTerms() []string {
	var terms []string
	for _, v := range []string{string(i.Subject), string(i.Act), string(i.Category)} {
		lv := strings.ToLower(v)
		if lv == "inconnu" || lv == "unknown" || lv == "general" || lv == "" {
			continue
		}
		terms = append(terms, lv)
	}
	return terms
}
