package types

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
)

// Auditor validates outputs against their variant schema at component
// boundaries. Violations are logged and journalled; persistence is never
// blocked by a schema violation.
type Auditor struct {
	mu          sync.Mutex
	journalPath string
}

// NewAuditor creates an auditor writing violations under memoryRoot.
func NewAuditor(memoryRoot string) *Auditor {
	return &Auditor{journalPath: filepath.Join(memoryRoot, "violations_runtime.jsonl")}
}

// violation is one journalled schema failure.
type violation struct {
	Timestamp string `json:"timestamp"`
	Schema    string `json:"schema"`
	Field     string `json:"field"`
	Problem   string `json:"problem"`
}

func (a *Auditor) report(schema, field, problem string) {
	logging.Get(logging.CategoryAudit).Warnw("schema violation",
		"schema", schema, "field", field, "problem", problem)

	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	line, _ := json.Marshal(violation{
		Timestamp: time.Now().Format(time.RFC3339),
		Schema:    schema, Field: field, Problem: problem,
	})
	fmt.Fprintf(f, "%s\n", line)
}

// CheckAtom validates one atom. Returns the violation count.
func (a *Auditor) CheckAtom(at Atom) int {
	n := 0
	if at.Variant != AtomMemory && at.Variant != AtomRule && at.Variant != AtomReadme {
		a.report("Atom", "variant", fmt.Sprintf("unknown variant %q", at.Variant))
		n++
	}
	if at.Content == "" {
		a.report("Atom", "content", "empty content")
		n++
	}
	if at.Variant == AtomReadme && at.Path == "" {
		a.report("Atom", "path", "readme without path")
		n++
	}
	return n
}

// CheckIntent validates an intent.
func (a *Auditor) CheckIntent(in Intent) int {
	n := 0
	if in.Prompt == "" {
		a.report("Intent", "prompt", "empty prompt")
		n++
	}
	if ParseSubject(string(in.Subject)) != in.Subject {
		a.report("Intent", "subject", fmt.Sprintf("not an enum member: %q", in.Subject))
		n++
	}
	return n
}

// CheckInteraction validates the canonical persisted record.
func (a *Auditor) CheckInteraction(it *Interaction) int {
	n := 0
	if it == nil {
		a.report("Interaction", "", "nil interaction")
		return 1
	}
	if it.Meta.ID == "" {
		a.report("Interaction", "meta.id", "missing id")
		n++
	}
	if it.Meta.SessionID == "" {
		a.report("Interaction", "meta.session_id", "missing session id")
		n++
	}
	if it.Meta.MessageTurn < 0 {
		a.report("Interaction", "meta.message_turn", "negative turn")
		n++
	}
	if it.Prompt == "" {
		a.report("Interaction", "prompt", "empty prompt")
		n++
	}
	n += a.CheckIntent(it.Intent)
	return n
}

// CheckContextResult enforces the non-emptiness contract of the aggregator.
func (a *Auditor) CheckContextResult(cr *ContextResult) int {
	n := 0
	if len(cr.MemoryContext) == 0 {
		a.report("ContextResult", "memory_context", "empty (fallback atom missing)")
		n++
	}
	if len(cr.ActiveRules) == 0 {
		a.report("ContextResult", "active_rules", "empty (fallback rule missing)")
		n++
	}
	if len(cr.Readmes) == 0 {
		a.report("ContextResult", "readmes", "empty (placeholder missing)")
		n++
	}
	return n
}

// CheckVerdict validates a judge verdict.
func (a *Auditor) CheckVerdict(v JudgeVerdict) int {
	n := 0
	if v.Score < 0 || v.Score > 1 {
		a.report("JudgeVerdict", "score", fmt.Sprintf("out of range: %f", v.Score))
		n++
	}
	if v.Reason == "" {
		a.report("JudgeVerdict", "reason", "empty reason")
		n++
	}
	return n
}
