// Package prompt renders ChatML prompts for every generation mode. Building
// is pure: the builder reads its three system files once at construction and
// never touches the network or the stores.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// Variant selects the template. The orchestrator's tool loop transitions
// between variants based on tool results.
type Variant string

const (
	Standard          Variant = "Standard"
	StandardCode      Variant = "StandardCode"
	ManualContextCode Variant = "ManualContextCode"
	NewChat           Variant = "NewChat"
	MemorySearchFirst Variant = "MemorySearchFirst"
	MemorySearch      Variant = "MemorySearch"
	Cartography       Variant = "Cartography"
	FileInspection    Variant = "FileInspection"
	StagingReview     Variant = "StagingReview"
	WebSearch         Variant = "WebSearch"
	Protocol          Variant = "Protocol"
)

// Request carries everything a variant may render. Unused fields are reported
// after each build, never silently dropped.
type Request struct {
	Variant Variant
	Prompt  string

	Context    types.ContextResult
	CodeChunks []types.CodeChunk
	TechDocs   []types.TechDoc
	Plan       *types.ExecutionPlan

	// ToolResult carries the atoms returned by the previous tool call.
	ToolResult []types.Atom
	// ManualContext is user-pasted code for the manual variant.
	ManualContext string
	// AlertProtocol is the on-disk protocol text for the Protocol variant.
	AlertProtocol string
	// HistoryLines overrides Context.History when set (Protocol, NewChat).
	HistoryLines []string
}

// Builder renders prompts. The three system files live under the agent
// directory; tool instructions are mandatory.
type Builder struct {
	// sysMu guards the reloadable system texts: ReloadSystemSummary runs
	// from background goroutines while Build renders.
	sysMu         sync.RWMutex
	userProfile   string
	systemSummary string

	toolInstructions string

	viewMu     sync.Mutex
	lastPrompt string
}

// System file names under the agent directory.
const (
	UserProfileFile      = "user_profile.md"
	SystemSummaryFile    = "system_summary.md"
	ToolInstructionsFile = "tool_instructions.md"
)

// NewBuilder loads the system files from agentDir. A missing tool-instruction
// file is fatal: without it the model cannot call tools and every autonomous
// mode silently degrades.
func NewBuilder(agentDir string) (*Builder, error) {
	read := func(name string) string {
		raw, err := os.ReadFile(filepath.Join(agentDir, name))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(raw))
	}

	tools, err := os.ReadFile(filepath.Join(agentDir, ToolInstructionsFile))
	if err != nil {
		return nil, fmt.Errorf("tool instructions missing (%s): %w",
			filepath.Join(agentDir, ToolInstructionsFile), err)
	}

	return &Builder{
		userProfile:      read(UserProfileFile),
		systemSummary:    read(SystemSummaryFile),
		toolInstructions: strings.TrimSpace(string(tools)),
	}, nil
}

// LastPrompt returns the most recently built prompt for debug inspection.
func (b *Builder) LastPrompt() string {
	b.viewMu.Lock()
	defer b.viewMu.Unlock()
	return b.lastPrompt
}

// ReloadSystemSummary re-reads the generated summary after an update tool call.
func (b *Builder) ReloadSystemSummary(agentDir string) {
	raw, err := os.ReadFile(filepath.Join(agentDir, SystemSummaryFile))
	if err == nil {
		b.sysMu.Lock()
		b.systemSummary = strings.TrimSpace(string(raw))
		b.sysMu.Unlock()
	}
}

// summaryText returns the current system summary under the read lock.
func (b *Builder) summaryText() string {
	b.sysMu.RLock()
	defer b.sysMu.RUnlock()
	return b.systemSummary
}

// =============================================================================
// BUILD
// =============================================================================

// Build renders the request's variant. The returned string always ends with an
// open assistant turn.
func (b *Builder) Build(req *Request) string {
	t := newTracker(req)

	var system, user string
	switch req.Variant {
	case StandardCode:
		system = b.systemSection(
			"Tu assistes sur du code. Appuie-toi sur les extraits fournis; utilise lire_fichier avant toute modification.",
			formatRules(t.rules()),
			formatCodeChunks(t.codeChunks()),
			formatReadmes(t.readmes()),
			formatTechDocs(t.techDocs()),
		)
		user = t.prompt()
	case ManualContextCode:
		system = b.systemSection(
			"Analyse le code fourni manuellement par l'utilisateur. Ne suppose rien hors de ce contexte.",
			formatRules(t.rules()),
			section("CODE FOURNI", t.manualContext()),
		)
		user = t.prompt()
	case NewChat:
		system = b.systemSection(
			"Nouvelle session. Reprends le fil en t'appuyant sur le résumé système et la dernière session.",
			section("RÉSUMÉ SYSTÈME", b.summaryText()),
			formatHistory(t.historyLines()),
		)
		user = t.prompt()
	case MemorySearchFirst:
		system = b.systemSection(
			"Résultats de recherche mémoire reçus. Établis un plan d'action avant de continuer; réponds par un appel d'outil JSON ou final_answer.",
			formatRules(t.rules()),
			formatToolResult(t.toolResult()),
		)
		user = t.prompt()
	case MemorySearch:
		system = b.systemSection(
			"Poursuis le plan en cours avec les nouveaux résultats d'outil; réponds par un appel d'outil JSON ou final_answer.",
			formatRules(t.rules()),
			formatPlan(t.plan()),
			formatToolResult(t.toolResult()),
		)
		user = t.prompt()
	case Cartography:
		system = b.systemSection(
			"Tu disposes de la cartographie du projet. Réponds en citant les modules concernés.",
			formatRules(t.rules()),
			formatMemories(t.memories()),
		)
		user = t.prompt()
	case FileInspection:
		system = b.systemSection(
			"Tu inspectes un fichier précis. Cite les lignes pertinentes; ne paraphrase pas tout le fichier.",
			formatRules(t.rules()),
			formatMemories(t.memories()),
		)
		user = t.prompt()
	case StagingReview:
		system = b.systemSection(
			"Relis les notes de staging ci-dessous et valide ou corrige le plan.",
			formatRules(t.rules()),
			formatToolResult(t.toolResult()),
			formatPlan(t.plan()),
		)
		user = t.prompt()
	case WebSearch:
		system = b.systemSection(
			"Synthétise les résultats de recherche web en citant les sources.",
			formatToolResult(t.toolResult()),
		)
		user = t.prompt()
	case Protocol:
		system = b.systemSection(
			"ALERTE UTILISATEUR. Applique le protocole ci-dessous avant toute autre considération.",
			section("PROTOCOLE", t.alertProtocol()),
			formatHistory(t.historyLines()),
		)
		user = t.prompt()
	default: // Standard
		system = b.systemSection(
			"Réponds à l'utilisateur en t'appuyant sur le contexte mémoire fourni.",
			formatRules(t.rules()),
			formatMemories(t.memories()),
			formatReadmes(t.readmes()),
			formatHistory(t.history()),
		)
		user = t.prompt()
	}

	out := b.render(req.Variant, system, user)
	t.reportUnread(req.Variant)

	b.viewMu.Lock()
	b.lastPrompt = out
	b.viewMu.Unlock()
	return out
}

// BuildFirstChat is the cold-start entry: heavy on the system summary, plus
// the last session's history.
func (b *Builder) BuildFirstChat(prompt string, lastHistory []string) string {
	req := &Request{Variant: NewChat, Prompt: prompt, HistoryLines: lastHistory}
	return b.Build(req)
}

// systemSection composes the header block plus non-empty sections.
func (b *Builder) systemSection(role string, sections ...string) string {
	b.sysMu.RLock()
	profile, summary := b.userProfile, b.systemSummary
	b.sysMu.RUnlock()

	var sb strings.Builder
	if profile != "" {
		sb.WriteString(profile + "\n\n")
	}
	if summary != "" {
		sb.WriteString(summary + "\n\n")
	}
	sb.WriteString(b.toolInstructions + "\n\n")
	sb.WriteString(role)
	for _, s := range sections {
		if s != "" {
			sb.WriteString("\n\n" + s)
		}
	}
	return sb.String()
}

// render wraps system and user into ChatML with the debug header line.
func (b *Builder) render(v Variant, system, user string) string {
	return fmt.Sprintf("#! PROMPT_TYPE: %s\n<|im_start|>system\n%s<|im_end|>\n<|im_start|>user\n%s<|im_end|>\n<|im_start|>assistant\n",
		v, system, user)
}

// StripHeader removes the debug header before the prompt reaches the server.
func StripHeader(prompt string) string {
	if strings.HasPrefix(prompt, "#! PROMPT_TYPE:") {
		if i := strings.IndexByte(prompt, '\n'); i >= 0 {
			return prompt[i+1:]
		}
	}
	return prompt
}

// =============================================================================
// SECTION FORMATTERS
// =============================================================================

func section(title, body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	return fmt.Sprintf("### %s\n%s", title, body)
}

func formatRules(rules []types.Atom) string {
	if len(rules) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("### RÈGLES ACTIVES\n")
	for _, r := range rules {
		prefix := "⚠️ Règle"
		if strings.Contains(strings.ToUpper(r.Title), "ALERTE") {
			prefix = "🚨 ALERTE"
		}
		fmt.Fprintf(&sb, "%s [%s]: %s\n", prefix, r.Title, r.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

const memoryPreamble = "Les souvenirs ci-dessous sont des résumés, pas des transcriptions. " +
	"Si un détail exact est nécessaire, appelle rechercher_memoire avant de répondre."

func formatMemories(mems []types.Atom) string {
	if len(mems) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("### CONTEXTE MÉMOIRE\n" + memoryPreamble + "\n")
	for _, m := range mems {
		fmt.Fprintf(&sb, "- [%s | score %.3f] ", m.Title, m.Score)
		var it types.Interaction
		if err := json.Unmarshal([]byte(m.Content), &it); err == nil && it.Meta.Timestamp != "" {
			fmt.Fprintf(&sb, "%s\n  User: %s\n  Assistant: %s\n",
				it.Meta.Timestamp, it.Prompt, it.Response)
			continue
		}
		sb.WriteString(m.Content + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// formatHistory pairs consecutive lines as User/Assistant. A trailing orphan
// is the current prompt and is dropped here.
func formatHistory(lines []string) string {
	if len(lines) < 2 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("### HISTORIQUE\n")
	for i := 0; i+1 < len(lines); i += 2 {
		fmt.Fprintf(&sb, "User: %s\nAssistant: %s\n", lines[i], lines[i+1])
	}
	return strings.TrimRight(sb.String(), "\n")
}

const codeChunkDisclaimer = "Ces extraits sont des aperçus. Avant toute modification, lis le fichier complet via lire_fichier."

func formatCodeChunks(chunks []types.CodeChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("### EXTRAITS DE CODE\n" + codeChunkDisclaimer + "\n")
	for _, c := range chunks {
		lang := c.Language
		if lang == "" {
			lang = "text"
		}
		fmt.Fprintf(&sb, "-- %s (%s) --\n```%s\n%s\n```\n", c.Path, c.Kind, lang, c.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatReadmes(readmes []types.Atom) string {
	if len(readmes) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("### DOCUMENTATION PROJET\n")
	for _, r := range readmes {
		ref := r.Path
		if ref == "" {
			ref = r.Title
		}
		fmt.Fprintf(&sb, "[%s]\n%s\n", ref, r.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatTechDocs(docs []types.TechDoc) string {
	if len(docs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("### DOCUMENTATION TECHNIQUE\n")
	for _, d := range docs {
		ref := d.SourceURL
		if ref == "" {
			ref = d.Title
		}
		fmt.Fprintf(&sb, "[%s]\n%s\n", ref, d.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatToolResult(atoms []types.Atom) string {
	if len(atoms) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("### RÉSULTAT D'OUTIL\n")
	for _, at := range atoms {
		fmt.Fprintf(&sb, "[%s | %s]\n%s\n", at.Title, at.Kind, at.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatPlan(p *types.ExecutionPlan) string {
	if p == nil || p.GlobalObjective == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("### PLAN EN COURS\nObjectif: " + p.GlobalObjective + "\n")
	for i, s := range p.Steps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, s)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// =============================================================================
// FIELD-USAGE TRACKING
// =============================================================================

// tracker records which request fields a variant read so dead payload is
// visible in the logs.
type tracker struct {
	req  *Request
	read map[string]bool
}

func newTracker(req *Request) *tracker {
	return &tracker{req: req, read: map[string]bool{}}
}

func (t *tracker) prompt() string { t.read["Prompt"] = true; return t.req.Prompt }
func (t *tracker) rules() []types.Atom {
	t.read["Context.ActiveRules"] = true
	return t.req.Context.ActiveRules
}
func (t *tracker) memories() []types.Atom {
	t.read["Context.MemoryContext"] = true
	return t.req.Context.MemoryContext
}
func (t *tracker) readmes() []types.Atom {
	t.read["Context.Readmes"] = true
	return t.req.Context.Readmes
}
func (t *tracker) history() []string {
	t.read["Context.History"] = true
	if len(t.req.HistoryLines) > 0 {
		t.read["HistoryLines"] = true
		return t.req.HistoryLines
	}
	return t.req.Context.History
}
func (t *tracker) historyLines() []string { t.read["HistoryLines"] = true; return t.req.HistoryLines }
func (t *tracker) codeChunks() []types.CodeChunk {
	t.read["CodeChunks"] = true
	return t.req.CodeChunks
}
func (t *tracker) techDocs() []types.TechDoc { t.read["TechDocs"] = true; return t.req.TechDocs }
func (t *tracker) toolResult() []types.Atom  { t.read["ToolResult"] = true; return t.req.ToolResult }
func (t *tracker) plan() *types.ExecutionPlan {
	t.read["Plan"] = true
	return t.req.Plan
}
func (t *tracker) manualContext() string { t.read["ManualContext"] = true; return t.req.ManualContext }
func (t *tracker) alertProtocol() string { t.read["AlertProtocol"] = true; return t.req.AlertProtocol }

// reportUnread warns about populated fields the variant never rendered.
func (t *tracker) reportUnread(v Variant) {
	var unread []string
	check := func(name string, populated bool) {
		if populated && !t.read[name] {
			unread = append(unread, name)
		}
	}
	check("Context.ActiveRules", len(t.req.Context.ActiveRules) > 0)
	check("Context.MemoryContext", len(t.req.Context.MemoryContext) > 0)
	check("Context.Readmes", len(t.req.Context.Readmes) > 0)
	check("CodeChunks", len(t.req.CodeChunks) > 0)
	check("TechDocs", len(t.req.TechDocs) > 0)
	check("ToolResult", len(t.req.ToolResult) > 0)
	check("Plan", t.req.Plan != nil)
	check("ManualContext", t.req.ManualContext != "")
	check("AlertProtocol", t.req.AlertProtocol != "")

	if len(unread) > 0 {
		logging.Get(logging.CategoryPrompt).Warnw("unread prompt fields",
			"variant", string(v), "fields", unread)
	}
}
