// Package orchestrator owns the turn loop. It is the only component that talks
// to every agent: classification, retrieval, context aggregation, prompt
// building, generation, the tool state machine and post-turn persistence all
// converge here. Agents never call back into the orchestrator.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Maxime-Gagne/secondmind/internal/code"
	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/consolidator"
	ctxagent "github.com/Maxime-Gagne/secondmind/internal/context"
	"github.com/Maxime-Gagne/secondmind/internal/jsonx"
	"github.com/Maxime-Gagne/secondmind/internal/judge"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/memory"
	"github.com/Maxime-Gagne/secondmind/internal/prompt"
	"github.com/Maxime-Gagne/secondmind/internal/reflexor"
	"github.com/Maxime-Gagne/secondmind/internal/retrieval"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// LargeModel is the generation endpoint.
type LargeModel interface {
	Stream(ctx context.Context, prompt string) (<-chan string, <-chan error)
	Generate(ctx context.Context, prompt string) (string, error)
}

// MiniModel is the classification and judging endpoint.
type MiniModel interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Deps wires the orchestrator. Every field except Code is required.
type Deps struct {
	Config       *config.Config
	Memory       *memory.Manager
	Retrieval    *retrieval.Agent
	Context      *ctxagent.Agent
	Judge        *judge.Judge
	Reflexor     *reflexor.Reflexor
	Consolidator *consolidator.Consolidator
	Code         *code.Subsystem
	Builder      *prompt.Builder
	Large        LargeModel
	Mini         MiniModel
	Researcher   *Researcher
}

// Orchestrator holds the session state and runs the turn loop. Session state
// is mutated only from Think; background workers read through the memory
// manager, never through the orchestrator.
type Orchestrator struct {
	cfg   *config.Config
	deps  Deps
	stats *AgentStats

	sessionID string
	agentDir  string

	mu            sync.Mutex
	turn          int
	plan          *types.ExecutionPlan
	activeFiles   map[string]struct{}
	lastIntent    types.Intent
	lastResponse  string
	alertOverride string

	bg sync.WaitGroup
}

// New builds the orchestrator with a fresh session id.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:         d.Config,
		deps:        d,
		stats:       NewAgentStats(),
		sessionID:   uuid.NewString(),
		agentDir:    d.Memory.Layout().Agent(),
		activeFiles: map[string]struct{}{},
	}
}

// SessionID returns the current session identifier.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Stats returns the call interceptor.
func (o *Orchestrator) Stats() *AgentStats { return o.stats }

// Wait blocks until every background worker spawned by Think has finished.
func (o *Orchestrator) Wait() { o.bg.Wait() }

// =============================================================================
// TURN LOOP
// =============================================================================

var salutations = map[string]struct{}{
	"salut": {}, "bonjour": {}, "bonsoir": {}, "allo": {},
	"hello": {}, "hi": {}, "hey": {}, "yo": {},
}

var (
	codeFileRe   = regexp.MustCompile(`\w+\.(go|py|md|yaml|json)`)
	codeKeywords = []string{"code", "fonction", "classe", "script", "bug", "erreur"}
)

const sniffLen = 50

// apologyToken is the fixed reply substituted for any generation failure. The
// turn loop never crashes the session: the apology is streamed, persisted and
// journaled like a normal answer.
const apologyToken = "Désolé, une erreur interne m'a empêché de produire une réponse. Réessaie dans un instant."

// Think runs one conversational turn. Tokens stream to out as they arrive;
// the returned string is the final answer after tool resolution.
func (o *Orchestrator) Think(ctx context.Context, userPrompt, searchMode string, out io.Writer) (string, error) {
	log := logging.Get(logging.CategoryOrchestrator)
	trimmed := strings.TrimSpace(userPrompt)

	o.mu.Lock()
	o.turn++
	turn := o.turn
	o.mu.Unlock()

	// 1. Command gate.
	if _, ok := salutations[types.Fold(trimmed)]; ok {
		return o.firstChat(ctx, trimmed, turn, out)
	}
	if strings.Contains(trimmed, "!!!") && !strings.HasPrefix(trimmed, "#!") {
		return o.alertTurn(ctx, trimmed, turn, out)
	}
	if ack, handled := o.feedbackCommand(trimmed, out); handled {
		return ack, nil
	}

	// 2. Forced web mode short-circuits everything else.
	if searchMode == "web" {
		report := o.deps.Researcher.Research(ctx, trimmed)
		if out != nil {
			io.WriteString(out, report)
		}
		o.finishTurn(types.NewIntent(trimmed, "GENERAL", "CHERCHER", "ANALYSE"),
			trimmed, report, types.ContextResult{}, nil, turn)
		return report, nil
	}

	// 3. Intent classification.
	intent := o.classifyIntent(ctx, trimmed)

	// 4. Retrieval and context aggregation.
	var res types.RetrievalResult
	o.stats.Observe("retrieval", func() error {
		res = o.deps.Retrieval.RetrieveVectorContext(ctx, trimmed, intent)
		return nil
	})
	var cr types.ContextResult
	o.stats.Observe("context", func() error {
		cr = o.deps.Context.Build(ctx, intent, res)
		return nil
	})
	o.injectAlertOverride(&cr)

	// 5. Code retrieval.
	chunks := o.codeChunks(ctx, trimmed)

	// 6. Active-file injection.
	chunks = append(chunks, o.activeFileChunks()...)

	// 7-8. Mode selection, build, stream with tool-reply sniffing.
	variant := o.selectVariant(searchMode, intent, cr, chunks)
	req := &prompt.Request{
		Variant:    variant,
		Prompt:     trimmed,
		Context:    cr,
		CodeChunks: chunks,
		TechDocs:   o.deps.Retrieval.TechDocs(trimmed),
		Plan:       o.currentPlan(),
	}
	if variant == prompt.ManualContextCode {
		req.ManualContext = trimmed
	}
	built := o.deps.Builder.Build(req)

	response, suppressed, err := o.sniffStream(ctx, prompt.StripHeader(built), out)
	if err != nil {
		return o.apologize(err, intent, trimmed, cr, chunks, turn, out)
	}

	// 9. Tool loop.
	final, err := o.toolLoop(ctx, trimmed, cr, response, suppressed, out)
	if err != nil {
		return o.apologize(err, intent, trimmed, cr, chunks, turn, out)
	}
	log.Debugw("turn complete", "turn", turn, "variant", string(variant), "len", len(final))

	// 10. Post-processing in the background.
	o.finishTurn(intent, trimmed, final, cr, chunks, turn)
	return final, nil
}

// apologize converts a generation failure into the fixed apology reply and
// still runs post-processing so the turn is journaled.
func (o *Orchestrator) apologize(err error, intent types.Intent, userPrompt string, cr types.ContextResult, chunks []types.CodeChunk, turn int, out io.Writer) (string, error) {
	logging.Get(logging.CategoryOrchestrator).Errorw("generation failed", "turn", turn, "err", err)
	if out != nil {
		io.WriteString(out, apologyToken)
	}
	o.finishTurn(intent, userPrompt, apologyToken, cr, chunks, turn)
	return apologyToken, nil
}

// firstChat handles the cold-start salutation path.
func (o *Orchestrator) firstChat(ctx context.Context, promptText string, turn int, out io.Writer) (string, error) {
	intent := types.NewIntent(promptText, "GENERAL", "EXPLIQUER", "DIALOGUE")
	built := o.deps.Builder.BuildFirstChat(promptText, o.deps.Context.History())
	response, err := o.streamAll(ctx, prompt.StripHeader(built), out)
	if err != nil {
		return o.apologize(err, intent, promptText, types.ContextResult{}, nil, turn, out)
	}
	o.finishTurn(intent, promptText, response, types.ContextResult{}, nil, turn)
	return response, nil
}

const defaultAlertProtocol = "Reconnais l'erreur signalée, identifie sa cause dans les derniers échanges et propose une correction immédiate."

// AlertProtocolFile holds the operator-maintained alert protocol.
const AlertProtocolFile = "protocole_alerte.md"

// alertTurn handles the `!!!` governance command: the reflexor analysis runs
// in the background while the current turn answers under the alert protocol.
func (o *Orchestrator) alertTurn(ctx context.Context, promptText string, turn int, out io.Writer) (string, error) {
	intent := types.NewIntent(promptText, "SYSTEME", "ANALYSER", "AGENT")
	history := o.deps.Context.History()

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		o.stats.Observe("reflexor", func() error {
			_, err := o.deps.Reflexor.Analyze(bgCtx, history, intent)
			return err
		})
	}()

	protocol := defaultAlertProtocol
	if raw, err := os.ReadFile(filepath.Join(o.agentDir, AlertProtocolFile)); err == nil {
		protocol = strings.TrimSpace(string(raw))
	}
	o.mu.Lock()
	o.alertOverride = protocol
	o.mu.Unlock()

	n := o.cfg.Reflexor.HistoryLines
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	built := o.deps.Builder.Build(&prompt.Request{
		Variant:       prompt.Protocol,
		Prompt:        promptText,
		AlertProtocol: protocol,
		HistoryLines:  history,
	})
	response, err := o.streamAll(ctx, prompt.StripHeader(built), out)
	if err != nil {
		return o.apologize(err, intent, promptText, types.ContextResult{}, nil, turn, out)
	}
	o.finishTurn(intent, promptText, response, types.ContextResult{}, nil, turn)
	return response, nil
}

// feedbackCommand recognises `+1` / `-1 [keyword]` and persists the feedback
// synchronously. Returns handled=false for everything else.
func (o *Orchestrator) feedbackCommand(trimmed string, out io.Writer) (string, bool) {
	fields := strings.Fields(trimmed)
	if len(fields) == 0 || (fields[0] != "+1" && fields[0] != "-1") {
		return "", false
	}
	score := 1.0
	if fields[0] == "-1" {
		score = -1.0
	}
	keyword := ""
	if len(fields) > 1 {
		keyword = types.Fold(fields[1])
	}

	o.mu.Lock()
	lastPrompt, lastResponse := o.lastIntent.Prompt, o.lastResponse
	o.mu.Unlock()

	ack := "Feedback enregistré, merci."
	if _, err := o.deps.Reflexor.RecordFeedback(lastPrompt, lastResponse, score, keyword); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warnw("feedback persistence failed", "err", err)
		ack = "Feedback reçu mais non persisté."
	}
	if out != nil {
		io.WriteString(out, ack)
	}
	return ack, true
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

const classifyPromptFmt = `Classifie ce message utilisateur.

MESSAGE: %s

subject ∈ {MEMOIRE, CODE, PROJET, SYSTEME, GENERAL}
action ∈ {CREER, MODIFIER, EXPLIQUER, CHERCHER, ANALYSER}
category ∈ {ANALYSE, CODE, AGENT, PLAN, DIALOGUE}

Réponds STRICTEMENT en JSON: {"subject": "...", "action": "...", "category": "..."}`

// classifyIntent calls the small model; any failure degrades to the neutral
// classification rather than blocking the turn.
func (o *Orchestrator) classifyIntent(ctx context.Context, promptText string) types.Intent {
	var intent types.Intent
	o.stats.Observe("classifier", func() error {
		raw, err := o.deps.Mini.Generate(ctx, fmt.Sprintf(classifyPromptFmt, promptText))
		if err != nil {
			intent = types.NewIntent(promptText, "GENERAL", "EXPLIQUER", "DIALOGUE")
			return err
		}
		parsed := jsonx.Decode(raw)
		str := func(key string) string {
			s, _ := parsed[key].(string)
			return s
		}
		intent = types.NewIntent(promptText, str("subject"), str("action"), str("category"))
		if intent.Subject == types.SubjectInconnu && str("subject") == "" {
			intent = types.NewIntent(promptText, "GENERAL", "EXPLIQUER", "DIALOGUE")
		}
		return nil
	})
	o.mu.Lock()
	o.lastIntent = intent
	o.mu.Unlock()
	return intent
}

// =============================================================================
// CONTEXT ASSEMBLY
// =============================================================================

// injectAlertOverride prepends the protocol text as a top-priority rule. The
// override is consumed once.
func (o *Orchestrator) injectAlertOverride(cr *types.ContextResult) {
	o.mu.Lock()
	protocol := o.alertOverride
	o.alertOverride = ""
	o.mu.Unlock()
	if protocol == "" {
		return
	}
	rule := types.NewRule(protocol, "ALERTE_PROTOCOLE", "rule")
	cr.ActiveRules = append([]types.Atom{rule}, cr.ActiveRules...)
}

// codeChunks runs the code subsystem when the prompt looks code-related.
func (o *Orchestrator) codeChunks(ctx context.Context, promptText string) []types.CodeChunk {
	if o.deps.Code == nil || !codeTriggered(promptText) {
		return nil
	}
	var ccs []types.CodeContext
	o.stats.Observe("code", func() error {
		ccs = o.deps.Code.ProvideContext(ctx, promptText, 5)
		return nil
	})
	var chunks []types.CodeChunk
	for _, cc := range ccs {
		chunks = append(chunks, chunkFromCodeContext(cc))
	}
	return chunks
}

func codeTriggered(promptText string) bool {
	if codeFileRe.MatchString(promptText) {
		return true
	}
	folded := types.Fold(promptText)
	for _, kw := range codeKeywords {
		if strings.Contains(folded, kw) {
			return true
		}
	}
	return false
}

func chunkFromCodeContext(cc types.CodeContext) types.CodeChunk {
	kind := types.ChunkSnippet
	switch cc.Kind {
	case "function":
		kind = types.ChunkFunction
	case "method":
		kind = types.ChunkMethod
	case "class":
		kind = types.ChunkClass
	case "module":
		kind = types.ChunkFile
	}
	content := cc.Content
	if content == "" {
		content = strings.TrimSpace(cc.Signature + "\n" + cc.Summary)
	}
	return types.CodeChunk{Content: content, Path: cc.Module, Kind: kind, Language: "go"}
}

// activeFileChunks re-reads every pinned file so the model always sees the
// current contents.
func (o *Orchestrator) activeFileChunks() []types.CodeChunk {
	o.mu.Lock()
	paths := make([]string, 0, len(o.activeFiles))
	for p := range o.activeFiles {
		paths = append(paths, p)
	}
	o.mu.Unlock()

	var chunks []types.CodeChunk
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		chunks = append(chunks, types.CodeChunk{
			Content:  string(raw),
			Path:     p,
			Kind:     types.ChunkActive,
			Language: strings.TrimPrefix(filepath.Ext(p), "."),
		})
	}
	return chunks
}

// selectVariant is the exhaustive mode selection; first match wins.
func (o *Orchestrator) selectVariant(searchMode string, intent types.Intent, cr types.ContextResult, chunks []types.CodeChunk) prompt.Variant {
	if searchMode == "manual" {
		return prompt.ManualContextCode
	}
	if hasMemoryKind(cr.MemoryContext, "project_cartography") {
		return prompt.Cartography
	}
	inspectable := intent.Category == types.CategoryAnalyse ||
		intent.Category == types.CategoryCode || intent.Category == types.CategoryAgent
	if inspectable && (hasMemoryKind(cr.MemoryContext, "technical_file") || hasMemoryKind(cr.MemoryContext, "raw_file")) {
		return prompt.FileInspection
	}
	if intent.Category == types.CategoryPlan && strings.Contains(types.Fold(intent.Prompt), "staging") {
		return prompt.StagingReview
	}
	if len(chunks) > 0 {
		return prompt.StandardCode
	}
	return prompt.Standard
}

func hasMemoryKind(atoms []types.Atom, kind string) bool {
	for _, at := range atoms {
		if at.Kind == kind {
			return true
		}
	}
	return false
}

func (o *Orchestrator) currentPlan() *types.ExecutionPlan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.plan
}

// =============================================================================
// STREAMING
// =============================================================================

// looksLikeToolReply reports whether the buffered head of a response is a
// JSON tool call rather than natural language.
func looksLikeToolReply(head string) bool {
	head = strings.TrimSpace(head)
	return strings.HasPrefix(head, "{") || strings.HasPrefix(head, "```json")
}

// sniffStream buffers the first ~50 characters to classify the reply. A tool
// reply is collected silently; a natural reply flushes the buffer and streams
// live.
func (o *Orchestrator) sniffStream(ctx context.Context, p string, out io.Writer) (string, bool, error) {
	tokens, errs := o.deps.Large.Stream(ctx, p)

	var full, head strings.Builder
	suppressed := false
	decided := false
	for tokens != nil || errs != nil {
		select {
		case tok, ok := <-tokens:
			if !ok {
				tokens = nil
				continue
			}
			full.WriteString(tok)
			if !decided {
				head.WriteString(tok)
				if len(strings.TrimSpace(head.String())) >= sniffLen {
					decided = true
					suppressed = looksLikeToolReply(head.String())
					if !suppressed && out != nil {
						io.WriteString(out, head.String())
					}
				}
			} else if !suppressed && out != nil {
				io.WriteString(out, tok)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return full.String(), suppressed, err
			}
		}
	}
	if !decided {
		suppressed = looksLikeToolReply(head.String())
		if !suppressed && out != nil {
			io.WriteString(out, head.String())
		}
	}
	return full.String(), suppressed, nil
}

// streamAll forwards every token to out without sniffing.
func (o *Orchestrator) streamAll(ctx context.Context, p string, out io.Writer) (string, error) {
	tokens, errs := o.deps.Large.Stream(ctx, p)
	var full strings.Builder
	for tokens != nil || errs != nil {
		select {
		case tok, ok := <-tokens:
			if !ok {
				tokens = nil
				continue
			}
			full.WriteString(tok)
			if out != nil {
				io.WriteString(out, tok)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}
