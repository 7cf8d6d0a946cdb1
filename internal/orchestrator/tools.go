package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Maxime-Gagne/secondmind/internal/jsonx"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/prompt"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// Tool names the model may call.
const (
	ToolFinalAnswer         = "final_answer"
	ToolRechercherMemoire   = "rechercher_memoire"
	ToolLireCartographie    = "lire_cartographie"
	ToolLireFichier         = "lire_fichier"
	ToolUpdateSystemSummary = "update_system_summary"
	ToolRechercheWeb        = "recherche_web"
)

// toolLoop is the bounded autonomous state machine. Each iteration parses a
// tool call from the last response, executes it, rebuilds the prompt under
// the transition table's variant and generates again. The loop ends on
// final_answer, on a natural reply, or at the step cap.
func (o *Orchestrator) toolLoop(ctx context.Context, userPrompt string, cr types.ContextResult, response string, suppressed bool, out io.Writer) (string, error) {
	log := logging.Get(logging.CategoryOrchestrator)
	maxSteps := o.cfg.Orchestrator.MaxAutonomySteps
	if maxSteps <= 0 {
		maxSteps = 5
	}

	for step := 1; ; step++ {
		call, planUpdate, ok := jsonx.ParseToolCall(response)
		if !ok {
			return response, nil
		}
		if planUpdate != nil {
			o.applyPlanUpdate(planUpdate)
		}

		if call.Function == ToolFinalAnswer {
			content := call.StringArg("content")
			if suppressed && out != nil {
				io.WriteString(out, content)
			}
			return content, nil
		}

		if step >= maxSteps {
			log.Warnw("autonomy step cap reached", "steps", step, "last_tool", call.Function)
			capMsg := "Limite d'autonomie atteinte avant une réponse finale."
			if suppressed && out != nil {
				io.WriteString(out, capMsg)
			}
			return capMsg, nil
		}

		atoms := o.executeTool(ctx, call)
		variant := transitionVariant(call.Function, atoms, step)
		log.Debugw("tool executed", "tool", call.Function, "atoms", len(atoms), "next_variant", string(variant))

		// Cartography and FileInspection render the memory section, so the
		// tool atoms ride there; the other variants read ToolResult.
		req := &prompt.Request{Variant: variant, Prompt: userPrompt, Context: cr, Plan: o.currentPlan()}
		if variant == prompt.Cartography || variant == prompt.FileInspection {
			req.Context.MemoryContext = append(append([]types.Atom{}, atoms...), cr.MemoryContext...)
		} else {
			req.ToolResult = atoms
		}
		built := o.deps.Builder.Build(req)
		next, err := o.deps.Large.Generate(ctx, prompt.StripHeader(built))
		if err != nil {
			return "", fmt.Errorf("tool loop generation: %w", err)
		}
		response = next
	}
}

// transitionVariant maps a tool result to the next prompt variant.
func transitionVariant(tool string, atoms []types.Atom, step int) prompt.Variant {
	for _, at := range atoms {
		if at.Kind == "project_cartography" {
			return prompt.Cartography
		}
	}
	for _, at := range atoms {
		if at.Kind == "technical_file" || at.Kind == "raw_file" {
			return prompt.FileInspection
		}
	}
	if tool == ToolUpdateSystemSummary {
		return prompt.StagingReview
	}
	if tool == ToolRechercheWeb {
		return prompt.WebSearch
	}
	hasMemory := false
	for _, at := range atoms {
		if at.Variant == types.AtomMemory {
			hasMemory = true
			break
		}
	}
	if hasMemory && step == 1 {
		return prompt.MemorySearchFirst
	}
	return prompt.MemorySearch
}

// executeTool routes one call. Unknown tools yield an explanatory atom so the
// model can self-correct on the next generation.
func (o *Orchestrator) executeTool(ctx context.Context, call *jsonx.ToolCall) []types.Atom {
	switch call.Function {
	case ToolRechercherMemoire:
		return o.toolMemorySearch(ctx, call)
	case ToolLireCartographie:
		return []types.Atom{o.readCartography()}
	case ToolLireFichier:
		return []types.Atom{o.toolReadFile(ctx, call.StringArg("filename"))}
	case ToolUpdateSystemSummary:
		return []types.Atom{o.toolUpdateSystemSummary(call.StringArg("content"))}
	case ToolRechercheWeb:
		var report string
		o.stats.Observe("researcher", func() error {
			report = o.deps.Researcher.Research(ctx, call.StringArg("query"))
			return nil
		})
		return []types.Atom{types.NewMemory(report, "rapport_web", "web_report", 1.0)}
	default:
		return []types.Atom{types.NewMemory(
			fmt.Sprintf("Outil inconnu: %s. Outils disponibles: %s.", call.Function,
				strings.Join([]string{ToolFinalAnswer, ToolRechercherMemoire, ToolLireCartographie,
					ToolLireFichier, ToolUpdateSystemSummary, ToolRechercheWeb}, ", ")),
			"outil_inconnu", "tool_error", 0)}
	}
}

// toolMemorySearch accepts a single query or a query list. Queries that
// mention the cartography route to the cartography reader instead.
func (o *Orchestrator) toolMemorySearch(ctx context.Context, call *jsonx.ToolCall) []types.Atom {
	queries := call.StringSliceArg("queries")
	if len(queries) == 0 {
		if q := call.StringArg("query"); q != "" {
			queries = []string{q}
		}
	}
	if len(queries) == 0 {
		return []types.Atom{types.NewMemory("Requête de recherche vide.", "recherche_vide", "tool_error", 0)}
	}

	var atoms []types.Atom
	for _, q := range queries {
		folded := types.Fold(q)
		if strings.Contains(folded, "cartograph") || strings.Contains(folded, "project_map") {
			atoms = append(atoms, o.readCartography())
			continue
		}
		o.mu.Lock()
		intent := o.lastIntent
		o.mu.Unlock()
		o.stats.Observe("retrieval", func() error {
			res := o.deps.Retrieval.RetrieveVectorContext(ctx, q, intent)
			atoms = append(atoms, res.RawMemories...)
			return nil
		})
	}
	// Empty vector recall falls back to the recent chronological thread.
	if len(atoms) == 0 {
		atoms = o.deps.Retrieval.ChronologicalHistory(0)
	}
	if len(atoms) == 0 {
		atoms = []types.Atom{types.NewMemory("Aucun souvenir trouvé.", "recherche_sans_resultat", "memory", 0)}
	}
	return atoms
}

// readCartography reads the project graph and formats it as a memory atom.
func (o *Orchestrator) readCartography() types.Atom {
	path := filepath.Join(o.deps.Memory.Layout().Code(), "code_architecture.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.NewMemory("Cartographie du projet indisponible.", "cartographie_absente", "tool_error", 0)
	}
	var arch types.ProjectArchitecture
	if err := json.Unmarshal(raw, &arch); err != nil {
		return types.NewMemory("Cartographie du projet illisible.", "cartographie_corrompue", "tool_error", 0)
	}

	modules := make([]string, 0, len(arch))
	for name := range arch {
		modules = append(modules, name)
	}
	sort.Strings(modules)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Cartographie du projet (%d modules):\n", len(modules))
	for _, name := range modules {
		mod := arch[name]
		fmt.Fprintf(&sb, "- %s (%d fonctions, %d types)", name, len(mod.Functions), len(mod.Classes))
		if len(mod.OutgoingEdges) > 0 {
			fmt.Fprintf(&sb, " → %s", strings.Join(mod.OutgoingEdges, ", "))
		}
		sb.WriteString("\n")
	}
	return types.NewMemory(sb.String(), "cartographie_projet", "project_cartography", 1.0)
}

// toolReadFile resolves a file through the retrieval layer and returns its
// full contents. The file is pinned into the active set for following turns.
func (o *Orchestrator) toolReadFile(ctx context.Context, filename string) types.Atom {
	if filename == "" {
		return types.NewMemory("Nom de fichier manquant.", "fichier_manquant", "tool_error", 0)
	}
	var atoms []types.Atom
	o.stats.Observe("retrieval", func() error {
		atoms = o.deps.Retrieval.ProjectFiles(ctx, filename)
		return nil
	})
	if len(atoms) == 0 {
		return types.NewMemory(
			fmt.Sprintf("Fichier introuvable: %s", filename), "fichier_introuvable", "tool_error", 0)
	}

	at := atoms[0]
	at.Kind = "raw_file"
	if at.Path != "" {
		o.mu.Lock()
		o.activeFiles[at.Path] = struct{}{}
		o.mu.Unlock()
	}
	return at
}

// toolUpdateSystemSummary appends staging notes to the system summary file and
// hot-reloads the prompt builder.
func (o *Orchestrator) toolUpdateSystemSummary(content string) types.Atom {
	if strings.TrimSpace(content) == "" {
		return types.NewMemory("Contenu de résumé vide.", "resume_vide", "tool_error", 0)
	}
	path := filepath.Join(o.agentDir, prompt.SystemSummaryFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return types.NewMemory(
			fmt.Sprintf("Échec d'écriture du résumé: %v", err), "resume_echec", "tool_error", 0)
	}
	_, werr := f.WriteString("\n" + strings.TrimSpace(content) + "\n")
	f.Close()
	if werr != nil {
		return types.NewMemory(
			fmt.Sprintf("Échec d'écriture du résumé: %v", werr), "resume_echec", "tool_error", 0)
	}
	o.deps.Builder.ReloadSystemSummary(o.agentDir)
	return types.NewMemory("Résumé système mis à jour.", "resume_systeme", "staging_note", 1.0)
}

// applyPlanUpdate replaces the session plan from a plan_update envelope.
func (o *Orchestrator) applyPlanUpdate(update map[string]interface{}) {
	objective, _ := update["global_objective"].(string)
	if objective == "" {
		objective, _ = update["objective"].(string)
	}
	var steps []string
	if raw, ok := update["steps"].([]interface{}); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				steps = append(steps, str)
			}
		}
	}
	if objective == "" && len(steps) == 0 {
		return
	}
	o.mu.Lock()
	o.plan = &types.ExecutionPlan{GlobalObjective: objective, Steps: steps}
	o.mu.Unlock()
}
