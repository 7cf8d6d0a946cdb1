package orchestrator

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// codeExtractedPlaceholder replaces extracted fences in the stored response so
// long-term history stays lean; the artefact itself lives under code_extraits.
const codeExtractedPlaceholder = "[… 💾 CODE EXTRACTED …]"

// nonDurablePurge replaces file contents attached to an interaction before it
// is persisted.
const nonDurablePurge = "[file consulted — not persisted]"

var nonDurableKinds = map[string]struct{}{
	"technical_file": {}, "raw_file": {}, "code": {}, "active_file": {},
}

var fenceRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n(.*?)```")

// finishTurn updates the session state synchronously, then dispatches the
// persistence pipeline to a background worker.
func (o *Orchestrator) finishTurn(intent types.Intent, userPrompt, response string, cr types.ContextResult, chunks []types.CodeChunk, turn int) {
	o.deps.Context.PushHistory(userPrompt, response)
	o.mu.Lock()
	o.lastResponse = response
	o.mu.Unlock()

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		o.postProcess(ctx, intent, userPrompt, response, cr, chunks, turn)
	}()
}

// postProcess extracts code artefacts, judges the answer, purges non-durable
// context and persists the interaction.
func (o *Orchestrator) postProcess(ctx context.Context, intent types.Intent, userPrompt, response string, cr types.ContextResult, chunks []types.CodeChunk, turn int) {
	log := logging.Get(logging.CategoryOrchestrator)

	artifacts, cleaned := extractArtifacts(response)
	if len(artifacts) > 0 {
		saved := o.deps.Memory.SaveCodeArtifacts(artifacts, o.cfg.Code.ExtensionMap)
		log.Debugw("code artefacts archived", "extracted", len(artifacts), "saved", saved)
	}

	it := types.NewInteraction(userPrompt, cleaned, "", intent, o.sessionID, turn)
	it.MemoryContext = purgeNonDurable(cr.MemoryContext)

	if o.cfg.Orchestrator.JudgeEnabled {
		verdict := o.deps.Judge.Coherence(ctx, ragContextText(cr), userPrompt, cleaned)
		it.Meta.JudgeValid = verdict.Valid
		it.Meta.QualityScore = verdict.Score
		it.Meta.Details = verdict.Reason
	}

	it.Meta.FreeData = freeDataSnapshot(cr, chunks)
	for _, c := range chunks {
		if c.Path != "" {
			it.Meta.FilesConsulted = append(it.Meta.FilesConsulted, c.Path)
		}
	}

	o.stats.Observe("memory", func() error {
		if !o.deps.Memory.RecordInteraction(ctx, it) {
			log.Errorw("interaction persistence failed", "turn", turn)
		}
		return nil
	})
}

// extractArtifacts pulls fenced code blocks out of a response and replaces
// each fence with the archive placeholder.
func extractArtifacts(response string) ([]types.CodeArtifact, string) {
	matches := fenceRe.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		return nil, response
	}

	now := time.Now().Format(time.RFC3339)
	var artifacts []types.CodeArtifact
	for _, m := range matches {
		content := strings.TrimSpace(m[2])
		if content == "" {
			continue
		}
		artifacts = append(artifacts, types.CodeArtifact{
			Language:  strings.ToLower(m[1]),
			Content:   content,
			Timestamp: now,
			Kind:      "extracted_block",
		})
	}
	cleaned := fenceRe.ReplaceAllString(response, codeExtractedPlaceholder)
	return artifacts, cleaned
}

// purgeNonDurable blanks file contents in attached atoms; the paths stay.
func purgeNonDurable(atoms []types.Atom) []types.Atom {
	out := make([]types.Atom, len(atoms))
	copy(out, atoms)
	for i := range out {
		if _, purge := nonDurableKinds[out[i].Kind]; purge {
			out[i].Content = nonDurablePurge
		}
	}
	return out
}

// ragContextText flattens the context handed to the model for the judge.
func ragContextText(cr types.ContextResult) string {
	var sb strings.Builder
	for _, at := range cr.ActiveRules {
		sb.WriteString(at.Content + "\n")
	}
	for _, at := range cr.MemoryContext {
		sb.WriteString(at.Content + "\n")
	}
	for _, at := range cr.Readmes {
		sb.WriteString(at.Content + "\n")
	}
	return sb.String()
}

// freeDataSnapshot records which rules, readmes and code files shaped the
// answer, without copying their contents.
func freeDataSnapshot(cr types.ContextResult, chunks []types.CodeChunk) map[string]interface{} {
	var rules, readmes, codePaths []string
	for _, at := range cr.ActiveRules {
		rules = append(rules, at.Title)
	}
	for _, at := range cr.Readmes {
		ref := at.Path
		if ref == "" {
			ref = at.Title
		}
		readmes = append(readmes, ref)
	}
	for _, c := range chunks {
		codePaths = append(codePaths, c.Path)
	}
	snapshot := map[string]interface{}{}
	if len(rules) > 0 {
		snapshot["regles"] = rules
	}
	if len(readmes) > 0 {
		snapshot["readmes"] = readmes
	}
	if len(codePaths) > 0 {
		snapshot["code"] = codePaths
	}
	return snapshot
}
