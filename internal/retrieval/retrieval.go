// Package retrieval is the unified read API over the vector stores, the
// inverted index, the file locator and the memory directories. Every public
// method returns typed atoms or result objects validated by the auditor.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/index"
	"github.com/Maxime-Gagne/secondmind/internal/locator"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/memory"
	"github.com/Maxime-Gagne/secondmind/internal/types"
	"github.com/Maxime-Gagne/secondmind/internal/vector"
)

// Agent is the read path. It never writes memory; maintenance operations that
// mutate the inverted index live in maintenance.go and go through the index's
// own transactional API.
type Agent struct {
	cfg         config.RetrievalConfig
	projectRoot string
	layout      *memory.Layout
	narrative   *vector.Store
	legislative *vector.Store
	inverted    *index.Index
	locator     *locator.Locator
	auditor     *types.Auditor
}

// NewAgent wires the read path over the shared stores.
func NewAgent(cfg config.RetrievalConfig, projectRoot string, mgr *memory.Manager, loc *locator.Locator, auditor *types.Auditor) *Agent {
	return &Agent{
		cfg:         cfg,
		projectRoot: projectRoot,
		layout:      mgr.Layout(),
		narrative:   mgr.Narrative(),
		legislative: mgr.Legislative(),
		inverted:    mgr.Inverted(),
		locator:     loc,
		auditor:     auditor,
	}
}

// =============================================================================
// RULES
// =============================================================================

// ruleFile is the on-disk governance rule shape.
type ruleFile struct {
	Rule string `json:"rule"`
}

// RulesByTag finds rule JSON files whose filename contains tag and yields one
// rule atom per file. A file that fails to parse contributes its raw contents.
func (a *Agent) RulesByTag(tag string) []types.Atom {
	entries, err := os.ReadDir(a.layout.Regles())
	if err != nil {
		return nil
	}

	var atoms []types.Atom
	lowTag := strings.ToLower(tag)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if !strings.Contains(strings.ToLower(e.Name()), lowTag) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(a.layout.Regles(), e.Name()))
		if err != nil {
			continue
		}
		content := string(raw)
		var rf ruleFile
		if err := json.Unmarshal(raw, &rf); err == nil && rf.Rule != "" {
			content = rf.Rule
		}
		at := types.NewRule(content, e.Name(), "rule")
		a.auditor.CheckAtom(at)
		atoms = append(atoms, at)
	}
	return atoms
}

// RulesSemantic queries the legislative store and maps hits to rule atoms
// titled with their trigger and similarity.
func (a *Agent) RulesSemantic(ctx context.Context, query string, k int) []types.Atom {
	hits, err := a.legislative.Search(ctx, query, k)
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Warnw("legislative search failed", "err", err)
		return nil
	}

	var atoms []types.Atom
	for _, h := range hits {
		content, _ := h.Meta["content"].(string)
		if content == "" {
			continue
		}
		trigger, _ := h.Meta["trigger"].(string)
		if trigger == "" {
			trigger, _ = h.Meta["title"].(string)
		}
		at := types.NewRule(content, fmt.Sprintf("%s (sim: %.2f)", trigger, h.Score), "vectorial_rule")
		a.auditor.CheckAtom(at)
		atoms = append(atoms, at)
	}
	return atoms
}

// =============================================================================
// READMES AND TECHNICAL DOCUMENTATION
// =============================================================================

var camelRe = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// promptTokenSet folds, splits camelCase and tokenises the prompt.
func promptTokenSet(prompt string) map[string]struct{} {
	expanded := camelRe.ReplaceAllString(prompt, "$1 $2")
	out := map[string]struct{}{}
	for _, tok := range regexp.MustCompile(`[\p{L}\p{N}]+`).FindAllString(types.Fold(expanded), -1) {
		out[tok] = struct{}{}
	}
	return out
}

// readmeKeyTokens extracts the filename tokens between README_ and .md.
func readmeKeyTokens(filename string) []string {
	base := strings.TrimSuffix(filename, ".md")
	base = strings.TrimPrefix(base, "README_")
	base = strings.ReplaceAll(base, "-", "_")
	var toks []string
	for _, t := range strings.Split(base, "_") {
		if t = strings.TrimSpace(t); t != "" {
			toks = append(toks, types.Fold(t))
		}
	}
	return toks
}

// Readmes locates README_*.md files and keeps those whose filename key tokens
// are all present in the prompt. The subset rule makes READMEs opt-in: a
// README surfaces only when the user names its exact topic.
func (a *Agent) Readmes(ctx context.Context, prompt string) []types.Atom {
	paths := a.locator.Find(ctx, []string{`path:"` + a.layout.Connaissances() + `"`, "README_", "ext:md"},
		a.cfg.Limites.RechercheEverythingMax)
	if len(paths) == 0 {
		// The locator is optional tooling; fall back to a directory walk.
		paths = globReadmes(a.layout.Connaissances())
	}

	promptToks := promptTokenSet(prompt)
	var atoms []types.Atom
	for _, p := range paths {
		name := filepath.Base(p)
		if !strings.HasPrefix(name, "README_") || !strings.HasSuffix(name, ".md") {
			continue
		}
		if !subset(readmeKeyTokens(name), promptToks) {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		at := types.NewReadme(string(raw), name, p)
		a.auditor.CheckAtom(at)
		atoms = append(atoms, at)
	}
	return atoms
}

func globReadmes(dir string) []string {
	var paths []string
	filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), "README_") && strings.HasSuffix(d.Name(), ".md") {
			paths = append(paths, p)
		}
		return nil
	})
	return paths
}

func subset(keys []string, prompt map[string]struct{}) bool {
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if _, ok := prompt[k]; !ok {
			return false
		}
	}
	return true
}

// TechDocs applies the same subset gate to the technical documentation
// directory and yields TechDoc values.
func (a *Agent) TechDocs(prompt string) []types.TechDoc {
	entries, err := os.ReadDir(a.layout.DocumentationTechnique())
	if err != nil {
		return nil
	}

	promptToks := promptTokenSet(prompt)
	var docs []types.TechDoc
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		keys := docKeyTokens(e.Name())
		if !subset(keys, promptToks) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(a.layout.DocumentationTechnique(), e.Name()))
		if err != nil {
			continue
		}
		docs = append(docs, types.TechDoc{
			Content: string(raw),
			Title:   e.Name(),
			Kind:    "tech_doc",
			Score:   1.0,
		})
	}
	return docs
}

func docKeyTokens(filename string) []string {
	base := strings.TrimSuffix(filename, ".md")
	base = strings.TrimPrefix(base, "DOC_")
	base = strings.ReplaceAll(base, "-", "_")
	var toks []string
	for _, t := range strings.Split(base, "_") {
		if t = strings.TrimSpace(t); t != "" {
			toks = append(toks, types.Fold(t))
		}
	}
	return toks
}
