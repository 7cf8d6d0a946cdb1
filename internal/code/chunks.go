package code

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// Chunk is one embeddable code record mirrored into the chunks journal.
type Chunk struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Module    string   `json:"module"`
	Name      string   `json:"name"`
	Signature string   `json:"signature"`
	Docstring string   `json:"docstring"`
	Summary   string   `json:"summary"`
	Concepts  []string `json:"key_concepts"`
	EmbedText string   `json:"embed_text"`
}

// BuildChunks emits one record per function, type and method across the
// architecture, in stable module order.
func BuildChunks(arch types.ProjectArchitecture) []Chunk {
	var chunks []Chunk

	modules := make([]string, 0, len(arch))
	for name := range arch {
		modules = append(modules, name)
	}
	sort.Strings(modules)

	for _, modName := range modules {
		mod := arch[modName]

		fnames := sortedKeys(mod.Functions)
		for _, fn := range fnames {
			chunks = append(chunks, functionChunk(modName, fn, mod.Functions[fn], "function"))
		}

		cnames := sortedClassKeys(mod.Classes)
		for _, cn := range cnames {
			cls := mod.Classes[cn]
			chunks = append(chunks, classChunk(modName, cn, cls))
			for _, mn := range sortedKeys(cls.Methods) {
				ch := functionChunk(modName, cn+"."+mn, cls.Methods[mn], "method")
				chunks = append(chunks, ch)
			}
		}
	}
	return chunks
}

// functionChunk summarises a callable by naming up to 3 of its callees.
func functionChunk(module, name string, fi types.FunctionInfo, kind string) Chunk {
	var callees []string
	seen := map[string]struct{}{}
	for _, c := range fi.Calls {
		if c.Function == "" {
			continue
		}
		if _, dup := seen[c.Function]; dup {
			continue
		}
		seen[c.Function] = struct{}{}
		callees = append(callees, c.Function)
		if len(callees) == 3 {
			break
		}
	}

	summary := "Ne fait aucun appel."
	if len(callees) > 0 {
		summary = "Appelle " + strings.Join(callees, ", ") + "."
	}

	concepts := append([]string{}, fi.Args...)
	if fi.ReturnType != "" {
		concepts = append(concepts, fi.ReturnType)
	}

	c := Chunk{
		ID:        module + "::" + name,
		Kind:      kind,
		Module:    module,
		Name:      name,
		Signature: fi.Signature,
		Docstring: fi.Doc,
		Summary:   summary,
		Concepts:  concepts,
	}
	c.EmbedText = embedText(c)
	return c
}

func classChunk(module, name string, cls types.ClassInfo) Chunk {
	var methods []string
	for mn := range cls.Methods {
		methods = append(methods, mn)
	}
	sort.Strings(methods)

	summary := fmt.Sprintf("Type avec %d méthode(s).", len(methods))
	if len(methods) > 0 {
		shown := methods
		if len(shown) > 3 {
			shown = shown[:3]
		}
		summary = "Méthodes: " + strings.Join(shown, ", ") + "."
	}

	var concepts []string
	for attr := range cls.Attributes {
		concepts = append(concepts, attr)
	}
	sort.Strings(concepts)

	c := Chunk{
		ID:        module + "::" + name,
		Kind:      "class",
		Module:    module,
		Name:      name,
		Signature: "type " + name + " struct",
		Docstring: cls.Doc,
		Summary:   summary,
		Concepts:  concepts,
	}
	c.EmbedText = embedText(c)
	return c
}

func embedText(c Chunk) string {
	parts := []string{c.Signature}
	if c.Docstring != "" {
		parts = append(parts, c.Docstring)
	}
	parts = append(parts, c.Summary)
	if len(c.Concepts) > 0 {
		parts = append(parts, strings.Join(c.Concepts, " "))
	}
	return strings.Join(parts, "\n")
}

// =============================================================================
// SKELETON
// =============================================================================

// Skeleton renders the compact module → type → method tree used as LLM
// context. Modules without any declaration are skipped.
func Skeleton(arch types.ProjectArchitecture) string {
	return skeletonFor(arch, nil)
}

// SkeletonFor restricts the skeleton to the given modules.
func SkeletonFor(arch types.ProjectArchitecture, modules []string) string {
	allowed := map[string]struct{}{}
	for _, m := range modules {
		allowed[m] = struct{}{}
	}
	return skeletonFor(arch, allowed)
}

func skeletonFor(arch types.ProjectArchitecture, allowed map[string]struct{}) string {
	names := make([]string, 0, len(arch))
	for name := range arch {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		if allowed != nil {
			if _, ok := allowed[name]; !ok {
				continue
			}
		}
		mod := arch[name]
		if len(mod.Functions) == 0 && len(mod.Classes) == 0 {
			continue
		}

		fmt.Fprintf(&sb, "module %s\n", name)
		if mod.Docstring != "" {
			fmt.Fprintf(&sb, "  # %s\n", firstLine(mod.Docstring))
		}
		for _, fn := range sortedKeys(mod.Functions) {
			fi := mod.Functions[fn]
			fmt.Fprintf(&sb, "  %s\n", fi.Signature)
			if fi.Doc != "" {
				fmt.Fprintf(&sb, "    # %s\n", firstLine(fi.Doc))
			}
		}
		for _, cn := range sortedClassKeys(mod.Classes) {
			cls := mod.Classes[cn]
			fmt.Fprintf(&sb, "  type %s\n", cn)
			if cls.Doc != "" {
				fmt.Fprintf(&sb, "    # %s\n", firstLine(cls.Doc))
			}
			for _, mn := range sortedKeys(cls.Methods) {
				fmt.Fprintf(&sb, "    %s\n", cls.Methods[mn].Signature)
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func sortedKeys(m map[string]types.FunctionInfo) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedClassKeys(m map[string]types.ClassInfo) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
