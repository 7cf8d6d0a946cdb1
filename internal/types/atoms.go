// Package types holds the shared data model of the cognitive runtime: atoms,
// intents, interactions and code entities. It exists so that retrieval,
// judging, prompting and persistence can exchange values without cycles.
package types

import "time"

// AtomKind tags the closed set of atom variants.
type AtomKind string

const (
	AtomMemory AtomKind = "memory"
	AtomRule   AtomKind = "rule"
	AtomReadme AtomKind = "readme"
)

// DefaultRuleScore is the score carried by every governance rule.
const DefaultRuleScore = 10.0

// Atom is the smallest retrieval result unit: content, a human title, a kind
// tag and a relevance score. Variant is one of the Atom* constants; Path is
// set only for the readme variant.
type Atom struct {
	Variant AtomKind `json:"variant"`
	Content string   `json:"content"`
	Title   string   `json:"title"`
	Kind    string   `json:"kind"`
	Score   float64  `json:"score"`
	Path    string   `json:"path,omitempty"`

	// Metadata carries store-level annotations (session_id, message_turn,
	// path into historique/). Never required.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewMemory builds a memory atom.
func NewMemory(content, title, kind string, score float64) Atom {
	return Atom{Variant: AtomMemory, Content: content, Title: title, Kind: kind, Score: score}
}

// NewRule builds a governance rule atom with the default rule score.
func NewRule(content, title, kind string) Atom {
	return Atom{Variant: AtomRule, Content: content, Title: title, Kind: kind, Score: DefaultRuleScore}
}

// NewReadme builds a readme atom.
func NewReadme(content, title, path string) Atom {
	return Atom{Variant: AtomReadme, Content: content, Title: title, Kind: "readme", Score: 1.0, Path: path}
}

// TechDoc is external documentation retrieved from the knowledge directory.
type TechDoc struct {
	Content   string  `json:"content"`
	Title     string  `json:"title"`
	SourceURL string  `json:"source_url"`
	Kind      string  `json:"kind"`
	Score     float64 `json:"score"`
}

// CodeChunkKind enumerates chunk granularities.
type CodeChunkKind string

const (
	ChunkFunction CodeChunkKind = "function"
	ChunkMethod   CodeChunkKind = "method"
	ChunkClass    CodeChunkKind = "class"
	ChunkSnippet  CodeChunkKind = "snippet"
	ChunkFile     CodeChunkKind = "file"
	ChunkActive   CodeChunkKind = "active"
)

// CodeChunk is a view over code text; the canonical text lives in the chunks
// journal.
type CodeChunk struct {
	Content  string        `json:"content"`
	Path     string        `json:"path"`
	Kind     CodeChunkKind `json:"kind"`
	Language string        `json:"language"`
}

// CodeContext is the rich code entity hydrated from a vector-index hit.
type CodeContext struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	Module        string   `json:"module"`
	Name          string   `json:"name"`
	Signature     string   `json:"signature"`
	Docstring     string   `json:"docstring"`
	Dependencies  []string `json:"dependencies"`
	KeyConcepts   []string `json:"key_concepts"`
	Summary       string   `json:"summary"`
	Content       string   `json:"content"`
	Score         float64  `json:"score"`
	ReturnType    string   `json:"return_type"`
	VariablesUsed []string `json:"variables_used"`
	Bases         []string `json:"bases"`
	Attributes    []string `json:"attributes"`
	Methods       []string `json:"methods"`
}

// RetrievalResult is the typed output of the vector read path.
type RetrievalResult struct {
	RawMemories    []Atom        `json:"raw_memories"`
	ScannedCount   int           `json:"scanned_count"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	Elapsed        time.Duration `json:"-"`
}

// ContextResult is the aggregated context handed to the prompt builder.
// The aggregator guarantees MemoryContext, ActiveRules and Readmes are
// non-empty by injecting fallback atoms.
type ContextResult struct {
	History       []string `json:"history"`
	MemoryContext []Atom   `json:"memory_context"`
	ActiveRules   []Atom   `json:"active_rules"`
	Readmes       []Atom   `json:"readmes"`
	Intent        Intent   `json:"intent"`
}

// JudgeVerdict is the a-posteriori factuality verdict.
type JudgeVerdict struct {
	Valid   bool                   `json:"valid"`
	Score   float64                `json:"score"`
	Reason  string                 `json:"reason"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ExecutionPlan is carried across turns by the autonomous modes.
type ExecutionPlan struct {
	GlobalObjective string   `json:"global_objective"`
	Steps           []string `json:"steps"`
}
