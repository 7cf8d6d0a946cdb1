package types

import (
	"time"

	"github.com/google/uuid"
)

// Meta is the bookkeeping block owned by an Interaction.
type Meta struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"session_id"`
	MessageTurn    int                    `json:"message_turn"`
	Timestamp      string                 `json:"timestamp"`
	SourceAgent    string                 `json:"source_agent"`
	Kind           string                 `json:"kind"`
	FilesConsulted []string               `json:"files_consulted"`
	JudgeValid     bool                   `json:"judge_valid"`
	QualityScore   float64                `json:"quality_score"`
	Details        string                 `json:"details"`
	LenContent     int                    `json:"len_content"`
	FreeData       map[string]interface{} `json:"free_data,omitempty"`
}

// Interaction is the canonical persisted record of one conversational turn.
// It exclusively owns its Meta, Intent and attached memory copies.
type Interaction struct {
	Prompt        string `json:"prompt"`
	Response      string `json:"response"`
	System        string `json:"system"`
	Intent        Intent `json:"intent"`
	MemoryContext []Atom `json:"memory_context"`
	Meta          Meta   `json:"meta"`
}

// TimestampLayout is the precision used in per-turn filenames.
const TimestampLayout = "20060102150405.000"

// NewInteraction builds a record with a fresh id and current timestamp.
func NewInteraction(prompt, response, system string, intent Intent, sessionID string, turn int) *Interaction {
	now := time.Now()
	return &Interaction{
		Prompt:   prompt,
		Response: response,
		System:   system,
		Intent:   intent,
		Meta: Meta{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			MessageTurn: turn,
			Timestamp:   now.Format(time.RFC3339Nano),
			SourceAgent: "Orchestrator",
			Kind:        "interaction",
			LenContent:  len(prompt) + len(response),
		},
	}
}

// AnalysisResult is the structured parse attached to a code artefact.
type AnalysisResult struct {
	Mode      string                 `json:"mode"`
	Functions []string               `json:"functions"`
	Classes   []string               `json:"classes"`
	Imports   []string               `json:"imports"`
	Docstring string                 `json:"docstring"`
	Errors    []string               `json:"errors"`
	Extras    map[string]interface{} `json:"extras,omitempty"`
}

// CodeArtifact is an extracted code block archived on disk.
type CodeArtifact struct {
	ID        string         `json:"id"`
	Hash      string         `json:"hash"`
	Language  string         `json:"language"`
	Content   string         `json:"content"`
	Timestamp string         `json:"timestamp"`
	Analysis  AnalysisResult `json:"analysis"`
	Kind      string         `json:"kind"`
}

// CallSite is one resolved call in the project graph.
type CallSite struct {
	Module       string `json:"module"`
	Function     string `json:"function"`
	Line         int    `json:"line"`
	ResolvedFrom string `json:"resolved_from,omitempty"`
}

// FunctionInfo describes one function or method.
type FunctionInfo struct {
	Signature     string            `json:"signature"`
	Doc           string            `json:"doc"`
	Args          []string          `json:"args"`
	Types         map[string]string `json:"types"`
	Calls         []CallSite        `json:"calls"`
	ReturnType    string            `json:"return_type"`
	VariablesUsed []string          `json:"variables_used"`
}

// ClassInfo describes one type with its methods (class in the original model).
type ClassInfo struct {
	Bases      []string                `json:"bases"`
	Methods    map[string]FunctionInfo `json:"methods"`
	Attributes map[string]string       `json:"attributes"`
	Doc        string                  `json:"doc"`
}

// ModuleInfo is one module entry of the project architecture.
// IncomingEdges are derived by graph inversion, never authored.
type ModuleInfo struct {
	Path          string                  `json:"path"`
	Docstring     string                  `json:"docstring"`
	Classes       map[string]ClassInfo    `json:"classes"`
	Functions     map[string]FunctionInfo `json:"functions"`
	Imports       []string                `json:"imports"`
	OutgoingEdges []string                `json:"outgoing_edges"`
	IncomingEdges []string                `json:"incoming_edges"`
}

// ProjectArchitecture maps module name to its structure.
type ProjectArchitecture map[string]*ModuleInfo
