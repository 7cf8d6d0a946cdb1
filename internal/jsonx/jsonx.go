// Package jsonx centralises robust JSON handling for LLM output. The judge,
// the tool-call router, the consolidator and the reflexor all parse
// near-JSON through this package rather than rolling their own extraction.
package jsonx

import (
	"encoding/json"
	"strings"
)

// Extract returns the first balanced JSON object in text. The bracket counter
// ignores braces inside double-quoted strings and honours \" escaping.
// Returns "" when no balanced object exists.
func Extract(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// RepairBackslashes doubles backslashes that are not part of a valid escape
// sequence. Idempotent: repairing already-valid JSON changes nothing.
func RepairBackslashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				b.WriteByte(c)
				b.WriteByte(s[i+1])
				i++
				continue
			}
		}
		b.WriteString(`\\`)
	}
	return b.String()
}

// RepairNewlines replaces literal newlines inside the payload with spaces.
func RepairNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// RepairTrailingCommas removes a comma immediately preceding a closing brace
// or bracket. Used by the consolidator for ",}" model output.
func RepairTrailingCommas(s string) string {
	s = strings.ReplaceAll(s, ",}", "}")
	s = strings.ReplaceAll(s, ", }", "}")
	s = strings.ReplaceAll(s, ",]", "]")
	s = strings.ReplaceAll(s, ", ]", "]")
	return s
}

// Decode extracts the first JSON object and unmarshals it into a generic map,
// applying the deterministic repair passes on failure. Gives up with an empty
// map rather than an error: callers fail open.
func Decode(text string) map[string]interface{} {
	raw := Extract(text)
	if raw == "" {
		return map[string]interface{}{}
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out
	}
	if err := json.Unmarshal([]byte(RepairBackslashes(raw)), &out); err == nil {
		return out
	}
	if err := json.Unmarshal([]byte(RepairNewlines(RepairBackslashes(raw))), &out); err == nil {
		return out
	}
	if err := json.Unmarshal([]byte(RepairTrailingCommas(RepairNewlines(RepairBackslashes(raw)))), &out); err == nil {
		return out
	}
	return map[string]interface{}{}
}

// DecodeInto extracts and unmarshals into v with the same repair ladder.
// Returns false when nothing parseable was found.
func DecodeInto(text string, v interface{}) bool {
	raw := Extract(text)
	if raw == "" {
		return false
	}
	for _, candidate := range []string{
		raw,
		RepairBackslashes(raw),
		RepairNewlines(RepairBackslashes(raw)),
		RepairTrailingCommas(RepairNewlines(RepairBackslashes(raw))),
	} {
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return true
		}
	}
	return false
}

// ToolCall is a parsed model tool invocation.
type ToolCall struct {
	Function  string                 `json:"function"`
	Arguments map[string]interface{} `json:"arguments"`
}

// envelope is the wrapped tool-call form with an optional plan update.
type envelope struct {
	NextAction *ToolCall              `json:"next_action"`
	PlanUpdate map[string]interface{} `json:"plan_update"`
}

// ParseToolCall accepts either the flat form {"function":..., "arguments":...}
// or the wrapper {"next_action": {...}, "plan_update": {...}}. The second
// return value carries the plan update when present; the third reports
// whether a tool call was recognised at all.
func ParseToolCall(text string) (*ToolCall, map[string]interface{}, bool) {
	var env envelope
	if extracted := Extract(text); extracted != "" {
		if DecodeInto(text, &env) && env.NextAction != nil && env.NextAction.Function != "" {
			if env.NextAction.Arguments == nil {
				env.NextAction.Arguments = map[string]interface{}{}
			}
			return env.NextAction, env.PlanUpdate, true
		}
	}

	var flat ToolCall
	if DecodeInto(text, &flat) && flat.Function != "" {
		if flat.Arguments == nil {
			flat.Arguments = map[string]interface{}{}
		}
		return &flat, nil, true
	}
	return nil, nil, false
}

// StringArg reads a string argument with an empty-string default.
func (t *ToolCall) StringArg(key string) string {
	if t == nil || t.Arguments == nil {
		return ""
	}
	if s, ok := t.Arguments[key].(string); ok {
		return s
	}
	return ""
}

// StringSliceArg reads an argument that may be a string or a list of strings.
func (t *ToolCall) StringSliceArg(key string) []string {
	if t == nil || t.Arguments == nil {
		return nil
	}
	switch v := t.Arguments[key].(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
