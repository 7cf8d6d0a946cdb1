package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBalancedObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`},
		{"markdown fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose prefix", `Sure, here it is: {"x": {"y": 2}} done`, `{"x": {"y": 2}}`},
		{"brace in string", `{"msg": "closing } inside"}`, `{"msg": "closing } inside"}`},
		{"escaped quote in string", `{"msg": "she said \"}\" loudly"}`, `{"msg": "she said \"}\" loudly"}`},
		{"no json", "nothing here", ""},
		{"unbalanced", `{"a": 1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.in))
		})
	}
}

func TestRepairBackslashesIdempotent(t *testing.T) {
	in := `{"path": "C:\Users\max"}`
	once := RepairBackslashes(in)
	twice := RepairBackslashes(once)
	assert.Equal(t, once, twice, "repair must be idempotent")

	var m map[string]interface{}
	require.True(t, DecodeInto(in, &m))
	assert.Equal(t, `C:\Users\max`, m["path"])
}

func TestRepairValidEscapesUntouched(t *testing.T) {
	in := `{"a": "line\nbreak \"quoted\""}`
	assert.Equal(t, in, RepairBackslashes(in))
}

func TestDecodeRepairsNewlines(t *testing.T) {
	in := "{\"reason\": \"multi\nline\", \"score\": 0.7}"
	m := Decode(in)
	assert.Equal(t, 0.7, m["score"])
}

func TestDecodeGivesUpEmpty(t *testing.T) {
	assert.Empty(t, Decode("no json at all"))
}

func TestParseToolCallFlatForm(t *testing.T) {
	call, plan, ok := ParseToolCall(`{"function": "lire_fichier", "arguments": {"filename": "main.go"}}`)
	require.True(t, ok)
	assert.Nil(t, plan)
	assert.Equal(t, "lire_fichier", call.Function)
	assert.Equal(t, "main.go", call.StringArg("filename"))
}

func TestParseToolCallEnvelope(t *testing.T) {
	text := "```json\n" + `{"next_action": {"function": "rechercher_memoire", "arguments": {"queries": ["a", "b"]}}, "plan_update": {"global_objective": "explore"}}` + "\n```"
	call, plan, ok := ParseToolCall(text)
	require.True(t, ok)
	assert.Equal(t, "rechercher_memoire", call.Function)
	assert.Equal(t, []string{"a", "b"}, call.StringSliceArg("queries"))
	assert.Equal(t, "explore", plan["global_objective"])
}

func TestParseToolCallNaturalLanguage(t *testing.T) {
	_, _, ok := ParseToolCall("I think the answer is 42.")
	assert.False(t, ok)
}

func TestRepairTrailingCommas(t *testing.T) {
	in := `{"subject": "CODE", "summary": "x",}`
	m := Decode(in)
	assert.Equal(t, "CODE", m["subject"])
}
