package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// isToolCallJSON reports whether a code block is actually a model tool call:
// a JSON body carrying both a "function" and an "arguments" key. Those are
// runtime plumbing, never worth archiving.
func isToolCallJSON(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return false
	}
	if _, ok := m["function"]; !ok {
		// Wrapper form hides the pair one level down.
		if na, ok := m["next_action"].(map[string]interface{}); ok {
			_, f := na["function"]
			_, a := na["arguments"]
			return f && a
		}
		return false
	}
	_, hasArgs := m["arguments"]
	return hasArgs
}

// SaveCodeArtifacts filters tool-call JSON out of the artefact list and
// archives the rest: one file on disk plus a normalised record appended to
// the code chunks journal. Returns the number of artefacts kept.
func (m *Manager) SaveCodeArtifacts(artifacts []types.CodeArtifact, extensionMap map[string]string) int {
	log := logging.Get(logging.CategoryMemory)
	kept := 0

	for _, art := range artifacts {
		if isToolCallJSON(art.Content) {
			log.Debugw("artifact skipped: tool-call JSON", "id", art.ID)
			continue
		}
		if art.ID == "" {
			art.ID = shortHash(art.Content)
		}
		if art.Hash == "" {
			art.Hash = shortHash(art.Content)
		}
		if art.Timestamp == "" {
			art.Timestamp = time.Now().Format(time.RFC3339)
		}

		ext := extensionMap[strings.ToLower(art.Language)]
		if ext == "" {
			ext = "txt"
		}
		name := fmt.Sprintf("artifact_%s_%s.%s", time.Now().Format("20060102"), art.ID, ext)
		path := filepath.Join(m.layout.CodeExtraits(), name)
		if err := os.WriteFile(path, []byte(art.Content), 0o644); err != nil {
			log.Warnw("artifact write failed", "path", path, "err", err)
			continue
		}

		if err := m.appendChunkRecord(art, path); err != nil {
			log.Warnw("chunk journal append failed", "err", err)
		}
		kept++
	}
	return kept
}

// chunkRecord is the journal line format for archived artefacts.
type chunkRecord struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	Language  string `json:"language"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
}

func (m *Manager) appendChunkRecord(art types.CodeArtifact, path string) error {
	f, err := os.OpenFile(m.layout.ChunksJournal(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(chunkRecord{
		ID: art.ID, Hash: art.Hash, Language: art.Language,
		Path: path, Timestamp: art.Timestamp, Kind: art.Kind, Content: art.Content,
	})
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:6])
}
