package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Maxime-Gagne/secondmind/internal/index"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/types"
	"github.com/Maxime-Gagne/secondmind/internal/vector"
)

// Manager is the canonical writer. The dual-engine separation is structural:
// VectoriseRule writes to the legislative store only, everything narrative
// goes to the narrative store. Rules must never contaminate narrative
// retrieval results.
type Manager struct {
	layout      *Layout
	narrative   *vector.Store
	legislative *vector.Store
	inverted    *index.Index
	auditor     *types.Auditor

	journalMu sync.Mutex
}

// NewManager wires the write path.
func NewManager(layout *Layout, narrative, legislative *vector.Store, inverted *index.Index, auditor *types.Auditor) *Manager {
	return &Manager{
		layout:      layout,
		narrative:   narrative,
		legislative: legislative,
		inverted:    inverted,
		auditor:     auditor,
	}
}

// Layout exposes the directory layout to read-path collaborators.
func (m *Manager) Layout() *Layout { return m.layout }

// Narrative exposes the narrative store for read-only collaborators.
func (m *Manager) Narrative() *vector.Store { return m.narrative }

// Legislative exposes the legislative store for read-only collaborators.
func (m *Manager) Legislative() *vector.Store { return m.legislative }

// Inverted exposes the full-text index.
func (m *Manager) Inverted() *index.Index { return m.inverted }

// =============================================================================
// L0 - RAW JOURNAL (write-ahead)
// =============================================================================

// journalRecord is the line format for non-interaction writes.
type journalRecord struct {
	Role        string                 `json:"role"`
	Content     string                 `json:"content"`
	SessionID   string                 `json:"session_id"`
	MessageTurn int                    `json:"message_turn"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   string                 `json:"timestamp"`
}

// appendJournal writes one line to today's journal, flushed and fsynced
// before returning. L0 is the source of truth: it happens before any other
// layer and its failure aborts the whole write.
func (m *Manager) appendJournal(v interface{}) error {
	m.journalMu.Lock()
	defer m.journalMu.Unlock()

	path := filepath.Join(m.layout.Brute(),
		fmt.Sprintf("interactions_%s.jsonl", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal journal line: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync journal: %w", err)
	}
	return nil
}

// JournalMessage appends a bare role/content record to the raw journal.
func (m *Manager) JournalMessage(role, content, sessionID string, turn int, meta map[string]interface{}) error {
	return m.appendJournal(journalRecord{
		Role: role, Content: content, SessionID: sessionID,
		MessageTurn: turn, Metadata: meta,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	})
}

// =============================================================================
// L1/L2/L3 - PER-TURN PERSISTENCE
// =============================================================================

// RecordInteraction persists one turn across all layers. Returns false on
// critical L1 failure; L2/L3 failures are logged and absorbed.
func (m *Manager) RecordInteraction(ctx context.Context, it *types.Interaction) bool {
	log := logging.Get(logging.CategoryMemory)

	// L0 first, before anything else.
	if err := m.appendJournal(it); err != nil {
		log.Errorw("L0 journal write failed", "err", err)
		return false
	}

	m.auditor.CheckInteraction(it)

	// L1: atomic per-turn JSON.
	path := m.interactionPath(it)
	if err := writeJSONAtomic(path, it); err != nil {
		log.Errorw("L1 interaction write failed", "path", path, "err", err)
		return false
	}

	// L2: narrative vectorisation of the raw exchange.
	text := it.Prompt + "\n" + it.Response
	if err := m.narrative.AddFragment(ctx, text, map[string]interface{}{
		"kind":         "raw_history",
		"path":         path,
		"session_id":   it.Meta.SessionID,
		"message_turn": it.Meta.MessageTurn,
		"title":        filepath.Base(path),
	}); err != nil {
		log.Warnw("L2 vectorisation failed", "err", err)
	}

	// L3: inverted index upsert with the same tags.
	if err := m.inverted.Update(index.Entry{
		Path:        path,
		Filename:    filepath.Base(path),
		Content:     text,
		Kind:        "raw_history",
		Timestamp:   it.Meta.Timestamp,
		SubjectTag:  string(it.Intent.Subject),
		ActionTag:   string(it.Intent.Act),
		CategoryTag: string(it.Intent.Category),
		SessionID:   it.Meta.SessionID,
		MessageTurn: it.Meta.MessageTurn,
	}); err != nil {
		log.Warnw("L3 index upsert failed", "err", err)
	}
	return true
}

func (m *Manager) interactionPath(it *types.Interaction) string {
	ts, err := time.Parse(time.RFC3339Nano, it.Meta.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	stamp := ts.Format("20060102150405") + fmt.Sprintf("%03d", ts.Nanosecond()/1e6)
	name := fmt.Sprintf("interaction_%s_%s_%s_%s.json",
		strings.ToLower(string(it.Intent.Subject)),
		strings.ToLower(string(it.Intent.Act)),
		strings.ToLower(string(it.Intent.Category)),
		stamp)
	return filepath.Join(m.layout.Historique(), name)
}

// writeJSONAtomic writes v to path via a temp file and rename.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// =============================================================================
// RULES (legislative engine)
// =============================================================================

// VectoriseRule writes a rule to the legislative store only. Never narrative.
func (m *Manager) VectoriseRule(ctx context.Context, text string, meta map[string]interface{}) error {
	return m.legislative.AddFragment(ctx, text, meta)
}

// =============================================================================
// GENERIC WRITES
// =============================================================================

// SaveMemory writes content to a declared directory: JSON when given a map or
// slice, raw text otherwise.
func (m *Manager) SaveMemory(content interface{}, dir, filename string) (string, error) {
	path := filepath.Join(dir, filename)
	switch c := content.(type) {
	case string:
		if err := os.WriteFile(path, []byte(c), 0o644); err != nil {
			return "", err
		}
	case []byte:
		if err := os.WriteFile(path, c, 0o644); err != nil {
			return "", err
		}
	default:
		if err := writeJSONAtomic(path, content); err != nil {
			return "", err
		}
	}
	return path, nil
}

// JournalReflexiveTrace appends markdown to the reflexive journal, vectorises
// it in the narrative store with kind=reflexive, and upserts the index.
func (m *Manager) JournalReflexiveTrace(ctx context.Context, markdown, kind string, classification types.Intent) error {
	path := filepath.Join(m.layout.Reflexive(), "journal_de_doute_reflexif.md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open reflexive journal: %w", err)
	}
	if _, err := f.WriteString(markdown + "\n\n"); err != nil {
		f.Close()
		return fmt.Errorf("append reflexive journal: %w", err)
	}
	f.Close()

	if err := m.narrative.AddFragment(ctx, markdown, map[string]interface{}{
		"kind": "reflexive", "trace_kind": kind, "path": path,
	}); err != nil {
		logging.Get(logging.CategoryMemory).Warnw("reflexive vectorisation failed", "err", err)
	}

	if err := m.inverted.Update(index.Entry{
		Path:        path + "#" + time.Now().Format("20060102150405"),
		Filename:    filepath.Base(path),
		Content:     markdown,
		Kind:        "reflexive",
		Timestamp:   time.Now().Format(time.RFC3339),
		SubjectTag:  string(classification.Subject),
		ActionTag:   string(classification.Act),
		CategoryTag: string(classification.Category),
	}); err != nil {
		logging.Get(logging.CategoryMemory).Warnw("reflexive index upsert failed", "err", err)
	}
	return nil
}
