// Package index implements the persistent inverted full-text index. Documents
// are keyed uniquely on path; content and filename are tokenised by the FTS5
// unicode61 tokeniser (word splitting + lower-casing, no stemming).
package index

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
)

// Entry is one indexed document.
type Entry struct {
	Path        string
	Filename    string
	Content     string
	Kind        string
	Timestamp   string
	SubjectTag  string
	ActionTag   string
	CategoryTag string
	SessionID   string
	MessageTurn int
}

// Filter restricts a search to matching tag columns. Zero values are ignored.
type Filter struct {
	Kind        string
	SubjectTag  string
	ActionTag   string
	CategoryTag string
	SessionID   string
}

// Index wraps the SQLite database. A rebuild takes the write lock for its
// whole duration: concurrent upserts during rebuild are disallowed by design.
type Index struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	path TEXT PRIMARY KEY,
	filename TEXT,
	content TEXT,
	kind TEXT,
	timestamp TEXT,
	subject_tag TEXT,
	action_tag TEXT,
	category_tag TEXT,
	session_id TEXT,
	message_turn INTEGER
);
CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
	path UNINDEXED, filename, content, tokenize='unicode61'
);
`

// Open creates or opens the index database at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error { return ix.db.Close() }

// Update atomically upserts one document keyed on path.
func (ix *Index) Update(e Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.Begin()
	if err != nil {
		return err
	}
	if err := upsertTx(tx, e); err != nil {
		tx.Rollback()
		return fmt.Errorf("upsert %s: %w", e.Path, err)
	}
	return tx.Commit()
}

func upsertTx(tx *sql.Tx, e Entry) error {
	if _, err := tx.Exec(`INSERT INTO documents
		(path, filename, content, kind, timestamp, subject_tag, action_tag, category_tag, session_id, message_turn)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
		filename=excluded.filename, content=excluded.content, kind=excluded.kind,
		timestamp=excluded.timestamp, subject_tag=excluded.subject_tag,
		action_tag=excluded.action_tag, category_tag=excluded.category_tag,
		session_id=excluded.session_id, message_turn=excluded.message_turn`,
		e.Path, e.Filename, e.Content, e.Kind, e.Timestamp,
		e.SubjectTag, e.ActionTag, e.CategoryTag, e.SessionID, e.MessageTurn); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM documents_fts WHERE path = ?`, e.Path); err != nil {
		return err
	}
	_, err := tx.Exec(`INSERT INTO documents_fts (path, filename, content) VALUES (?, ?, ?)`,
		e.Path, e.Filename, e.Content)
	return err
}

// UpdateBatch rebuilds the whole index from entries. The destination tables
// are recreated fresh, so plain inserts replace upserts for speed. Any error
// rolls back the entire batch: no partial rebuild is ever committed.
func (ix *Index) UpdateBatch(entries []Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.Begin()
	if err != nil {
		return err
	}
	rollback := func(err error) error {
		tx.Rollback()
		logging.Get(logging.CategoryIndex).Errorw("batch rebuild discarded", "err", err)
		return fmt.Errorf("rebuild: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM documents`); err != nil {
		return rollback(err)
	}
	if _, err := tx.Exec(`DELETE FROM documents_fts`); err != nil {
		return rollback(err)
	}
	for _, e := range entries {
		if _, err := tx.Exec(`INSERT INTO documents
			(path, filename, content, kind, timestamp, subject_tag, action_tag, category_tag, session_id, message_turn)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO NOTHING`,
			e.Path, e.Filename, e.Content, e.Kind, e.Timestamp,
			e.SubjectTag, e.ActionTag, e.CategoryTag, e.SessionID, e.MessageTurn); err != nil {
			return rollback(err)
		}
		if _, err := tx.Exec(`INSERT INTO documents_fts (path, filename, content) VALUES (?, ?, ?)`,
			e.Path, e.Filename, e.Content); err != nil {
			return rollback(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return rollback(err)
	}
	logging.Get(logging.CategoryIndex).Infow("index rebuilt", "documents", len(entries))
	return nil
}

// Hit is one search result.
type Hit struct {
	Entry Entry
	Rank  float64
}

// Search matches text against content OR filename, then applies the tag
// filter. k bounds the result count.
func (ix *Index) Search(text string, filter *Filter, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	match := buildMatchQuery(text)
	if match == "" {
		return nil, nil
	}

	query := `SELECT d.path, d.filename, d.content, d.kind, d.timestamp,
		d.subject_tag, d.action_tag, d.category_tag, d.session_id, d.message_turn,
		bm25(documents_fts) AS rank
		FROM documents_fts f
		JOIN documents d ON d.path = f.path
		WHERE documents_fts MATCH ?`
	args := []interface{}{match}

	if filter != nil {
		for col, val := range map[string]string{
			"kind": filter.Kind, "subject_tag": filter.SubjectTag,
			"action_tag": filter.ActionTag, "category_tag": filter.CategoryTag,
			"session_id": filter.SessionID,
		} {
			if val != "" {
				query += fmt.Sprintf(" AND d.%s = ?", col)
				args = append(args, val)
			}
		}
	}
	query += " ORDER BY rank LIMIT ?"
	args = append(args, k)

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Entry.Path, &h.Entry.Filename, &h.Entry.Content,
			&h.Entry.Kind, &h.Entry.Timestamp, &h.Entry.SubjectTag,
			&h.Entry.ActionTag, &h.Entry.CategoryTag, &h.Entry.SessionID,
			&h.Entry.MessageTurn, &h.Rank); err != nil {
			continue
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Count returns the number of indexed documents.
func (ix *Index) Count() (int, error) {
	var n int
	err := ix.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// buildMatchQuery quotes each word and ORs it across content and filename.
func buildMatchQuery(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	var parts []string
	for _, w := range words {
		w = strings.ReplaceAll(w, `"`, "")
		if w == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf(`content:"%s" OR filename:"%s"`, w, w))
	}
	return strings.Join(parts, " OR ")
}
