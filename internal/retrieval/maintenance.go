package retrieval

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Maxime-Gagne/secondmind/internal/index"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/types"
)

// indexableExtensions filters what the rebuild walker will read.
var indexableExtensions = map[string]struct{}{
	".json": {}, ".jsonl": {}, ".txt": {}, ".md": {},
}

// UpdateIndexFile upserts one file into the inverted index. Interaction files
// contribute their classification tags; everything else is indexed bare.
func (a *Agent) UpdateIndexFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return a.inverted.Update(entryForFile(path, raw))
}

func entryForFile(path string, raw []byte) index.Entry {
	e := index.Entry{
		Path:      path,
		Filename:  filepath.Base(path),
		Content:   string(raw),
		Kind:      "document",
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if filepath.Ext(path) == ".json" {
		var it types.Interaction
		if err := json.Unmarshal(raw, &it); err == nil && it.Meta.ID != "" {
			e.Kind = "raw_history"
			e.Content = it.Prompt + "\n" + it.Response
			e.SubjectTag = string(it.Intent.Subject)
			e.ActionTag = string(it.Intent.Act)
			e.CategoryTag = string(it.Intent.Category)
			e.SessionID = it.Meta.SessionID
			e.MessageTurn = it.Meta.MessageTurn
			e.Timestamp = it.Meta.Timestamp
		}
	}
	return e
}

// RebuildIndex walks every memory root, reads candidate files concurrently
// and commits the whole batch in one transaction. A failed read skips the
// file; a failed commit leaves the previous index intact.
func (a *Agent) RebuildIndex(parallelism int) (int, error) {
	if parallelism <= 0 {
		parallelism = 4
	}
	roots := []string{
		a.layout.Brute(), a.layout.Historique(), a.layout.Persistante(),
		a.layout.Reflexive(), a.layout.Regles(), a.layout.Connaissances(),
	}

	var paths []string
	for _, root := range roots {
		filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if !allowedIndexFile(p) {
				return nil
			}
			paths = append(paths, p)
			return nil
		})
	}

	var (
		mu      sync.Mutex
		entries []index.Entry
		g       errgroup.Group
	)
	g.SetLimit(parallelism)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			raw, err := os.ReadFile(p)
			if err != nil {
				logging.Get(logging.CategoryIndex).Debugw("rebuild skip", "path", p, "err", err)
				return nil
			}
			e := entryForFile(p, raw)
			mu.Lock()
			entries = append(entries, e)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if err := a.inverted.UpdateBatch(entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func allowedIndexFile(path string) bool {
	low := strings.ToLower(path)
	for _, frag := range pathBlacklist {
		if strings.Contains(low, frag) {
			return false
		}
	}
	_, ok := indexableExtensions[filepath.Ext(low)]
	return ok
}

// =============================================================================
// CLASSIFICATION STATISTICS
// =============================================================================

// ClassificationStats aggregates per-turn files by their intent enums.
type ClassificationStats struct {
	Total      int            `json:"total"`
	Subjects   map[string]int `json:"subjects"`
	Actions    map[string]int `json:"actions"`
	Categories map[string]int `json:"categories"`
}

// Stats scans historique/ and counts classifications, optionally ignoring
// files older than since.
func (a *Agent) Stats(since time.Time) (*ClassificationStats, error) {
	entries, err := os.ReadDir(a.layout.Historique())
	if err != nil {
		return nil, err
	}

	stats := &ClassificationStats{
		Subjects:   map[string]int{},
		Actions:    map[string]int{},
		Categories: map[string]int{},
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(a.layout.Historique(), e.Name()))
		if err != nil {
			continue
		}
		var it types.Interaction
		if err := json.Unmarshal(raw, &it); err != nil {
			continue
		}
		if !since.IsZero() {
			if ts, err := time.Parse(time.RFC3339Nano, it.Meta.Timestamp); err == nil && ts.Before(since) {
				continue
			}
		}
		stats.Total++
		stats.Subjects[string(it.Intent.Subject)]++
		stats.Actions[string(it.Intent.Act)]++
		stats.Categories[string(it.Intent.Category)]++
	}
	return stats, nil
}
