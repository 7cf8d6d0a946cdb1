package code

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/types"
	"github.com/Maxime-Gagne/secondmind/internal/vector"
)

// On-disk artefacts under the code directory.
const (
	graphFile     = "code_architecture.json"
	skeletonFile  = "scripts_skeleton.txt"
	chunksFile    = "code_chunks.jsonl"
	indexFile     = "code_chunks.ann"
	indexMetaFile = "code_chunks_meta.json"
)

// Subsystem owns the code artefacts and serves code context to the
// orchestrator. Rebuild and Reload hold the write lock; retrieval holds the
// read lock.
type Subsystem struct {
	dir      string
	roots    []string
	embedder vector.Embedder
	docURL   string

	mu      sync.RWMutex
	arch    types.ProjectArchitecture
	store   *vector.Store
	offsets map[string]int64
}

// NewSubsystem loads existing artefacts if present. Call Rebuild to create
// them from scratch.
func NewSubsystem(dir string, roots []string, embedder vector.Embedder, docURL string) (*Subsystem, error) {
	s := &Subsystem{
		dir:      dir,
		roots:    roots,
		embedder: embedder,
		docURL:   docURL,
		arch:     types.ProjectArchitecture{},
		offsets:  map[string]int64{},
	}
	store, err := vector.NewStore(embedder, filepath.Join(dir, indexFile), filepath.Join(dir, indexMetaFile))
	if err != nil {
		return nil, fmt.Errorf("open code index: %w", err)
	}
	s.store = store
	s.reloadLocked()
	return s, nil
}

// Architecture returns the current project graph.
func (s *Subsystem) Architecture() types.ProjectArchitecture {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.arch
}

// SkeletonText renders the compact tree of the current graph.
func (s *Subsystem) SkeletonText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Skeleton(s.arch)
}

// SkeletonForModules restricts the skeleton view.
func (s *Subsystem) SkeletonForModules(modules []string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SkeletonFor(s.arch, modules)
}

// =============================================================================
// WORKER
// =============================================================================

// Rebuild runs the full worker pipeline: scan, chunk, embed, persist, reload.
func (s *Subsystem) Rebuild(ctx context.Context) error {
	log := logging.Get(logging.CategoryCode)
	start := time.Now()

	arch := NewAnalyzer(s.roots).Scan()
	chunks := BuildChunks(arch)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	// Graph JSON and skeleton are plain artefacts.
	graphJSON, err := json.MarshalIndent(arch, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	if err := atomicWrite(filepath.Join(s.dir, graphFile), graphJSON); err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(s.dir, skeletonFile), []byte(Skeleton(arch))); err != nil {
		return err
	}

	// Chunks journal, rewritten whole. Archived artefact records appended by
	// the memory manager share this journal and must survive the rewrite.
	var journal strings.Builder
	for _, c := range chunks {
		line, err := json.Marshal(c)
		if err != nil {
			continue
		}
		journal.Write(line)
		journal.WriteByte('\n')
	}
	for _, line := range s.artifactRecords() {
		journal.WriteString(line)
		journal.WriteByte('\n')
	}
	if err := atomicWrite(filepath.Join(s.dir, chunksFile), []byte(journal.String())); err != nil {
		return err
	}

	// Fresh vector index over the embed texts.
	store, err := vector.NewStore(s.embedder,
		filepath.Join(s.dir, indexFile+".rebuild"), filepath.Join(s.dir, indexMetaFile+".rebuild"))
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := store.AddFragment(ctx, c.EmbedText, map[string]interface{}{
			"chunk_id": c.ID, "module": c.Module, "name": c.Name, "kind": c.Kind,
		}); err != nil {
			return fmt.Errorf("embed chunk %s: %w", c.ID, err)
		}
	}
	if err := os.Rename(filepath.Join(s.dir, indexFile+".rebuild"), filepath.Join(s.dir, indexFile)); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(s.dir, indexMetaFile+".rebuild"), filepath.Join(s.dir, indexMetaFile)); err != nil {
		return err
	}

	// Reopen at the final paths so later appends persist to the right files.
	final, err := vector.NewStore(s.embedder,
		filepath.Join(s.dir, indexFile), filepath.Join(s.dir, indexMetaFile))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.arch = arch
	s.store = final
	s.rebuildOffsetsLocked()
	s.mu.Unlock()

	log.Infow("code worker run complete",
		"modules", len(arch), "chunks", len(chunks), "elapsed", time.Since(start))
	return nil
}

// Reload re-reads the artefacts after an external rebuild.
func (s *Subsystem) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, err := vector.NewStore(s.embedder,
		filepath.Join(s.dir, indexFile), filepath.Join(s.dir, indexMetaFile))
	if err == nil {
		s.store = store
	}
	s.reloadLocked()
}

func (s *Subsystem) reloadLocked() {
	raw, err := os.ReadFile(filepath.Join(s.dir, graphFile))
	if err == nil {
		var arch types.ProjectArchitecture
		if json.Unmarshal(raw, &arch) == nil {
			s.arch = arch
		}
	}
	s.rebuildOffsetsLocked()
}

// rebuildOffsetsLocked maps chunk_id to its byte offset in the journal so a
// hit hydrates with one seek instead of a full-file scan.
func (s *Subsystem) rebuildOffsetsLocked() {
	s.offsets = map[string]int64{}
	f, err := os.Open(filepath.Join(s.dir, chunksFile))
	if err != nil {
		return
	}
	defer f.Close()

	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var probe struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(line, &probe) == nil && probe.ID != "" {
			s.offsets[probe.ID] = offset
		}
		offset += int64(len(line)) + 1
	}
}

// artifactRecords returns the journal lines that came from the artefact
// archiver rather than the analyzer. Those carry a content hash; analyzer
// chunks never do.
func (s *Subsystem) artifactRecords() []string {
	f, err := os.Open(filepath.Join(s.dir, chunksFile))
	if err != nil {
		return nil
	}
	defer f.Close()

	var kept []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		var probe struct {
			Hash string `json:"hash"`
		}
		if json.Unmarshal([]byte(line), &probe) == nil && probe.Hash != "" {
			kept = append(kept, line)
		}
	}
	return kept
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// =============================================================================
// RAG ADAPTER
// =============================================================================

// ProvideContext hydrates code entities for a question. Hit flow: vector
// search, then keyword match over module names, then one-hop graph expansion
// along outgoing edges.
func (s *Subsystem) ProvideContext(ctx context.Context, question string, k int) []types.CodeContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 5
	}
	seen := map[string]struct{}{}
	var out []types.CodeContext

	hits, err := s.store.Search(ctx, question, k)
	if err != nil {
		logging.Get(logging.CategoryCode).Warnw("code vector search failed", "err", err)
	}
	for _, h := range hits {
		id, _ := h.Meta["chunk_id"].(string)
		if id == "" {
			continue
		}
		if cc, ok := s.hydrateLocked(id, h.Score); ok {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, cc)
			}
		}
	}

	// Keyword pass over module names, words longer than 3 characters.
	touched := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(question)) {
		if len(w) <= 3 {
			continue
		}
		for modName := range s.arch {
			if strings.Contains(strings.ToLower(modName), w) {
				touched[modName] = struct{}{}
			}
		}
	}
	for _, cc := range out {
		touched[cc.Module] = struct{}{}
	}

	// One-hop expansion along outgoing edges.
	expanded := map[string]struct{}{}
	for modName := range touched {
		expanded[modName] = struct{}{}
		if mod, ok := s.arch[modName]; ok {
			for _, edge := range mod.OutgoingEdges {
				for candidate := range s.arch {
					if filepath.Base(candidate) == edge || filepath.Base(filepath.Dir(candidate)) == edge {
						expanded[candidate] = struct{}{}
					}
				}
			}
		}
	}

	modNames := make([]string, 0, len(expanded))
	for m := range expanded {
		modNames = append(modNames, m)
	}
	sort.Strings(modNames)
	for _, modName := range modNames {
		id := modName + "::@module"
		if _, dup := seen[id]; dup {
			continue
		}
		mod, ok := s.arch[modName]
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, types.CodeContext{
			ID:      id,
			Kind:    "module",
			Module:  modName,
			Name:    filepath.Base(modName),
			Summary: firstLine(mod.Docstring),
			Content: SkeletonFor(s.arch, []string{modName}),
			Score:   0.1,
		})
		if len(out) >= 2*k {
			break
		}
	}
	return out
}

// hydrateLocked reads one chunk record via the offset map.
func (s *Subsystem) hydrateLocked(id string, score float64) (types.CodeContext, bool) {
	offset, ok := s.offsets[id]
	if !ok {
		return types.CodeContext{}, false
	}
	f, err := os.Open(filepath.Join(s.dir, chunksFile))
	if err != nil {
		return types.CodeContext{}, false
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return types.CodeContext{}, false
	}

	var c Chunk
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	if !scanner.Scan() || json.Unmarshal(scanner.Bytes(), &c) != nil {
		return types.CodeContext{}, false
	}

	return types.CodeContext{
		ID:          c.ID,
		Kind:        c.Kind,
		Module:      c.Module,
		Name:        c.Name,
		Signature:   c.Signature,
		Docstring:   c.Docstring,
		KeyConcepts: c.Concepts,
		Summary:     c.Summary,
		Content:     c.EmbedText,
		Score:       score,
	}, true
}

// ConsultExternalDocs queries the local documentation side service. Absent or
// unreachable service yields an empty string, never an error.
func (s *Subsystem) ConsultExternalDocs(ctx context.Context, query string) string {
	if s.docURL == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.docURL+"?q="+strings.ReplaceAll(query, " ", "+"), nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return ""
	}
	return string(body)
}
