package vector

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
)

// ErrIndexCorrupt signals that the index and metadata files diverged. The
// store rejects all operations until the files are repaired or rebuilt.
var ErrIndexCorrupt = errors.New("vector store: index/metadata length mismatch")

// Hit is one search result: the stored metadata plus a bounded score.
type Hit struct {
	Score float64
	Meta  map[string]interface{}
}

// Store is a flat L2 index with a parallel metadata list. Both files are
// rewritten together on every mutation; retrieval only ever returns metadata,
// never reads vectors back.
type Store struct {
	mu        sync.RWMutex
	embedder  Embedder
	indexPath string
	metaPath  string

	vectors [][]float32
	metas   []map[string]interface{}
	corrupt bool
}

// NewStore opens (or creates) a store persisted at indexPath + metaPath.
func NewStore(embedder Embedder, indexPath, metaPath string) (*Store, error) {
	s := &Store{
		embedder:  embedder,
		indexPath: indexPath,
		metaPath:  metaPath,
	}
	if err := s.load(); err != nil {
		if errors.Is(err, ErrIndexCorrupt) {
			s.corrupt = true
			logging.Get(logging.CategoryStore).Errorw("vector store corrupt",
				"index", indexPath, "meta", metaPath)
			return s, nil
		}
		return nil, err
	}
	return s, nil
}

// Size returns the number of stored fragments.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors)
}

// AddFragment embeds text and appends vector plus metadata, then persists
// both files. Empty text is a no-op. meta.content is backfilled with the text
// so that retrieval is self-contained; len and timestamp are backfilled too.
func (s *Store) AddFragment(ctx context.Context, text string, meta map[string]interface{}) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupt {
		return ErrIndexCorrupt
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed fragment: %w", err)
	}

	if meta == nil {
		meta = map[string]interface{}{}
	}
	if _, ok := meta["content"]; !ok {
		meta["content"] = text
	}
	if _, ok := meta["len"]; !ok {
		meta["len"] = len(text)
	}
	if _, ok := meta["timestamp"]; !ok {
		meta["timestamp"] = time.Now().Format(time.RFC3339)
	}

	s.vectors = append(s.vectors, vec)
	s.metas = append(s.metas, meta)

	if err := s.persistLocked(); err != nil {
		// Best effort: the in-memory state stays authoritative for this run.
		logging.Get(logging.CategoryStore).Warnw("vector persist failed",
			"err", err, "index", s.indexPath)
	}
	return nil
}

// Search returns the k nearest fragments by L2 distance, with score mapped to
// (0,1] via 1/(1+d). An empty store returns an empty slice.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.corrupt {
		return nil, ErrIndexCorrupt
	}
	if len(s.vectors) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}

	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	type scored struct {
		idx  int
		dist float64
	}
	candidates := make([]scored, 0, len(s.vectors))
	for i, v := range s.vectors {
		candidates = append(candidates, scored{idx: i, dist: l2(qv, v)})
	}
	// Stable sort keeps insertion order on ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].dist < candidates[j].dist
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		meta := make(map[string]interface{}, len(s.metas[c.idx]))
		for mk, mv := range s.metas[c.idx] {
			meta[mk] = mv
		}
		hits = append(hits, Hit{Score: 1.0 / (1.0 + c.dist), Meta: meta})
	}
	return hits, nil
}

func l2(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// =============================================================================
// PERSISTENCE - dual-file atomic write
// =============================================================================

// Binary index layout: uint32 count, then per vector uint32 dim + dim float32.
func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.indexPath), 0o755); err != nil {
		return err
	}

	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.vectors)))
	for _, v := range s.vectors {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		for _, f := range v {
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(f))
		}
	}
	if err := atomicWrite(s.indexPath, buf); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}

	metaJSON, err := json.Marshal(s.metas)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := atomicWrite(s.metaPath, metaJSON); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read index: %w", err)
	}
	if len(raw) < 4 {
		return nil
	}
	count := int(binary.BigEndian.Uint32(raw[:4]))
	off := 4
	vectors := make([][]float32, 0, count)
	for i := 0; i < count; i++ {
		if off+4 > len(raw) {
			return ErrIndexCorrupt
		}
		dim := int(binary.BigEndian.Uint32(raw[off : off+4]))
		off += 4
		if off+4*dim > len(raw) {
			return ErrIndexCorrupt
		}
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = math.Float32frombits(binary.BigEndian.Uint32(raw[off : off+4]))
			off += 4
		}
		vectors = append(vectors, vec)
	}

	var metas []map[string]interface{}
	metaRaw, err := os.ReadFile(s.metaPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read metadata: %w", err)
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &metas); err != nil {
			return fmt.Errorf("parse metadata: %w", err)
		}
	}

	if len(vectors) != len(metas) {
		return ErrIndexCorrupt
	}
	s.vectors = vectors
	s.metas = metas
	return nil
}
