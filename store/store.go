// Package store is the evidence store: an in-memory similarity index over
// document chunks, swapped atomically on rebuild and persisted to SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/apperr"
)

// Backend persists the chunks of the current index.
type Backend interface {
	Save(ctx context.Context, chunks []Chunk, info IndexInfo) error
	Load(ctx context.Context) ([]Chunk, IndexInfo, error)
}

// ErrNoIndex is returned by Backend.Load when nothing has been persisted.
var ErrNoIndex = errors.New("no persisted index")

// ErrDimensionMismatch means the query vector and the index vectors come
// from different vector spaces.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type index struct {
	chunks []Chunk
	info   IndexInfo
}

// Store serves similarity search over the current index. Search may run
// concurrently with Replace; readers see either the old or the new index.
type Store struct {
	embedder Embedder
	backend  Backend
	log      *zap.Logger

	current atomic.Pointer[index]
}

// Options configures a Store. Backend may be nil for a memory-only store.
type Options struct {
	Embedder Embedder
	Backend  Backend
	Log      *zap.Logger
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.Embedder == nil {
		opts.Embedder = NewHashEmbedder(0)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Store{embedder: opts.Embedder, backend: opts.Backend, log: opts.Log}
}

// Ready reports whether an index has been built or loaded.
func (s *Store) Ready() bool {
	return s.current.Load() != nil
}

// Info returns the description of the served index.
func (s *Store) Info() (IndexInfo, bool) {
	idx := s.current.Load()
	if idx == nil {
		return IndexInfo{}, false
	}
	return idx.info, true
}

// Search returns the k passages most similar to query, best first.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	idx := s.current.Load()
	if idx == nil {
		return nil, apperr.ErrStoreUnavailable
	}
	if k <= 0 || len(idx.chunks) == 0 {
		return []Passage{}, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	q := vecs[0]
	if dims := len(idx.chunks[0].Vector); len(q) != dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(q), dims)
	}

	type hit struct {
		pos   int
		score float64
	}
	hits := make([]hit, len(idx.chunks))
	for i, c := range idx.chunks {
		hits[i] = hit{pos: i, score: Cosine(q, c.Vector)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if k > len(hits) {
		k = len(hits)
	}
	out := make([]Passage, k)
	for i := 0; i < k; i++ {
		c := idx.chunks[hits[i].pos]
		out[i] = Passage{Text: c.Text, Source: c.Source}.WithScore(hits[i].score)
	}
	return out, nil
}

// Replace embeds chunks, persists them and swaps them in as the served
// index. On error the previous index stays in place.
func (s *Store) Replace(ctx context.Context, chunks []Chunk, info IndexInfo) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vecs), len(chunks))
	}

	dims := 0
	if len(vecs) > 0 {
		dims = len(vecs[0])
	}
	next := make([]Chunk, len(chunks))
	for i, c := range chunks {
		if len(vecs[i]) != dims {
			return fmt.Errorf("embed chunks: vector %d has %d dimensions, want %d", i, len(vecs[i]), dims)
		}
		c.Seq = i
		c.Vector = vecs[i]
		next[i] = c
	}
	info.Chunks = len(next)
	info.Embedder = EmbedderID(s.embedder)
	info.Dimensions = dims
	if info.BuiltAt.IsZero() {
		info.BuiltAt = time.Now().UTC()
	}

	if s.backend != nil {
		if err := s.backend.Save(ctx, next, info); err != nil {
			return fmt.Errorf("persist index: %w", err)
		}
	}

	s.current.Store(&index{chunks: next, info: info})
	s.log.Info("index swapped",
		zap.String("source_type", info.SourceType),
		zap.String("source_path", info.SourcePath),
		zap.Int("chunks", info.Chunks))
	return nil
}

// Load restores the persisted index. It returns false when there is nothing
// to restore or when the index was built by a different embedder than the
// store's, so the caller rebuilds it.
func (s *Store) Load(ctx context.Context) (bool, error) {
	if s.backend == nil {
		return false, nil
	}
	chunks, info, err := s.backend.Load(ctx)
	if errors.Is(err, ErrNoIndex) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load index: %w", err)
	}
	if reason := s.incompatible(chunks, info); reason != "" {
		s.log.Warn("persisted index ignored",
			zap.String("reason", reason),
			zap.String("embedder", info.Embedder),
			zap.Int("dimensions", info.Dimensions))
		return false, nil
	}
	s.current.Store(&index{chunks: chunks, info: info})
	s.log.Info("index restored", zap.Int("chunks", len(chunks)), zap.String("source_type", info.SourceType))
	return true, nil
}

// incompatible reports why a persisted index cannot be searched with the
// store's embedder, or "" if it can.
func (s *Store) incompatible(chunks []Chunk, info IndexInfo) string {
	if want := EmbedderID(s.embedder); info.Embedder != want {
		return fmt.Sprintf("built with embedder %q, configured %q", info.Embedder, want)
	}
	for _, c := range chunks {
		if len(c.Vector) != info.Dimensions {
			return fmt.Sprintf("chunk %s has %d dimensions, index records %d", c.ID, len(c.Vector), info.Dimensions)
		}
	}
	return ""
}
