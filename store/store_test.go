package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoboMaroof/ragserver/apperr"
)

func chunks(texts ...string) []Chunk {
	out := make([]Chunk, len(texts))
	for i, t := range texts {
		out[i] = Chunk{ID: t, Text: t, Source: "test"}
	}
	return out
}

func TestSearchBeforeBuild(t *testing.T) {
	s := New(Options{})
	_, err := s.Search(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.False(t, s.Ready())
}

func TestSearchRanksBySimilarity(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	require.NoError(t, s.Replace(ctx, chunks(
		"the cat sat on the mat",
		"LangSmith is a platform for LLM observability",
		"rivers flow to the sea",
	), IndexInfo{SourceType: "docs", SourcePath: "mem"}))

	got, err := s.Search(ctx, "what is LangSmith observability", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "LangSmith is a platform for LLM observability", got[0].Text)
	require.NotNil(t, got[0].Score)
	assert.GreaterOrEqual(t, *got[0].Score, *got[1].Score)

	info, ok := s.Info()
	require.True(t, ok)
	assert.Equal(t, 3, info.Chunks)
}

func TestSearchClampsK(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Replace(context.Background(), chunks("a b", "c d"), IndexInfo{}))
	got, err := s.Search(context.Background(), "a", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("boom")
}

func TestReplaceFailureKeepsPreviousIndex(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	require.NoError(t, s.Replace(ctx, chunks("first index"), IndexInfo{SourceType: "docs"}))

	s.embedder = failingEmbedder{}
	err := s.Replace(ctx, chunks("second"), IndexInfo{SourceType: "website"})
	require.Error(t, err)

	info, ok := s.Info()
	require.True(t, ok)
	assert.Equal(t, "docs", info.SourceType)
}

func TestConcurrentSearchDuringReplace(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	require.NoError(t, s.Replace(ctx, chunks("alpha one", "alpha two"), IndexInfo{}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				got, err := s.Search(ctx, "alpha", 5)
				if err != nil {
					t.Error(err)
					return
				}
				// either the old 2-chunk index or the new 3-chunk one
				if len(got) != 2 && len(got) != 3 {
					t.Errorf("partial index observed: %d passages", len(got))
				}
			}
		}()
	}
	require.NoError(t, s.Replace(ctx, chunks("alpha x", "alpha y", "alpha z"), IndexInfo{}))
	wg.Wait()
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	backend, err := OpenSQLite(path)
	require.NoError(t, err)
	defer backend.Close()

	s := New(Options{Backend: backend})
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, loaded)

	require.NoError(t, s.Replace(ctx, chunks("persisted one", "persisted two"), IndexInfo{SourceType: "sql", SourcePath: "faq.db"}))

	restored := New(Options{Backend: backend})
	loaded, err = restored.Load(ctx)
	require.NoError(t, err)
	require.True(t, loaded)

	info, ok := restored.Info()
	require.True(t, ok)
	assert.Equal(t, "sql", info.SourceType)
	assert.Equal(t, 2, info.Chunks)

	got, err := restored.Search(ctx, "persisted two", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted two", got[0].Text)
}

func TestLoadIgnoresIndexFromOtherEmbedder(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer backend.Close()

	built := New(Options{Embedder: NewHashEmbedder(1536), Backend: backend})
	require.NoError(t, built.Replace(ctx, chunks("bananas are yellow fruit", "What is LangSmith? A tracing platform"), IndexInfo{SourceType: "docs"}))
	info, _ := built.Info()
	assert.Equal(t, "hash/1536", info.Embedder)
	assert.Equal(t, 1536, info.Dimensions)

	same := New(Options{Embedder: NewHashEmbedder(1536), Backend: backend})
	loaded, err := same.Load(ctx)
	require.NoError(t, err)
	assert.True(t, loaded)

	other := New(Options{Embedder: NewHashEmbedder(384), Backend: backend})
	loaded, err = other.Load(ctx)
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.False(t, other.Ready())
}

func TestSearchRejectsQueryFromOtherVectorSpace(t *testing.T) {
	ctx := context.Background()
	s := New(Options{Embedder: NewHashEmbedder(1536)})
	require.NoError(t, s.Replace(ctx, chunks("bananas are yellow fruit", "LangSmith traces LLM apps"), IndexInfo{}))

	s.embedder = NewHashEmbedder(384)
	_, err := s.Search(ctx, "What is LangSmith?", 2)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.NotErrorIs(t, err, apperr.ErrStoreUnavailable)
}

func TestRound(t *testing.T) {
	assert.Equal(t, 0.123, Round(0.12345, 3))
	assert.Equal(t, 0.9, Round(0.9, 3))
}
