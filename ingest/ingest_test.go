package ingest

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoboMaroof/ragserver/apperr"
	"github.com/RoboMaroof/ragserver/store"
)

func TestSourceValidate(t *testing.T) {
	assert.NoError(t, Source{Type: SourceDocs, Path: "data/docs"}.Validate())
	assert.NoError(t, Source{Type: SourceWebsite, Path: "https://example.com"}.Validate())
	assert.ErrorIs(t, Source{Type: "ftp", Path: "x"}.Validate(), apperr.ErrInvalidInput)
	assert.ErrorIs(t, Source{Type: SourceSQL, Path: " "}.Validate(), apperr.ErrInvalidInput)
	assert.ErrorIs(t, Source{Type: SourceWebsite, Path: "example.com"}.Validate(), apperr.ErrInvalidInput)
}

func TestSplitter(t *testing.T) {
	s := NewSplitter(20, 5)

	t.Run("short text is one chunk", func(t *testing.T) {
		assert.Equal(t, []string{"hello world"}, s.Split("hello world"))
	})

	t.Run("paragraphs first", func(t *testing.T) {
		got := s.Split("first para here\n\nsecond para here")
		assert.Equal(t, []string{"first para here", "second para here"}, got)
	})

	t.Run("chunks respect size and overlap", func(t *testing.T) {
		text := strings.Repeat("word ", 40)
		got := s.Split(text)
		require.Greater(t, len(got), 1)
		for _, c := range got {
			assert.LessOrEqual(t, len(c), 20)
		}
		// Overlap: the tail of one chunk starts the next.
		assert.True(t, strings.HasPrefix(got[1], "word"))
	})

	t.Run("unbroken text falls back to characters", func(t *testing.T) {
		got := s.Split(strings.Repeat("x", 45))
		for _, c := range got {
			assert.LessOrEqual(t, len(c), 20)
		}
		assert.Equal(t, strings.Repeat("x", 20), got[0])
	})

	t.Run("defaults", func(t *testing.T) {
		d := NewSplitter(0, 200)
		assert.Equal(t, 1000, d.Size)
		assert.Equal(t, 200, d.Overlap)
	})
}

func TestExtractText(t *testing.T) {
	text, err := ExtractText(strings.NewReader(`<html><head><title>T</title><style>p{}</style></head>
<body><script>var x;</script><h1>Heading</h1><p>First <b>bold</b> para.</p><div>Second</div></body></html>`))
	require.NoError(t, err)
	assert.Equal(t, "T\nHeading\nFirst bold para.\nSecond", text)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDocsLoader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.md", "# B\nmarkdown body")
	writeFile(t, dir, "a.txt", "plain text")
	writeFile(t, dir, "c.html", "<p>html body</p>")
	writeFile(t, dir, "image.png", "binary")
	writeFile(t, dir, ".hidden.txt", "secret")
	writeFile(t, dir, "empty.txt", "   ")

	docs, err := NewDocsLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "plain text", docs[0].Text)
	assert.Equal(t, "b.md", docs[1].Metadata["file_name"])
	assert.Equal(t, "html body", docs[2].Text)

	single, err := NewDocsLoader().Load(context.Background(), filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Len(t, single, 1)

	_, err = NewDocsLoader().Load(context.Background(), filepath.Join(dir, "missing"))
	assert.Error(t, err)
	_, err = NewDocsLoader().Load(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestSQLLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faq.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE faq (question TEXT, answer TEXT);
INSERT INTO faq VALUES ('What is RAG?', 'Retrieval-augmented generation.'), ('Hours?', NULL);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	docs, err := SQLLoader{}.Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "question: What is RAG?\nanswer: Retrieval-augmented generation.", docs[0].Text)
	assert.Equal(t, "question: Hours?\nanswer: ", docs[1].Text)

	_, err = SQLLoader{}.Load(context.Background(), filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}

func TestWebsiteLoader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><p>LangSmith docs</p></body></html>"))
	}))
	defer srv.Close()

	docs, err := NewWebsiteLoader().Load(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "LangSmith docs", docs[0].Text)
	assert.Equal(t, srv.URL, docs[0].Source)

	_, err = NewWebsiteLoader().Load(context.Background(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "404")
}

// blockingLoader holds the build until released.
type blockingLoader struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingLoader) Load(ctx context.Context, path string) ([]Document, error) {
	close(b.started)
	<-b.release
	return []Document{{Text: "slow doc", Source: path}}, nil
}

func TestBuilder_Build(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "LangSmith is a platform for LLM observability.")
	st := store.New(store.Options{})
	b := NewBuilder(BuilderOptions{Store: st})

	res, err := b.Build(context.Background(), Source{Type: SourceDocs, Path: dir})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Documents)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, "Ingested and indexed from docs", res.Message())

	info, ok := st.Info()
	require.True(t, ok)
	assert.Equal(t, SourceDocs, info.SourceType)

	got, err := st.Search(context.Background(), "LangSmith", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestBuilder_ConcurrentBuildConflicts(t *testing.T) {
	bl := &blockingLoader{started: make(chan struct{}), release: make(chan struct{})}
	st := store.New(store.Options{})
	b := NewBuilder(BuilderOptions{Store: st, Loaders: map[string]Loader{SourceDocs: bl}})

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = b.Build(context.Background(), Source{Type: SourceDocs, Path: "a"})
	}()
	<-bl.started

	prepared := false
	_, err := b.BuildWith(context.Background(), func(context.Context) (Source, error) {
		prepared = true
		return Source{Type: SourceDocs, Path: "b"}, nil
	})
	assert.ErrorIs(t, err, apperr.ErrIndexBuildConflict)
	assert.False(t, prepared)

	close(bl.release)
	wg.Wait()
	require.NoError(t, firstErr)
	info, ok := st.Info()
	require.True(t, ok)
	assert.Equal(t, "a", info.SourcePath)
}

type failingIndexer struct{}

func (failingIndexer) Replace(context.Context, []store.Chunk, store.IndexInfo) error {
	return errors.New("disk full")
}

func TestBuilder_Failures(t *testing.T) {
	b := NewBuilder(BuilderOptions{Store: failingIndexer{}})
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "text")

	_, err := b.Build(context.Background(), Source{Type: SourceDocs, Path: dir})
	assert.ErrorContains(t, err, "disk full")

	_, err = b.Build(context.Background(), Source{Type: "s3", Path: "bucket"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = b.BuildWith(context.Background(), func(context.Context) (Source, error) {
		return Source{}, errors.New("upload too large")
	})
	assert.ErrorContains(t, err, "upload too large")
}

func TestBuilder_MaxDocuments(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, dir, n, "content of "+n)
	}
	st := store.New(store.Options{})
	res, err := NewBuilder(BuilderOptions{Store: st, MaxDocuments: 2}).
		Build(context.Background(), Source{Type: SourceDocs, Path: dir})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Documents)
}

type fakeRestorer struct {
	loaded bool
	err    error
}

func (f fakeRestorer) Load(context.Context) (bool, error) { return f.loaded, f.err }

func TestRestore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "default docs")

	st := store.New(store.Options{})
	b := NewBuilder(BuilderOptions{Store: st})

	require.NoError(t, Restore(context.Background(), fakeRestorer{loaded: true}, b, dir, nil))
	assert.False(t, st.Ready())

	require.NoError(t, Restore(context.Background(), fakeRestorer{}, b, filepath.Join(dir, "nope"), nil))
	assert.False(t, st.Ready())

	require.NoError(t, Restore(context.Background(), fakeRestorer{err: errors.New("corrupt")}, b, dir, nil))
	assert.True(t, st.Ready())
}

func TestRestore_RebuildsAfterEmbedderChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "LangSmith is a tracing platform")

	backend, err := store.OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer backend.Close()

	first := store.New(store.Options{Embedder: store.NewHashEmbedder(1536), Backend: backend})
	require.NoError(t, Restore(ctx, first, NewBuilder(BuilderOptions{Store: first}), dir, nil))
	info, ok := first.Info()
	require.True(t, ok)
	assert.Equal(t, 1536, info.Dimensions)

	second := store.New(store.Options{Embedder: store.NewHashEmbedder(384), Backend: backend})
	require.NoError(t, Restore(ctx, second, NewBuilder(BuilderOptions{Store: second}), dir, nil))
	info, ok = second.Info()
	require.True(t, ok)
	assert.Equal(t, "hash/384", info.Embedder)

	got, err := second.Search(ctx, "What is LangSmith?", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Text, "LangSmith")
}

func TestWatcher_DebouncesRebuilds(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(NewBuilder(BuilderOptions{Store: store.New(store.Options{})}), []string{dir}, 50*time.Millisecond, nil)
	require.NoError(t, err)

	rebuilt := make(chan string, 10)
	w.rebuild = func(ctx context.Context, folder string) { rebuilt <- folder }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, dir, "a.txt", "one")
	writeFile(t, dir, "b.txt", "two")
	writeFile(t, dir, "ignored.png", "x")

	select {
	case folder := <-rebuilt:
		assert.Equal(t, dir, folder)
	case <-time.After(5 * time.Second):
		t.Fatal("no rebuild after file changes")
	}
	select {
	case <-rebuilt:
		t.Fatal("writes within the debounce window should coalesce")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, <-done)
}
