package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/apperr"
	"github.com/RoboMaroof/ragserver/metrics"
	"github.com/RoboMaroof/ragserver/store"
)

// DefaultMaxDocuments caps how many loaded documents are indexed per build.
const DefaultMaxDocuments = 50

// Indexer receives the chunks of a finished build.
type Indexer interface {
	Replace(ctx context.Context, chunks []store.Chunk, info store.IndexInfo) error
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	Store        Indexer
	Loaders      map[string]Loader // defaults to DefaultLoaders()
	ChunkSize    int
	ChunkOverlap int
	MaxDocuments int
	Metrics      *metrics.Metrics
	Log          *zap.Logger
}

// Builder builds the index. Builds never overlap: a build requested while
// another is running fails with apperr.ErrIndexBuildConflict and changes
// nothing.
type Builder struct {
	mu       sync.Mutex
	store    Indexer
	loaders  map[string]Loader
	splitter *Splitter
	maxDocs  int
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(opts BuilderOptions) *Builder {
	if opts.Loaders == nil {
		opts.Loaders = DefaultLoaders()
	}
	if opts.MaxDocuments <= 0 {
		opts.MaxDocuments = DefaultMaxDocuments
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Builder{
		store:    opts.Store,
		loaders:  opts.Loaders,
		splitter: NewSplitter(opts.ChunkSize, opts.ChunkOverlap),
		maxDocs:  opts.MaxDocuments,
		metrics:  opts.Metrics,
		log:      opts.Log,
	}
}

// Build indexes src.
func (b *Builder) Build(ctx context.Context, src Source) (Result, error) {
	if err := src.Validate(); err != nil {
		return Result{}, err
	}
	return b.BuildWith(ctx, func(context.Context) (Source, error) { return src, nil })
}

// BuildWith runs prepare under the build lock and indexes the source it
// returns. Uploads use prepare to store the file, so a rejected upload
// leaves no trace.
func (b *Builder) BuildWith(ctx context.Context, prepare func(ctx context.Context) (Source, error)) (Result, error) {
	if !b.mu.TryLock() {
		b.metrics.IndexBuild("unknown", "conflict")
		return Result{}, apperr.ErrIndexBuildConflict
	}
	defer b.mu.Unlock()

	src, err := prepare(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := src.Validate(); err != nil {
		return Result{}, err
	}

	res, err := b.build(ctx, src)
	if err != nil {
		b.metrics.IndexBuild(src.Type, "error")
		b.log.Error("index build failed",
			zap.String("source_type", src.Type),
			zap.String("source_path", src.Path),
			zap.Error(err))
		return Result{}, apperr.FromContext(ctx, err)
	}
	b.metrics.IndexBuild(src.Type, "ok")
	b.metrics.SetIndexChunks(res.Chunks)
	b.log.Info("index built",
		zap.String("source_type", src.Type),
		zap.String("source_path", src.Path),
		zap.Int("documents", res.Documents),
		zap.Int("chunks", res.Chunks),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (b *Builder) build(ctx context.Context, src Source) (Result, error) {
	start := time.Now()
	loader, ok := b.loaders[src.Type]
	if !ok {
		return Result{}, apperr.Invalid("Unsupported source type: %q", src.Type)
	}

	docs, err := loader.Load(ctx, src.Path)
	if err != nil {
		return Result{}, err
	}
	if len(docs) > b.maxDocs {
		docs = docs[:b.maxDocs]
	}

	var chunks []store.Chunk
	for _, d := range docs {
		for _, text := range b.splitter.Split(d.Text) {
			chunks = append(chunks, store.Chunk{
				ID:     uuid.NewString(),
				Seq:    len(chunks),
				Text:   text,
				Source: d.Source,
			})
		}
	}
	if len(chunks) == 0 {
		return Result{}, fmt.Errorf("no text found in %s source %s", src.Type, src.Path)
	}

	info := store.IndexInfo{
		SourceType: src.Type,
		SourcePath: src.Path,
		Chunks:     len(chunks),
		BuiltAt:    time.Now().UTC(),
	}
	if err := b.store.Replace(ctx, chunks, info); err != nil {
		return Result{}, fmt.Errorf("replace index: %w", err)
	}
	return Result{
		Source:    src,
		Documents: len(docs),
		Chunks:    len(chunks),
		Duration:  time.Since(start),
	}, nil
}

// Restorer loads a persisted index.
type Restorer interface {
	Load(ctx context.Context) (bool, error)
}

// Restore brings the index back at startup: the persisted one if there is
// one, otherwise a fresh build of folder when it exists. Having neither is
// not an error; the store stays unbuilt.
func Restore(ctx context.Context, r Restorer, b *Builder, folder string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	loaded, err := r.Load(ctx)
	if err != nil {
		log.Warn("persisted index unreadable, rebuilding", zap.Error(err))
	}
	if loaded {
		return nil
	}
	if folder == "" {
		return nil
	}
	if _, err := os.Stat(folder); errors.Is(err, os.ErrNotExist) {
		log.Info("no index and no default docs folder", zap.String("folder", folder))
		return nil
	}
	_, err = b.Build(ctx, Source{Type: SourceDocs, Path: folder})
	return err
}
