// Package ragserver wires the evidence store, generators, tools and
// ingestion into the HTTP server.
package ragserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/handlers"
	"github.com/RoboMaroof/ragserver/ingest"
	"github.com/RoboMaroof/ragserver/llm"
	"github.com/RoboMaroof/ragserver/metrics"
	"github.com/RoboMaroof/ragserver/rag"
	"github.com/RoboMaroof/ragserver/rerank"
	"github.com/RoboMaroof/ragserver/store"
	"github.com/RoboMaroof/ragserver/tools"
	"github.com/RoboMaroof/ragserver/tracing"
)

// Server is the rag_server instance. Create one with New(), then call
// Start() to run the HTTP server.
type Server struct {
	host string
	port int
	cfg  *FileConfig
	log  *zap.Logger

	srv     *http.Server
	closers []func() error
}

// Option configures a Server.
type Option func(*Server)

// WithPort sets the listen port (default 8000).
func WithPort(port int) Option {
	return func(s *Server) { s.port = port }
}

// WithHost sets the listen host (default "0.0.0.0").
func WithHost(host string) Option {
	return func(s *Server) { s.host = host }
}

// WithConfig sets the file configuration (default DefaultFileConfig()).
func WithConfig(cfg *FileConfig) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithLogger sets the logger (default no-op).
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New creates a new Server with the given options.
func New(opts ...Option) *Server {
	s := &Server{
		host: "0.0.0.0",
		port: 8000,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg == nil {
		s.cfg = DefaultFileConfig()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Build constructs every component and returns the root handler. The index
// is restored before Build returns; the folder watcher, when enabled, runs
// until ctx is done.
func (s *Server) Build(ctx context.Context) (http.Handler, error) {
	cfg := s.cfg
	log := s.log

	m := metrics.New()

	// Evidence store
	var backend store.Backend
	if cfg.Ingest.IndexPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Ingest.IndexPath), 0o755); err != nil {
			return nil, fmt.Errorf("create index folder: %w", err)
		}
		sb, err := store.OpenSQLite(cfg.Ingest.IndexPath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, sb.Close)
		backend = sb
	}
	embedder := newEmbedder(cfg)
	st := store.New(store.Options{Embedder: embedder, Backend: backend, Log: log.Named("store")})

	// Generators
	factory := llm.NewFactory(cfg.providers(), cfg.resilience(), log.Named("llm"))
	factory.OnResult = m.GeneratorCall

	ragReranker, err := newReranker(cfg, cfg.RAG.RerankTopN, factory, log)
	if err != nil {
		return nil, err
	}
	pipeline := rag.New(rag.Options{
		Store:         st,
		Reranker:      ragReranker,
		StoreTimeout:  cfg.Timeouts.Store,
		RerankTimeout: cfg.Timeouts.Rerank,
		MaxTokens:     cfg.Models.MaxTokens,
		Metrics:       m,
		Log:           log.Named("rag"),
	})

	// Tools
	toolReranker, err := newReranker(cfg, cfg.Tools.Retriever.TopN, factory, log)
	if err != nil {
		return nil, err
	}
	toolRegistry, err := tools.NewRegistry(cfg.Tools, tools.Deps{
		Store:    st,
		Reranker: toolReranker,
		Metrics:  m,
		Log:      log.Named("tools"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build tools: %w", err)
	}

	// Ingestion
	builder := ingest.NewBuilder(ingest.BuilderOptions{
		Store:        st,
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		MaxDocuments: cfg.Ingest.MaxDocuments,
		Metrics:      m,
		Log:          log.Named("ingest"),
	})
	if err := ingest.Restore(ctx, st, builder, cfg.Ingest.DefaultDocsFolder, log); err != nil {
		log.Warn("startup index build failed; index stays empty", zap.Error(err))
	}
	if info, ok := st.Info(); ok {
		m.SetIndexChunks(info.Chunks)
	}
	if cfg.Ingest.Watch {
		folders := []string{cfg.Ingest.DefaultDocsFolder, cfg.Ingest.UploadedDocsFolder}
		w, err := ingest.NewWatcher(builder, folders, cfg.Ingest.WatchDebounce, log.Named("watcher"))
		if err != nil {
			return nil, err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error("watcher stopped", zap.Error(err))
			}
		}()
	}

	deps := &handlers.Deps{
		Config: handlers.Config{
			DefaultModel:   cfg.Models.Default,
			K:              cfg.RAG.K,
			MaxRounds:      cfg.Agent.MaxRounds,
			ToolTimeout:    cfg.Timeouts.Tool,
			SystemPrompt:   cfg.Agent.SystemPrompt,
			MaxTokens:      cfg.Models.MaxTokens,
			UploadFolder:   cfg.Ingest.UploadedDocsFolder,
			MaxUploadBytes: cfg.Ingest.MaxUploadBytes,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		Models:   factory,
		Pipeline: pipeline,
		Tools:    toolRegistry,
		Builder:  builder,
		Index:    st,
		Traces:   tracing.NewStore(cfg.Server.TraceCapacity),
		Metrics:  m,
		Log:      log.Named("http"),
	}

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	authSvc := NewAuthService(cfg.Auth)
	if authSvc != nil {
		router.HandleFunc("/auth/login", authSvc.handleLogin).Methods(http.MethodPost)
	}
	handlers.RegisterRoutes(router, deps)

	return corsMiddleware(cfg.Server.AllowedOrigins, AuthMiddleware(authSvc, router)), nil
}

func newEmbedder(cfg *FileConfig) store.Embedder {
	switch cfg.Embeddings.Provider {
	case "openai":
		pc := cfg.Models.Providers[string(llm.ProviderOpenAI)]
		base := pc.BaseURL
		if base == "" {
			base = llm.DefaultBaseURLs[llm.ProviderOpenAI]
		}
		return llm.NewEmbedder(base, pc.APIKey, cfg.Embeddings.Model)
	case "ollama":
		base := cfg.Models.Providers[string(llm.ProviderOllama)].BaseURL
		if base == "" {
			base = llm.DefaultBaseURLs[llm.ProviderOllama]
		}
		return llm.NewEmbedder(base, "ollama", cfg.Embeddings.Model)
	default:
		return store.NewHashEmbedder(cfg.Embeddings.Dimensions)
	}
}

// newReranker returns nil when reranking is off.
func newReranker(cfg *FileConfig, topN int, factory *llm.Factory, log *zap.Logger) (rerank.Reranker, error) {
	switch cfg.RAG.Reranker {
	case "lexical":
		return rerank.NewLexical(topN), nil
	case "llm":
		model := cfg.RAG.RerankModel
		if model == "" {
			model = cfg.Models.Default
		}
		client, _, err := factory.Client(model)
		if err != nil {
			return nil, fmt.Errorf("rerank model: %w", err)
		}
		return rerank.NewLLM(client, topN, log.Named("rerank")), nil
	default:
		return nil, nil
	}
}

// Start builds the server and serves until SIGINT/SIGTERM or Shutdown().
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer s.close()

	handler, err := s.Build(ctx)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // disable for SSE
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on signal
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down")
		s.Shutdown()
	}()

	s.log.Info("rag_server starting",
		zap.String("addr", addr),
		zap.String("default_model", s.cfg.Models.Default),
		zap.Bool("auth", s.cfg.Auth.JWTSecret != ""))

	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			s.log.Warn("close failed", zap.Error(err))
		}
	}
	s.closers = nil
}
