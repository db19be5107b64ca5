package ragserver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RoboMaroof/ragserver/llm"
	"github.com/RoboMaroof/ragserver/tools"
)

// FileConfig is the top-level structure of the YAML config file.
type FileConfig struct {
	Models     ModelsConfig     `yaml:"models"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	RAG        RAGConfig        `yaml:"rag"`
	Agent      AgentConfig      `yaml:"agent"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Tools      tools.Config     `yaml:"tools"`
	Auth       AuthConfig       `yaml:"auth"`
	Server     ServerConfig     `yaml:"server"`
}

type ModelsConfig struct {
	Default   string                        `yaml:"default"`
	MaxTokens int                           `yaml:"max_tokens"`
	Providers map[string]llm.ProviderConfig `yaml:"providers"`
}

type EmbeddingsConfig struct {
	Provider   string `yaml:"provider"` // hash, openai or ollama
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

type RAGConfig struct {
	K           int    `yaml:"k"`
	Reranker    string `yaml:"reranker"` // none, lexical or llm
	RerankTopN  int    `yaml:"rerank_top_n"`
	RerankModel string `yaml:"rerank_model"`
}

type AgentConfig struct {
	MaxRounds    int    `yaml:"max_rounds"`
	SystemPrompt string `yaml:"system_prompt"`
}

type TimeoutsConfig struct {
	Generator time.Duration `yaml:"generator"`
	Store     time.Duration `yaml:"store"`
	Tool      time.Duration `yaml:"tool"`
	Rerank    time.Duration `yaml:"rerank"`
}

type GeneratorConfig struct {
	Retries          int           `yaml:"retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

type IngestConfig struct {
	IndexPath          string        `yaml:"index_path"`
	DefaultDocsFolder  string        `yaml:"default_docs_folder"`
	UploadedDocsFolder string        `yaml:"uploaded_docs_folder"`
	ChunkSize          int           `yaml:"chunk_size"`
	ChunkOverlap       int           `yaml:"chunk_overlap"`
	MaxDocuments       int           `yaml:"max_documents"`
	Watch              bool          `yaml:"watch"`
	WatchDebounce      time.Duration `yaml:"watch_debounce"`
	MaxUploadBytes     int64         `yaml:"max_upload_bytes"`
}

type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

// AuthConfig enables JWT auth when JWTSecret is set.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	Users       []UserConfig  `yaml:"users"`
}

type ServerConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	TraceCapacity  int      `yaml:"trace_capacity"`
}

// DefaultFileConfig returns the configuration used when no file is given.
// A file is decoded on top of it, so absent keys keep these values.
func DefaultFileConfig() *FileConfig {
	lookup := tools.LookupConfig{Enabled: true, TopK: 1, MaxChars: 200, RatePerSecond: 1, Burst: 2}
	return &FileConfig{
		Models: ModelsConfig{
			Default:   "openai:gpt-4o-mini",
			MaxTokens: 1024,
			Providers: map[string]llm.ProviderConfig{},
		},
		Embeddings: EmbeddingsConfig{Provider: "hash", Dimensions: 384},
		RAG:        RAGConfig{K: 5, Reranker: "none", RerankTopN: 5},
		Agent:      AgentConfig{MaxRounds: 6},
		Timeouts: TimeoutsConfig{
			Generator: 60 * time.Second,
			Store:     10 * time.Second,
			Tool:      20 * time.Second,
			Rerank:    15 * time.Second,
		},
		Generator: GeneratorConfig{
			Retries:          2,
			RetryBackoff:     500 * time.Millisecond,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Ingest: IngestConfig{
			IndexPath:          filepath.Join("data", "index.db"),
			DefaultDocsFolder:  filepath.Join("data", "docs"),
			UploadedDocsFolder: filepath.Join("data", "uploads"),
			ChunkSize:          1000,
			ChunkOverlap:       200,
			MaxDocuments:       50,
			WatchDebounce:      2 * time.Second,
			MaxUploadBytes:     32 << 20,
		},
		Tools: tools.Config{
			Wikipedia: lookup,
			Arxiv:     lookup,
			Retriever: tools.RetrieverConfig{Enabled: true, TopK: 10, TopN: 5},
		},
		Auth:   AuthConfig{TokenExpiry: 24 * time.Hour},
		Server: ServerConfig{TraceCapacity: 500},
	}
}

// LoadFileConfig reads the YAML config at path over the defaults, then
// applies environment overrides. An empty path yields the defaults.
func LoadFileConfig(path string) (*FileConfig, error) {
	cfg := DefaultFileConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		resolvePaths(cfg, filepath.Dir(path))
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths makes relative ingest paths relative to the config file.
func resolvePaths(cfg *FileConfig, dir string) {
	for _, p := range []*string{&cfg.Ingest.IndexPath, &cfg.Ingest.DefaultDocsFolder, &cfg.Ingest.UploadedDocsFolder} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// providerEnv maps providers to the env vars holding their API keys.
var providerEnv = map[llm.Provider]string{
	llm.ProviderOpenAI:      "OPENAI_API_KEY",
	llm.ProviderGroq:        "GROQ_API_KEY",
	llm.ProviderAnthropic:   "ANTHROPIC_API_KEY",
	llm.ProviderHuggingFace: "HUGGINGFACEHUB_API_TOKEN",
}

func applyEnv(cfg *FileConfig) {
	if cfg.Models.Providers == nil {
		cfg.Models.Providers = map[string]llm.ProviderConfig{}
	}
	for p, key := range providerEnv {
		if v := os.Getenv(key); v != "" {
			pc := cfg.Models.Providers[string(p)]
			pc.APIKey = v
			cfg.Models.Providers[string(p)] = pc
		}
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		pc := cfg.Models.Providers[string(llm.ProviderOllama)]
		pc.BaseURL = v
		cfg.Models.Providers[string(llm.ProviderOllama)] = pc
	}
	if v := os.Getenv("DEFAULT_MODEL"); v != "" {
		cfg.Models.Default = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

// applyDefaults replaces zero or negative values written explicitly in the
// file.
func applyDefaults(cfg *FileConfig) {
	def := DefaultFileConfig()
	if cfg.Models.Default == "" {
		cfg.Models.Default = def.Models.Default
	}
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = def.Embeddings.Provider
	}
	if cfg.RAG.K <= 0 {
		cfg.RAG.K = def.RAG.K
	}
	if cfg.RAG.Reranker == "" {
		cfg.RAG.Reranker = def.RAG.Reranker
	}
	if cfg.RAG.RerankTopN <= 0 {
		cfg.RAG.RerankTopN = def.RAG.RerankTopN
	}
	if cfg.Agent.MaxRounds <= 0 {
		cfg.Agent.MaxRounds = def.Agent.MaxRounds
	}
	durations := []struct{ v, d *time.Duration }{
		{&cfg.Timeouts.Generator, &def.Timeouts.Generator},
		{&cfg.Timeouts.Store, &def.Timeouts.Store},
		{&cfg.Timeouts.Tool, &def.Timeouts.Tool},
		{&cfg.Timeouts.Rerank, &def.Timeouts.Rerank},
		{&cfg.Generator.RetryBackoff, &def.Generator.RetryBackoff},
		{&cfg.Generator.OpenTimeout, &def.Generator.OpenTimeout},
		{&cfg.Ingest.WatchDebounce, &def.Ingest.WatchDebounce},
		{&cfg.Auth.TokenExpiry, &def.Auth.TokenExpiry},
	}
	for _, d := range durations {
		if *d.v <= 0 {
			*d.v = *d.d
		}
	}
	if cfg.Generator.Retries < 0 {
		cfg.Generator.Retries = 0
	}
	if cfg.Generator.FailureThreshold == 0 {
		cfg.Generator.FailureThreshold = def.Generator.FailureThreshold
	}
	if cfg.Ingest.ChunkSize <= 0 {
		cfg.Ingest.ChunkSize = def.Ingest.ChunkSize
	}
	if cfg.Ingest.ChunkOverlap < 0 {
		cfg.Ingest.ChunkOverlap = 0
	}
	if cfg.Ingest.MaxDocuments <= 0 {
		cfg.Ingest.MaxDocuments = def.Ingest.MaxDocuments
	}
	if cfg.Ingest.MaxUploadBytes <= 0 {
		cfg.Ingest.MaxUploadBytes = def.Ingest.MaxUploadBytes
	}
	if cfg.Server.TraceCapacity <= 0 {
		cfg.Server.TraceCapacity = def.Server.TraceCapacity
	}
}

// Validate checks values that have no sensible fallback.
func (c *FileConfig) Validate() error {
	if _, err := llm.ParseModelID(c.Models.Default); err != nil {
		return fmt.Errorf("models.default: %w", err)
	}
	for name := range c.Models.Providers {
		if !llm.Provider(name).Valid() {
			return fmt.Errorf("models.providers: unknown provider %q", name)
		}
	}
	switch c.Embeddings.Provider {
	case "hash", "openai", "ollama":
	default:
		return fmt.Errorf("embeddings.provider: unknown provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider != "hash" && c.Embeddings.Model == "" {
		return fmt.Errorf("embeddings.model is required for provider %q", c.Embeddings.Provider)
	}
	switch c.RAG.Reranker {
	case "none", "lexical", "llm":
	default:
		return fmt.Errorf("rag.reranker: unknown reranker %q", c.RAG.Reranker)
	}
	if c.RAG.RerankModel != "" {
		if _, err := llm.ParseModelID(c.RAG.RerankModel); err != nil {
			return fmt.Errorf("rag.rerank_model: %w", err)
		}
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap (%d) must be smaller than chunk_size (%d)", c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("auth.users[%d]: username and password_hash are required", i)
		}
	}
	return nil
}

// providers converts the providers section for llm.NewFactory.
func (c *FileConfig) providers() map[llm.Provider]llm.ProviderConfig {
	out := make(map[llm.Provider]llm.ProviderConfig, len(c.Models.Providers))
	for name, pc := range c.Models.Providers {
		out[llm.Provider(name)] = pc
	}
	return out
}

func (c *FileConfig) resilience() llm.ResilienceConfig {
	return llm.ResilienceConfig{
		Timeout:          c.Timeouts.Generator,
		Retries:          c.Generator.Retries,
		Backoff:          c.Generator.RetryBackoff,
		FailureThreshold: c.Generator.FailureThreshold,
		OpenTimeout:      c.Generator.OpenTimeout,
	}
}
