package tools

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/agent"
	"github.com/RoboMaroof/ragserver/metrics"
	"github.com/RoboMaroof/ragserver/rag"
	"github.com/RoboMaroof/ragserver/rerank"
)

// LookupConfig configures the wikipedia and arxiv tools.
type LookupConfig struct {
	Enabled       bool    `yaml:"enabled"`
	BaseURL       string  `yaml:"base_url"`
	TopK          int     `yaml:"top_k"`
	MaxChars      int     `yaml:"max_chars"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// RetrieverConfig configures vector_retriever.
type RetrieverConfig struct {
	Enabled bool `yaml:"enabled"`
	TopK    int  `yaml:"top_k"`
	TopN    int  `yaml:"top_n"`
}

// RemoteConfig declares one callback-backed tool.
type RemoteConfig struct {
	Name          string  `yaml:"name"`
	Description   string  `yaml:"description"`
	CallbackURL   string  `yaml:"callback_url"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Config is the tools section of the config file.
type Config struct {
	Wikipedia LookupConfig    `yaml:"wikipedia"`
	Arxiv     LookupConfig    `yaml:"arxiv"`
	Retriever RetrieverConfig `yaml:"retriever"`
	Remote    []RemoteConfig  `yaml:"remote"`
}

// Deps are the shared components tools are built on.
type Deps struct {
	Store    rag.Searcher
	Reranker rerank.Reranker // optional
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// NewRegistry builds the tool registry once at startup, in the order
// wikipedia, arxiv, vector_retriever, then remote tools.
func NewRegistry(cfg Config, deps Deps) (*agent.ToolRegistry, error) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	reg := agent.NewToolRegistry()
	var tools []agent.Tool

	if cfg.Wikipedia.Enabled {
		w := cfg.Wikipedia
		tools = append(tools, WithRateLimit(NewWikipedia(w.BaseURL, w.TopK, w.MaxChars), w.RatePerSecond, w.Burst))
	}
	if cfg.Arxiv.Enabled {
		a := cfg.Arxiv
		tools = append(tools, WithRateLimit(NewArxiv(a.BaseURL, a.TopK, a.MaxChars), a.RatePerSecond, a.Burst))
	}
	if cfg.Retriever.Enabled {
		if deps.Store == nil {
			return nil, fmt.Errorf("vector_retriever enabled without a store")
		}
		tools = append(tools, NewRetriever(deps.Store, deps.Reranker, cfg.Retriever.TopK, deps.Metrics, deps.Log))
	}
	for _, rc := range cfg.Remote {
		if rc.Name == "" || rc.CallbackURL == "" {
			return nil, fmt.Errorf("remote tool needs name and callback_url")
		}
		tools = append(tools, WithRateLimit(NewRemote(rc.Name, rc.Description, rc.CallbackURL), rc.RatePerSecond, rc.Burst))
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	deps.Log.Info("tools registered", zap.Strings("tools", reg.List()))
	return reg, nil
}
