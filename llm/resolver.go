package llm

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/apperr"
)

// ProviderConfig holds credentials and endpoint for one provider.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// DefaultBaseURLs are used when a provider has no base_url configured.
// Anthropic is absent: the SDK knows its own endpoint.
var DefaultBaseURLs = map[Provider]string{
	ProviderOpenAI:      "https://api.openai.com/v1",
	ProviderGroq:        "https://api.groq.com/openai/v1",
	ProviderOllama:      "http://localhost:11434/v1",
	ProviderHuggingFace: "https://router.huggingface.co/v1",
}

// MaxCachedClients bounds the factory's client cache. Model ids come from
// request bodies, so the least recently used client is dropped past it.
const MaxCachedClients = 64

// Factory resolves "provider:model" ids into ready clients. Clients are
// built once per id and reused, so each model keeps its own breaker.
type Factory struct {
	providers  map[Provider]ProviderConfig
	resilience ResilienceConfig
	log        *zap.Logger

	// OnResult is installed on every Resilient client the factory builds.
	OnResult func(outcome string)

	mu      sync.Mutex
	clients *lru.Cache[ModelID, Client]

	// build is replaceable in tests.
	build func(id ModelID, pc ProviderConfig) (Client, error)
}

// NewFactory creates a Factory.
func NewFactory(providers map[Provider]ProviderConfig, res ResilienceConfig, log *zap.Logger) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Factory{
		providers:  providers,
		resilience: res,
		log:        log,
	}
	f.setCacheSize(MaxCachedClients)
	f.build = buildClient
	return f
}

// Client returns the resilient client for a model id such as
// "openai:gpt-4o-mini". A malformed id is apperr.ErrInvalidInput.
func (f *Factory) Client(modelID string) (Client, ModelID, error) {
	id, err := ParseModelID(modelID)
	if err != nil {
		return nil, ModelID{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients.Get(id); ok {
		return c, id, nil
	}

	pc := f.providers[id.Provider]
	if pc.BaseURL == "" {
		pc.BaseURL = DefaultBaseURLs[id.Provider]
	}
	base, err := f.build(id, pc)
	if err != nil {
		return nil, id, err
	}
	r := NewResilient(base, id.String(), f.resilience, f.log)
	r.OnResult = f.OnResult
	f.clients.Add(id, r)
	f.log.Info("generator client created", zap.String("model", id.String()))
	return r, id, nil
}

func (f *Factory) setCacheSize(n int) {
	cache, err := lru.NewWithEvict(n, func(id ModelID, _ Client) {
		f.log.Debug("generator client evicted", zap.String("model", id.String()))
	})
	if err != nil {
		// only for n <= 0
		panic(err)
	}
	f.clients = cache
}

func buildClient(id ModelID, pc ProviderConfig) (Client, error) {
	switch id.Provider {
	case ProviderOllama:
		return NewOpenAIClient(pc.BaseURL, "ollama", id.Name).As(id.Provider), nil
	case ProviderOpenAI, ProviderGroq, ProviderHuggingFace:
		if pc.APIKey == "" {
			return nil, fmt.Errorf("%w: %s provider has no api key configured", apperr.ErrGeneratorUnavailable, id.Provider)
		}
		return NewOpenAIClient(pc.BaseURL, pc.APIKey, id.Name).As(id.Provider), nil
	case ProviderAnthropic:
		if pc.APIKey == "" {
			return nil, fmt.Errorf("%w: anthropic provider has no api key configured", apperr.ErrGeneratorUnavailable)
		}
		return NewAnthropicClient(pc.APIKey, pc.BaseURL, id.Name), nil
	default:
		return nil, apperr.Invalid("Invalid model: %s", id)
	}
}
