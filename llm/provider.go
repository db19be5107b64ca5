package llm

import (
	"strings"

	"github.com/RoboMaroof/ragserver/apperr"
)

// Provider is the enumerated backend tag of a model id.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderGroq        Provider = "groq"
	ProviderOllama      Provider = "ollama"
	ProviderAnthropic   Provider = "anthropic"
	ProviderHuggingFace Provider = "huggingface"
)

// Providers lists every supported provider tag.
var Providers = []Provider{ProviderOpenAI, ProviderGroq, ProviderOllama, ProviderAnthropic, ProviderHuggingFace}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// ModelID is a parsed "provider:model" identifier.
type ModelID struct {
	Provider Provider
	Name     string
}

func (m ModelID) String() string {
	return string(m.Provider) + ":" + m.Name
}

// ParseModelID splits "provider:model". Only the first colon separates the
// provider, so "ollama:llama3.1:8b" names model "llama3.1:8b".
func ParseModelID(s string) (ModelID, error) {
	provider, name, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || name == "" {
		return ModelID{}, apperr.Invalid("Invalid model: %s", s)
	}
	p := Provider(strings.ToLower(provider))
	if !p.Valid() {
		return ModelID{}, apperr.Invalid("Invalid model: %s", s)
	}
	return ModelID{Provider: p, Name: name}, nil
}
