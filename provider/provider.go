package provider

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/karzina/config"
	"github.com/mohammad-safakhou/karzina/models"
	openai_provider "github.com/mohammad-safakhou/karzina/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// Provider is the interface the engine consumes for all conversational and
// decision-making calls.
type Provider interface {
	// Chat sends a conversation (optionally with callable tools) and returns
	// the assistant's reply. Text deltas are streamed through onDelta as they
	// arrive when it is non-nil.
	Chat(ctx context.Context, messages []models.Message, tools []models.Tool, onDelta func(string)) (models.ChatResult, error)

	// SupportsToolCalling reports whether the provider can emit structured
	// tool calls; without it the engine falls back to free-text JSON parsing.
	SupportsToolCalling() bool
}

// NewProvider creates an LLM client based on the provided configuration.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch Client(cfg.Type) {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key not set")
		}
		return openai_provider.NewClient(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens, cfg.Timeout), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
