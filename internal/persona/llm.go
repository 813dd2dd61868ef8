// ABOUTME: CompletionProvider backed by a langchaingo model
// ABOUTME: Supports OpenAI-compatible endpoints and Ollama

package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ModelConfig selects and configures a backend.
type ModelConfig struct {
	Backend     string // "openai" or "ollama"
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

// NewModel builds the langchaingo model for cfg.
func NewModel(cfg ModelConfig) (llms.Model, error) {
	switch strings.ToLower(cfg.Backend) {
	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithToken(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating openai model: %w", err)
		}
		return model, nil
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating ollama model: %w", err)
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unknown completion backend %q", cfg.Backend)
	}
}

// LLMProvider adapts an llms.Model to CompletionProvider.
type LLMProvider struct {
	model llms.Model
	opts  []llms.CallOption
}

// NewLLMProvider wraps model. Temperature and token limits come from cfg.
func NewLLMProvider(model llms.Model, cfg ModelConfig) *LLMProvider {
	var opts []llms.CallOption
	if cfg.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(cfg.Temperature))
	}
	if cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(cfg.MaxTokens))
	}
	return &LLMProvider{model: model, opts: opts}
}

// Complete sends the history and returns the first choice.
func (p *LLMProvider) Complete(ctx context.Context, turns []Turn) (string, error) {
	messages := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, llms.TextParts(messageType(t.Role), t.Text))
	}

	resp, err := p.model.GenerateContent(ctx, messages, p.opts...)
	if err != nil {
		return "", fmt.Errorf("generating completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

func messageType(r Role) llms.ChatMessageType {
	switch r {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

var _ CompletionProvider = (*LLMProvider)(nil)
