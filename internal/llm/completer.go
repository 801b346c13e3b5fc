// Package llm adapts hosted text-generation services to a single prompt-in, text-out interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hellio/hrchat/internal/config"
)

// ErrTransient marks failures worth retrying: rate limits, overload and upstream 5xx responses.
var ErrTransient = errors.New("transient text generation failure")

type Prompt struct {
	// Purpose labels metrics and logs, for example "classify", "generate_sql" or "answer".
	Purpose   string
	System    string
	User      string
	MaxTokens int
}

type Completer interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

type CompleterFunc func(ctx context.Context, prompt Prompt) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}

// FromConfig builds the configured provider client wrapped in the retry policy.
func FromConfig(cfg config.AIConfig) (Completer, error) {
	var (
		client Completer
		err    error
	)
	switch cfg.Provider {
	case config.ProviderOpenAI:
		client, err = NewOpenAIClient(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	case config.ProviderAnthropic:
		client, err = NewAnthropicClient(AnthropicConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s client: %w", cfg.Provider, err)
	}
	return NewRetrying(client, cfg.MaxRetries, cfg.RetryBackoff), nil
}

// StripCodeFence removes a markdown code fence and a leading "sql" language tag from model output.
func StripCodeFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if len(trimmed) >= 3 && strings.EqualFold(trimmed[:3], "sql") {
		rest := trimmed[3:]
		if rest == "" || rest[0] == '\n' || rest[0] == '\r' || rest[0] == ' ' || rest[0] == '\t' || rest[0] == ':' {
			trimmed = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
		}
	}
	return trimmed
}

func transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
