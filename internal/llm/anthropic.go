package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
)

const defaultAnthropicModel = "claude-3-haiku-20240307"

type AnthropicConfig struct {
	// BaseURL overrides the API root, including the version segment (".../v1").
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type AnthropicClient struct {
	client      *anthropic.Client
	model       string
	temperature float32
}

func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []anthropic.ClientOption{anthropic.WithHTTPClient(&http.Client{Timeout: timeout})}
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		client:      anthropic.NewClient(apiKey, opts...),
		model:       model,
		temperature: float32(cfg.Temperature),
	}, nil
}

func (c *AnthropicClient) Model() string {
	return c.model
}

func (c *AnthropicClient) Complete(ctx context.Context, prompt Prompt) (string, error) {
	maxTokens := prompt.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	user := prompt.User
	temperature := c.temperature

	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:       anthropic.Model(c.model),
		MaxTokens:   maxTokens,
		System:      prompt.System,
		Temperature: &temperature,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				{Type: "text", Text: &user},
			}},
		},
	})
	if err != nil {
		err = fmt.Errorf("create message: %w", err)
		if ctx.Err() == nil && retryableAnthropicError(err) {
			return "", transient(err)
		}
		return "", err
	}

	text := strings.TrimSpace(extractText(resp))
	if text == "" {
		return "", fmt.Errorf("model returned empty text")
	}
	return text, nil
}

func extractText(resp anthropic.MessagesResponse) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			b.WriteString(*block.Text)
		}
	}
	return b.String()
}

func retryableAnthropicError(err error) bool {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRateLimitErr() || apiErr.IsOverloadedErr() || apiErr.IsApiErr()
	}
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.StatusCode)
	}
	// Transport failures carry neither error type.
	return true
}
