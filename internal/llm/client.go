// Package llm wraps the chat-completion provider behind a small JSON
// completion interface. Every pipeline stage that calls a model goes
// through here, so retry and output coercion live in one place.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"schemaflow/internal/config"
	"schemaflow/internal/retry"
)

// Completer produces a JSON document for a system/user prompt pair and
// decodes it into out. Implementations must treat malformed model output
// as a failure, never as a partial result.
type Completer interface {
	CompleteJSON(ctx context.Context, system, user string, out any) error
}

// Client is the OpenAI-compatible Completer. It works against any
// endpoint speaking the OpenAI chat API, which covers the hosted API and
// local inference gateways alike.
type Client struct {
	model       llms.Model
	policy      retry.Policy
	temperature float64
	maxTokens   int
	logger      *zap.Logger
}

// New builds a Client from config. The API key may be empty when the
// endpoint does not enforce auth; the underlying client still requires a
// token value.
func New(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	apiKey := cfg.APIKey()
	if apiKey == "" {
		apiKey = "placeholder"
	}
	model, err := openai.New(
		openai.WithBaseURL(cfg.LLM.BaseURL),
		openai.WithModel(cfg.LLM.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return &Client{
		model: model,
		policy: retry.Policy{
			MaxAttempts: cfg.LLM.MaxAttempts,
			Delay:       time.Duration(cfg.LLM.RetryDelaySeconds * float64(time.Second)),
		},
		temperature: cfg.LLM.Temperature,
		maxTokens:   cfg.LLM.MaxTokens,
		logger:      logger,
	}, nil
}

// CompleteJSON asks the model for a JSON document and unmarshals it into
// out. Transport errors and malformed output are retried with a slightly
// higher temperature each attempt, which shakes the model out of repeating
// the same broken completion.
func (c *Client) CompleteJSON(ctx context.Context, system, user string, out any) error {
	return c.policy.Do(ctx, func(attempt int) error {
		temp := c.temperature + 0.1*float64(attempt)
		if temp > 0.5 {
			temp = 0.5
		}
		if attempt > 0 {
			c.logger.Info("retrying completion",
				zap.Int("attempt", attempt+1),
				zap.Float64("temperature", temp))
		}
		resp, err := c.model.GenerateContent(ctx,
			[]llms.MessageContent{
				llms.TextParts(llms.ChatMessageTypeSystem, system),
				llms.TextParts(llms.ChatMessageTypeHuman, user),
			},
			llms.WithTemperature(temp),
			llms.WithMaxTokens(c.maxTokens),
			llms.WithJSONMode(),
		)
		if err != nil {
			return fmt.Errorf("completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}
		raw := StripFences(resp.Choices[0].Content)
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return fmt.Errorf("decode completion: %w", err)
		}
		return nil
	})
}

// StripFences removes a markdown code fence wrapper, with or without a
// language tag. Some models fence their JSON even in JSON mode.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		first := strings.TrimSpace(s[:i])
		if first == "" || isLangTag(first) {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isLangTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
