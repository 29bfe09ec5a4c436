package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

const defaultMaxTokens = 16384

// AnthropicRunner executes turns directly against the Anthropic Messages
// API instead of a local CLI. Each turn is a single request: system prompt
// as the system parameter, user prompt as the sole message.
type AnthropicRunner struct {
	client anthropic.Client
	model  anthropic.Model
	logger *slog.Logger
}

// NewAnthropicRunner builds an API-backed runner. The client reads
// ANTHROPIC_API_KEY from the environment.
func NewAnthropicRunner(model string, logger *slog.Logger) *AnthropicRunner {
	return &AnthropicRunner{
		client: anthropic.NewClient(),
		model:  anthropic.Model(model),
		logger: logger,
	}
}

// Invoke sends one message round trip and returns the concatenated text
// blocks of the reply.
func (r *AnthropicRunner) Invoke(ctx context.Context, inv Invocation) (string, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	model := r.model
	if inv.Engine != "" {
		model = anthropic.Model(inv.Engine)
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(inv.User)),
		},
	}
	if inv.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: inv.System,
			Type: "text",
		}}
	}

	start := time.Now()
	r.logger.Info("invoking messages API", "model", string(model))

	resp, err := r.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("messages API call failed: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", ErrEmptyOutput
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	if strings.TrimSpace(text.String()) == "" {
		return "", ErrEmptyOutput
	}

	r.logger.Info("messages API completed",
		"elapsed", time.Since(start),
		"stop_reason", string(resp.StopReason))
	return text.String(), nil
}
