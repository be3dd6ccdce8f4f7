// Package openai adapts the official OpenAI SDK to the engine interface.
// Text deltas stream through the callback; tool calls are assembled by the
// SDK accumulator and surfaced both as events and in the final result.
package openai

import (
	"context"
	"fmt"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/replystream-go/pkg/engine"
	"github.com/cexll/replystream-go/pkg/telemetry"
)

var _ engine.Engine = (*Client)(nil)

// Client wraps the official OpenAI SDK.
type Client struct {
	client    openaisdk.Client
	model     openaisdk.ChatModel
	maxTokens int
}

// New creates a client for the given model.
func New(apiKey, model string, maxTokens int) *Client {
	return NewWithBaseURL(apiKey, model, "", maxTokens)
}

// NewWithBaseURL creates a client with custom base URL support.
func NewWithBaseURL(apiKey, model, baseURL string, maxTokens int) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client:    openaisdk.NewClient(opts...),
		model:     openaisdk.ChatModel(model),
		maxTokens: maxTokens,
	}
}

// Generate streams one model turn.
func (c *Client) Generate(ctx context.Context, prompt engine.Prompt, cb engine.Callback) (_ engine.Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.openai.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "openai"),
			attribute.String("llm.model", string(c.model)),
			attribute.Bool("llm.stream", true),
			attribute.Int("llm.tools_count", len(prompt.Tools)),
		)...),
	)
	defer telemetry.EndSpan(span, err)

	params, err := buildParams(prompt, c.model, c.maxTokens)
	if err != nil {
		return engine.Result{}, err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openaisdk.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		if !acc.AddChunk(chunk) {
			return engine.Result{}, fmt.Errorf("openai: accumulate stream chunk")
		}
		if cb == nil {
			continue
		}
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta; delta.Content != "" {
				if err := cb(engine.Event{Text: delta.Content}); err != nil {
					return engine.Result{}, err
				}
			}
		}
		if finished, ok := acc.JustFinishedToolCall(); ok {
			call := engine.ToolCallRequest{
				ID:         finished.ID,
				Name:       finished.Name,
				Parameters: normalizeArguments(finished.Arguments),
			}
			if err := cb(engine.Event{ToolCall: &call}); err != nil {
				return engine.Result{}, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return engine.Result{}, fmt.Errorf("openai: stream: %w", err)
	}
	if len(acc.Choices) == 0 {
		return engine.Result{}, fmt.Errorf("openai: stream produced no choices")
	}
	return resultFromMessage(acc.Choices[0].Message)
}
