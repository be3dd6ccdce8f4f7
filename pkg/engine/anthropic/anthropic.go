// Package anthropic adapts the official Anthropic SDK to the engine
// interface, streaming text deltas as they arrive and surfacing tool-use
// blocks as tool-call requests.
package anthropic

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/replystream-go/pkg/engine"
	"github.com/cexll/replystream-go/pkg/telemetry"
)

const defaultMaxTokens = 4096

var _ engine.Engine = (*Client)(nil)

// Client wraps the official Anthropic SDK.
type Client struct {
	client    *anthropicsdk.Client
	model     anthropicsdk.Model
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
	client := anthropicsdk.NewClient(opts...)
	return &Client{
		client:    &client,
		model:     anthropicsdk.Model(model),
		maxTokens: maxTokens,
	}
}

// Generate streams one model turn. Text deltas reach cb as they arrive;
// tool-use blocks are collected from the accumulated message and returned in
// the result.
func (c *Client) Generate(ctx context.Context, prompt engine.Prompt, cb engine.Callback) (_ engine.Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.anthropic.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "anthropic"),
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

	stream := c.client.Messages.NewStreaming(ctx, params)
	message := anthropicsdk.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return engine.Result{}, fmt.Errorf("anthropic: accumulate stream: %w", err)
		}
		switch ev := event.AsAny().(type) {
		case anthropicsdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropicsdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if cb != nil {
					if err := cb(engine.Event{Text: delta.Text}); err != nil {
						return engine.Result{}, err
					}
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return engine.Result{}, fmt.Errorf("anthropic: stream: %w", err)
	}

	return resultFromMessage(message), nil
}
