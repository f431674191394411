package backend

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/williamcory/chatstream/stream"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = anthropic.Model("claude-sonnet-4-5-20250929")

// AnthropicResponder answers by streaming from the Anthropic Messages API.
type AnthropicResponder struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
}

// NewAnthropicResponder builds a responder. With an empty apiKey the SDK
// falls back to ANTHROPIC_API_KEY.
func NewAnthropicResponder(apiKey string, model anthropic.Model, opts ...option.RequestOption) *AnthropicResponder {
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicResponder{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: 2048,
		system:    "You are a helpful workplace assistant. Answer concisely in markdown.",
	}
}

// Respond implements Responder.
func (r *AnthropicResponder) Respond(ctx context.Context, q Query, w EventWriter) error {
	if err := w.Status("Thinking"); err != nil {
		return err
	}

	agent := q.Agent
	method := "explicit"
	if agent == "" {
		agent, method = "Claude", "direct"
	}
	if err := w.Routing(stream.RoutingMetadata{
		SelectedAgent: agent,
		Confidence:    1,
		Intent:        "general",
		RoutingMethod: method,
	}); err != nil {
		return err
	}

	s := r.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: r.system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(q.Text)),
		},
	})
	defer s.Close()

	model := string(r.model)
	reported := false
	for s.Next() {
		switch ev := s.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			if ev.Message.Model != "" {
				model = string(ev.Message.Model)
			}
		case anthropic.ContentBlockDeltaEvent:
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			m := ""
			if !reported {
				m, reported = model, true
			}
			if err := w.Delta(delta.Text, m); err != nil {
				return err
			}
		}
	}
	if err := s.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.Error(fmt.Sprintf("The model request failed: %v", err))
	}
	return nil
}
