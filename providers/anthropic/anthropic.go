// Package anthropic implements core/provider.Provider against the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fabiotheo/mcp-terminal/core/provider"
)

// Config holds construction parameters for the Anthropic client.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Provider implements provider.Provider against Claude's Messages API.
type Provider struct {
	client       sdk.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// New builds an Anthropic provider, filling in defaults for anything the
// caller left zero-valued.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       sdk.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *Provider) model(req provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *Provider) maxTokens(req provider.Request) int64 {
	if req.MaxTokens <= 0 {
		return 4096
	}
	return int64(req.MaxTokens)
}

// Send implements provider.Provider. It retries stream creation with
// exponential backoff on transient failures (rate limits, 5xx, timeouts,
// connection errors), matching the teacher's Complete() retry loop.
func (p *Provider) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		stream = p.client.Messages.NewStreaming(ctx, params)
		if stream.Err() == nil {
			break
		}
		err = stream.Err()
		if !isRetryable(err) || attempt == p.maxRetries {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return &streamIterator{stream: stream}, nil
}

// ListModels implements provider.Provider with the static catalogue of
// current Claude models (no live model-list endpoint on this API).
func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return []provider.ModelInfo{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextWindow: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextWindow: 200000},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextWindow: 200000},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextWindow: 200000},
	}, nil
}

func (p *Provider) buildParams(req provider.Request) (sdk.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, fmt.Errorf("convert messages: %w", err)
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model(req)),
		Messages:  messages,
		MaxTokens: p.maxTokens(req),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	switch req.ToolChoice {
	case "any":
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	case "none":
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfNone: &sdk.ToolChoiceNoneParam{}}
	}

	return params, nil
}

func convertMessages(messages []provider.Message) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	for _, msg := range messages {
		var content []sdk.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, sdk.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, sdk.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, sdk.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
		}

		if msg.Role == provider.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(content...))
		} else {
			out = append(out, sdk.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertTools(tools []provider.ToolDefinition) []sdk.ToolUnionParam {
	var out []sdk.ToolUnionParam
	for _, t := range tools {
		schema := sdk.ToolInputSchemaParam{
			Properties: t.InputSchema["properties"],
		}
		if required, ok := t.InputSchema["required"].([]string); ok {
			schema.Required = required
		}
		toolParam := sdk.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, toolParam)
	}
	return out
}

// isRetryable classifies transient failures the way the teacher's
// isRetryableError does: rate limits, 5xx, timeouts, connection errors.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// streamIterator adapts the SDK's SSE stream to provider.StreamIterator.
// Grounded on the teacher's processStream: consumes content_block_start /
// content_block_delta / content_block_stop / message_delta, tracking the
// open tool_use block's ID so EventToolEnd can carry it.
type streamIterator struct {
	stream            *ssestream.Stream[sdk.MessageStreamEventUnion]
	openToolCallID    string
	pendingInputToken int
}

func (it *streamIterator) Next() (provider.StreamChunk, error) {
	for it.stream.Next() {
		event := it.stream.Current()

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			it.pendingInputToken = int(ms.Message.Usage.InputTokens)

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			if cbs.ContentBlock.Type == "tool_use" {
				tu := cbs.ContentBlock.AsToolUse()
				it.openToolCallID = tu.ID
				return provider.StreamChunk{Event: provider.EventToolStart, ToolCallID: tu.ID, ToolName: tu.Name}, nil
			}

		case "content_block_delta":
			cbd := event.AsContentBlockDelta()
			switch cbd.Delta.Type {
			case "text_delta":
				if cbd.Delta.Text != "" {
					return provider.StreamChunk{Event: provider.EventTextDelta, Text: cbd.Delta.Text}, nil
				}
			case "input_json_delta":
				if cbd.Delta.PartialJSON != "" {
					return provider.StreamChunk{Event: provider.EventToolDelta, ToolCallID: it.openToolCallID, InputDelta: cbd.Delta.PartialJSON}, nil
				}
			}

		case "content_block_stop":
			if it.openToolCallID != "" {
				id := it.openToolCallID
				it.openToolCallID = ""
				return provider.StreamChunk{Event: provider.EventToolEnd, ToolCallID: id}, nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			return provider.StreamChunk{
				Event:      provider.EventMessageStop,
				StopReason: string(md.Delta.StopReason),
				Usage: &provider.Usage{
					InputTokens:  it.pendingInputToken,
					OutputTokens: int(md.Usage.OutputTokens),
				},
			}, nil

		case "message_stop":
			// Already surfaced as EventMessageStop on the preceding
			// message_delta; nothing further to emit.
		}
	}

	if err := it.stream.Err(); err != nil {
		return provider.StreamChunk{}, fmt.Errorf("anthropic: stream error: %w", err)
	}
	return provider.StreamChunk{}, io.EOF
}

func (it *streamIterator) Close() error {
	return it.stream.Close()
}
