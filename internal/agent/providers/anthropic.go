// Package providers implements LLM provider integrations for the agent core.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/haasonsaas/nexus/internal/agent"
)

// AnthropicProvider implements agent.Provider against the Claude Messages API.
//
// Anthropic has no native system role: a request's system text is carried
// out-of-band as params.System, so convertAnthropicMessages pulls any RoleSystem
// messages out of the sequence before building content blocks, mirroring the
// same extraction google.go does for Gemini's SystemInstruction.
type AnthropicProvider struct {
	agent.BaseProviderCapabilities
	client       anthropic.Client
	base         BaseProvider
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider builds a provider bound to the Claude API.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	client := anthropic.NewClient(option.WithAPIKey(config.APIKey))

	return &AnthropicProvider{
		client:       client,
		base:         NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return p.base.Name() }

// Chat performs a single non-streaming completion by draining ChatStream.
func (p *AnthropicProvider) Chat(ctx context.Context, req agent.CompletionRequest) (agent.Message, agent.Usage, error) {
	chunks, err := p.ChatStream(ctx, req)
	if err != nil {
		return agent.Message{}, agent.Usage{}, err
	}
	var text string
	var calls []agent.ToolCall
	var usage agent.Usage
	for chunk := range chunks {
		switch chunk.Kind {
		case agent.ChunkText:
			text += chunk.TextDelta
		case agent.ChunkToolCallEnd:
			calls = append(calls, agent.ToolCall{ID: chunk.ToolCallID, Name: chunk.ToolCallName, Arguments: chunk.ToolCallArgs})
		case agent.ChunkDone:
			usage = chunk.Usage
		case agent.ChunkError:
			return agent.Message{}, agent.Usage{}, chunk.Err
		}
	}
	return agent.Message{Role: agent.RoleAssistant, Content: text, ToolCalls: calls}, usage, nil
}

// ChatStream streams a completion. Anthropic streams tool input as a sequence
// of content_block_start/content_block_delta/content_block_stop events, so
// each tool call is reported as ToolCallStart (on block start), one
// ToolCallDelta per input_json_delta fragment, and ToolCallEnd (on block
// stop) carrying the fully accumulated arguments.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req agent.CompletionRequest) (<-chan agent.CompletionChunk, error) {
	model := p.getModel(req.Model)

	out := make(chan agent.CompletionChunk)
	go func() {
		defer close(out)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.base.Retry(ctx, p.isRetryableError, func() error {
			s, createErr := p.createStream(ctx, req, model)
			if createErr != nil {
				return createErr
			}
			stream = s
			return nil
		})
		if err != nil {
			out <- agent.CompletionChunk{Kind: agent.ChunkError, Err: p.wrapError(err, model)}
			return
		}

		p.processStream(stream, out, model)
	}()
	return out, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req agent.CompletionRequest, model string) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, systemText, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: 4096,
	}
	if systemText != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemText}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents is the maximum number of consecutive empty events
// before a stream is treated as malformed, protecting against a flood of
// no-op events driving excessive CPU usage. Idiom grounded in
// sashabaranov/go-openai's stream_reader.
const maxEmptyStreamEvents = 300

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- agent.CompletionChunk, model string) {
	var toolCallID, toolCallName string
	var toolInput strings.Builder
	inToolCall := false
	emptyEvents := 0

	var usage agent.Usage

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolCallID = toolUse.ID
				toolCallName = toolUse.Name
				toolInput.Reset()
				inToolCall = true
				out <- agent.CompletionChunk{Kind: agent.ChunkToolCallStart, ToolCallID: toolCallID, ToolCallName: toolCallName}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- agent.CompletionChunk{Kind: agent.ChunkText, TextDelta: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					if inToolCall {
						out <- agent.CompletionChunk{Kind: agent.ChunkToolCallDelta, ToolCallID: toolCallID, ToolCallArgsDelta: delta.PartialJSON}
					}
					processed = true
				}
			}

		case "content_block_stop":
			if inToolCall {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				out <- agent.CompletionChunk{Kind: agent.ChunkToolCallEnd, ToolCallID: toolCallID, ToolCallName: toolCallName, ToolCallArgs: args}
				inToolCall = false
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			out <- agent.CompletionChunk{Kind: agent.ChunkDone, Usage: usage}
			return

		case "error":
			out <- agent.CompletionChunk{Kind: agent.ChunkError, Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				out <- agent.CompletionChunk{Kind: agent.ChunkError, Err: p.wrapError(fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEvents), model)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		out <- agent.CompletionChunk{Kind: agent.ChunkError, Err: p.wrapError(err, model)}
	}
}

// Summarize asks Claude for a terse prose summary, used by the compaction path.
func (p *AnthropicProvider) Summarize(ctx context.Context, text string) (string, error) {
	msg, _, err := p.Chat(ctx, agent.CompletionRequest{
		Model: p.defaultModel,
		Messages: []agent.CompletionMessage{
			{Role: agent.RoleSystem, Content: "Summarize the following conversation history concisely, preserving decisions, file paths, and unresolved questions."},
			{Role: agent.RoleUser, Content: text},
		},
	})
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// convertAnthropicMessages maps CompletionMessages into Anthropic MessageParams,
// pulling any RoleSystem message out as a separate system string since
// Anthropic carries system instructions out-of-band via params.System.
func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, string, error) {
	var result []anthropic.MessageParam
	var system string

	for _, msg := range messages {
		if msg.Role == agent.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += msg.Content
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		if msg.Role == agent.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if tc.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					return nil, "", fmt.Errorf("invalid tool call arguments for %q: %w", tc.Name, err)
				}
			} else {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == agent.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, system, nil
}

func convertAnthropicTools(tools []agent.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(tool.Description())
		}
		out = append(out, toolParam)
	}
	return out
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// isRetryableError classifies Anthropic errors into retryable (rate limits,
// server errors, timeouts, connection issues) and non-retryable (auth,
// malformed request) categories.
func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	retryable, _ := agent.ClassifyProviderError(err)
	return retryable
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					providerErr = providerErr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					providerErr = providerErr.WithCode(payload.Error.Type)
				}
				if requestID == "" {
					requestID = payload.RequestID
				}
			}
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}
