package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements agent.Provider against OpenAI's chat completions
// API, and doubles as the base for any OpenAI-shaped endpoint (Together,
// Groq, Fireworks, ...) that speaks the same wire format with a different
// base URL.
type OpenAIProvider struct {
	agent.BaseProviderCapabilities
	base   BaseProvider
	client *openai.Client
}

// NewOpenAIProvider builds a provider against the public OpenAI API.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		base:   NewBaseProvider("openai", 3, time.Second),
		client: openai.NewClient(apiKey),
	}
}

// NewOpenAICompatibleProvider builds a provider against an OpenAI-shaped
// endpoint at a custom base URL, for self-hosted or third-party gateways.
func NewOpenAICompatibleProvider(name, apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIProvider{
		base:   NewBaseProvider(name, 3, time.Second),
		client: openai.NewClientWithConfig(cfg),
	}
}

func (p *OpenAIProvider) Name() string { return p.base.Name() }

// Chat performs a single non-streaming completion.
func (p *OpenAIProvider) Chat(ctx context.Context, req agent.CompletionRequest) (agent.Message, agent.Usage, error) {
	if p.client == nil {
		return agent.Message{}, agent.Usage{}, errors.New("openai: client not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	err := p.base.Retry(ctx, isRetryableOpenAIError, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, chatReq)
		return callErr
	})
	if err != nil {
		return agent.Message{}, agent.Usage{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return agent.Message{}, agent.Usage{}, errors.New("openai chat: empty choices")
	}

	choice := resp.Choices[0].Message
	msg := agent.Message{Role: agent.RoleAssistant, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, agent.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	usage := agent.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	return msg, usage, nil
}

// ChatStream streams a completion, reassembling delta tool-call fragments
// (OpenAI indexes tool call deltas by array position, not id) and emitting
// ToolCallStart on first sight of an index, ToolCallDelta per fragment, and
// ToolCallEnd once the stream's finish_reason confirms the call is complete.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req agent.CompletionRequest) (<-chan agent.CompletionChunk, error) {
	if p.client == nil {
		return nil, errors.New("openai: client not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := p.base.Retry(ctx, isRetryableOpenAIError, func() error {
		var callErr error
		stream, callErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}

	chunks := make(chan agent.CompletionChunk)
	go streamOpenAI(ctx, stream, chunks)
	return chunks, nil
}

type openaiPendingCall struct {
	id, name string
	args     strings.Builder
	started  bool
}

func streamOpenAI(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- agent.CompletionChunk) {
	defer close(out)
	defer stream.Close()

	pending := make(map[int]*openaiPendingCall)
	order := make([]int, 0, 4)

	for {
		select {
		case <-ctx.Done():
			out <- agent.CompletionChunk{Kind: agent.ChunkError, Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				out <- agent.CompletionChunk{Kind: agent.ChunkDone}
				return
			}
			out <- agent.CompletionChunk{Kind: agent.ChunkError, Err: err}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			out <- agent.CompletionChunk{Kind: agent.ChunkText, TextDelta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := pending[idx]
			if !ok {
				pc = &openaiPendingCall{}
				pending[idx] = pc
				order = append(order, idx)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if !pc.started && pc.id != "" && pc.name != "" {
				pc.started = true
				out <- agent.CompletionChunk{Kind: agent.ChunkToolCallStart, ToolCallID: pc.id, ToolCallName: pc.name}
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
				if pc.started {
					out <- agent.CompletionChunk{Kind: agent.ChunkToolCallDelta, ToolCallID: pc.id, ToolCallArgsDelta: tc.Function.Arguments}
				}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls || choice.FinishReason == openai.FinishReasonFunctionCall {
			for _, idx := range order {
				pc := pending[idx]
				if pc == nil || pc.id == "" {
					continue
				}
				out <- agent.CompletionChunk{Kind: agent.ChunkToolCallEnd, ToolCallID: pc.id, ToolCallName: pc.name, ToolCallArgs: pc.args.String()}
			}
			pending = make(map[int]*openaiPendingCall)
			order = order[:0]
		}
	}
}

// Summarize asks the model for a terse prose summary of text, used by the
// compaction path's Summarizer interface.
func (p *OpenAIProvider) Summarize(ctx context.Context, text string) (string, error) {
	msg, _, err := p.Chat(ctx, agent.CompletionRequest{
		Model: "gpt-4.1-mini",
		Messages: []agent.CompletionMessage{
			{Role: agent.RoleSystem, Content: "Summarize the following conversation history concisely, preserving any decisions, file paths, and unresolved questions."},
			{Role: agent.RoleUser, Content: text},
		},
	})
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

func toOpenAIMessages(messages []agent.CompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		oaiMsg := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case agent.RoleAssistant:
			for _, tc := range m.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case agent.RoleTool:
			oaiMsg.Role = openai.ChatMessageRoleTool
			oaiMsg.ToolCallID = m.ToolCallID
		case agent.RoleUser:
			if len(m.Images) > 0 {
				parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}
				for _, img := range m.Images {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    fmt.Sprintf("data:%s;base64,%s", img.MediaType, img.Data),
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
				oaiMsg.Content = ""
				oaiMsg.MultiContent = parts
			}
		}
		out = append(out, oaiMsg)
	}
	return out
}

func toOpenAITools(tools []agent.Tool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schema,
			},
		}
	}
	return out
}

func isRetryableOpenAIError(err error) bool {
	if err == nil {
		return false
	}
	retryable, _ := agent.ClassifyProviderError(err)
	return retryable
}
