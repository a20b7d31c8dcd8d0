// Package providers contains LLM provider implementations.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/agent"
)

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// OllamaProvider implements agent.Provider against a local Ollama server's
// /api/chat endpoint. Unlike the hosted providers, a model here may not
// support tool calling at all; a 400 response when tools were supplied is
// retried once without tools rather than treated as a hard failure, since
// the local model itself (not the request shape) is the actual problem.
type OllamaProvider struct {
	agent.BaseProviderCapabilities
	client       *http.Client
	baseURL      string
	defaultModel string
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaProvider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

// Chat performs a single non-streaming completion by draining ChatStream.
func (p *OllamaProvider) Chat(ctx context.Context, req agent.CompletionRequest) (agent.Message, agent.Usage, error) {
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

// ChatStream streams a chat completion from /api/chat. A model that rejects
// tool definitions with HTTP 400 is retried exactly once without tools.
func (p *OllamaProvider) ChatStream(ctx context.Context, req agent.CompletionRequest) (<-chan agent.CompletionChunk, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewProviderError("ollama", req.Model, errors.New("model is required"))
	}

	resp, err := p.postChat(ctx, model, req, true)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && perr.Status == http.StatusBadRequest && len(req.Tools) > 0 {
			resp, err = p.postChat(ctx, model, req, false)
		}
		if err != nil {
			return nil, err
		}
	}

	chunks := make(chan agent.CompletionChunk)
	go p.streamResponse(ctx, resp.Body, chunks, model)
	return chunks, nil
}

func (p *OllamaProvider) postChat(ctx context.Context, model string, req agent.CompletionRequest, withTools bool) (*http.Response, error) {
	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildOllamaMessages(req),
	}
	if withTools && len(req.Tools) > 0 {
		payload.Tools = toOpenAITools(req.Tools)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewProviderError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}

	url := p.baseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, NewProviderError("ollama", model, fmt.Errorf("ollama status %d (read body failed: %w)", resp.StatusCode, readErr)).WithStatus(resp.StatusCode)
		}
		return nil, NewProviderError("ollama", model, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}
	return resp, nil
}

func (p *OllamaProvider) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- agent.CompletionChunk, model string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 1024*64)
	scanner.Buffer(buf, 1024*1024)

	emitted := map[string]struct{}{}
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- agent.CompletionChunk{Kind: agent.ChunkError, Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- agent.CompletionChunk{Kind: agent.ChunkError, Err: NewProviderError("ollama", model, fmt.Errorf("decode response: %w", err))}
			return
		}
		if resp.Error != "" {
			out <- agent.CompletionChunk{Kind: agent.ChunkError, Err: NewProviderError("ollama", model, errors.New(resp.Error))}
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- agent.CompletionChunk{Kind: agent.ChunkText, TextDelta: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = toolCallKey(tc)
					if callID == "" {
						callID = uuid.NewString()
					}
				}
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}
				args := tc.Function.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				out <- agent.CompletionChunk{Kind: agent.ChunkToolCallStart, ToolCallID: callID, ToolCallName: strings.TrimSpace(tc.Function.Name)}
				out <- agent.CompletionChunk{Kind: agent.ChunkToolCallEnd, ToolCallID: callID, ToolCallName: strings.TrimSpace(tc.Function.Name), ToolCallArgs: string(args)}
			}
		}
		if resp.Done {
			out <- agent.CompletionChunk{Kind: agent.ChunkDone, Usage: agent.Usage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- agent.CompletionChunk{Kind: agent.ChunkError, Err: NewProviderError("ollama", model, err)}
	}
}

// Summarize asks the local model for a terse prose summary.
func (p *OllamaProvider) Summarize(ctx context.Context, text string) (string, error) {
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

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []any               `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(req agent.CompletionRequest) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(req.Messages))
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case agent.RoleAssistant:
			ollamaMsg := ollamaChatMessage{Role: "assistant", Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				ollamaMsg.ToolCalls = make([]ollamaToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					args := json.RawMessage(tc.Arguments)
					if len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					ollamaMsg.ToolCalls[i] = ollamaToolCall{
						ID:       tc.ID,
						Type:     "function",
						Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
					}
				}
			}
			messages = append(messages, ollamaMsg)
		case agent.RoleTool:
			messages = append(messages, ollamaChatMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: toolNames[msg.ToolCallID],
			})
		default:
			role := string(msg.Role)
			if role == "" {
				role = "user"
			}
			messages = append(messages, ollamaChatMessage{Role: role, Content: msg.Content})
		}
	}
	return messages
}

func toolCallKey(tc ollamaToolCall) string {
	if strings.TrimSpace(tc.ID) != "" {
		return strings.TrimSpace(tc.ID)
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
