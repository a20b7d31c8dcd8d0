// Package providers implements LLM provider integrations for the agent core.
package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"google.golang.org/genai"
)

// GoogleProvider implements agent.Provider against the Gemini API.
//
// Gemini has no native "system" role: a request's system text is carried
// out-of-band as SystemInstruction, and Gemini's "tool" equivalent messages
// are function_call/function_response parts embedded in user/model turns
// rather than a dedicated role, so convertMessages folds our RoleTool
// messages back into the preceding turn's shape Gemini expects.
type GoogleProvider struct {
	agent.BaseProviderCapabilities
	client       *genai.Client
	base         BaseProvider
	defaultModel string
}

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewGoogleProvider builds a provider bound to the Gemini API.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		base:         NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *GoogleProvider) Name() string { return p.base.Name() }

// Chat performs a single non-streaming completion by draining ChatStream.
func (p *GoogleProvider) Chat(ctx context.Context, req agent.CompletionRequest) (agent.Message, agent.Usage, error) {
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

// ChatStream streams a completion. Gemini emits a function call as a whole
// Part, never incrementally, so each one is reported as an immediate
// ToolCallStart followed by its ToolCallEnd.
func (p *GoogleProvider) ChatStream(ctx context.Context, req agent.CompletionRequest) (<-chan agent.CompletionChunk, error) {
	model := p.getModel(req.Model)
	contents, systemText := p.convertMessages(req.Messages)
	config := p.buildConfig(systemText, req)

	out := make(chan agent.CompletionChunk)
	go func() {
		defer close(out)

		err := p.base.Retry(ctx, p.isRetryableError, func() error {
			streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			return p.drainStream(ctx, streamIter, out)
		})
		if err != nil {
			out <- agent.CompletionChunk{Kind: agent.ChunkError, Err: p.wrapError(err, model)}
			return
		}
		out <- agent.CompletionChunk{Kind: agent.ChunkDone}
	}()
	return out, nil
}

func (p *GoogleProvider) drainStream(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], out chan<- agent.CompletionChunk) error {
	var streamErr error
	streamIter(func(resp *genai.GenerateContentResponse, err error) bool {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			return false
		default:
		}
		if err != nil {
			streamErr = err
			return false
		}
		if resp == nil {
			return true
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					out <- agent.CompletionChunk{Kind: agent.ChunkText, TextDelta: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					id := generateToolCallID(part.FunctionCall.Name)
					out <- agent.CompletionChunk{Kind: agent.ChunkToolCallStart, ToolCallID: id, ToolCallName: part.FunctionCall.Name}
					out <- agent.CompletionChunk{Kind: agent.ChunkToolCallEnd, ToolCallID: id, ToolCallName: part.FunctionCall.Name, ToolCallArgs: string(argsJSON)}
				}
			}
		}
		if resp.UsageMetadata != nil {
			streamErr = nil
		}
		return true
	})
	return streamErr
}

// Summarize asks Gemini for a terse prose summary, used by the compaction path.
func (p *GoogleProvider) Summarize(ctx context.Context, text string) (string, error) {
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

// convertMessages maps CompletionMessages into Gemini Contents, pulling any
// RoleSystem message out as a separate system-instruction string per
// Gemini's out-of-band system convention.
func (p *GoogleProvider) convertMessages(messages []agent.CompletionMessage) ([]*genai.Content, string) {
	var result []*genai.Content
	var system string

	for _, msg := range messages {
		if msg.Role == agent.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += msg.Content
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case agent.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, img := range msg.Images {
			data, err := base64.StdEncoding.DecodeString(img.Data)
			if err == nil {
				content.Parts = append(content.Parts, &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: img.MediaType}})
			}
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args}})
		}

		if msg.Role == agent.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Role = genai.RoleUser
			content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				Name:     toolNameForCallID(msg.ToolCallID, messages),
				Response: response,
			}})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, system
}

func (p *GoogleProvider) buildConfig(systemText string, req agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if systemText != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemText}}}
	}
	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}
	return config
}

func toGeminiTools(tools []agent.Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 tool.Name(),
			Description:          tool.Description(),
			ParametersJsonSchema: schemaMap,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func (p *GoogleProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *GoogleProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	retryable, _ := agent.ClassifyProviderError(err)
	return retryable
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	providerErr := NewProviderError("google", model, err)
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401"), strings.Contains(errMsg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403"), strings.Contains(errMsg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "404"), strings.Contains(errMsg, "not found"):
		providerErr = providerErr.WithStatus(http.StatusNotFound)
	case strings.Contains(errMsg, "429"), strings.Contains(errMsg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "500"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(errMsg, "503"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	}
	return providerErr
}

// generateToolCallID synthesizes an id for a Gemini function call, which
// natively carries none.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// toolNameForCallID recovers a tool's name from an earlier ToolCalls entry
// matching id, falling back to parsing generateToolCallID's own format.
func toolNameForCallID(id string, messages []agent.CompletionMessage) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == id {
				return tc.Name
			}
		}
	}
	rest := strings.TrimPrefix(id, "call_")
	if rest != id {
		if i := strings.LastIndex(rest, "_"); i > 0 {
			return rest[:i]
		}
	}
	return ""
}
