package agent

import "time"

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Image is a base64-encoded attachment carried on a User message.
type Image struct {
	Data      string `json:"data"`
	MediaType string `json:"media_type"`
}

// ToolCall is a provider-issued invocation of a named tool with JSON-encoded arguments.
// The ID is opaque and chosen by the provider; the core threads it verbatim back through
// the Tool message that carries the result.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a single role-tagged record in a Session's history.
//
// Invariant: a Tool message's ToolCallID must reference an entry in ToolCalls of the
// immediately preceding Assistant message.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Images     []Image    `json:"images,omitempty"`
}

// Usage accumulates token counts returned by a provider response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// SearchStats tracks memory/web search activity for a session.
type SearchStats struct {
	Since            time.Time `json:"since"`
	Provider         string    `json:"provider,omitempty"`
	TotalQueries     int       `json:"total_queries"`
	CachedHits       int       `json:"cached_hits"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
}
