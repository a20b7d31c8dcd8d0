package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

// taskPrompts gives each spawn_agent task type a specialist system-prompt
// prefix, grounded on the four task kinds the runtime loop exposes.
var taskPrompts = map[string]string{
	"explore":   "You are a focused exploration sub-agent. Investigate the codebase or data to answer the question precisely, citing concrete file paths and evidence. Do not make changes.",
	"plan":      "You are a planning sub-agent. Produce a concrete, ordered plan for the requested work, calling out risks and open questions. Do not make changes.",
	"implement": "You are an implementation sub-agent. Make the requested change directly using the tools available to you, then summarize what changed.",
	"analyze":   "You are an analysis sub-agent. Examine the given material and report findings, trade-offs, or a verdict. Do not make changes unless asked to.",
}

const (
	maxSpawnDepth = 1
	// MaxIterations is the iteration cap a LoopFactory should configure for
	// the sub-agent's own Loop, distinct from the parent's cap.
	MaxIterations = 20
)

// Result is what a completed sub-agent call returns, per the spawn_agent
// contract: a summary, optional fuller details, an error on failure, and its
// own token usage for the caller to fold into accounting.
type Result struct {
	Success bool        `json:"success"`
	Summary string      `json:"summary"`
	Details string      `json:"details,omitempty"`
	Error   string      `json:"error,omitempty"`
	Usage   agent.Usage `json:"usage"`
}

// LoopFactory builds a fresh, independently configured turn loop for a
// sub-agent invocation: its own provider, its own tool registry restricted to
// the safe subset (no further spawn_agent), and its own iteration cap.
type LoopFactory func(ctx context.Context) (*agent.Loop, error)

// depthKey is the context key tracking how many spawn_agent calls deep the
// current execution is, used to enforce maxSpawnDepth.
type depthKey struct{}

// WithDepth returns a context recording the current spawn depth, read by
// AgentTool.Execute to refuse delegating past maxSpawnDepth.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

func depthOf(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// AgentTool implements the spawn_agent built-in: run a short-lived, depth-
// capped sub-agent synchronously and return its final answer.
type AgentTool struct {
	newLoop LoopFactory
}

// NewAgentTool builds a spawn_agent tool. newLoop is called once per
// invocation to construct an isolated Loop for the sub-agent.
func NewAgentTool(newLoop LoopFactory) *AgentTool {
	return &AgentTool{newLoop: newLoop}
}

func (t *AgentTool) Name() string { return "spawn_agent" }

func (t *AgentTool) Description() string {
	return "Delegate a sub-task to a short-lived specialist agent and return its result."
}

func (t *AgentTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"explore", "plan", "implement", "analyze"},
				"description": "The kind of specialist to delegate to.",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "What the sub-agent should do.",
			},
			"input": map[string]interface{}{
				"type":        "string",
				"description": "Optional extra context or material for the sub-agent.",
			},
		},
		"required": []string{"task", "description"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

type spawnArgs struct {
	Task        string `json:"task"`
	Description string `json:"description"`
	Input       string `json:"input"`
}

func (t *AgentTool) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var args spawnArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	prompt, ok := taskPrompts[strings.ToLower(args.Task)]
	if !ok {
		return &agent.ToolResult{Content: fmt.Sprintf("unknown task type %q", args.Task), IsError: true}, nil
	}
	if strings.TrimSpace(args.Description) == "" {
		return &agent.ToolResult{Content: "description is required", IsError: true}, nil
	}

	depth := depthOf(ctx)
	if depth >= maxSpawnDepth {
		return &agent.ToolResult{
			Content: fmt.Sprintf("blocked: max sub-agent delegation depth (%d) reached", maxSpawnDepth),
			IsError: true,
		}, nil
	}

	loop, err := t.newLoop(WithDepth(ctx, depth+1))
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("spawn_agent: %v", err), IsError: true}, nil
	}

	userContent := args.Description
	if strings.TrimSpace(args.Input) != "" {
		userContent = args.Description + "\n\n" + args.Input
	}

	session := agent.NewSession(prompt)
	events, err := loop.Run(ctx, session, agent.Message{Role: agent.RoleUser, Content: userContent})
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("spawn_agent: %v", err), IsError: true}, nil
	}

	var summary strings.Builder
	var usage agent.Usage
	var runErr error
	for event := range events {
		switch event.Kind {
		case agent.EventContent:
			summary.WriteString(event.ContentDelta)
		case agent.EventDone:
			// final usage, if any, is carried on the last Done-bearing chunk
			// accumulated inside the loop's own session.
		case agent.EventError:
			runErr = event.Err
		}
	}
	usage = session.Usage

	result := Result{Usage: usage}
	if runErr != nil {
		result.Success = false
		result.Error = runErr.Error()
	} else {
		result.Success = true
		result.Summary = strings.TrimSpace(summary.String())
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("encode result: %v", err), IsError: true}, nil
	}

	return &agent.ToolResult{Content: string(payload), IsError: !result.Success}, nil
}
