package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/security"
	"github.com/haasonsaas/nexus/internal/tools/exec"
)

const defaultBashTimeout = 2 * time.Minute

// BashTool runs a shell command and returns its combined output. Argument
// filtering happens upstream in ToolExecutor via CompiledToolFilter; this
// tool only owns the protected-file strict/warn distinction and the
// timeout_ms plumbing described for the bash contract.
type BashTool struct {
	manager    *exec.Manager
	protected  *security.ProtectedFiles
	strictMode bool
	maxTimeout time.Duration
}

// NewBashTool builds a bash tool backed by manager, enforcing protected-path
// references per strictMode (strict blocks, non-strict warns and proceeds).
func NewBashTool(manager *exec.Manager, protected *security.ProtectedFiles, strictMode bool) *BashTool {
	return &BashTool{
		manager:    manager,
		protected:  protected,
		strictMode: strictMode,
		maxTimeout: 10 * time.Minute,
	}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command and return its combined stdout/stderr."
}

func (t *BashTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "shell command to run"},
			"timeout_ms": {"type": "integer", "description": "optional timeout in milliseconds"}
		},
		"required": ["command"]
	}`)
}

type bashArgs struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeout_ms"`
}

func (t *BashTool) Execute(ctx context.Context, arguments json.RawMessage) (*agent.ToolResult, error) {
	var args bashArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	command := strings.TrimSpace(args.Command)
	if command == "" {
		return &agent.ToolResult{Content: "command is required", IsError: true}, nil
	}

	if hits := t.protected.References(command); len(hits) > 0 {
		if t.strictMode {
			return &agent.ToolResult{
				Content: fmt.Sprintf("blocked: command references protected path %q", hits[0]),
				IsError: true,
			}, nil
		}
	}

	timeout := t.maxTimeout
	if timeout <= 0 {
		timeout = defaultBashTimeout
	}
	if args.TimeoutMs > 0 {
		requested := time.Duration(args.TimeoutMs) * time.Millisecond
		if requested < timeout {
			timeout = requested
		}
	}

	result, err := t.manager.RunCommand(ctx, command, "", nil, "", timeout)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	var warnings []string
	if hits := t.protected.References(command); len(hits) > 0 && !t.strictMode {
		warnings = append(warnings, fmt.Sprintf("command references protected path %q", hits[0]))
	}

	if result.Error != "" && strings.Contains(result.Error, "deadline exceeded") {
		return &agent.ToolResult{Content: fmt.Sprintf("command timed out after %s", timeout), IsError: true}, nil
	}

	output := strings.TrimRight(result.Stdout+result.Stderr, "\n")
	if output == "" {
		output = fmt.Sprintf("(no output, exit code %d)", result.ExitCode)
	}
	if result.ExitCode != 0 {
		output = fmt.Sprintf("%s\n(exit code %d)", output, result.ExitCode)
	}

	return &agent.ToolResult{Content: output, Warnings: warnings}, nil
}
