package files

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

// Config controls filesystem tool defaults.
type Config struct {
	Workspace    string
	AllowedDirs  []string
	MaxReadLines int
}

// ReadTool implements the read_file built-in: a line-based slice of a file,
// not byte-based, per the spec's contract table.
type ReadTool struct {
	resolver Resolver
	maxLines int
}

// NewReadTool creates a read_file tool scoped to the workspace.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxReadLines
	if limit <= 0 {
		limit = 2000
	}
	return &ReadTool{
		resolver: Resolver{Root: cfg.Workspace, AllowedDirs: cfg.AllowedDirs},
		maxLines: limit,
	}
}

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) Description() string {
	return "Read a slice of lines from a file, line-numbered."
}

func (t *ReadTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file.",
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "1-indexed line to start reading from (default: 1).",
				"minimum":     1,
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of lines to return (capped by tool default).",
				"minimum":     1,
			},
		},
		"required": []string{"path"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

type readArgs struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args readArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(args.Path) == "" {
		return toolError("path is required"), nil
	}
	if args.Offset < 0 {
		return toolError("offset must be >= 1"), nil
	}

	resolved, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	start := args.Offset
	if start <= 0 {
		start = 1
	}
	limit := t.maxLines
	if args.Limit > 0 && args.Limit < limit {
		limit = args.Limit
	}

	var b strings.Builder
	lineNum := 0
	emitted := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		lineNum++
		if lineNum < start {
			continue
		}
		if emitted >= limit {
			break
		}
		fmt.Fprintf(&b, "%6d\t%s\n", lineNum, scanner.Text())
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	if emitted == 0 {
		return &agent.ToolResult{Content: fmt.Sprintf("(no lines at or after %d)", start)}, nil
	}

	return &agent.ToolResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}

func toolError(message string) *agent.ToolResult {
	return &agent.ToolResult{Content: message, IsError: true}
}
