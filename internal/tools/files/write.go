package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/security"
)

// WriteTool implements the write_file built-in. Protected paths always block,
// regardless of sandbox strictness, unlike bash's warn-or-block distinction.
type WriteTool struct {
	resolver  Resolver
	protected *security.ProtectedFiles
}

// NewWriteTool creates a write_file tool scoped to the workspace.
func NewWriteTool(cfg Config, protected *security.ProtectedFiles) *WriteTool {
	return &WriteTool{
		resolver:  Resolver{Root: cfg.Workspace, AllowedDirs: cfg.AllowedDirs},
		protected: protected,
	}
}

func (t *WriteTool) Name() string { return "write_file" }

func (t *WriteTool) Description() string {
	return "Write content to a file, creating or overwriting it."
}

func (t *WriteTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to write.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "File contents to write.",
			},
		},
		"required": []string{"path", "content"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args writeArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(args.Path) == "" {
		return toolError("path is required"), nil
	}

	resolved, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	if t.protected != nil && t.protected.IsProtected(resolved) {
		return toolError(fmt.Sprintf("blocked: %q is a protected file", args.Path)), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create directory: %v", err)), nil
	}

	if err := os.WriteFile(resolved, []byte(args.Content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return &agent.ToolResult{Content: fmt.Sprintf("wrote %d bytes", len(args.Content))}, nil
}
