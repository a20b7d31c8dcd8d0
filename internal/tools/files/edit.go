package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/security"
)

// EditTool implements the edit_file built-in: a single old_string/new_string
// replacement, optionally applied to every occurrence.
type EditTool struct {
	resolver  Resolver
	protected *security.ProtectedFiles
}

// NewEditTool creates an edit_file tool scoped to the workspace.
func NewEditTool(cfg Config, protected *security.ProtectedFiles) *EditTool {
	return &EditTool{
		resolver:  Resolver{Root: cfg.Workspace, AllowedDirs: cfg.AllowedDirs},
		protected: protected,
	}
}

func (t *EditTool) Name() string { return "edit_file" }

func (t *EditTool) Description() string {
	return "Replace an exact string match in a file with new text."
}

func (t *EditTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to edit.",
			},
			"old_string": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to find.",
			},
			"new_string": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text.",
			},
			"replace_all": map[string]interface{}{
				"type":        "boolean",
				"description": "Replace every occurrence instead of just the first (default: false).",
			},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

type editArgs struct {
	Path       string `json:"path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all"`
}

func (t *EditTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args editArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(args.Path) == "" {
		return toolError("path is required"), nil
	}
	if args.OldString == "" {
		return toolError("old_string is required"), nil
	}

	resolved, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	if t.protected != nil && t.protected.IsProtected(resolved) {
		return toolError(fmt.Sprintf("blocked: %q is a protected file", args.Path)), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	if !strings.Contains(content, args.OldString) {
		return toolError("old_string not found"), nil
	}

	var replaced string
	var count int
	if args.ReplaceAll {
		count = strings.Count(content, args.OldString)
		replaced = strings.ReplaceAll(content, args.OldString, args.NewString)
	} else {
		count = 1
		replaced = strings.Replace(content, args.OldString, args.NewString, 1)
	}

	if err := os.WriteFile(resolved, []byte(replaced), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return &agent.ToolResult{Content: fmt.Sprintf("replaced %d occurrences", count)}, nil
}
