package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ToolCallEvent is the payload handed to hooks around a tool invocation.
type ToolCallEvent struct {
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id"`
	Arguments  json.RawMessage `json:"arguments"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// HookRunner is the subset of the hook system the tool executor needs: run
// the before_tool_call chain (which may block) and the after_tool_call chain
// (read-only, errors are not propagated to the turn).
type HookRunner interface {
	BeforeToolCall(ctx context.Context, ev ToolCallEvent) (allow bool, blockReason string)
	AfterToolCall(ctx context.Context, ev ToolCallEvent)
}

// NoopHookRunner allows every call; used when no hooks are configured.
type NoopHookRunner struct{}

func (NoopHookRunner) BeforeToolCall(context.Context, ToolCallEvent) (bool, string) { return true, "" }
func (NoopHookRunner) AfterToolCall(context.Context, ToolCallEvent)                 {}

// ToolFilter decides whether a tool call is denied before execution (e.g. by
// a CompiledToolFilter's substring/pattern rules).
type ToolFilter interface {
	Deny(toolName string, argumentsJSON string) (denied bool, reason string)
}

// AllowAllFilter denies nothing.
type AllowAllFilter struct{}

func (AllowAllFilter) Deny(string, string) (bool, string) { return false, "" }

// injectionMarkers are known prompt-injection phrasings scanned for in tool
// output. A hit is attached as a warning; the output is still delivered.
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard the above",
	"you are now",
	"new instructions:",
	"system prompt:",
	"</system>",
}

// ExecutorConfig controls output shaping applied uniformly to every tool
// result.
type ExecutorConfig struct {
	// ToolOutputMaxChars bounds a tool's stringified result; 0 = unlimited.
	ToolOutputMaxChars int
	// UseContentDelimiters wraps tool output in begin/end sentinel lines
	// naming the tool, so the model cannot confuse result data with
	// instructions.
	UseContentDelimiters bool
	// LogInjectionWarnings scans output for injectionMarkers.
	LogInjectionWarnings bool
}

// ToolExecutor runs the full §4.4 execution contract for a single ToolCall:
// deserialize arguments, schema-coupled required-field validation, pre-call
// hooks, execute, output truncation + injection scanning, post-call hooks.
type ToolExecutor struct {
	Registry *ToolRegistry
	Filter   ToolFilter
	Hooks    HookRunner
	Config   ExecutorConfig
}

// NewToolExecutor builds an executor with sane no-op defaults for filter and
// hooks when nil.
func NewToolExecutor(registry *ToolRegistry, filter ToolFilter, hooks HookRunner, cfg ExecutorConfig) *ToolExecutor {
	if filter == nil {
		filter = AllowAllFilter{}
	}
	if hooks == nil {
		hooks = NoopHookRunner{}
	}
	return &ToolExecutor{Registry: registry, Filter: filter, Hooks: hooks, Config: cfg}
}

// Execute runs one tool call and returns the Tool message body plus any
// injection warnings observed. It never returns a hard error for tool-level
// failures — those become the string body of the result per spec §4.1/§7.
func (e *ToolExecutor) Execute(ctx context.Context, call ToolCall) (output string, warnings []string) {
	tool, ok := e.Registry.Get(call.Name)
	if !ok {
		return fmt.Sprintf("unknown tool: %s", call.Name), nil
	}

	if err := validateRequiredFields(tool.Schema(), call.Arguments); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), nil
	}

	ev := ToolCallEvent{ToolName: call.Name, ToolCallID: call.ID, Arguments: json.RawMessage(call.Arguments)}

	if denied, reason := e.Filter.Deny(call.Name, call.Arguments); denied {
		return reason, nil
	}

	if allow, reason := e.Hooks.BeforeToolCall(ctx, ev); !allow {
		return reason, nil
	}

	result, err := tool.Execute(ctx, json.RawMessage(call.Arguments))
	var content string
	var isError bool
	if err != nil {
		content = err.Error()
		isError = true
	} else if result != nil {
		content = result.Content
		isError = result.IsError
		warnings = append(warnings, result.Warnings...)
	}

	if e.Config.LogInjectionWarnings {
		warnings = append(warnings, scanInjectionMarkers(content)...)
	}

	content = e.shapeOutput(call.Name, content)

	after := ev
	after.Output = content
	after.IsError = isError
	e.Hooks.AfterToolCall(ctx, after)

	return content, warnings
}

// shapeOutput applies truncation and, if enabled, delimiter wrapping.
func (e *ToolExecutor) shapeOutput(toolName, content string) string {
	content = truncateUTF8(content, e.Config.ToolOutputMaxChars)
	if e.Config.UseContentDelimiters {
		content = fmt.Sprintf("<<<TOOL_RESULT name=%q>>>\n%s\n<<<END_TOOL_RESULT name=%q>>>", toolName, content, toolName)
	}
	return content
}

// truncateUTF8 tail-trims s to at most max runes' worth of bytes (bounded by
// max characters, not bytes), never splitting a UTF-8 rune, appending an
// explicit truncation suffix. max == 0 means unlimited.
func truncateUTF8(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	const suffix = "\n...[truncated]"
	keep := max - len([]rune(suffix))
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + suffix
}

func scanInjectionMarkers(content string) []string {
	lower := strings.ToLower(content)
	var hits []string
	for _, marker := range injectionMarkers {
		if strings.Contains(lower, marker) {
			hits = append(hits, marker)
		}
	}
	return hits
}

// validateRequiredFields interprets a JSON-schema's top-level "required" list
// against the supplied arguments JSON, per the spec's "schema-coupled
// validation by interpreting its declared required fields" contract. This is
// intentionally a light check, not full JSON-schema validation (structural
// validation for tools that need it uses github.com/santhosh-tekuri/jsonschema/v5
// directly, see internal/tools/schema.go callers).
func validateRequiredFields(schema json.RawMessage, argumentsJSON string) error {
	var schemaDoc struct {
		Required []string `json:"required"`
	}
	if len(schema) > 0 {
		_ = json.Unmarshal(schema, &schemaDoc)
	}
	if len(schemaDoc.Required) == 0 {
		return nil
	}
	var args map[string]json.RawMessage
	if argumentsJSON == "" {
		args = map[string]json.RawMessage{}
	} else if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	var missing []string
	for _, field := range schemaDoc.Required {
		if _, ok := args[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required field(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

var _ = time.Now // reserved for future hook-timeout wiring from internal/hooks
