package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
)

// Event names for the subprocess hook contract. Unlike the in-process
// EventType vocabulary used by the legacy channel/gateway event bus, these
// are the five lifecycle points hooks can subscribe to.
const (
	EventBeforeToolCall = "before_tool_call"
	EventAfterToolCall  = "after_tool_call"
	EventOnMessage      = "on_message"
	EventOnSessionStart = "on_session_start"
	EventOnSessionEnd   = "on_session_end"
)

// modifyingEvents gates the run on exit code and timeout; all other events
// are fire-and-forget notifications whose outcome is logged, never blocking.
var modifyingEvents = map[string]bool{
	EventBeforeToolCall: true,
}

// Definition is one hook's on-disk configuration, loaded from a JSON file
// under a hooks directory.
type Definition struct {
	Name      string `json:"name"`
	Event     string `json:"event"`
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeout_ms"`
	Enabled   bool   `json:"enabled"`
}

// Runner implements agent.HookRunner by loading Definition files from one or
// more directories (global, then workspace — workspace wins on name
// collision) and running matching hooks as subprocesses.
type Runner struct {
	dirs  []string
	hooks []Definition
	log   *slog.Logger
}

// DefaultDirs returns the standard hook search path for a workspace: the
// user's global hooks directory first, the workspace's hooks/ directory
// last, so a workspace hook of the same name wins.
func DefaultDirs(workspace string) []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".nexus", "hooks"))
	}
	if workspace != "" {
		dirs = append(dirs, filepath.Join(workspace, "hooks"))
	}
	return dirs
}

// NewRunner loads hook definitions from dirs in order; later directories
// override earlier ones by hook name, so a workspace hooks/ directory should
// be passed after the global one.
func NewRunner(dirs []string) *Runner {
	r := &Runner{
		dirs: dirs,
		log:  slog.Default().With("component", "hooks.runner"),
	}
	r.reload()
	return r
}

// Reload re-scans all configured directories; safe to call after hook files
// change on disk (e.g. from an fsnotify watcher wired in by the caller).
func (r *Runner) Reload() {
	r.reload()
}

func (r *Runner) reload() {
	byName := map[string]Definition{}
	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				r.log.Warn("read hook file", "path", path, "error", err)
				continue
			}
			var def Definition
			if err := json.Unmarshal(data, &def); err != nil {
				r.log.Warn("parse hook file", "path", path, "error", err)
				continue
			}
			if def.Name == "" || def.Command == "" || def.Event == "" {
				r.log.Warn("invalid hook definition", "path", path)
				continue
			}
			byName[def.Name] = def
		}
	}

	hooks := make([]Definition, 0, len(byName))
	for _, def := range byName {
		hooks = append(hooks, def)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Name < hooks[j].Name })
	r.hooks = hooks
}

// runHook runs a single hook definition against payload, returning whether it
// allowed the operation to proceed and any stderr/timeout diagnostic.
func (r *Runner) runHook(ctx context.Context, def Definition, payload []byte) (allow bool, reason string) {
	timeout := time.Duration(def.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", def.Command)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Hook stdout is deliberately discarded; the contract gates on exit code
	// alone, not on anything the hook prints.
	cmd.Stdout = nil

	err := cmd.Run()

	modifying := modifyingEvents[def.Event]
	if runCtx.Err() != nil {
		// Timeout counts as a block for modifying events, allow otherwise.
		r.log.Warn("hook timed out", "hook", def.Name, "event", def.Event)
		return !modifying, fmt.Sprintf("hook %q timed out", def.Name)
	}
	if err != nil {
		if !modifying {
			return true, ""
		}
		return false, fmt.Sprintf("hook %q blocked: %s", def.Name, strings.TrimSpace(stderr.String()))
	}
	return true, ""
}

func (r *Runner) hooksFor(event string) []Definition {
	var out []Definition
	for _, def := range r.hooks {
		if def.Enabled && def.Event == event {
			out = append(out, def)
		}
	}
	return out
}

// BeforeToolCall satisfies agent.HookRunner. Hooks run in name order; the
// first to block short-circuits the rest.
func (r *Runner) BeforeToolCall(ctx context.Context, ev agent.ToolCallEvent) (bool, string) {
	hooks := r.hooksFor(EventBeforeToolCall)
	if len(hooks) == 0 {
		return true, ""
	}
	payload, err := json.Marshal(toolCallPayload{
		Event:      EventBeforeToolCall,
		ToolName:   ev.ToolName,
		ToolCallID: ev.ToolCallID,
		Arguments:  ev.Arguments,
	})
	if err != nil {
		r.log.Warn("encode hook payload", "error", err)
		return true, ""
	}
	for _, def := range hooks {
		if allow, reason := r.runHook(ctx, def, payload); !allow {
			return false, reason
		}
	}
	return true, ""
}

// AfterToolCall satisfies agent.HookRunner. Failures are logged, never
// propagated to the turn: after_tool_call is a notification, not a gate.
func (r *Runner) AfterToolCall(ctx context.Context, ev agent.ToolCallEvent) {
	hooks := r.hooksFor(EventAfterToolCall)
	if len(hooks) == 0 {
		return
	}
	payload, err := json.Marshal(toolCallPayload{
		Event:      EventAfterToolCall,
		ToolName:   ev.ToolName,
		ToolCallID: ev.ToolCallID,
		Arguments:  ev.Arguments,
		Output:     ev.Output,
		IsError:    ev.IsError,
	})
	if err != nil {
		r.log.Warn("encode hook payload", "error", err)
		return
	}
	for _, def := range hooks {
		if _, reason := r.runHook(ctx, def, payload); reason != "" {
			r.log.Warn("after_tool_call hook reported failure", "hook", def.Name, "reason", reason)
		}
	}
}

// OnMessage and OnSessionStart/OnSessionEnd are notification-only lifecycle
// hooks, fired by the caller at the corresponding points in the session.
func (r *Runner) OnMessage(ctx context.Context, role, content string) {
	r.notify(ctx, EventOnMessage, lifecyclePayload{Event: EventOnMessage, Role: role, Content: content})
}

func (r *Runner) OnSessionStart(ctx context.Context, sessionID string) {
	r.notify(ctx, EventOnSessionStart, lifecyclePayload{Event: EventOnSessionStart, SessionID: sessionID})
}

func (r *Runner) OnSessionEnd(ctx context.Context, sessionID string) {
	r.notify(ctx, EventOnSessionEnd, lifecyclePayload{Event: EventOnSessionEnd, SessionID: sessionID})
}

func (r *Runner) notify(ctx context.Context, event string, payload lifecyclePayload) {
	hooks := r.hooksFor(event)
	if len(hooks) == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("encode hook payload", "error", err)
		return
	}
	for _, def := range hooks {
		if _, reason := r.runHook(ctx, def, data); reason != "" {
			r.log.Warn("hook reported failure", "hook", def.Name, "event", event, "reason", reason)
		}
	}
}

// toolCallPayload is the stdin JSON delivered to before/after_tool_call hooks.
type toolCallPayload struct {
	Event      string          `json:"event"`
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id"`
	Arguments  json.RawMessage `json:"arguments"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// lifecyclePayload is the stdin JSON delivered to on_message and
// on_session_start/on_session_end hooks.
type lifecyclePayload struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
}
