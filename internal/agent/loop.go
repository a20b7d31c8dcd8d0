package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// maxIterations is the hard cap on provider round-trips within one Run call,
// per §4.1. A run that hits the cap ends with a terminal StreamEvent carrying
// ErrMaxIterations rather than looping forever on a model that never stops
// requesting tools.
const maxIterations = 25

// ErrMaxIterations is returned (wrapped) when a run is cut off at maxIterations.
var ErrMaxIterations = errors.New("reached maximum turn loop iterations")

// LoopPhase names the turn loop's current state, surfaced for logging and
// tests; it is not part of the public streaming contract.
type LoopPhase int

const (
	PhaseInit LoopPhase = iota
	PhaseStream
	PhaseExecuteTools
	PhaseContinue
	PhaseComplete
)

func (p LoopPhase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseStream:
		return "stream"
	case PhaseExecuteTools:
		return "execute_tools"
	case PhaseContinue:
		return "continue"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// LoopConfig configures a Loop's bounds and output shaping. Zero values are
// replaced with spec defaults by sanitizeLoopConfig.
type LoopConfig struct {
	// MaxIterations overrides the default 25-iteration cap; 0 uses the default.
	MaxIterations int
	// MaxWallTime bounds the whole Run call; 0 = no limit.
	MaxWallTime time.Duration
	// DisableSecuritySuffix turns off the per-call injection reminder suffix,
	// for providers/tests that need the raw message sequence.
	DisableSecuritySuffix bool
	// Executor controls tool-output shaping (truncation, delimiters, injection
	// scanning); a zero-value ExecutorConfig disables all three.
	Executor ExecutorConfig
}

func sanitizeLoopConfig(cfg LoopConfig) LoopConfig {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = maxIterations
	}
	if cfg.MaxIterations > maxIterations {
		cfg.MaxIterations = maxIterations
	}
	return cfg
}

// Loop drives the provider/tool turn loop described in §4.1: stream a
// completion, classify its chunks, execute any requested tools, and repeat
// until the model stops requesting tools or the iteration cap is hit.
type Loop struct {
	provider Provider
	registry *ToolRegistry
	executor *ToolExecutor
	config   LoopConfig
	log      *slog.Logger
}

// NewLoop builds a Loop. filter and hooks may be nil (no-op defaults apply).
func NewLoop(provider Provider, registry *ToolRegistry, filter ToolFilter, hooks HookRunner, cfg LoopConfig) *Loop {
	cfg = sanitizeLoopConfig(cfg)
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &Loop{
		provider: provider,
		registry: registry,
		executor: NewToolExecutor(registry, filter, hooks, cfg.Executor),
		config:   cfg,
		log:      slog.Default().With("component", "agent.loop"),
	}
}

// Run appends userMessage to session and drives the turn loop to completion,
// streaming StreamEvents as they occur. The channel is closed when the run
// ends, successfully or not; a terminal error is delivered as a final
// EventError before close, never as Run's own return error (mirrors the
// provider-error-as-content-not-panic posture used throughout §4).
func (l *Loop) Run(ctx context.Context, session *Session, userMessage Message) (<-chan StreamEvent, error) {
	if l.provider == nil {
		return nil, errors.New("agent loop: no provider configured")
	}
	if session == nil {
		return nil, errors.New("agent loop: session is nil")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if l.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
	}

	session.Append(userMessage)

	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)
		if cancel != nil {
			defer cancel()
		}
		l.run(runCtx, session, events)
	}()

	return events, nil
}

func (l *Loop) run(ctx context.Context, session *Session, events chan<- StreamEvent) {
	phase := PhaseInit
	for iter := 0; iter < l.config.MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			l.emitError(events, ctx.Err())
			return
		default:
		}

		phase = PhaseStream
		assistantMsg, toolCalls, err := l.streamTurn(ctx, session, events)
		if err != nil {
			l.log.Error("stream turn failed", "iteration", iter, "err", err)
			l.emitError(events, err)
			return
		}

		assistantMsg.ToolCalls = toolCalls
		session.Append(assistantMsg)

		if len(toolCalls) == 0 {
			phase = PhaseComplete
			events <- StreamEvent{Kind: EventDone}
			return
		}

		phase = PhaseExecuteTools
		l.executeTools(ctx, session, toolCalls, events)

		phase = PhaseContinue
	}

	l.log.Warn("turn loop hit max iterations", "phase", phase.String(), "max", l.config.MaxIterations)
	l.emitError(events, fmt.Errorf("%w: %d", ErrMaxIterations, l.config.MaxIterations))
}

// streamTurn issues one provider call and reassembles its chunk stream into a
// completed assistant Message plus any requested tool calls, forwarding
// Content/ToolCallStart StreamEvents as they occur (ToolCallEnd events are
// emitted later by executeTools).
func (l *Loop) streamTurn(ctx context.Context, session *Session, events chan<- StreamEvent) (Message, []ToolCall, error) {
	req := CompletionRequest{
		Messages: toCompletionMessages(session.MessagesForAPI(l.config.DisableSecuritySuffix)),
		Tools:    l.registry.All(),
	}

	chunks, err := l.provider.ChatStream(ctx, req)
	if err != nil {
		return Message{}, nil, err
	}

	var text string
	var calls []ToolCall
	pending := map[string]*ToolCall{}
	var usage Usage

	for chunk := range chunks {
		switch chunk.Kind {
		case ChunkText:
			text += chunk.TextDelta
			if chunk.TextDelta != "" {
				events <- StreamEvent{Kind: EventContent, ContentDelta: chunk.TextDelta}
			}
		case ChunkToolCallStart:
			tc := &ToolCall{ID: chunk.ToolCallID, Name: chunk.ToolCallName}
			pending[chunk.ToolCallID] = tc
			events <- StreamEvent{Kind: EventToolCallStart, ToolCallID: chunk.ToolCallID, ToolCallName: chunk.ToolCallName}
		case ChunkToolCallDelta:
			if tc, ok := pending[chunk.ToolCallID]; ok {
				tc.Arguments += chunk.ToolCallArgsDelta
			}
		case ChunkToolCallEnd:
			tc, ok := pending[chunk.ToolCallID]
			if !ok {
				tc = &ToolCall{ID: chunk.ToolCallID, Name: chunk.ToolCallName}
			}
			if chunk.ToolCallArgs != "" {
				tc.Arguments = chunk.ToolCallArgs
			}
			calls = append(calls, *tc)
			delete(pending, chunk.ToolCallID)
		case ChunkDone:
			usage.Add(chunk.Usage)
			if len(chunk.PendingCalls) > 0 {
				calls = chunk.PendingCalls
			}
		case ChunkError:
			return Message{}, nil, chunk.Err
		}
	}

	session.Usage.Add(usage)

	return Message{Role: RoleAssistant, Content: text}, calls, nil
}

// executeTools runs every pending tool call, appending one Tool-role message
// per call to the session and forwarding an EventToolCallEnd for each.
func (l *Loop) executeTools(ctx context.Context, session *Session, calls []ToolCall, events chan<- StreamEvent) {
	for _, call := range calls {
		output, warnings := l.executor.Execute(ctx, call)
		session.Append(Message{Role: RoleTool, Content: output, ToolCallID: call.ID})
		events <- StreamEvent{
			Kind:       EventToolCallEnd,
			ToolCallID: call.ID,
			ToolOutput: output,
			Warnings:   warnings,
		}
	}
}

func (l *Loop) emitError(events chan<- StreamEvent, err error) {
	events <- StreamEvent{Kind: EventError, Err: err.Error()}
}

// toCompletionMessages maps the session's internal Message shape to the
// provider-facing CompletionMessage shape.
func toCompletionMessages(msgs []Message) []CompletionMessage {
	out := make([]CompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = CompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			Images:     m.Images,
		}
	}
	return out
}
