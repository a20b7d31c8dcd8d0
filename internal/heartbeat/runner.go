package heartbeat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus/internal/concurrency"
)

// Status classifies the outcome of one heartbeat tick.
type Status string

const (
	StatusOk            Status = "ok"
	StatusSent          Status = "sent"
	StatusSkipped       Status = "skipped"
	StatusSkippedMayTry Status = "skipped_may_try"
	StatusTimedOut      Status = "timed_out"
)

// HeartbeatOKSentinel is the exact response text a turn can return to
// acknowledge a tick silently, without it counting as an alert.
const HeartbeatOKSentinel = "HEARTBEAT_OK"

// dedupWindow bounds how long an identical heartbeat body is suppressed for.
const dedupWindow = 24 * time.Hour

const heartbeatInputFile = "HEARTBEAT.md"
const stateFileName = "last_heartbeat.json"

// Config configures the heartbeat runner.
type Config struct {
	// Interval between ticks. Defaults to 5 minutes if unset.
	Interval time.Duration
	// Timeout bounds one tick's turn. Defaults to Interval/2.
	Timeout time.Duration
	// ActiveHours restricts ticks to a daily "HH:MM-HH:MM" window in
	// Timezone. Empty means always active.
	ActiveHours string
	// Timezone is an IANA zone name; empty means the local zone.
	Timezone string
}

func (c Config) resolvedInterval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return 5 * time.Minute
}

func (c Config) resolvedTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return c.resolvedInterval() / 2
}

// Event is one recorded heartbeat tick.
type Event struct {
	TsMs       int64  `json:"ts_ms"`
	Status     Status `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Preview    string `json:"preview,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// State is the persisted last_heartbeat.json dedup record.
type State struct {
	LastHeartbeatHash string    `json:"last_heartbeat_hash"`
	LastHeartbeatAt   time.Time `json:"last_heartbeat_at"`
}

// TurnRunner runs one full agent turn for prompt, returning its final text
// response. ctx carries the per-tick deadline; the runner must honor it.
type TurnRunner func(ctx context.Context, prompt string) (string, error)

// EventFunc receives each recorded Event, e.g. to feed a status registry.
type EventFunc func(Event)

// Runner drives the periodic heartbeat tick against one workspace. Within a
// process, a tick never runs while any turn holds the TurnGate; across
// processes, the WorkspaceLock keeps ticks from overlapping other agents
// mutating the same workspace.
type Runner struct {
	cfg       Config
	workspace string
	stateDir  string
	turnGate  *concurrency.TurnGate
	wsLock    *concurrency.WorkspaceLock
	runTurn   TurnRunner
	onEvent   EventFunc
	log       *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{} // signals when the run loop has exited

	backoff time.Duration
}

// NewRunner builds a Runner. turnGate and wsLock are shared with the rest of
// the process/workspace so ticks correctly yield to interactive turns.
func NewRunner(cfg Config, workspace, stateDir string, turnGate *concurrency.TurnGate, wsLock *concurrency.WorkspaceLock, runTurn TurnRunner, onEvent EventFunc) *Runner {
	return &Runner{
		cfg:       cfg,
		workspace: workspace,
		stateDir:  stateDir,
		turnGate:  turnGate,
		wsLock:    wsLock,
		runTurn:   runTurn,
		onEvent:   onEvent,
		log:       slog.Default().With("component", "heartbeat"),
	}
}

// Start begins the tick loop in a goroutine. A second Start call while
// already running is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop halts the tick loop and waits for the in-flight tick, if any, to
// finish and release its gates.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()

	if doneCh != nil {
		<-doneCh
	}
}

// IsRunning reports whether the tick loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		close(r.doneCh)
		r.mu.Unlock()
	}()

	interval := r.cfg.resolvedInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-timer.C:
			ev := r.tick(ctx)
			r.recordEvent(ev)

			delay := interval
			if ev.Status == StatusSkippedMayTry {
				delay = r.nextBackoff(interval)
			} else {
				r.backoff = 0
			}
			timer.Reset(delay)
		}
	}
}

// nextBackoff computes the next retry delay for a run of SkippedMayTry
// results: exponential growth from a small seed, capped at interval/2.
func (r *Runner) nextBackoff(interval time.Duration) time.Duration {
	capped := interval / 2
	if r.backoff <= 0 {
		r.backoff = interval / 16
		if r.backoff <= 0 {
			r.backoff = time.Second
		}
	} else {
		r.backoff *= 2
	}
	if r.backoff > capped {
		r.backoff = capped
	}
	return r.backoff
}

func (r *Runner) recordEvent(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// tick runs one heartbeat cycle end to end, per the eight-step algorithm:
// active-hours gate, TurnGate/WorkspaceLock try-acquire, heartbeat-input
// read, prompt composition and bounded turn, sentinel match, 24h dedup.
func (r *Runner) tick(ctx context.Context) Event {
	start := time.Now()

	active, err := r.withinActiveHours(start)
	if err != nil {
		r.log.Warn("active_hours parse failed, treating as always active", "error", err)
	} else if !active {
		return Event{TsMs: start.UnixMilli(), Status: StatusSkipped, Reason: "outside active hours"}
	}

	if !r.turnGate.TryAcquire() {
		return Event{TsMs: start.UnixMilli(), Status: StatusSkippedMayTry, Reason: "turn gate busy"}
	}
	defer r.turnGate.Release()

	if r.wsLock != nil {
		ok, err := r.wsLock.TryAcquire()
		if err != nil {
			return Event{TsMs: start.UnixMilli(), Status: StatusSkippedMayTry, Reason: fmt.Sprintf("workspace lock: %v", err)}
		}
		if !ok {
			return Event{TsMs: start.UnixMilli(), Status: StatusSkippedMayTry, Reason: "workspace locked by another process"}
		}
		defer r.wsLock.Release()
	}

	input, err := r.readHeartbeatInput()
	if err != nil || strings.TrimSpace(input) == "" {
		return Event{TsMs: start.UnixMilli(), Status: StatusSkipped, Reason: "heartbeat input missing or empty"}
	}

	timeout := r.cfg.resolvedTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, runErr := r.runTurn(runCtx, composeHeartbeatPrompt(input))
	duration := time.Since(start)

	if runCtx.Err() != nil {
		return Event{TsMs: start.UnixMilli(), Status: StatusTimedOut, DurationMs: duration.Milliseconds(), Reason: "deadline exceeded"}
	}
	if runErr != nil {
		return Event{TsMs: start.UnixMilli(), Status: StatusSkippedMayTry, DurationMs: duration.Milliseconds(), Reason: runErr.Error()}
	}

	trimmed := strings.TrimSpace(response)
	if trimmed == HeartbeatOKSentinel {
		r.persistState(hashOf(trimmed), start)
		return Event{TsMs: start.UnixMilli(), Status: StatusOk, DurationMs: duration.Milliseconds()}
	}

	hash := hashOf(trimmed)
	if state, err := r.loadState(); err == nil && state != nil &&
		state.LastHeartbeatHash == hash && start.Sub(state.LastHeartbeatAt) < dedupWindow {
		return Event{TsMs: start.UnixMilli(), Status: StatusSkipped, DurationMs: duration.Milliseconds(), Reason: "duplicate within 24h"}
	}

	r.persistState(hash, start)
	return Event{TsMs: start.UnixMilli(), Status: StatusSent, DurationMs: duration.Milliseconds(), Preview: preview(trimmed)}
}

func (r *Runner) readHeartbeatInput() (string, error) {
	data, err := os.ReadFile(filepath.Join(r.workspace, heartbeatInputFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func composeHeartbeatPrompt(input string) string {
	return fmt.Sprintf(
		"This is a scheduled heartbeat check, not a user message. Review the current directive below and act on it only if action is warranted; otherwise respond with exactly %q.\n\n%s",
		HeartbeatOKSentinel, input)
}

func hashOf(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func preview(text string) string {
	const maxPreview = 200
	runes := []rune(text)
	if len(runes) <= maxPreview {
		return text
	}
	return string(runes[:maxPreview]) + "..."
}

func (r *Runner) statePath() string {
	return filepath.Join(r.stateDir, stateFileName)
}

func (r *Runner) loadState() (*State, error) {
	data, err := os.ReadFile(r.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Runner) persistState(hash string, at time.Time) {
	if err := os.MkdirAll(r.stateDir, 0o755); err != nil {
		r.log.Warn("create heartbeat state dir", "error", err)
		return
	}
	data, err := json.Marshal(State{LastHeartbeatHash: hash, LastHeartbeatAt: at})
	if err != nil {
		r.log.Warn("encode heartbeat state", "error", err)
		return
	}
	if err := os.WriteFile(r.statePath(), data, 0o644); err != nil {
		r.log.Warn("write heartbeat state", "error", err)
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// dailySchedule turns an "HH:MM" anchor into a cron.Schedule firing once a
// day at that minute, reusing the library's field parser instead of
// hand-rolling HH:MM validation.
func dailySchedule(hhmm string) (cron.Schedule, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid time %q, want HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid hour in %q: %w", hhmm, err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid minute in %q: %w", hhmm, err)
	}
	return cronParser.Parse(fmt.Sprintf("%d %d * * *", minute, hour))
}

// withinActiveHours evaluates cfg.ActiveHours ("HH:MM-HH:MM", wrapping past
// midnight if end < start) against now in cfg.Timezone.
func (r *Runner) withinActiveHours(now time.Time) (bool, error) {
	if r.cfg.ActiveHours == "" {
		return true, nil
	}
	parts := strings.SplitN(r.cfg.ActiveHours, "-", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("invalid active_hours %q, want HH:MM-HH:MM", r.cfg.ActiveHours)
	}
	startSchedule, err := dailySchedule(strings.TrimSpace(parts[0]))
	if err != nil {
		return false, err
	}
	endSchedule, err := dailySchedule(strings.TrimSpace(parts[1]))
	if err != nil {
		return false, err
	}

	loc := time.Local
	if r.cfg.Timezone != "" {
		if l, err := time.LoadLocation(r.cfg.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).Add(-time.Minute)
	startAt := startSchedule.Next(dayStart)
	endAt := endSchedule.Next(dayStart)

	if endAt.Before(startAt) {
		// Window wraps past midnight (e.g. 22:00-06:00).
		return !local.Before(startAt) || local.Before(endAt), nil
	}
	return !local.Before(startAt) && local.Before(endAt), nil
}
