package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// cooldownDuration is the fixed cooldown applied to a provider after a
// retryable failure, per spec §4.2.
const cooldownDuration = 60 * time.Second

// ErrorClass classifies a provider error for failover purposes.
type ErrorClass int

const (
	ErrorUnknown ErrorClass = iota
	ErrorTimeout
	ErrorRateLimited
	ErrorServer
	ErrorAuth
	ErrorRequestShape
)

// ClassifyProviderError inspects error text for the substrings the spec
// names and returns whether the error is retryable (failover should advance
// to the next provider and start a cooldown) and its rough class.
func ClassifyProviderError(err error) (retryable bool, class ErrorClass) {
	if err == nil {
		return false, ErrorUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return true, ErrorRateLimited
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"):
		return true, ErrorServer
	case strings.Contains(msg, "timeout"):
		return true, ErrorTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection closed"):
		return true, ErrorTimeout
	case strings.Contains(msg, "400"):
		return false, ErrorRequestShape
	case strings.Contains(msg, "401"):
		return false, ErrorAuth
	default:
		return false, ErrorUnknown
	}
}

// ProviderState tracks per-provider failover bookkeeping: a provider whose
// cooldown has not elapsed is skipped, never consulted.
type ProviderState struct {
	mu             sync.Mutex
	CooldownExpiry time.Time
}

// Available reports whether the provider's cooldown (if any) has elapsed.
func (p *ProviderState) Available(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.After(p.CooldownExpiry) || now.Equal(p.CooldownExpiry)
}

// Cooldown puts the provider in cooldown until now+60s.
func (p *ProviderState) Cooldown(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CooldownExpiry = now.Add(cooldownDuration)
}

// FailoverProvider wraps an ordered list of providers, trying each in turn
// and skipping any currently in cooldown.
type FailoverProvider struct {
	providers []Provider
	states    []*ProviderState
	now       func() time.Time
}

// NewFailoverProvider builds a FailoverProvider over the given ordered list.
func NewFailoverProvider(providers []Provider) *FailoverProvider {
	states := make([]*ProviderState, len(providers))
	for i := range states {
		states[i] = &ProviderState{}
	}
	return &FailoverProvider{providers: providers, states: states, now: time.Now}
}

// Name identifies this composite provider.
func (f *FailoverProvider) Name() string { return "failover" }

// ProviderStates exposes the per-provider cooldown state (read-only use by a
// status registry).
func (f *FailoverProvider) ProviderStates() []*ProviderState { return f.states }

var errAllProvidersUnavailable = errors.New("all providers in cooldown or unavailable")

// Chat tries each non-cooldown provider in order, returning on first success.
// On a retryable error it puts the provider in cooldown and advances; on a
// non-retryable error it fails immediately without consulting later
// providers. Testable property: for any invocation that returns success, no
// provider after the successful one was consulted.
func (f *FailoverProvider) Chat(ctx context.Context, req CompletionRequest) (Message, Usage, error) {
	var lastRetryable error
	tried := false
	now := f.now()
	for i, p := range f.providers {
		if !f.states[i].Available(now) {
			continue
		}
		tried = true
		msg, usage, err := p.Chat(ctx, req)
		if err == nil {
			return msg, usage, nil
		}
		retryable, _ := ClassifyProviderError(err)
		if !retryable {
			return Message{}, Usage{}, fmt.Errorf("%s: %w", p.Name(), err)
		}
		f.states[i].Cooldown(now)
		lastRetryable = fmt.Errorf("%s: %w", p.Name(), err)
	}
	if !tried {
		return Message{}, Usage{}, errAllProvidersUnavailable
	}
	if lastRetryable != nil {
		return Message{}, Usage{}, lastRetryable
	}
	return Message{}, Usage{}, errAllProvidersUnavailable
}

// ChatStream is Chat's streaming counterpart. A retryable failure that
// happens before any chunk is read from the stream advances to the next
// provider exactly like Chat; a failure surfaced mid-stream (via a
// ChunkError chunk) is NOT retried, since partial output may already have
// reached the caller — the turn loop treats it as a terminal error.
func (f *FailoverProvider) ChatStream(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	now := f.now()
	var lastRetryable error
	tried := false
	for i, p := range f.providers {
		if !f.states[i].Available(now) {
			continue
		}
		tried = true
		ch, err := p.ChatStream(ctx, req)
		if err == nil {
			return ch, nil
		}
		retryable, _ := ClassifyProviderError(err)
		if !retryable {
			return nil, fmt.Errorf("%s: %w", p.Name(), err)
		}
		f.states[i].Cooldown(now)
		lastRetryable = fmt.Errorf("%s: %w", p.Name(), err)
	}
	if !tried {
		return nil, errAllProvidersUnavailable
	}
	if lastRetryable != nil {
		return nil, lastRetryable
	}
	return nil, errAllProvidersUnavailable
}

// Summarize tries the available providers in order: a retryable error cools
// that provider down and moves on to the next, a non-retryable one is returned.
func (f *FailoverProvider) Summarize(ctx context.Context, text string) (string, error) {
	now := f.now()
	for i, p := range f.providers {
		if !f.states[i].Available(now) {
			continue
		}
		s, err := p.Summarize(ctx, text)
		if err == nil {
			return s, nil
		}
		if retryable, _ := ClassifyProviderError(err); !retryable {
			return "", err
		}
		f.states[i].Cooldown(now)
	}
	return "", errAllProvidersUnavailable
}

func (f *FailoverProvider) SupportsNativeSearch() bool {
	for _, p := range f.providers {
		if p.SupportsNativeSearch() {
			return true
		}
	}
	return false
}

func (f *FailoverProvider) NativeToolDefinitions() []Tool {
	for _, p := range f.providers {
		if p.SupportsNativeSearch() {
			return p.NativeToolDefinitions()
		}
	}
	return nil
}

func (f *FailoverProvider) ResetSession(ctx context.Context) error {
	var firstErr error
	for _, p := range f.providers {
		if err := p.ResetSession(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *FailoverProvider) TokenUpdate() *OAuthCredentials { return nil }
