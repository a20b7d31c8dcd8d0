package agent

import (
	"context"
	"fmt"
	"strings"
)

// CompactionConfig controls when and how a session's history is summarized.
type CompactionConfig struct {
	// ContextWindow is the provider's total token budget.
	ContextWindow int
	// ReserveTokens is held back for the response and framing overhead.
	ReserveTokens int
	// HeadFraction is the portion (0-1) of the oldest history considered for
	// summarization. DefaultCompactionConfig sets it to 0.7; a zero value is
	// not replaced by that default.
	HeadFraction float64
}

// DefaultCompactionConfig returns the spec's defaults (head fraction 0.7).
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		ContextWindow: 128_000,
		ReserveTokens: 8_000,
		HeadFraction:  0.7,
	}
}

// Usable returns the usable token budget (context window minus reserve).
func (c CompactionConfig) Usable() int {
	u := c.ContextWindow - c.ReserveTokens
	if u < 0 {
		return 0
	}
	return u
}

// NeedsCompaction reports whether used+incoming exceeds the usable budget.
func (c CompactionConfig) NeedsCompaction(used, incomingEstimate int) bool {
	return used+incomingEstimate > c.Usable()
}

// Summarizer is the subset of Provider compaction needs: turning a run of
// messages into a short prose summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// CompactSession splits the session's history into a head (oldest ~HeadFraction)
// and tail, summarizes the head via summarizer, and replaces it with a single
// synthetic Assistant message. The System message is never touched; the split
// point is pulled toward the tail until it falls on a tool_call/tool_result
// pair boundary so no pair is split across the summarized/retained divide.
//
// Returns (tokensBefore, tokensAfter).
func CompactSession(ctx context.Context, s *Session, cfg CompactionConfig, summarizer Summarizer) (int, int, error) {
	tokensBefore := s.TokensUsed()
	if len(s.Messages) < 2 {
		return tokensBefore, tokensBefore, nil
	}

	splitIdx := pairSafeSplit(s.Messages, cfg.HeadFraction)
	if splitIdx <= 0 {
		return tokensBefore, tokensBefore, nil
	}

	head := s.Messages[:splitIdx]
	tail := s.Messages[splitIdx:]

	headText := renderForSummary(head)
	summary, err := summarizer.Summarize(ctx, headText)
	if err != nil {
		return tokensBefore, tokensBefore, fmt.Errorf("compact session: summarize head: %w", err)
	}

	synthetic := Message{
		Role:    RoleAssistant,
		Content: fmt.Sprintf(CompactedSummaryPrefix, len(head)) + "\n" + summary,
	}

	newMessages := make([]Message, 0, 1+len(tail))
	newMessages = append(newMessages, synthetic)
	newMessages = append(newMessages, tail...)
	s.Messages = newMessages
	s.CompactionCount++

	tokensAfter := s.TokensUsed()
	return tokensBefore, tokensAfter, nil
}

// pairSafeSplit picks a split index near headFraction of len(msgs), adjusted
// toward the tail so that no Assistant{tool_calls}/Tool pair straddles it: if
// the chosen boundary falls between an Assistant-with-tool_calls message and
// one of its Tool replies, the boundary is pushed forward past the full run
// of Tool replies that answer it.
func pairSafeSplit(msgs []Message, headFraction float64) int {
	if headFraction <= 0 {
		return 0
	}
	if headFraction > 1 {
		headFraction = 1
	}
	idx := int(float64(len(msgs)) * headFraction)
	if idx <= 0 {
		return 0
	}
	if idx >= len(msgs) {
		idx = len(msgs) - 1
	}

	// If msgs[idx] is a Tool message, it answers some earlier Assistant
	// message; walk forward until we're past the run of Tool replies so the
	// whole pair lands in the tail.
	for idx < len(msgs) && msgs[idx].Role == RoleTool {
		idx++
	}
	// If msgs[idx-1] is an Assistant message with pending tool_calls whose
	// Tool replies haven't all arrived yet in the head, pull the boundary
	// back before that Assistant message instead, keeping the whole
	// incomplete pair in the tail.
	if idx > 0 && msgs[idx-1].Role == RoleAssistant && len(msgs[idx-1].ToolCalls) > 0 {
		answered := 0
		for j := idx; j < len(msgs) && msgs[j].Role == RoleTool; j++ {
			answered++
		}
		if answered < len(msgs[idx-1].ToolCalls) {
			idx--
		}
	}
	if idx <= 0 {
		return 0
	}
	return idx
}

func renderForSummary(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
