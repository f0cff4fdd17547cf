package vm

import (
	"context"
	"fmt"
	"strings"

	"github.com/jingkaihe/kodelet-memcore/pkg/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// maxCompactionRounds bounds the "repeat with a larger victim span" step
// (spec.md §4.3 step 5) so a pathological budget/content combination can't
// spin forever.
const maxCompactionRounds = 8

// CompactWithHints runs the spec.md §4.3 compaction algorithm. hints'
// zero value uses the Memory's configured defaults. The pass is wrapped
// in a tracing span (spec.md ambient tracing concern, grounded on the
// teacher's CreateMessageSpan/FinalizeMessageSpan around LLM calls,
// generalized to the compaction path).
func (m *Memory) CompactWithHints(ctx context.Context, hints CompactHints) error {
	return telemetry.WithSpan(ctx, "vm.compact", func(ctx context.Context) error {
		return m.compactWithHints(ctx, hints)
	}, attribute.Float64("aggressiveness", hints.Aggressiveness))
}

func (m *Memory) compactWithHints(ctx context.Context, hints CompactHints) error {
	m.mu.Lock()
	if m.compacting {
		m.pendingCompact = true
		m.mu.Unlock()
		return nil
	}
	m.compacting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.compacting = false
		rerun := m.pendingCompact
		m.pendingCompact = false
		m.mu.Unlock()
		if rerun {
			_ = m.CompactWithHints(ctx, hints)
		}
	}()

	weights := m.laneWeights
	if hints.LaneWeights != nil {
		weights = hints.LaneWeights
	}
	tau := m.budget.ImportanceThreshold
	if hints.ImportanceThreshold > 0 {
		tau = hints.ImportanceThreshold
	}
	alpha := hints.Aggressiveness
	if alpha <= 0 {
		alpha = 0.3
	}

	target := int(float64(m.budget.WorkingMemoryTokens) * 0.7)
	minRecent := m.budget.MinRecentPerLane

	for round := 0; round < maxCompactionRounds; round++ {
		m.mu.Lock()
		usage := m.estimateLocked()
		if usage <= target {
			m.mu.Unlock()
			return nil
		}

		keepRecent := minRecent - int(float64(round)*alpha*float64(minRecent))
		if keepRecent < 0 {
			keepRecent = 0
		}

		span := m.selectVictimSpanLocked(weights, tau, keepRecent)
		if len(span) == 0 {
			m.mu.Unlock()
			return nil // nothing left to page
		}
		victims := make([]Message, 0, len(span))
		for _, idx := range span {
			victims = append(victims, m.buf[idx].msg)
		}
		label := dominantLane(victims)
		m.mu.Unlock()

		if m.summarize == nil {
			return ErrNoSummarizer
		}
		summary, err := m.summarize(ctx, compactionPrompt(victims, label))
		if err != nil {
			// Failure semantics: abort, leave buffer unchanged, caller
			// retries on the next Add above threshold.
			return errors.Wrapf(ErrSummarizationFailed, "summarizer: %v", err)
		}

		if m.store == nil {
			return errors.New("vm: compaction requires a configured PageStore")
		}
		pageID, err := m.store.Create(ctx, victims, summary, label)
		if err != nil {
			return errors.Wrap(err, "vm: create page")
		}

		m.mu.Lock()
		replacement := bufEntry{pageID: pageID, pageLabel: label, pageSummary: summary}
		first, last := span[0], span[len(span)-1]
		newBuf := make([]bufEntry, 0, len(m.buf)-(last-first))
		newBuf = append(newBuf, m.buf[:first]...)
		newBuf = append(newBuf, replacement)
		newBuf = append(newBuf, m.buf[last+1:]...)
		m.buf = newBuf
		m.compactionRuns++
		m.mu.Unlock()
	}
	return nil
}

// selectVictimSpanLocked builds the keep set, then a contiguous victim span
// from the oldest end extended for tool pairing (spec.md §4.3 steps 2-3).
// No per-message score is computed, so weights does not affect the
// selection. Caller must hold m.mu.
func (m *Memory) selectVictimSpanLocked(weights map[Role]float64, tau float64, minRecentPerLane int) []int {
	keep := make(map[int]bool)
	laneSeen := map[Role]int{}
	for i := len(m.buf) - 1; i >= 0; i-- {
		e := m.buf[i]
		if e.isPage() {
			continue
		}
		if e.msg.Role == RoleSystem {
			keep[i] = true
			continue
		}
		if laneSeen[e.msg.Role] < minRecentPerLane {
			laneSeen[e.msg.Role]++
			keep[i] = true
			continue
		}
		if e.msg.Importance >= tau {
			keep[i] = true
			continue
		}
		if e.msg.Protected {
			keep[i] = true
		}
	}

	// Step 3: contiguous victim span from the oldest end.
	start := -1
	end := -1
	for i, e := range m.buf {
		if e.isPage() || keep[i] {
			if start >= 0 {
				break
			}
			continue
		}
		if start < 0 {
			start = i
		}
		end = i
	}
	if start < 0 {
		return nil
	}

	span := make(map[int]bool)
	for i := start; i <= end; i++ {
		span[i] = true
	}

	// Extend for tool pairing: fixed point over assistant<->tool linkage.
	for changed := true; changed; {
		changed = false
		for i := range span {
			e := m.buf[i]
			if e.isPage() {
				continue
			}
			if e.msg.Role == RoleAssistant && len(e.msg.ToolCalls) > 0 {
				for _, tc := range e.msg.ToolCalls {
					if j, ok := findToolResult(m.buf, tc.ID); ok && !span[j] {
						if m.buf[j].msg.Protected {
							// cannot tear a protected pair apart; abandon
							// this message's inclusion instead.
							delete(span, i)
							changed = true
							continue
						}
						span[j] = true
						changed = true
					}
				}
			}
			if e.msg.Role == RoleTool {
				if j, ok := findToolCallOwner(m.buf, e.msg.ToolCallID); ok && !span[j] {
					if m.buf[j].msg.Protected {
						delete(span, i)
						changed = true
						continue
					}
					span[j] = true
					changed = true
				}
			}
		}
	}

	out := make([]int, 0, len(span))
	for i := range span {
		out = append(out, i)
	}
	sortInts(out)
	return contiguousRange(out)
}

// contiguousRange closes any gaps introduced by tool-pairing extension so
// the caller can splice a single [first:last] range of m.buf.
func contiguousRange(sorted []int) []int {
	if len(sorted) == 0 {
		return nil
	}
	first, last := sorted[0], sorted[len(sorted)-1]
	out := make([]int, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, i)
	}
	return out
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func findToolResult(buf []bufEntry, callID string) (int, bool) {
	for i, e := range buf {
		if !e.isPage() && e.msg.Role == RoleTool && e.msg.ToolCallID == callID {
			return i, true
		}
	}
	return 0, false
}

func findToolCallOwner(buf []bufEntry, callID string) (int, bool) {
	for i, e := range buf {
		if e.isPage() || e.msg.Role != RoleAssistant {
			continue
		}
		if hasToolCallID(e.msg.ToolCalls, callID) {
			return i, true
		}
	}
	return 0, false
}

func dominantLane(msgs []Message) string {
	counts := map[Role]int{}
	for _, m := range msgs {
		counts[m.Role]++
	}
	best := RoleUser
	bestN := -1
	for role, n := range counts {
		if n > bestN {
			best, bestN = role, n
		}
	}
	return string(best)
}

func compactionPrompt(victims []Message, label string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summarize the following %s-dominant conversation span so it can be referenced later without its full content:\n\n", label)
	for _, v := range victims {
		fmt.Fprintf(&sb, "[%s] %s\n", v.Role, truncate(v.Content, 2000))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
