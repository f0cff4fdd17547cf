package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/jingkaihe/kodelet-memcore/pkg/tokenest"
	"github.com/pkg/errors"
)

// bufEntry is one slot in Memory's ordered buffer. A normal slot carries a
// live Message; a page slot carries a reference to a Page created by a
// prior compaction and renders either its cached summary text or, when the
// page is loaded (Ref'd), the page's raw messages.
type bufEntry struct {
	msg         Message
	pageID      string
	pageLabel   string
	pageSummary string
}

func (e bufEntry) isPage() bool { return e.pageID != "" }

// Memory is the lane-aware, page-backed conversation buffer described in
// spec.md §4.3. It is safe for concurrent use, though the turn loop that
// owns it is expected to be the sole writer during a round (§5).
type Memory struct {
	mu sync.Mutex

	budget    Budget
	store     PageStore
	summarize Summarizer

	buf     []bufEntry
	nextSeq int64

	thinkingBudget float64

	loaded    map[string]bool // pageID -> currently ref'd/loaded
	loadOrder []string

	compacting     bool
	pendingCompact bool
	compactionRuns int64 // incremented once per page actually created by compaction

	laneWeights map[Role]float64
}

// New constructs a Memory. store may be nil only if the caller never
// triggers compaction (e.g. tests exercising Add/Messages in isolation);
// summarize may be nil for the same reason — CompactWithHints/PreToolCompact
// return ErrNoSummarizer if invoked without one.
func New(budget Budget, store PageStore, summarize Summarizer) *Memory {
	return &Memory{
		budget:         budget,
		store:          store,
		summarize:      summarize,
		thinkingBudget: 0.5,
		loaded:         make(map[string]bool),
		laneWeights: map[Role]float64{
			RoleSystem:    5.0,
			RoleUser:      1.0,
			RoleAssistant: 1.0,
			RoleTool:      0.9,
		},
	}
}

// Add appends a message to the buffer. If the resulting estimate exceeds
// the high-water ratio of the working budget, a compaction is run before
// Add returns (synchronous here: the surrounding turn loop is itself
// single-threaded/cooperative per spec.md §5, so there is no benefit to
// deferring to a goroutine; compacting/pendingCompact still guard against
// reentrancy if Add is ever called concurrently, e.g. from a background
// tool callback).
func (m *Memory) Add(ctx context.Context, msg Message) {
	m.mu.Lock()
	msg.seq = m.nextSeq
	m.nextSeq++
	m.buf = append(m.buf, bufEntry{msg: msg})
	over := m.estimateLocked() > int(float64(m.budget.WorkingMemoryTokens)*m.budget.HighWaterRatio)
	m.mu.Unlock()

	if over {
		_ = m.CompactWithHints(ctx, CompactHints{})
	}
}

// Messages returns the current resident projection: system blocks, loaded
// page content or page summaries in their original position, and resident
// lane messages, in append order. The tool-call/tool-result pairing
// post-condition (spec.md §4.3 step 6) is enforced here before returning.
func (m *Memory) Messages(ctx context.Context) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projectionLocked(ctx)
}

func (m *Memory) projectionLocked(ctx context.Context) []Message {
	out := make([]Message, 0, len(m.buf))
	for _, e := range m.buf {
		if !e.isPage() {
			out = append(out, e.msg)
			continue
		}
		if m.loaded[e.pageID] {
			page, err := m.store.Load(ctx, e.pageID)
			if err == nil && page != nil {
				out = append(out, page.RawMessages...)
				continue
			}
			// dangling ref: fall through to summary rendering
		}
		out = append(out, Message{
			Role:    RoleSystem,
			From:    "pagestore",
			Content: fmt.Sprintf("[PAGE %s (%s): %s]", e.pageID, e.pageLabel, e.pageSummary),
		})
	}
	return stripOrphanToolPairs(out)
}

// stripOrphanToolPairs enforces spec.md §4.3 step 6: every assistant
// tool_calls message must be immediately followed by tool-role messages
// covering every call id, and every tool-role message's call id must match
// a tool_calls entry in the message immediately preceding it. Orphans on
// either side are stripped rather than the whole message being dropped.
func stripOrphanToolPairs(in []Message) []Message {
	out := make([]Message, 0, len(in))
	for i, msg := range in {
		switch msg.Role {
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, msg)
				continue
			}
			have := map[string]bool{}
			if i+1 < len(in) {
				for j := i + 1; j < len(in) && in[j].Role == RoleTool; j++ {
					have[in[j].ToolCallID] = true
				}
			}
			kept := msg.ToolCalls[:0:0]
			for _, tc := range msg.ToolCalls {
				if have[tc.ID] {
					kept = append(kept, tc)
				}
			}
			msg.ToolCalls = kept
			out = append(out, msg)
		case RoleTool:
			prevHasCall := i > 0 && in[i-1].Role == RoleAssistant && hasToolCallID(in[i-1].ToolCalls, msg.ToolCallID)
			if !prevHasCall {
				// look back further: a run of tool messages following one
				// assistant message all pair against that same message.
				j := i - 1
				for j >= 0 && in[j].Role == RoleTool {
					j--
				}
				if j >= 0 && in[j].Role == RoleAssistant && hasToolCallID(in[j].ToolCalls, msg.ToolCallID) {
					prevHasCall = true
				}
			}
			if prevHasCall {
				out = append(out, msg)
			}
		default:
			out = append(out, msg)
		}
	}
	return out
}

func hasToolCallID(calls []ToolCall, id string) bool {
	for _, c := range calls {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Ref loads a page's raw messages into the projection at the position its
// placeholder holds. Per DESIGN NOTES (open question), explicit Ref always
// materializes raw content; semantic "fill" (not auto-loading) is handled
// by the turn loop's ref('?query') marker, which never calls Ref.
func (m *Memory) Ref(ctx context.Context, pageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasPageLocked(pageID) {
		return ErrPageNotFound
	}
	if err := m.store.IncRef(ctx, pageID); err != nil {
		return errors.Wrap(err, "vm: incref page")
	}
	if !m.loaded[pageID] {
		m.loaded[pageID] = true
		m.loadOrder = append(m.loadOrder, pageID)
	}
	return nil
}

// Unref releases a page back to summary-only rendering.
func (m *Memory) Unref(ctx context.Context, pageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasPageLocked(pageID) {
		return ErrPageNotFound
	}
	if err := m.store.DecRef(ctx, pageID); err != nil {
		return errors.Wrap(err, "vm: decref page")
	}
	delete(m.loaded, pageID)
	for i, id := range m.loadOrder {
		if id == pageID {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) hasPageLocked(pageID string) bool {
	for _, e := range m.buf {
		if e.pageID == pageID {
			return true
		}
	}
	return false
}

// ProtectMessage exempts a message from this-turn compaction. Matching is
// by sequence identity, so the caller must pass back the exact Message
// value (or one with the same internal identity) obtained from Messages().
func (m *Memory) ProtectMessage(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.buf {
		if !m.buf[i].isPage() && m.buf[i].msg.seq == msg.seq {
			m.buf[i].msg.Protected = true
			return
		}
	}
}

// ClearProtectedMessages clears protection on every message, called at
// round end.
func (m *Memory) ClearProtectedMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.buf {
		if !m.buf[i].isPage() {
			m.buf[i].msg.Protected = false
		}
	}
}

// GrepPages delegates to the page store.
func (m *Memory) GrepPages(ctx context.Context, pattern string, opts GrepOptions) ([]GrepMatch, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Grep(ctx, pattern, opts)
}

// SetThinkingBudget stores the thinking-budget lever, clamped to [0,1].
// Compaction does not read it: its aggressiveness comes from
// CompactHints.Aggressiveness (0.3 when zero).
func (m *Memory) SetThinkingBudget(x float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thinkingBudget = clamp01(x)
}

// PreToolCompact proactively compacts if usage exceeds threshold (default
// 0.80) so about-to-arrive tool results have room.
func (m *Memory) PreToolCompact(ctx context.Context, threshold float64) error {
	if threshold <= 0 {
		threshold = m.budget.PreToolRatio
	}
	m.mu.Lock()
	over := m.estimateLocked() > int(float64(m.budget.WorkingMemoryTokens)*threshold)
	m.mu.Unlock()
	if !over {
		return nil
	}
	return m.CompactWithHints(ctx, CompactHints{})
}

// GetPageState captures the warm-state-capturable page bookkeeping.
func (m *Memory) GetPageState(ctx context.Context) PageState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := PageState{RefCounts: map[string]int{}}
	for id := range m.loaded {
		s.ActivePageIDs = append(s.ActivePageIDs, id)
	}
	s.LoadOrder = append([]string{}, m.loadOrder...)
	for _, e := range m.buf {
		if !e.isPage() {
			continue
		}
		if e.pageID == "" || m.store == nil {
			continue
		}
		if page, err := m.store.Load(ctx, e.pageID); err == nil && page != nil {
			s.RefCounts[e.pageID] = page.RefCount
			if page.Pinned {
				s.PinnedIDs = append(s.PinnedIDs, e.pageID)
			}
		}
	}
	return s
}

// RestorePageState restores page bookkeeping from a prior snapshot. It is
// the identity's inverse of GetPageState: RestorePageState(GetPageState())
// is a no-op on an unchanged Memory.
func (m *Memory) RestorePageState(ctx context.Context, s PageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = make(map[string]bool, len(s.ActivePageIDs))
	for _, id := range s.ActivePageIDs {
		m.loaded[id] = true
	}
	m.loadOrder = append([]string{}, s.LoadOrder...)
	return nil
}

func (m *Memory) estimateLocked() int {
	texts := make([]string, 0, len(m.buf))
	for _, e := range m.buf {
		if e.isPage() {
			texts = append(texts, e.pageSummary)
			continue
		}
		texts = append(texts, e.msg.Content)
	}
	return tokenest.Estimate(texts)
}

// CompactionRuns returns the number of times compaction has actually
// created a page so far (as opposed to being invoked and finding nothing
// to page). The turn loop snapshots this before and after a round to know
// whether compaction remediated that round's context pressure, independent
// of whether it was triggered by a marker or the automatic high-water
// check inside Add.
func (m *Memory) CompactionRuns() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compactionRuns
}

// Estimate returns the current estimated token usage of the resident
// buffer (not including loaded-page expansion: a page entry counts only
// its summary text).
func (m *Memory) Estimate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimateLocked()
}

// Budget returns the currently enforced token budget.
func (m *Memory) Budget() Budget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget
}

// SetBudget hot-reloads the enforced token budget, used by the turn loop's
// `max-context` marker handler to resize working memory mid-session.
func (m *Memory) SetBudget(budget Budget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budget = budget
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
