// Package runtime holds the Turn Loop's per-turn mutable knobs: active
// model, thinking budget, sampling parameters, and round bookkeeping. It
// mirrors the mutex-guarded mutable-field pattern the teacher uses for a
// Thread's usage/tool-result state.
package runtime

import "sync"

// State is the process-wide RuntimeState record described in spec.md §3.
// All access goes through its methods, which hold an internal mutex.
type State struct {
	mu sync.Mutex

	activeModel  string
	thinkingBudget float64
	temperature  *float64
	topK         *int
	topP         *float64

	round                   int
	idleNudges              int
	consecutiveFailedRounds int
	modelExplicitlySet      bool
}

// New returns a State with the spec's default thinking budget (0.5, the
// decay target) and the given initial model.
func New(initialModel string) *State {
	return &State{activeModel: initialModel, thinkingBudget: 0.5}
}

// Snapshot is an immutable copy of State's fields, used for warm-state
// capture and for read-only inspection without holding the lock open.
type Snapshot struct {
	ActiveModel             string
	ThinkingBudget          float64
	Temperature             *float64
	TopK                    *int
	TopP                    *float64
	Round                   int
	IdleNudges              int
	ConsecutiveFailedRounds int
	ModelExplicitlySet      bool
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ActiveModel:             s.activeModel,
		ThinkingBudget:          s.thinkingBudget,
		Temperature:             s.temperature,
		TopK:                    s.topK,
		TopP:                    s.topP,
		Round:                   s.round,
		IdleNudges:              s.idleNudges,
		ConsecutiveFailedRounds: s.consecutiveFailedRounds,
		ModelExplicitlySet:      s.modelExplicitlySet,
	}
}

// Restore overwrites the state wholesale, used to apply a WarmState
// snapshot on restart.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeModel = snap.ActiveModel
	s.thinkingBudget = snap.ThinkingBudget
	s.temperature = snap.Temperature
	s.topK = snap.TopK
	s.topP = snap.TopP
	s.round = snap.Round
	s.idleNudges = snap.IdleNudges
	s.consecutiveFailedRounds = snap.ConsecutiveFailedRounds
	s.modelExplicitlySet = snap.ModelExplicitlySet
}

// ActiveModel returns the currently selected model id.
func (s *State) ActiveModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeModel
}

// SetActiveModel sets the model explicitly (via a model-change marker),
// marking ModelExplicitlySet so tier auto-selection doesn't override it
// for the remainder of the round.
func (s *State) SetActiveModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeModel = model
	s.modelExplicitlySet = true
}

// SetTierSelectedModel sets the model from tier auto-selection; it never
// overrides an explicit same-round choice — callers must check
// ModelExplicitlySet before calling this.
func (s *State) SetTierSelectedModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeModel = model
}

// ThinkingBudget returns the current [0,1] lever value.
func (s *State) ThinkingBudget() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinkingBudget
}

// AdjustThinkingBudget applies a `think`/`relax` marker: +/-0.3, clamped.
func (s *State) AdjustThinkingBudget(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinkingBudget = clamp01(s.thinkingBudget + delta)
}

// SetThinkingBudget applies a `thinking(x)` marker: set exactly.
func (s *State) SetThinkingBudget(x float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinkingBudget = clamp01(x)
}

// decayStep is the fraction of the remaining distance to the 0.5 mean
// that each round's decay recovers. Chosen so an initial budget of 0.8
// decays to approximately 0.74, 0.69, 0.65, 0.62, 0.60 over five rounds
// (spec.md §8 scenario S4), strictly monotonic toward 0.5 from either side.
const decayStep = 0.2

// DecayThinkingBudget regresses the budget toward 0.5 by decayStep of the
// remaining distance; called once per round that lacks an explicit
// think/relax/thinking marker.
func (s *State) DecayThinkingBudget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinkingBudget = s.thinkingBudget - (s.thinkingBudget-0.5)*decayStep
}

// StartRound resets ModelExplicitlySet and increments Round, per spec.md
// §3 ("Resets modelExplicitlySet each round").
func (s *State) StartRound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelExplicitlySet = false
	s.round++
	return s.round
}

// ModelExplicitlySet reports whether an explicit model-change marker was
// observed so far this round.
func (s *State) ModelExplicitlySet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelExplicitlySet
}

// IncIdleNudges records a persistent-mode idle nudge and returns the new
// count.
func (s *State) IncIdleNudges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleNudges++
	return s.idleNudges
}

// ResetIdleNudges clears the idle nudge counter (e.g. on tool use).
func (s *State) ResetIdleNudges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleNudges = 0
}

// IdleNudges returns the current idle nudge count.
func (s *State) IdleNudges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleNudges
}

// RecordRoundOutcome updates consecutive-failure bookkeeping: failed
// increments the counter (caller uses it to compute backoff), success
// resets it to zero.
func (s *State) RecordRoundOutcome(failed bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failed {
		s.consecutiveFailedRounds++
	} else {
		s.consecutiveFailedRounds = 0
	}
	return s.consecutiveFailedRounds
}

// ConsecutiveFailedRounds returns the current streak of failed rounds.
func (s *State) ConsecutiveFailedRounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailedRounds
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
