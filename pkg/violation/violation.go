// Package violation implements the persistent-mode degenerate-behavior
// monitor described in spec.md §4.7: a Tracker that observes each round's
// outcome and, on crossing a detector's threshold, returns a typed Result
// the turn loop consumes to inject a remediation message and emit a
// parseable stderr line — grounded on the teacher's hooks.Trigger pattern
// of returning a typed result object rather than a bare error.
package violation

import (
	"fmt"
	"os"

	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
)

// Kind identifies one of the four detectors.
type Kind string

const (
	KindPlainText       Kind = "plain_text"
	KindIdle            Kind = "idle"
	KindSameToolLoop    Kind = "same_tool_loop"
	KindContextPressure Kind = "context_pressure"
)

// Thresholds configures each detector's consecutive-round trigger count.
type Thresholds struct {
	PlainText       int
	Idle            int
	SameToolLoop    int
	ContextPressure int
}

// DefaultThresholds mirrors spec.md §4.7's defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PlainText:       3,
		Idle:            3,
		SameToolLoop:    3,
		ContextPressure: 3,
	}
}

// RoundOutcome is everything the Tracker needs to know about one completed
// round to run its four detectors.
type RoundOutcome struct {
	HadToolCalls       bool
	ToolNames          []string // names of tools called this round, in order
	AllListenOnly      bool     // every tool call this round was a "listen-only" tool
	UsageOverHighRatio bool
	Remediated         bool // this round ran a compaction or set max-context
}

// Result is returned by Observe when a detector fires.
type Result struct {
	Kind    Kind
	Count   int    // cumulative total violation count as of this fire, for "VIOLATION #N" messages
	Message string // user-role system-authored remediation message
}

// Tracker holds the four detectors' running consecutive-round counters.
type Tracker struct {
	thresholds Thresholds

	plainTextStreak int
	idleStreak      int
	pressureStreak  int

	lastToolSignature string
	sameToolStreak    int

	sleeping bool

	totalViolations int
}

// New creates a Tracker with the given thresholds.
func New(thresholds Thresholds) *Tracker {
	return &Tracker{thresholds: thresholds}
}

// SetSleeping toggles sleep-mode suppression (set by the `sleep` marker,
// cleared by any non-listen-only tool use per spec.md §4.7).
func (t *Tracker) SetSleeping(sleeping bool) {
	t.sleeping = sleeping
}

// Sleeping reports the current sleep-mode state.
func (t *Tracker) Sleeping() bool {
	return t.sleeping
}

// PenaltyFactor is the spend-accounting multiplier: 1 + 0.1 x
// totalViolations.
func (t *Tracker) PenaltyFactor() float64 {
	return 1 + 0.1*float64(t.totalViolations)
}

// TotalViolations returns the cumulative violation count across all kinds.
func (t *Tracker) TotalViolations() int {
	return t.totalViolations
}

// Observe feeds one round's outcome into all four detectors and returns
// any results that fired this round (more than one can fire simultaneously).
func (t *Tracker) Observe(outcome RoundOutcome) []Result {
	var results []Result

	// plain_text: assistant produced text without tool calls.
	if !outcome.HadToolCalls {
		t.plainTextStreak++
	} else {
		t.plainTextStreak = 0
	}
	if t.plainTextStreak >= t.thresholds.PlainText {
		results = append(results, t.fire(KindPlainText,
			"You have responded with plain text and no tool calls for several consecutive rounds. "+
				"If you have nothing further to do, use an idle/listen tool or end the turn explicitly."))
		t.plainTextStreak = 0
	}

	// Auto-wake on any non-listen-only tool use.
	if outcome.HadToolCalls && !outcome.AllListenOnly {
		t.sleeping = false
	}

	if !t.sleeping {
		// idle: consecutive rounds using only listen-only tools.
		if outcome.HadToolCalls && outcome.AllListenOnly {
			t.idleStreak++
		} else {
			t.idleStreak = 0
		}
		if t.idleStreak >= t.thresholds.Idle {
			results = append(results, t.fire(KindIdle,
				"You have spent several consecutive rounds only listening/observing with no substantive "+
					"action. Take a concrete step or use the sleep marker to suppress idle monitoring."))
			t.idleStreak = 0
		}

		// same_tool_loop: consecutive identical single-tool rounds.
		sig := toolSignature(outcome.ToolNames)
		if sig != "" && sig == t.lastToolSignature {
			t.sameToolStreak++
		} else {
			t.sameToolStreak = 1
		}
		t.lastToolSignature = sig
		if sig != "" && t.sameToolStreak >= t.thresholds.SameToolLoop {
			results = append(results, t.fire(KindSameToolLoop,
				fmt.Sprintf("You have called %q in an identical pattern for %d consecutive rounds. "+
					"Vary your approach or stop if the goal is already met.", sig, t.sameToolStreak)))
			t.sameToolStreak = 0
		}
	}

	// context_pressure: >= 3 consecutive rounds over high ratio with no
	// remediation. Not suppressed by sleep mode.
	if outcome.UsageOverHighRatio && !outcome.Remediated {
		t.pressureStreak++
	} else {
		t.pressureStreak = 0
	}
	if t.pressureStreak >= t.thresholds.ContextPressure {
		results = append(results, t.fire(KindContextPressure,
			"Context usage has remained above the high-water ratio for several consecutive rounds "+
				"without compaction or a max-context adjustment. Consider compacting or raising the context budget."))
		t.pressureStreak = 0
	}

	return results
}

func toolSignature(names []string) string {
	if len(names) != 1 {
		return ""
	}
	return names[0]
}

// fire increments the total violation count, emits a parseable stderr
// line for external supervisors, and returns the Result.
func (t *Tracker) fire(kind Kind, message string) Result {
	t.totalViolations++
	fmt.Fprintf(os.Stderr, "VIOLATION: kind=%s total=%d\n", kind, t.totalViolations)
	logger.L.WithField("kind", kind).WithField("total", t.totalViolations).Warn("violation: detector fired")
	return Result{Kind: kind, Count: t.totalViolations, Message: message}
}
