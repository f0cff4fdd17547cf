package runtime_test

import (
	"testing"

	"github.com/jingkaihe/kodelet-memcore/pkg/runtime"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsThinkingBudgetToHalf(t *testing.T) {
	s := runtime.New("base-model")
	assert.Equal(t, "base-model", s.ActiveModel())
	assert.Equal(t, 0.5, s.ThinkingBudget())
}

func TestSetActiveModelMarksExplicit(t *testing.T) {
	s := runtime.New("base-model")
	assert.False(t, s.ModelExplicitlySet())
	s.SetActiveModel("sonnet")
	assert.Equal(t, "sonnet", s.ActiveModel())
	assert.True(t, s.ModelExplicitlySet())
}

func TestStartRoundResetsExplicitFlagEachRound(t *testing.T) {
	s := runtime.New("base-model")
	s.SetActiveModel("sonnet")
	assert.True(t, s.ModelExplicitlySet())
	round := s.StartRound()
	assert.Equal(t, 1, round)
	assert.False(t, s.ModelExplicitlySet())
}

func TestAdjustThinkingBudgetClampsToUnitInterval(t *testing.T) {
	s := runtime.New("m")
	s.SetThinkingBudget(0.9)
	s.AdjustThinkingBudget(0.5)
	assert.Equal(t, 1.0, s.ThinkingBudget())
	s.SetThinkingBudget(0.1)
	s.AdjustThinkingBudget(-0.5)
	assert.Equal(t, 0.0, s.ThinkingBudget())
}

func TestDecayThinkingBudgetRegressesTowardHalf(t *testing.T) {
	s := runtime.New("m")
	s.SetThinkingBudget(0.8)
	prev := 0.8
	for i := 0; i < 5; i++ {
		s.DecayThinkingBudget()
		cur := s.ThinkingBudget()
		assert.Less(t, cur, prev, "budget should monotonically decay toward 0.5")
		assert.Greater(t, cur, 0.5)
		prev = cur
	}
}

func TestIdleNudgeCounterTracksAndResets(t *testing.T) {
	s := runtime.New("m")
	assert.Equal(t, 1, s.IncIdleNudges())
	assert.Equal(t, 2, s.IncIdleNudges())
	assert.Equal(t, 2, s.IdleNudges())
	s.ResetIdleNudges()
	assert.Equal(t, 0, s.IdleNudges())
}

func TestRecordRoundOutcomeTracksConsecutiveFailures(t *testing.T) {
	s := runtime.New("m")
	assert.Equal(t, 1, s.RecordRoundOutcome(true))
	assert.Equal(t, 2, s.RecordRoundOutcome(true))
	assert.Equal(t, 0, s.RecordRoundOutcome(false))
	assert.Equal(t, 0, s.ConsecutiveFailedRounds())
}

func TestSnapshotRestoreRoundTrips(t *testing.T) {
	s := runtime.New("m")
	s.SetActiveModel("sonnet")
	s.SetThinkingBudget(0.7)
	s.IncIdleNudges()
	s.RecordRoundOutcome(true)
	snap := s.Snapshot()

	restored := runtime.New("different-model")
	restored.Restore(snap)
	assert.Equal(t, "sonnet", restored.ActiveModel())
	assert.Equal(t, 0.7, restored.ThinkingBudget())
	assert.Equal(t, 1, restored.IdleNudges())
	assert.Equal(t, 1, restored.ConsecutiveFailedRounds())
	assert.True(t, restored.ModelExplicitlySet())
}
