package violation_test

import (
	"testing"

	"github.com/jingkaihe/kodelet-memcore/pkg/violation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainTextStreakFiresAtThreshold(t *testing.T) {
	tr := violation.New(violation.DefaultThresholds())

	for i := 0; i < 2; i++ {
		results := tr.Observe(violation.RoundOutcome{HadToolCalls: false})
		assert.Empty(t, results)
	}
	results := tr.Observe(violation.RoundOutcome{HadToolCalls: false})
	require.Len(t, results, 1)
	assert.Equal(t, violation.KindPlainText, results[0].Kind)
	assert.Equal(t, 1, tr.TotalViolations())

	// streak resets after firing
	results = tr.Observe(violation.RoundOutcome{HadToolCalls: false})
	assert.Empty(t, results)
}

func TestToolCallResetsPlainTextStreak(t *testing.T) {
	tr := violation.New(violation.DefaultThresholds())

	tr.Observe(violation.RoundOutcome{HadToolCalls: false})
	tr.Observe(violation.RoundOutcome{HadToolCalls: false})
	results := tr.Observe(violation.RoundOutcome{HadToolCalls: true, ToolNames: []string{"read_file"}})
	assert.Empty(t, results)

	results = tr.Observe(violation.RoundOutcome{HadToolCalls: false})
	assert.Empty(t, results, "streak should have reset on the intervening tool-call round")
}

func TestIdleStreakFiresAtThreshold(t *testing.T) {
	tr := violation.New(violation.DefaultThresholds())

	for i := 0; i < 2; i++ {
		results := tr.Observe(violation.RoundOutcome{HadToolCalls: true, AllListenOnly: true, ToolNames: []string{"listen"}})
		assert.Empty(t, results)
	}
	results := tr.Observe(violation.RoundOutcome{HadToolCalls: true, AllListenOnly: true, ToolNames: []string{"listen"}})

	var kinds []violation.Kind
	for _, r := range results {
		kinds = append(kinds, r.Kind)
	}
	assert.Contains(t, kinds, violation.KindIdle)
}

func TestSleepModeSuppressesIdleAndLoopChecks(t *testing.T) {
	tr := violation.New(violation.DefaultThresholds())
	tr.SetSleeping(true)

	for i := 0; i < 5; i++ {
		results := tr.Observe(violation.RoundOutcome{HadToolCalls: true, AllListenOnly: true, ToolNames: []string{"listen"}})
		for _, r := range results {
			assert.NotEqual(t, violation.KindIdle, r.Kind)
			assert.NotEqual(t, violation.KindSameToolLoop, r.Kind)
		}
	}
}

func TestNonListenToolUseAutoWakes(t *testing.T) {
	tr := violation.New(violation.DefaultThresholds())
	tr.SetSleeping(true)

	tr.Observe(violation.RoundOutcome{HadToolCalls: true, AllListenOnly: false, ToolNames: []string{"write_file"}})
	assert.False(t, tr.Sleeping())
}

func TestSameToolLoopFiresOnRepeatedIdenticalSingleTool(t *testing.T) {
	tr := violation.New(violation.DefaultThresholds())

	var last []violation.Result
	for i := 0; i < 3; i++ {
		last = tr.Observe(violation.RoundOutcome{HadToolCalls: true, ToolNames: []string{"grep"}})
	}

	var kinds []violation.Kind
	for _, r := range last {
		kinds = append(kinds, r.Kind)
	}
	assert.Contains(t, kinds, violation.KindSameToolLoop)
}

func TestSameToolLoopDoesNotFireOnVariedTools(t *testing.T) {
	tr := violation.New(violation.DefaultThresholds())

	tools := []string{"grep", "read_file", "grep", "write_file"}
	for _, name := range tools {
		results := tr.Observe(violation.RoundOutcome{HadToolCalls: true, ToolNames: []string{name}})
		for _, r := range results {
			assert.NotEqual(t, violation.KindSameToolLoop, r.Kind)
		}
	}
}

func TestContextPressureFiresAfterConsecutiveUnremediatedRounds(t *testing.T) {
	tr := violation.New(violation.DefaultThresholds())
	toolsUsed := []string{"read_file", "write_file", "grep"}

	for i := 0; i < 2; i++ {
		results := tr.Observe(violation.RoundOutcome{
			HadToolCalls: true, ToolNames: []string{toolsUsed[i]},
			UsageOverHighRatio: true, Remediated: false,
		})
		assert.Empty(t, results)
	}
	results := tr.Observe(violation.RoundOutcome{
		HadToolCalls: true, ToolNames: []string{toolsUsed[2]},
		UsageOverHighRatio: true, Remediated: false,
	})
	require.Len(t, results, 1)
	assert.Equal(t, violation.KindContextPressure, results[0].Kind)
}

func TestRemediationResetsContextPressureStreak(t *testing.T) {
	tr := violation.New(violation.DefaultThresholds())
	toolCall := func(name string, overRatio, remediated bool) violation.RoundOutcome {
		return violation.RoundOutcome{
			HadToolCalls: true, ToolNames: []string{name},
			UsageOverHighRatio: overRatio, Remediated: remediated,
		}
	}

	tr.Observe(toolCall("read_file", true, false))
	tr.Observe(toolCall("write_file", true, true))
	results := tr.Observe(toolCall("grep", true, false))
	assert.Empty(t, results)
}

func TestPenaltyFactorAccumulatesWithViolations(t *testing.T) {
	tr := violation.New(violation.DefaultThresholds())
	assert.Equal(t, 1.0, tr.PenaltyFactor())

	for i := 0; i < 3; i++ {
		tr.Observe(violation.RoundOutcome{HadToolCalls: false})
	}
	assert.Equal(t, 1, tr.TotalViolations())
	assert.InDelta(t, 1.1, tr.PenaltyFactor(), 1e-9)
}
