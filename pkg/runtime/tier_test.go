package runtime_test

import (
	"testing"

	"github.com/jingkaihe/kodelet-memcore/pkg/runtime"
	"github.com/stretchr/testify/assert"
)

func TestTierForBudgetThresholds(t *testing.T) {
	assert.Equal(t, runtime.TierLow, runtime.TierForBudget(0.0))
	assert.Equal(t, runtime.TierLow, runtime.TierForBudget(0.24))
	assert.Equal(t, runtime.TierMid, runtime.TierForBudget(0.25))
	assert.Equal(t, runtime.TierMid, runtime.TierForBudget(0.64))
	assert.Equal(t, runtime.TierHigh, runtime.TierForBudget(0.65))
	assert.Equal(t, runtime.TierHigh, runtime.TierForBudget(1.0))
}

func TestTierForBudgetIsMonotonic(t *testing.T) {
	budgets := []float64{0, 0.1, 0.24, 0.25, 0.5, 0.64, 0.65, 0.9, 1.0}
	for i := 1; i < len(budgets); i++ {
		assert.LessOrEqual(t, runtime.TierForBudget(budgets[i-1]), runtime.TierForBudget(budgets[i]))
	}
}

func TestModelForTierClampsToMaxTier(t *testing.T) {
	ladder := runtime.TierLadder{
		Provider: "demo",
		Models: map[runtime.Tier]string{
			runtime.TierLow:  "demo-low",
			runtime.TierMid:  "demo-mid",
			runtime.TierHigh: "demo-high",
		},
	}
	model, clamped, ok := ladder.ModelForTier(runtime.TierHigh, runtime.TierMid)
	assert.True(t, ok)
	assert.Equal(t, runtime.TierMid, clamped)
	assert.Equal(t, "demo-mid", model)
}

func TestSelectModelFallsThroughToNextProvider(t *testing.T) {
	ladders := []runtime.TierLadder{
		{Provider: "thin", Models: map[runtime.Tier]string{runtime.TierLow: "thin-low"}},
		{Provider: "full", Models: map[runtime.Tier]string{
			runtime.TierLow:  "full-low",
			runtime.TierMid:  "full-mid",
			runtime.TierHigh: "full-high",
		}},
	}
	provider, model, tier, ok := runtime.SelectModel(ladders, runtime.TierHigh, runtime.TierHigh)
	assert.True(t, ok)
	assert.Equal(t, "full", provider)
	assert.Equal(t, "full-high", model)
	assert.Equal(t, runtime.TierHigh, tier)
}

func TestSelectModelNoProviderHasAModel(t *testing.T) {
	ladders := []runtime.TierLadder{{Provider: "empty", Models: map[runtime.Tier]string{}}}
	_, _, _, ok := runtime.SelectModel(ladders, runtime.TierLow, runtime.TierHigh)
	assert.False(t, ok)
}
