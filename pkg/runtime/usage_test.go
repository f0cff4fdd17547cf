package runtime_test

import (
	"testing"

	"github.com/jingkaihe/kodelet-memcore/pkg/runtime"
	"github.com/stretchr/testify/assert"
)

func TestUsageTotalsSumAllCategories(t *testing.T) {
	u := runtime.Usage{
		InputTokens: 10, OutputTokens: 20, CacheCreationInputTokens: 1, CacheReadInputTokens: 2,
		InputCost: 0.1, OutputCost: 0.2, CacheCreationCost: 0.01, CacheReadCost: 0.02,
	}
	assert.Equal(t, 33, u.TotalTokens())
	assert.InDelta(t, 0.33, u.TotalCost(), 1e-9)
}

func TestUsageAddAccumulatesAndTracksLatestContextWindow(t *testing.T) {
	u := runtime.Usage{InputTokens: 5, CurrentContextWindow: 100, MaxContextWindow: 1000}
	u.Add(runtime.Usage{InputTokens: 5, CurrentContextWindow: 150})
	assert.Equal(t, 10, u.InputTokens)
	assert.Equal(t, 150, u.CurrentContextWindow)
	assert.Equal(t, 1000, u.MaxContextWindow)
}

func TestShouldAutoCompactCrossesRatio(t *testing.T) {
	u := runtime.Usage{CurrentContextWindow: 800, MaxContextWindow: 1000}
	assert.True(t, u.ShouldAutoCompact(0.8))
	assert.False(t, u.ShouldAutoCompact(0.81))
}

func TestShouldAutoCompactIgnoresInvalidRatioOrZeroWindow(t *testing.T) {
	u := runtime.Usage{CurrentContextWindow: 800, MaxContextWindow: 0}
	assert.False(t, u.ShouldAutoCompact(0.5))

	u2 := runtime.Usage{CurrentContextWindow: 800, MaxContextWindow: 1000}
	assert.False(t, u2.ShouldAutoCompact(0))
	assert.False(t, u2.ShouldAutoCompact(1.5))
}
