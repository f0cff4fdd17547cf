package tokenest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTextMonotonic(t *testing.T) {
	short := EstimateText("hello")
	long := EstimateText(strings.Repeat("hello world ", 50))
	assert.Greater(t, long, short)
}

func TestEstimateTextCap(t *testing.T) {
	huge := strings.Repeat("x", MaxMessageChars*3)
	capped := strings.Repeat("x", MaxMessageChars)
	assert.Equal(t, EstimateText(capped), EstimateText(huge))
}

func TestEstimateAdditive(t *testing.T) {
	a := []string{"hello there"}
	b := []string{"general kenobi"}
	combined := append(append([]string{}, a...), b...)
	assert.Equal(t, Estimate(a)+Estimate(b), Estimate(combined))
}

func TestEstimateEmpty(t *testing.T) {
	assert.Equal(t, 0, Estimate(nil))
	assert.Greater(t, EstimateText(""), 0, "envelope overhead still costs tokens")
}
