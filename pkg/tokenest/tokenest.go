// Package tokenest provides a fast, deterministic, provider-independent
// estimate of token counts for conversation content. It never calls out
// to a provider and never blocks.
package tokenest

const (
	// MaxMessageChars caps the characters counted for a single message's
	// content so one pathological message can't blow up the estimate.
	MaxMessageChars = 24000

	// EnvelopeOverhead approximates the per-message wrapper (role, field
	// names, JSON punctuation) charged on top of raw content length.
	EnvelopeOverhead = 32

	// AvgCharsPerToken is the assumed average characters-per-token ratio.
	AvgCharsPerToken = 2.8
)

// EstimateText returns the estimated token count for a single string,
// applying the per-message cap and envelope overhead.
func EstimateText(s string) int {
	n := len(s)
	if n > MaxMessageChars {
		n = MaxMessageChars
	}
	return charsToTokens(n + EnvelopeOverhead)
}

// Estimate sums EstimateText across a set of texts, one per message. It is
// additive across the set modulo each text's own envelope overhead and cap.
func Estimate(texts []string) int {
	total := 0
	for _, t := range texts {
		total += EstimateText(t)
	}
	return total
}

func charsToTokens(chars int) int {
	tokens := float64(chars) / AvgCharsPerToken
	whole := int(tokens)
	if tokens > float64(whole) {
		whole++
	}
	return whole
}
