package runtime

// Usage accumulates token counts and derived cost for a conversation,
// grounded on the teacher's llmtypes.Usage shape (kept here instead of a
// dedicated types package since nothing else in this module needs a
// separate llm-types package once provider SDKs are out of scope).
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int

	InputCost         float64
	OutputCost        float64
	CacheCreationCost float64
	CacheReadCost     float64

	CurrentContextWindow int
	MaxContextWindow     int
}

// TotalTokens is the sum of all token categories.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// TotalCost is the sum of all cost categories.
func (u Usage) TotalCost() float64 {
	return u.InputCost + u.OutputCost + u.CacheCreationCost + u.CacheReadCost
}

// Add accumulates another Usage into u in place.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheCreationInputTokens += o.CacheCreationInputTokens
	u.CacheReadInputTokens += o.CacheReadInputTokens
	u.InputCost += o.InputCost
	u.OutputCost += o.OutputCost
	u.CacheCreationCost += o.CacheCreationCost
	u.CacheReadCost += o.CacheReadCost
	if o.CurrentContextWindow > 0 {
		u.CurrentContextWindow = o.CurrentContextWindow
	}
	if o.MaxContextWindow > 0 {
		u.MaxContextWindow = o.MaxContextWindow
	}
}

// ShouldAutoCompact reports whether current usage has crossed compactRatio
// of the max context window, mirroring the teacher's
// Thread.ShouldAutoCompact/shouldAutoCompact logic verbatim in shape.
func (u Usage) ShouldAutoCompact(compactRatio float64) bool {
	if compactRatio <= 0 || compactRatio > 1 || u.MaxContextWindow == 0 {
		return false
	}
	return float64(u.CurrentContextWindow)/float64(u.MaxContextWindow) >= compactRatio
}
