package runtime

// Tier is a coarse thinking-intensity rank. Higher tiers select more
// capable (and slower/costlier) models.
type Tier int

const (
	TierLow Tier = iota
	TierMid
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMid:
		return "mid"
	case TierHigh:
		return "high"
	default:
		return "unknown"
	}
}

// TierForBudget maps a thinking budget to a tier using the spec's default
// thresholds: <0.25 low, <0.65 mid, else high. Monotonic in budget
// (property 8: a <= b implies TierForBudget(a) <= TierForBudget(b)).
func TierForBudget(budget float64) Tier {
	switch {
	case budget < 0.25:
		return TierLow
	case budget < 0.65:
		return TierMid
	default:
		return TierHigh
	}
}

// ParseTier maps a config/flag string ("low", "mid", "high") to a Tier.
// Unrecognized input falls back to TierHigh, ok=false, so a misconfigured
// --max-tier fails open to "no cap" rather than silently clamping to low.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "low":
		return TierLow, true
	case "mid":
		return TierMid, true
	case "high":
		return TierHigh, true
	default:
		return TierHigh, false
	}
}

// TierLadder maps tiers to model ids for a single provider, in ascending
// tier order.
type TierLadder struct {
	Provider string
	Models   map[Tier]string
}

// ModelForTier clamps the requested tier to maxTier (a --max-tier cap)
// before resolving a model id. If the clamped tier's model is absent for
// this provider, ok is false so the caller can try the next provider in
// its preference list (spec.md §4.6's cross-provider tier selection).
func (l TierLadder) ModelForTier(requested, maxTier Tier) (model string, clamped Tier, ok bool) {
	clamped = requested
	if clamped > maxTier {
		clamped = maxTier
	}
	model, ok = l.Models[clamped]
	return model, clamped, ok
}

// SelectModel iterates ladders in preference order and returns the first
// provider with a non-empty model at the (maxTier-clamped) target tier.
// An explicit floor model (--model) is applied by the caller: it never
// demotes the lever's selection, only promotes past it (spec.md §4.6).
func SelectModel(ladders []TierLadder, target, maxTier Tier) (provider, model string, tier Tier, ok bool) {
	for _, l := range ladders {
		if m, clamped, found := l.ModelForTier(target, maxTier); found && m != "" {
			return l.Provider, m, clamped, true
		}
	}
	return "", "", 0, false
}

// TierOfModel finds the tier a model id resolves to in any ladder, used by
// the caller to compute an explicit --model floor's tier rank (spec.md
// §4.6's "an explicit --model sets a floor" clamp).
func TierOfModel(ladders []TierLadder, modelID string) (Tier, bool) {
	for _, l := range ladders {
		for tier, m := range l.Models {
			if m == modelID {
				return tier, true
			}
		}
	}
	return 0, false
}
