package turnloop

import (
	"context"
	"strconv"
	"strings"

	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
	"github.com/jingkaihe/kodelet-memcore/pkg/marker"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
)

// roundMarkerState accumulates marker side effects that can't be applied
// immediately (the assistant message doesn't exist yet while markers are
// still streaming in) and flags that must be checked after the round's
// parser.Flush().
type roundMarkerState struct {
	pendingImportance *float64
	rebootRequested   bool
	remediated        bool // a max-context marker fired this round
}

// buildMarkerHandlers wires the markers that have a turn-loop side effect
// to their spec.md §4.6 dispatch semantics, bound to this round's mutable
// state. The reserved names recall, ctrl, learn, temp, top_k, top_p and
// export (marker.go's reservedNames) have no handler here.
func (r *Runner) buildMarkerHandlers(ctx context.Context, rm *roundMarkerState) map[string]marker.Handler {
	return map[string]marker.Handler{
		"model-change": func(_, arg string) error {
			arg = strings.TrimSpace(arg)
			if arg == "" {
				return nil
			}
			r.Runtime.SetActiveModel(arg)
			if driver, ok := r.Drivers[arg]; ok {
				r.activeDriver = driver
			}
			return nil
		},
		"think": func(_, _ string) error {
			r.Runtime.AdjustThinkingBudget(0.3)
			r.thinkingMarkerSeen = true
			return nil
		},
		"relax": func(_, _ string) error {
			r.Runtime.AdjustThinkingBudget(-0.3)
			r.thinkingMarkerSeen = true
			return nil
		},
		"thinking": func(_, arg string) error {
			x, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
			if err != nil {
				return err
			}
			r.Runtime.SetThinkingBudget(x)
			r.thinkingMarkerSeen = true
			return nil
		},
		"ref": func(_, arg string) error {
			return r.handleRef(ctx, arg)
		},
		"unref": func(_, arg string) error {
			for _, id := range splitIDs(arg) {
				if err := r.mem().Unref(ctx, id); err != nil {
					logger.G(ctx).WithError(err).WithField("page", id).Warn("turnloop: unref failed")
				}
			}
			return nil
		},
		"importance": func(_, arg string) error {
			x, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
			if err != nil {
				return err
			}
			rm.pendingImportance = &x
			return nil
		},
		"sleep": func(_, _ string) error {
			r.Violations.SetSleeping(true)
			return nil
		},
		"wake": func(_, _ string) error {
			r.Violations.SetSleeping(false)
			return nil
		},
		"max-context": func(_, arg string) error {
			size, err := parseSizeArg(arg)
			if err != nil {
				return err
			}
			r.mem().SetBudget(vm.DefaultBudget(size))
			rm.remediated = true
			return nil
		},
		"memory": func(_, arg string) error {
			r.memoryType = strings.TrimSpace(arg)
			logger.G(ctx).WithField("memoryType", r.memoryType).
				Info("turnloop: memory marker observed (single-backend module, recorded but not swapped)")
			return nil
		},
		"view": func(_, arg string) error {
			if r.Sensory == nil {
				return nil
			}
			return r.Sensory.HandleViewMarker(ctx, arg)
		},
		"sense": func(_, arg string) error {
			if r.Sensory == nil {
				return nil
			}
			r.Sensory.HandleSenseMarker(arg)
			return nil
		},
		"resize": func(_, arg string) error {
			if r.Sensory == nil {
				return nil
			}
			return r.Sensory.HandleResizeMarker(arg)
		},
		"reboot": func(_, _ string) error {
			rm.rebootRequested = true
			return nil
		},
	}
}

// handleRef applies the `ref(id[,id...])` / `ref('?query')` marker: a
// leading "?" is a semantic search against the page index (logged, never
// auto-loaded); anything else is a literal comma-separated id list to Ref.
func (r *Runner) handleRef(ctx context.Context, arg string) error {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "?") {
		query := strings.TrimPrefix(arg, "?")
		matches, err := r.mem().GrepPages(ctx, query, vm.GrepOptions{MaxResults: 10})
		if err != nil {
			return err
		}
		logger.G(ctx).WithField("query", query).WithField("matches", len(matches)).
			Info("turnloop: ref semantic search")
		return nil
	}
	for _, id := range splitIDs(arg) {
		if err := r.mem().Ref(ctx, id); err != nil {
			logger.G(ctx).WithError(err).WithField("page", id).Warn("turnloop: ref failed")
		}
	}
	return nil
}

func splitIDs(arg string) []string {
	parts := strings.Split(arg, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSizeArg parses a `max-context` size argument with an optional k/m
// suffix (e.g. "64k", "2m", "131072").
func parseSizeArg(arg string) (int, error) {
	arg = strings.TrimSpace(strings.ToLower(arg))
	mult := 1
	switch {
	case strings.HasSuffix(arg, "k"):
		mult = 1024
		arg = strings.TrimSuffix(arg, "k")
	case strings.HasSuffix(arg, "m"):
		mult = 1024 * 1024
		arg = strings.TrimSuffix(arg, "m")
	}
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
