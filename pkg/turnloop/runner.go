package turnloop

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
	"github.com/jingkaihe/kodelet-memcore/pkg/marker"
	"github.com/jingkaihe/kodelet-memcore/pkg/runtime"
	"github.com/jingkaihe/kodelet-memcore/pkg/sensory"
	"github.com/jingkaihe/kodelet-memcore/pkg/telemetry"
	"github.com/jingkaihe/kodelet-memcore/pkg/violation"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// ErrRebootRequested is returned by Run when a `reboot` marker fired: the
// caller (typically a supervised-mode cmd wiring) is expected to emit a
// warmstate reload snapshot and exit with code 75.
var ErrRebootRequested = errors.New("turnloop: reboot requested")

// RetryConfig tunes the driver-call retry loop (grounded on the teacher's
// openai.go/google.go retry.Do wiring of avast/retry-go).
type RetryConfig struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig mirrors the teacher's defaults in shape: a handful of
// attempts with capped exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Runner executes the bounded model-call <-> tool-call fixed point for a
// single user turn.
type Runner struct {
	Mem     *vm.Memory
	Sensory *sensory.Decorator // optional; nil means no sensory block

	Driver  ChatDriver
	Drivers map[string]ChatDriver // optional model-change argument -> driver map, for cross-provider model-change

	Tools      ToolExecutor
	Violations *violation.Tracker
	Runtime    *runtime.State
	Store      SessionStore
	SessionID  string
	Steer      SteerSource // optional; nil disables persistent-mode steer polling

	Ladders    []runtime.TierLadder
	MaxTier    runtime.Tier
	ModelFloor string // --model explicit floor; lever may promote past it, never demote below

	MaxRounds        int
	MaxIdleNudges    int
	Persistent       bool
	AutoSaveInterval int
	Retry            RetryConfig

	Abort AbortSignal

	// Spend accumulates token usage/cost across rounds, each round's cost
	// weighted by the violation tracker's current penalty factor.
	Spend runtime.Usage

	activeDriver       ChatDriver
	memoryType         string
	thinkingMarkerSeen bool
}

func (r *Runner) mem() *vm.Memory { return r.Mem }

func (r *Runner) projection(ctx context.Context) []vm.Message {
	if r.Sensory != nil {
		r.Sensory.Poll(ctx)
		return r.Sensory.Messages(ctx)
	}
	return r.Mem.Messages(ctx)
}

func (r *Runner) abortSignal() AbortSignal {
	if r.Abort == nil {
		return NeverAbort{}
	}
	return r.Abort
}

// Run executes rounds until the model stops calling tools, an abort signal
// fires, or MaxRounds is exhausted (in which case one final tool-less call
// produces closing text). Returns the accumulated clean text.
func (r *Runner) Run(ctx context.Context, userInput string) (string, error) {
	r.activeDriver = r.Driver
	r.Mem.Add(ctx, vm.Message{Role: vm.RoleUser, Content: userInput})

	maxRounds := r.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 50
	}

	var finalText string
	toolsInPlayAtExhaustion := false

	for round := 0; round < maxRounds; round++ {
		r.Runtime.StartRound()

		if r.abortSignal().Aborted() {
			r.Mem.Add(ctx, vm.Message{Role: vm.RoleSystem, From: "turnloop", Content: "turn aborted by external signal"})
			break
		}

		r.thinkingMarkerSeen = false

		text, toolCalls, usage, rebooted, markerRemediated, err := r.runExchange(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				r.Mem.Add(ctx, vm.Message{Role: vm.RoleSystem, From: "turnloop", Content: "turn cancelled"})
				break
			}
			return finalText, err
		}
		finalText = text
		r.recordSpend(usage)

		if !r.thinkingMarkerSeen {
			r.Runtime.DecayThinkingBudget()
		}

		if rebooted {
			return finalText, ErrRebootRequested
		}

		if len(toolCalls) == 0 {
			r.observeViolations(round, toolCalls, usage, false, markerRemediated)
			if r.Persistent && r.Runtime.IdleNudges() < r.MaxIdleNudges {
				r.Runtime.IncIdleNudges()
				if !r.injectSteerMessages(ctx) {
					r.Mem.Add(ctx, vm.Message{
						Role: vm.RoleSystem, From: "turnloop",
						Content: "continue, or call an idle/listen tool if there is nothing further to do",
					})
				}
				continue
			}
			break
		}
		r.Runtime.ResetIdleNudges()

		compactBeforeTools := r.Mem.CompactionRuns()
		failed, allListenOnly := r.runToolCalls(ctx, toolCalls)
		remediated := markerRemediated || r.Mem.CompactionRuns() != compactBeforeTools
		r.observeViolations(round, toolCalls, usage, allListenOnly, remediated)
		r.Mem.ClearProtectedMessages()

		n := r.Runtime.RecordRoundOutcome(failed)
		if failed {
			delay := time.Duration(math.Min(30000, 1000*math.Pow(2, float64(n-1)))) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}

		if r.AutoSaveInterval > 0 && (round+1)%r.AutoSaveInterval == 0 {
			r.autoSave(ctx)
		}

		if round == maxRounds-1 {
			toolsInPlayAtExhaustion = true
		}
	}

	if toolsInPlayAtExhaustion {
		r.Mem.Add(ctx, vm.Message{
			Role: vm.RoleSystem, From: "turnloop",
			Content: "max-rounds reached, no more tools",
		})
		text, _, _, _, _, err := r.runExchange(ctx)
		if err == nil {
			finalText = text
		}
	}

	return finalText, nil
}

// runExchange performs one model-call round: tier selection, sensory poll,
// a streamed driver.Chat call through the marker parser, and folding the
// clean text + tool calls back into memory.
func (r *Runner) runExchange(ctx context.Context) (text string, calls []ToolCall, usage runtime.Usage, rebooted bool, remediated bool, err error) {
	rm := &roundMarkerState{}
	p := marker.New(r.buildMarkerHandlers(ctx, rm))

	model := r.selectModel()

	opts := ChatOpts{
		Model:          model,
		Tools:          r.Tools.GetToolDefinitions(),
		ThinkingBudget: r.Runtime.ThinkingBudget(),
		OnToken:        func(s string) { p.Write([]byte(s)) },
	}

	messages := toChatMessages(r.projection(ctx))

	compactBefore := r.Mem.CompactionRuns()
	result, callErr := r.callDriverWithRetry(ctx, messages, opts)
	p.Flush()
	if callErr != nil {
		return "", nil, runtime.Usage{}, false, false, callErr
	}

	cleanText := p.CleanText()
	allCalls := result.ToolCalls

	assistantMsg := vm.Message{
		Role:      vm.RoleAssistant,
		Content:   cleanText,
		ToolCalls: toVMToolCalls(allCalls),
	}
	if rm.pendingImportance != nil {
		assistantMsg.Importance = *rm.pendingImportance
	}
	r.Mem.Add(ctx, assistantMsg)

	remediated = rm.remediated || r.Mem.CompactionRuns() != compactBefore
	return cleanText, allCalls, result.Usage, rm.rebootRequested, remediated, nil
}

// callDriverWithRetry wraps the retried driver call in a tracing span,
// generalizing the teacher's CreateMessageSpan/FinalizeMessageSpan (model,
// round usage, error status) from a single-provider Thread to the
// provider-agnostic ChatDriver contract.
func (r *Runner) callDriverWithRetry(ctx context.Context, messages []ChatMessage, opts ChatOpts) (ChatResult, error) {
	var result ChatResult
	err := telemetry.WithSpan(ctx, "turnloop.chat", func(ctx context.Context) error {
		res, err := r.callDriverWithRetryInner(ctx, messages, opts)
		result = res
		return err
	}, attribute.String("model", opts.Model), attribute.Int("message_count", len(messages)))
	return result, err
}

func (r *Runner) callDriverWithRetryInner(ctx context.Context, messages []ChatMessage, opts ChatOpts) (ChatResult, error) {
	cfg := r.Retry
	if cfg.Attempts == 0 {
		cfg = DefaultRetryConfig()
	}

	var result ChatResult
	err := retry.Do(
		func() error {
			res, err := r.activeDriver.Chat(ctx, messages, opts)
			if err != nil {
				return err
			}
			result = res
			return nil
		},
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.InitialDelay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("turnloop: retrying model call")
		}),
	)
	if err != nil {
		return ChatResult{}, errors.Wrap(err, "turnloop: driver call failed after retries")
	}
	return result, nil
}

// selectModel resolves the thinking-budget lever to a model id. An
// explicit --model floor (r.ModelFloor) never demotes below its own tier:
// the lever may promote past it, but the ladder-selected tier is raised to
// at least the floor's tier first (spec.md §4.6). If the floor's tier
// itself exceeds --max-tier, it is clamped down to MaxTier with a warning
// per spec.md §9's open-question resolution.
func (r *Runner) selectModel() string {
	if r.Runtime.ModelExplicitlySet() {
		return r.Runtime.ActiveModel()
	}
	if len(r.Ladders) == 0 {
		if r.ModelFloor != "" {
			return r.ModelFloor
		}
		return r.Runtime.ActiveModel()
	}

	tier := runtime.TierForBudget(r.Runtime.ThinkingBudget())
	if r.ModelFloor != "" {
		if floorTier, ok := runtime.TierOfModel(r.Ladders, r.ModelFloor); ok {
			if floorTier > r.MaxTier {
				logger.L.WithField("floor_model", r.ModelFloor).
					WithField("floor_tier", floorTier).WithField("max_tier", r.MaxTier).
					Warn("turnloop: --model floor tier exceeds --max-tier cap, clamping floor to max tier")
				floorTier = r.MaxTier
			}
			if floorTier > tier {
				tier = floorTier
			}
		}
	}

	_, model, _, ok := runtime.SelectModel(r.Ladders, tier, r.MaxTier)
	if !ok {
		if r.ModelFloor != "" {
			return r.ModelFloor
		}
		return r.Runtime.ActiveModel()
	}
	r.Runtime.SetTierSelectedModel(model)
	return model
}

// runToolCalls executes every tool call in order, each protected until the
// round ends, returning whether any call failed and whether every call
// made was to a listen-only tool (spec.md §4.7's idle-detector input).
func (r *Runner) runToolCalls(ctx context.Context, calls []ToolCall) (failed bool, allListenOnly bool) {
	allListenOnly = true
	for _, c := range calls {
		cleaned := r.stripInlineMarkers(ctx, c.ArgsJSON)

		result, listenOnly, callFailed := r.Tools.CallTool(ctx, c.Name, cleaned)
		if callFailed {
			failed = true
		}
		if !listenOnly {
			allListenOnly = false
		}

		toolMsg := vm.Message{
			Role:       vm.RoleTool,
			Content:    result,
			ToolCallID: c.ID,
			Name:       c.Name,
			Protected:  true,
		}
		r.Mem.Add(ctx, toolMsg)
		r.Mem.ProtectMessage(toolMsg)
	}
	return failed, allListenOnly
}

// stripInlineMarkers scans a tool call's string arguments for control
// markers, dispatching them and returning the marker-stripped text (spec.md
// §4.6: "parse args; scan string args for markers (strip and dispatch)").
func (r *Runner) stripInlineMarkers(ctx context.Context, argsJSON string) string {
	rm := &roundMarkerState{}
	p := marker.New(r.buildMarkerHandlers(ctx, rm))
	p.Write([]byte(argsJSON))
	p.Flush()
	return p.CleanText()
}

// observeViolations folds one round's outcome into the violation tracker
// and injects any remediation messages the tracker produced.
func (r *Runner) observeViolations(round int, calls []ToolCall, usage runtime.Usage, allListenOnly, remediated bool) []violation.Result {
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Name)
	}
	outcome := violation.RoundOutcome{
		HadToolCalls:       len(calls) > 0,
		ToolNames:          names,
		AllListenOnly:      allListenOnly,
		UsageOverHighRatio: usage.ShouldAutoCompact(r.Mem.Budget().HighWaterRatio),
		Remediated:         remediated,
	}
	results := r.Violations.Observe(outcome)
	for _, res := range results {
		r.Mem.Add(context.Background(), vm.Message{
			Role: vm.RoleUser, From: "violation",
			Content: fmt.Sprintf("VIOLATION #%d [%s] %s", res.Count, res.Kind, res.Message),
		})
	}
	return results
}

// injectSteerMessages polls pkg/steer's out-of-band side channel for
// messages queued against this session and folds them into memory as user
// turns, clearing the pending queue. Returns true if any were injected, in
// which case the idle-nudge's generic "continue" prompt is skipped since a
// steering message already gives the model something concrete to act on.
func (r *Runner) injectSteerMessages(ctx context.Context) bool {
	if r.Steer == nil {
		return false
	}
	pending, err := r.Steer.ReadPendingSteer(r.SessionID)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("turnloop: failed to read pending steer messages")
		return false
	}
	if len(pending) == 0 {
		return false
	}
	for _, m := range pending {
		r.Mem.Add(ctx, vm.Message{Role: vm.RoleUser, From: "steer", Content: m.Content})
	}
	if err := r.Steer.ClearPendingSteer(r.SessionID); err != nil {
		logger.G(ctx).WithError(err).Warn("turnloop: failed to clear pending steer messages")
	}
	return true
}

// recordSpend folds one round's usage into the running spend meter,
// scaling cost (not token counts) by the violation tracker's penalty
// factor, so repeated degenerate behavior is reflected in reported spend
// without distorting raw usage accounting.
func (r *Runner) recordSpend(usage runtime.Usage) {
	penalty := r.Violations.PenaltyFactor()
	usage.InputCost *= penalty
	usage.OutputCost *= penalty
	usage.CacheCreationCost *= penalty
	usage.CacheReadCost *= penalty
	r.Spend.Add(usage)
}

func (r *Runner) autoSave(ctx context.Context) {
	if r.Store == nil {
		return
	}
	messages := toChatMessages(r.Mem.Messages(ctx))
	if err := r.Store.Save(ctx, r.SessionID, messages, map[string]string{"memoryType": r.memoryType}); err != nil {
		logger.G(ctx).WithError(err).Warn("turnloop: auto-save failed")
	}
}
