package main

import (
	"context"
	"path/filepath"

	"github.com/jingkaihe/kodelet-memcore/pkg/conversations"
	"github.com/jingkaihe/kodelet-memcore/pkg/llm/fakedriver"
	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
	"github.com/jingkaihe/kodelet-memcore/pkg/pagestore"
	"github.com/jingkaihe/kodelet-memcore/pkg/runtime"
	"github.com/jingkaihe/kodelet-memcore/pkg/steer"
	"github.com/jingkaihe/kodelet-memcore/pkg/turnloop"
	"github.com/jingkaihe/kodelet-memcore/pkg/violation"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// session bundles the wiring a single CLI invocation needs: the page
// store and conversation store backing a session's persistence, and the
// Virtual Memory instance built against them. Grounded on the teacher's
// per-command State construction in cmd/kodelet/run.go.
type session struct {
	Mem      *vm.Memory
	Pages    *pagestore.FileStore
	Convos   conversations.Store
	Driver   turnloop.ChatDriver
	BasePath string
}

func basePath() (string, error) {
	dir := viper.GetString("conversations_dir")
	if dir != "" {
		return filepath.Dir(dir), nil
	}
	p, err := conversations.GetDefaultBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Dir(p), nil
}

func openSession(ctx context.Context) (*session, error) {
	base, err := basePath()
	if err != nil {
		return nil, errors.Wrap(err, "memcore: resolve base path")
	}

	pages, err := pagestore.NewFileStore(ctx, base)
	if err != nil {
		return nil, errors.Wrap(err, "memcore: open page store")
	}

	convos, err := conversations.NewStore(ctx, "")
	if err != nil {
		return nil, errors.Wrap(err, "memcore: open conversation store")
	}

	driver := fakedriver.New(fakedriver.Response{Text: "(demo driver: no model configured)"})

	budget := vm.DefaultBudget(viper.GetInt("working_memory_tokens"))
	mem := vm.New(budget, pages, driverSummarizer(driver))

	return &session{Mem: mem, Pages: pages, Convos: convos, Driver: driver, BasePath: base}, nil
}

// driverSummarizer closes a vm.Summarizer over a ChatDriver.Chat call, the
// wiring SPEC_FULL.md's Virtual Memory section calls for: compaction's
// external summarizer is this session's own driver, given a single
// synthetic user turn carrying the compaction prompt and no tools.
func driverSummarizer(driver turnloop.ChatDriver) vm.Summarizer {
	return func(ctx context.Context, prompt string) (string, error) {
		result, err := driver.Chat(ctx, []turnloop.ChatMessage{
			{Role: "user", Content: prompt},
		}, turnloop.ChatOpts{})
		if err != nil {
			return "", errors.Wrap(err, "memcore: summarizer driver call failed")
		}
		return result.Text, nil
	}
}

// steerAdapter bridges pkg/steer's file-backed Store to
// turnloop.SteerSource, translating steer.Message to the package-decoupled
// turnloop.SteerMessage the same way storeAdapter bridges conversations.Store.
type steerAdapter struct {
	store *steer.Store
}

func (a *steerAdapter) ReadPendingSteer(sessionID string) ([]turnloop.SteerMessage, error) {
	msgs, err := a.store.ReadPendingSteer(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]turnloop.SteerMessage, len(msgs))
	for i, m := range msgs {
		out[i] = turnloop.SteerMessage{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

func (a *steerAdapter) ClearPendingSteer(sessionID string) error {
	return a.store.ClearPendingSteer(sessionID)
}

// storeAdapter bridges conversations.Store's Record-shaped persistence to
// turnloop.SessionStore's narrower per-turn-save contract, since the two
// packages were designed around different owners (a full session record
// vs. a single turn loop's incremental autosave).
type storeAdapter struct {
	store     conversations.Store
	sessionID string
	mem       *vm.Memory
}

func (a *storeAdapter) Save(ctx context.Context, sessionID string, messages []turnloop.ChatMessage, meta map[string]string) error {
	record, err := a.store.Load(sessionID)
	if err != nil {
		record = conversations.New(sessionID)
	}
	record.Messages = a.mem.Messages(ctx)
	record.PageState = a.mem.GetPageState(ctx)
	record.Metadata = meta
	if record.FirstUserPrompt == "" && len(record.Messages) > 0 {
		record.FirstUserPrompt = record.Messages[0].Content
	}
	return a.store.Save(record)
}

// demoLadder is the single-provider tier ladder the CLI exercises the
// thinking-tier lever against, in lieu of a real provider's model catalog
// (spec.md §6: provider config is out of this module's scope).
func demoLadder() runtime.TierLadder {
	return runtime.TierLadder{
		Provider: "demo",
		Models: map[runtime.Tier]string{
			runtime.TierLow:  "demo-model-low",
			runtime.TierMid:  "demo-model-mid",
			runtime.TierHigh: "demo-model-high",
		},
	}
}

// newRunner builds a Runner wired against the session's driver (shared
// with the Virtual Memory's summarizer, see openSession/driverSummarizer).
// A real deployment swaps that driver for an adapter satisfying
// turnloop.ChatDriver over a genuine provider SDK (see pkg/llm/driver's
// documentation-only shape); this module's core is provider-agnostic by
// construction (spec.md §6).
func newRunner(s *session, sessionID string) *turnloop.Runner {
	maxTier, ok := runtime.ParseTier(viper.GetString("max_tier"))
	if !ok {
		logger.G(context.Background()).WithField("max_tier", viper.GetString("max_tier")).
			Warn("memcore: unrecognized max_tier config, defaulting to high (no cap)")
	}
	modelFloor := viper.GetString("model")

	var steerSource turnloop.SteerSource
	if steerStore, err := steer.NewSteerStore(); err != nil {
		logger.G(context.Background()).WithError(err).
			Warn("memcore: failed to open steer store, persistent-mode steering disabled")
	} else {
		steerSource = &steerAdapter{store: steerStore}
	}

	return &turnloop.Runner{
		Mem:              s.Mem,
		Driver:           s.Driver,
		Tools:            noTools{},
		Violations:       violation.New(violation.DefaultThresholds()),
		Runtime:          runtime.New(modelFloor),
		Store:            &storeAdapter{store: s.Convos, sessionID: sessionID, mem: s.Mem},
		SessionID:        sessionID,
		Steer:            steerSource,
		Ladders:          []runtime.TierLadder{demoLadder()},
		MaxTier:          maxTier,
		ModelFloor:       modelFloor,
		MaxRounds:        viper.GetInt("max_rounds"),
		MaxIdleNudges:    viper.GetInt("max_idle_nudges"),
		Persistent:       viper.GetBool("persistent"),
		AutoSaveInterval: viper.GetInt("autosave_interval"),
	}
}

// noTools is a turnloop.ToolExecutor with no registered tools, for CLI
// invocations that exercise context management without a connected tool
// runtime (out of this module's scope; see SPEC_FULL.md Non-goals).
type noTools struct{}

func (noTools) GetToolDefinitions() []turnloop.ToolDefinition { return nil }
func (noTools) CallTool(_ context.Context, name, argsJSON string) (string, bool, bool) {
	return "error: no tools registered", false, true
}
func (noTools) HasTool(string) bool { return false }
