// Package driver documents the adapter shape a real provider SDK must
// fill to satisfy turnloop.ChatDriver: the Thread type in the teacher's
// pkg/llm/anthropic/anthropic.go generalized down to the single Chat
// method spec.md §6 requires, with every Anthropic-specific concern
// (image handling, cache-control, MCP tool wiring, OpenTelemetry spans)
// stripped to its provider-agnostic shape.
//
// This package intentionally imports no SDK: memcore's core never
// depends on a concrete model provider. A production build adds a
// sibling package (e.g. pkg/llm/anthropic) that imports
// anthropic-sdk-go, translates turnloop.ChatMessage/ChatOpts into that
// SDK's request types the way Thread.completeRequest does, and streams
// SDK deltas into opts.OnToken the way the teacher's streaming loop
// writes to its own accumulator.
//
// Grounded on pkg/llm/anthropic/anthropic.go's Thread: construct once
// per process with a resolved API key and default model, hold no
// per-call mutable state beyond a request counter used for the
// teacher's cache-every-N-requests cadence (config.CacheEvery in
// llmtypes.Config), and translate retryable SDK errors (rate limits,
// overloaded) into plain errors so turnloop's avast/retry-go wrapping
// in callDriverWithRetry can retry them uniformly across providers.
package driver

import (
	"github.com/jingkaihe/kodelet-memcore/pkg/turnloop"
)

// Config is the provider-agnostic subset of the teacher's llmtypes.Config
// a concrete driver needs: which model to call and how aggressively to
// cache prior turns (Anthropic's prompt caching, generalized as a knob
// rather than an Anthropic-specific cache-control struct).
type Config struct {
	APIKey     string
	Model      string
	CacheEvery int
}

// New would construct a turnloop.ChatDriver bound to Config. It returns
// an error here because this package ships with no SDK wired in; a
// production build replaces this file's body with a concrete client
// construction (anthropic.NewClient(option.WithAPIKey(cfg.APIKey)), in
// the teacher's NewAnthropicThread shape) and drops this stub.
func New(cfg Config) (turnloop.ChatDriver, error) {
	return nil, errUnconfigured{}
}

type errUnconfigured struct{}

func (errUnconfigured) Error() string {
	return "driver: no provider SDK wired; see pkg/llm/driver doc comment"
}
