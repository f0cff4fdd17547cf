// Package turnloop implements the model-call <-> tool-call fixed point
// described in spec.md §4.6: a bounded round loop that streams a driver's
// response through the marker parser, dispatches every control marker
// observed, executes tool calls with exponential backoff, and folds
// results back into memory until the model stops calling tools or a round
// cap is hit. Grounded on the teacher's Thread.SendMessage loop
// (pkg/llm/anthropic/anthropic.go) generalized from one provider's SDK
// types to the provider-agnostic ChatDriver/ToolExecutor contracts of
// spec.md §6.
package turnloop

import (
	"context"

	"github.com/jingkaihe/kodelet-memcore/pkg/runtime"
)

// ToolCall is one model-requested tool invocation, with JSON-encoded
// (possibly malformed) arguments.
type ToolCall struct {
	ID        string
	Name      string
	ArgsJSON  string
	RawDeltas string
}

// ChatOpts configures a single ChatDriver.Chat call.
type ChatOpts struct {
	Model          string
	Tools          []ToolDefinition
	Temperature    *float64
	TopK           *int
	TopP           *float64
	ThinkingBudget float64

	// OnToken is called incrementally with each streamed text delta; the
	// marker parser requires streaming to extract markers split across
	// provider chunks.
	OnToken func(string)
	// OnReasoningToken is called incrementally with streamed
	// chain-of-thought/reasoning text, when the provider exposes it.
	OnReasoningToken func(string)
	// OnToolCallDelta is called with a partial tool call as its arguments
	// stream in, before the call is complete.
	OnToolCallDelta func(partial ToolCall)
}

// ToolDefinition is a function-call schema entry passed to a driver.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatResult is one ChatDriver.Chat call's outcome.
type ChatResult struct {
	Text      string
	ToolCalls []ToolCall
	Reasoning string
	Usage     runtime.Usage
}

// ChatDriver is the provider-agnostic model-call contract (spec.md §6).
// Concrete implementations live outside this module's core (see
// pkg/llm/driver's documentation-only adapter shape); pkg/llm/fakedriver
// provides a deterministic test double.
type ChatDriver interface {
	Chat(ctx context.Context, messages []ChatMessage, opts ChatOpts) (ChatResult, error)
}

// ChatMessage is the wire shape a ChatDriver consumes, parallel to
// vm.Message but decoupled from the VM package so drivers never import it
// directly.
type ChatMessage struct {
	Role       string
	From       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
	Name       string
}

// ToolExecutor is the MCP-manager-shaped contract (spec.md §6). CallTool
// always returns a string; errors are captured into the string rather than
// thrown upstream into the turn loop. listenOnly and failed are metadata
// the turn loop needs for violation detection and failure-backoff
// respectively — the teacher's BaseToolResult.IsError() generalized into
// an explicit return rather than a sniffed string prefix.
type ToolExecutor interface {
	GetToolDefinitions() []ToolDefinition
	CallTool(ctx context.Context, name string, argsJSON string) (result string, listenOnly bool, failed bool)
	HasTool(name string) bool
}

// SessionStore persists session state at turn boundaries (spec.md §6).
type SessionStore interface {
	Save(ctx context.Context, sessionID string, messages []ChatMessage, meta map[string]string) error
}

// SteerMessage is one out-of-band message queued for injection into a
// running persistent-mode loop, decoupled from pkg/steer's own Message
// type the same way ChatMessage is decoupled from vm.Message.
type SteerMessage struct {
	Role    string
	Content string
}

// SteerSource is the out-of-band side channel (pkg/steer) a persistent-mode
// loop polls for user-injected messages between rounds, independent of the
// in-stream marker grammar. Optional: a nil Runner.Steer disables polling.
type SteerSource interface {
	ReadPendingSteer(sessionID string) ([]SteerMessage, error)
	ClearPendingSteer(sessionID string) error
}

// AbortSignal lets an external caller (e.g. a CLI catching ESC) stop a
// turn. Aborted is polled at the start of each round; a driver call that
// is already streaming is not interrupted by it.
type AbortSignal interface {
	Aborted() bool
}

// NeverAbort is an AbortSignal that never fires, for callers with no
// cancellation source beyond ctx.
type NeverAbort struct{}

// Aborted always returns false.
func (NeverAbort) Aborted() bool { return false }
