// Package fakedriver provides a deterministic, scripted turnloop.ChatDriver
// test double, grounded on the teacher's mockState/mock-struct convention
// in pkg/llm/base/base_test.go (a minimal struct satisfying an interface
// with canned returns, rather than a generated mock).
package fakedriver

import (
	"context"
	"sync"

	"github.com/jingkaihe/kodelet-memcore/pkg/turnloop"
)

// Response is one scripted driver.Chat reply.
type Response struct {
	Text      string
	ToolCalls []turnloop.ToolCall
	Usage     func() (inputTokens, outputTokens int)
	Err       error
	// Tokens, if non-empty, are streamed individually through opts.OnToken
	// instead of Text being emitted as one chunk — used by tests that
	// exercise marker parsing split across streaming boundaries.
	Tokens []string
}

// Driver replays a fixed script of Responses in order, one per Chat call.
// Calling Chat more times than the script has entries repeats the last
// response, so long-running persistent-mode tests don't need to pad the
// script with identical trailing entries.
type Driver struct {
	mu       sync.Mutex
	script   []Response
	calls    int
	Requests [][]turnloop.ChatMessage // every call's messages, for assertions
}

// New creates a Driver replaying script in order.
func New(script ...Response) *Driver {
	return &Driver{script: script}
}

// Chat implements turnloop.ChatDriver.
func (d *Driver) Chat(_ context.Context, messages []turnloop.ChatMessage, opts turnloop.ChatOpts) (turnloop.ChatResult, error) {
	d.mu.Lock()
	idx := d.calls
	if idx >= len(d.script) {
		idx = len(d.script) - 1
	}
	d.calls++
	d.Requests = append(d.Requests, messages)
	d.mu.Unlock()

	if idx < 0 {
		return turnloop.ChatResult{}, nil
	}
	resp := d.script[idx]
	if resp.Err != nil {
		return turnloop.ChatResult{}, resp.Err
	}

	if opts.OnToken != nil {
		if len(resp.Tokens) > 0 {
			for _, tok := range resp.Tokens {
				opts.OnToken(tok)
			}
		} else if resp.Text != "" {
			opts.OnToken(resp.Text)
		}
	}

	result := turnloop.ChatResult{Text: resp.Text, ToolCalls: resp.ToolCalls}
	if resp.Usage != nil {
		in, out := resp.Usage()
		result.Usage.InputTokens = in
		result.Usage.OutputTokens = out
	}
	return result, nil
}

// CallCount returns how many times Chat has been invoked.
func (d *Driver) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
