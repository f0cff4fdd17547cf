package vm_test

import (
	"context"
	"testing"

	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
	"github.com/stretchr/testify/assert"
)

// Property 2: no orphan tool_calls/tool_results in the projection.
func TestOrphanToolCallsAreStripped(t *testing.T) {
	budget := vm.DefaultBudget(10000)
	mem := vm.New(budget, nil, nil)
	ctx := context.Background()

	mem.Add(ctx, vm.Message{
		Role: vm.RoleAssistant,
		ToolCalls: []vm.ToolCall{
			{ID: "orphan-call", Name: "noop", Arguments: "{}"},
		},
	})
	// No matching tool-role message follows.
	mem.Add(ctx, vm.Message{Role: vm.RoleUser, Content: "next turn"})

	msgs := mem.Messages(ctx)
	for _, m := range msgs {
		if m.Role == vm.RoleAssistant {
			assert.Empty(t, m.ToolCalls, "orphan tool_calls should be stripped")
		}
	}
}

func TestOrphanToolResultIsDropped(t *testing.T) {
	budget := vm.DefaultBudget(10000)
	mem := vm.New(budget, nil, nil)
	ctx := context.Background()

	mem.Add(ctx, vm.Message{Role: vm.RoleUser, Content: "hi"})
	mem.Add(ctx, vm.Message{Role: vm.RoleTool, ToolCallID: "never-called", Content: "stray result"})

	msgs := mem.Messages(ctx)
	for _, m := range msgs {
		assert.NotEqual(t, "stray result", m.Content)
	}
}
