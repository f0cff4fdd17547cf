package turnloop

import "github.com/jingkaihe/kodelet-memcore/pkg/vm"

func toChatMessages(msgs []vm.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{
			Role:       string(m.Role),
			From:       m.From,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolCalls:  toChatToolCalls(m.ToolCalls),
			Name:       m.Name,
		})
	}
	return out
}

func toChatToolCalls(calls []vm.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, ToolCall{ID: c.ID, Name: c.Name, ArgsJSON: c.Arguments})
	}
	return out
}

func toVMToolCalls(calls []ToolCall) []vm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]vm.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, vm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.ArgsJSON})
	}
	return out
}
