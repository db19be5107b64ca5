package metrics

import (
	"context"

	"github.com/RoboMaroof/ragserver/agent"
)

// Hook counts tool call outcomes for the agent loop. Generator outcomes are
// reported by the resilient client, not here.
type Hook struct {
	agent.BaseHook
	m *Metrics
}

// NewHook creates a metrics hook.
func NewHook(m *Metrics) *Hook {
	return &Hook{m: m}
}

func (h *Hook) Name() string { return "metrics" }

func (h *Hook) WrapToolCall(ctx context.Context, call agent.ToolCall, next agent.ToolCallFunc) (*agent.ToolResult, error) {
	res, err := next(ctx, call)
	outcome := "ok"
	if err != nil || (res != nil && res.Error != "") {
		outcome = "error"
	}
	h.m.ToolCall(call.Name, outcome)
	return res, err
}
