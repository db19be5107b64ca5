package tracing

import (
	"context"

	"github.com/RoboMaroof/ragserver/agent"
	"github.com/RoboMaroof/ragserver/llm"
)

const previewLen = 500

// Hook wraps generator and tool calls with spans.
type Hook struct {
	agent.BaseHook
}

// NewHook creates a tracing hook.
func NewHook() *Hook { return &Hook{} }

func (h *Hook) Name() string { return "tracing" }

func (h *Hook) WrapModelCall(ctx context.Context, msgs []agent.Message, next agent.ModelCallWrapFunc) (*llm.Response, error) {
	if agent.TraceFromContext(ctx) == nil {
		return next(ctx, msgs)
	}

	s := agent.StartSpan(ctx, "llm.call")
	s.Set("message_count", len(msgs))
	resp, err := next(ctx, msgs)
	switch {
	case err != nil:
		s.Set("error", err.Error())
	case resp != nil:
		s.Set("content", preview(resp.Content))
		if len(resp.ToolCalls) > 0 {
			names := make([]string, len(resp.ToolCalls))
			for i, tc := range resp.ToolCalls {
				names[i] = tc.Name
			}
			s.Set("tool_calls", names)
		}
	}
	s.End()
	return resp, err
}

func (h *Hook) WrapToolCall(ctx context.Context, call agent.ToolCall, next agent.ToolCallFunc) (*agent.ToolResult, error) {
	if agent.TraceFromContext(ctx) == nil {
		return next(ctx, call)
	}

	s := agent.StartSpan(ctx, "tool.call")
	s.Set("tool_name", call.Name)
	s.Set("tool_call_id", call.ID)
	s.Set("tool_args", call.Args)
	result, err := next(ctx, call)
	if err != nil {
		s.Set("error", err.Error())
	} else if result != nil {
		s.Set("output", preview(result.Output))
		s.Set("results", len(result.Results))
		if result.Error != "" {
			s.Set("tool_error", result.Error)
		}
	}
	s.End()
	return result, err
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen] + "...(truncated)"
}
