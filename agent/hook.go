package agent

import (
	"context"

	"github.com/RoboMaroof/ragserver/llm"
)

// ModelCallWrapFunc is the signature for the "next" function in the model call chain.
type ModelCallWrapFunc func(ctx context.Context, msgs []Message) (*llm.Response, error)

// ToolCallFunc is the signature for the "next" function in the tool call chain.
type ToolCallFunc func(ctx context.Context, call ToolCall) (*ToolResult, error)

// Hook is agent middleware in the onion ring pattern. Hooks[0] is the
// outermost layer.
type Hook interface {
	// Name returns the hook identifier.
	Name() string

	// WrapModelCall wraps each generator call (tracing, metrics).
	// Returning a nil response passes through to the next layer.
	WrapModelCall(ctx context.Context, msgs []Message, next ModelCallWrapFunc) (*llm.Response, error)

	// WrapToolCall wraps each tool execution.
	WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) (*ToolResult, error)
}

// BaseHook provides pass-through defaults.
// Embed this to only override the methods you need.
type BaseHook struct{}

func (BaseHook) Name() string { return "base" }

func (BaseHook) WrapModelCall(ctx context.Context, msgs []Message, next ModelCallWrapFunc) (*llm.Response, error) {
	return next(ctx, msgs)
}

func (BaseHook) WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) (*ToolResult, error) {
	return next(ctx, call)
}
