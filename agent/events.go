package agent

import "context"

// Stream event names.
const (
	EventModelStart  = "on_chat_model_start"
	EventModelStream = "on_chat_model_stream"
	EventModelEnd    = "on_chat_model_end"
	EventToolStart   = "on_tool_start"
	EventToolEnd     = "on_tool_end"
	EventResult      = "result"
	EventError       = "error"
)

// StreamEvent is sent from the agent loop to the SSE and websocket handlers.
type StreamEvent struct {
	Event string `json:"event"`
	Name  string `json:"name,omitempty"` // tool name or model name
	RunID string `json:"run_id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// emit sends ev unless ch is nil or the request is gone.
func emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
