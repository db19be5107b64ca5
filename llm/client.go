package llm

import "context"

// Client generates text, and optionally tool calls, for one model.
// Implementations must honour ctx cancellation.
type Client interface {
	Call(ctx context.Context, req Request) (*Response, error)

	// Stream sends chunks to ch and closes it when the call ends, on
	// success or failure.
	Stream(ctx context.Context, req Request, ch chan<- StreamChunk) error
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a generator conversation. Tool turns carry the
// originating call id in ToolCallID; IsError marks a failed tool result so
// adapters that support it can flag the turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	IsError    bool       `json:"-"`
}

// ToolCall is a tool invocation requested by the model, either parsed from
// a response or replayed on an assistant message.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// ToolSchema advertises a tool; Parameters is a JSON Schema object.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Request struct {
	Model        string       `json:"model"`
	Messages     []Message    `json:"messages"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
	Temperature  *float64     `json:"temperature,omitempty"`
}

type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// StreamChunk carries either a text delta or a completed tool call. Error is
// set on the last chunk when the stream failed part way.
type StreamChunk struct {
	Delta    string    `json:"delta,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Done     bool      `json:"done,omitempty"`
	Error    error     `json:"-"`
}

// Complete sends a single user prompt and returns the generated text. It is
// the entry point for the RAG answer step and the LLM reranker.
func Complete(ctx context.Context, c Client, prompt string, maxTokens int) (string, error) {
	resp, err := c.Call(ctx, Request{
		Messages:  []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
