package agent

import (
	"fmt"
	"strings"
)

// --- Core message types ---

// Message is one turn of an agent transcript.
type Message struct {
	Role       string     `json:"role"` // "human", "ai", "tool" (or "system" on generator input)
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set when Role == "tool"
	Name       string     `json:"name,omitempty"`         // tool name when Role == "tool"
	Results    []any      `json:"results,omitempty"`      // structured tool results, when the tool produced them
	Error      string     `json:"error,omitempty"`        // set when the tool call failed
}

// ToolCall represents a generator's request to invoke a tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult holds the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Output     string `json:"output"`
	Results    []any  `json:"results,omitempty"`
	Error      string `json:"error,omitempty"`
}

// --- Role constants ---

const (
	RoleSystem = "system"
	RoleHuman  = "human"
	RoleAI     = "ai"
	RoleTool   = "tool"
)

// ValidRole returns true if r is a known transcript role.
func ValidRole(r string) bool {
	switch r {
	case RoleSystem, RoleHuman, RoleAI, RoleTool:
		return true
	}
	return false
}

// --- Constructors ---

// Human creates a human turn.
func Human(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// AI creates a generator turn with optional tool calls.
//
//	AI("Paris is the capital.")   → final answer
//	AI("", tc1, tc2)              → tool-calling turn
func AI(content string, toolCalls ...ToolCall) Message {
	return Message{Role: RoleAI, Content: content, ToolCalls: toolCalls}
}

// ToolMsg creates a tool response turn from a result.
func ToolMsg(r ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Content:    r.Output,
		ToolCallID: r.ToolCallID,
		Name:       r.Name,
		Results:    r.Results,
		Error:      r.Error,
	}
}

// --- Transcript ---

// Transcript is the ordered, append-only list of turns of one request.
type Transcript []Message

// NewTranscript starts a transcript seeded with one human turn.
func NewTranscript(question string) Transcript {
	return Transcript{Human(question)}
}

// Last returns the last turn, or an empty Message.
func (t Transcript) Last() Message {
	if len(t) == 0 {
		return Message{}
	}
	return t[len(t)-1]
}

// LastAIText returns the content of the most recent generator turn that
// carried text, if any.
func (t Transcript) LastAIText() (string, bool) {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == RoleAI && strings.TrimSpace(t[i].Content) != "" {
			return t[i].Content, true
		}
	}
	return "", false
}

// Validate checks that the transcript is well-formed:
//   - it starts with a human turn and never has two human turns in a row
//   - tool turns answer a tool call issued earlier in the transcript
//   - generator turns with tool calls carry call IDs and names
func (t Transcript) Validate() error {
	if len(t) == 0 || t[0].Role != RoleHuman {
		return fmt.Errorf("transcript must start with a human turn")
	}
	issued := make(map[string]bool)
	for i, msg := range t {
		if !ValidRole(msg.Role) {
			return fmt.Errorf("turn[%d]: unknown role %q", i, msg.Role)
		}
		switch msg.Role {
		case RoleHuman:
			if i > 0 && t[i-1].Role == RoleHuman {
				return fmt.Errorf("turn[%d]: consecutive human turns", i)
			}
		case RoleAI:
			for j, tc := range msg.ToolCalls {
				if tc.ID == "" {
					return fmt.Errorf("turn[%d].tool_calls[%d]: missing ID", i, j)
				}
				if tc.Name == "" {
					return fmt.Errorf("turn[%d].tool_calls[%d]: missing name", i, j)
				}
				issued[tc.ID] = true
			}
		case RoleTool:
			if !issued[msg.ToolCallID] {
				return fmt.Errorf("turn[%d]: tool turn answers unknown call %q", i, msg.ToolCallID)
			}
		}
	}
	return nil
}

// PrettyPrint returns a human-readable representation of the transcript.
func (t Transcript) PrettyPrint() string {
	var sb strings.Builder
	for _, msg := range t {
		switch msg.Role {
		case RoleTool:
			fmt.Fprintf(&sb, "[Tool: %s (call_id=%s)]\n", msg.Name, msg.ToolCallID)
		case RoleHuman:
			sb.WriteString("[Human]\n")
		case RoleAI:
			sb.WriteString("[AI]\n")
		default:
			fmt.Fprintf(&sb, "[%s]\n", msg.Role)
		}
		if msg.Content != "" {
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&sb, "  → tool_call: %s(id=%s, args=%v)\n", tc.Name, tc.ID, tc.Args)
		}
	}
	return sb.String()
}
