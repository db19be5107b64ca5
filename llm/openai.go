package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenAIClient talks to any /chat/completions endpoint. OpenAI, Groq,
// Ollama and the Hugging Face router all speak this dialect.
type OpenAIClient struct {
	provider string
	baseURL  string
	apiKey   string
	model    string
	client   *http.Client
}

// NewOpenAIClient returns a client for model at baseURL. An apiKey of
// "ollama" (or empty) sends no Authorization header.
func NewOpenAIClient(baseURL, apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		provider: string(ProviderOpenAI),
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// As labels errors with provider instead of "openai".
func (c *OpenAIClient) As(provider Provider) *OpenAIClient {
	c.provider = string(provider)
	return c
}

// APIError is a non-200 answer from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether repeating the call may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolCallFunc `json:"function"`
}

type openaiToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	Delta        openaiMessage `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

func (c *OpenAIClient) Call(ctx context.Context, req Request) (*Response, error) {
	body, err := c.buildRequest(req, false)
	if err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	var decoded openaiResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("%s: decode completion: %w", c.provider, err)
	}
	out := &Response{}
	if len(decoded.Choices) > 0 {
		msg := decoded.Choices[0].Message
		out.Content = msg.Content
		out.ToolCalls = make([]ToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: parseArgs(tc.Function.Arguments)})
		}
	}
	return out, nil
}

// Stream emits text deltas as they arrive and each tool call once its
// argument fragments are complete.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, ch chan<- StreamChunk) error {
	defer close(ch)

	body, err := c.buildRequest(req, true)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return c.apiError(resp.StatusCode, data)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	// tool calls arrive in fragments keyed by index
	toolCalls := make(map[int]*ToolCall)
	toolCallArgs := make(map[int]*strings.Builder)
	flush := func() {
		idxs := make([]int, 0, len(toolCalls))
		for idx := range toolCalls {
			idxs = append(idxs, idx)
		}
		sort.Ints(idxs)
		for _, idx := range idxs {
			tc := toolCalls[idx]
			tc.Args = parseArgs(toolCallArgs[idx].String())
			ch <- StreamChunk{ToolCall: tc}
		}
		toolCalls = make(map[int]*ToolCall)
		toolCallArgs = make(map[int]*strings.Builder)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openaiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			ch <- StreamChunk{Delta: delta.Content}
		}

		for i, tc := range delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			existing, ok := toolCalls[idx]
			if !ok {
				existing = &ToolCall{}
				toolCalls[idx] = existing
				toolCallArgs[idx] = &strings.Builder{}
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			toolCallArgs[idx].WriteString(tc.Function.Arguments)
		}

		if fr := chunk.Choices[0].FinishReason; fr == "tool_calls" || fr == "stop" {
			flush()
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	flush()

	ch <- StreamChunk{Done: true}
	return nil
}

func (c *OpenAIClient) buildRequest(req Request, stream bool) ([]byte, error) {
	msgs := make([]openaiMessage, 0, len(req.Messages)+1)

	if req.SystemPrompt != "" {
		msgs = append(msgs, openaiMessage{Role: RoleSystem, Content: req.SystemPrompt})
	}

	for _, m := range req.Messages {
		msg := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			argsJSON, err := json.Marshal(tc.Args)
			if err != nil {
				return nil, fmt.Errorf("marshal tool args: %w", err)
			}
			msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolCallFunc{
					Name:      tc.Name,
					Arguments: string(argsJSON),
				},
			})
		}
		msgs = append(msgs, msg)
	}

	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	oReq := openaiRequest{
		Model:       model,
		Messages:    msgs,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		oReq.Tools = append(oReq.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	return json.Marshal(oReq)
}

func (c *OpenAIClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" && c.apiKey != "ollama" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.client.Do(req)
}

func (c *OpenAIClient) apiError(status int, body []byte) *APIError {
	return &APIError{Provider: c.provider, StatusCode: status, Body: string(body)}
}

func (c *OpenAIClient) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp.StatusCode, data)
	}

	return data, nil
}

// parseArgs decodes a tool-call argument string. Arguments that are not a
// JSON object are passed through under "query", which is what every tool in
// this service takes.
func parseArgs(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil && args != nil {
		return args
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return map[string]any{"query": s}
	}
	return map[string]any{"query": raw}
}
