package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessagesClient is the subset of the Anthropic SDK used by AnthropicClient.
// *sdk.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicClient implements the Client interface for the Anthropic Messages API.
type AnthropicClient struct {
	msg   MessagesClient
	model string
}

const anthropicDefaultMaxTokens = 4096

// NewAnthropicClient creates a client using the SDK's default HTTP client.
// baseURL may be empty.
func NewAnthropicClient(apiKey, baseURL, model string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(opts...)
	return NewAnthropicFromMessages(&ac.Messages, model)
}

// NewAnthropicFromMessages wraps an existing messages client.
func NewAnthropicFromMessages(msg MessagesClient, model string) *AnthropicClient {
	return &AnthropicClient{msg: msg, model: model}
}

// Call makes a synchronous LLM call.
func (c *AnthropicClient) Call(ctx context.Context, req Request) (*Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, translateAnthropicError(err)
	}
	return translateAnthropicMessage(msg)
}

// Stream makes a streaming LLM call.
func (c *AnthropicClient) Stream(ctx context.Context, req Request, ch chan<- StreamChunk) error {
	defer close(ch)

	params, err := c.buildParams(req)
	if err != nil {
		return err
	}
	stream := c.msg.NewStreaming(ctx, params)
	defer stream.Close()

	type toolBuffer struct {
		id, name string
		input    strings.Builder
	}
	tools := make(map[int]*toolBuffer)
	var finished []int

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				tools[int(ev.Index)] = &toolBuffer{id: tu.ID, name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if d.Text != "" {
					ch <- StreamChunk{Delta: d.Text}
				}
			case sdk.InputJSONDelta:
				if tb := tools[int(ev.Index)]; tb != nil {
					tb.input.WriteString(d.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if _, ok := tools[int(ev.Index)]; ok {
				finished = append(finished, int(ev.Index))
			}
		}
	}
	if err := stream.Err(); err != nil {
		return translateAnthropicError(err)
	}

	sort.Ints(finished)
	for _, idx := range finished {
		tb := tools[idx]
		ch <- StreamChunk{ToolCall: &ToolCall{ID: tb.id, Name: tb.name, Args: parseArgs(tb.input.String())}}
	}
	ch <- StreamChunk{Done: true}
	return nil
}

func (c *AnthropicClient) buildParams(req Request) (sdk.MessageNewParams, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	system := req.SystemPrompt
	var pendingResults []sdk.ContentBlockParamUnion
	flushResults := func() {
		if len(pendingResults) > 0 {
			params.Messages = append(params.Messages, sdk.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleTool:
			// consecutive tool results travel in one user turn
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case RoleAssistant:
			flushResults()
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		default:
			flushResults()
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	flushResults()

	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, t.Name)
		if t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func translateAnthropicMessage(msg *sdk.Message) (*Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &Response{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = parseArgs(string(block.Input))
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: args})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func translateAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &APIError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return fmt.Errorf("anthropic messages.new: %w", err)
}
