package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RoboMaroof/ragserver/apperr"
	"github.com/RoboMaroof/ragserver/llm"
)

// DefaultMaxRounds bounds the number of Invoke steps per request.
const DefaultMaxRounds = 6

// StoppedText is the final answer when the round budget runs out before the
// generator produced any text.
const StoppedText = "Agent stopped after reaching the maximum number of tool rounds."

// Options configures an Agent.
type Options struct {
	Generator    llm.Client
	Model        string // "provider:model", reported on stream events
	Tools        *ToolRegistry
	Hooks        []Hook
	MaxRounds    int
	ToolTimeout  time.Duration
	SystemPrompt string
	MaxTokens    int
	Log          *zap.Logger
}

// Agent runs the decide/invoke loop for one generator and tool set. An Agent
// is cheap; the server builds one per request.
type Agent struct {
	llm          llm.Client
	model        string
	tools        *ToolRegistry
	hooks        []Hook
	maxRounds    int
	toolTimeout  time.Duration
	systemPrompt string
	maxTokens    int
	log          *zap.Logger
}

// New creates an Agent.
func New(opts Options) *Agent {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.Tools == nil {
		opts.Tools = NewToolRegistry()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Agent{
		llm:          opts.Generator,
		model:        opts.Model,
		tools:        opts.Tools,
		hooks:        opts.Hooks,
		maxRounds:    opts.MaxRounds,
		toolTimeout:  opts.ToolTimeout,
		systemPrompt: opts.SystemPrompt,
		maxTokens:    opts.MaxTokens,
		log:          opts.Log,
	}
}

// Run executes the agent synchronously and returns the full transcript.
func (a *Agent) Run(ctx context.Context, question string) (Transcript, error) {
	return a.runLoop(ctx, question, nil)
}

// RunStream executes the agent, streaming generator deltas and tool events to
// eventCh. The caller owns eventCh and must keep reading until RunStream
// returns.
func (a *Agent) RunStream(ctx context.Context, question string, eventCh chan<- StreamEvent) (Transcript, error) {
	return a.runLoop(ctx, question, eventCh)
}

func (a *Agent) runLoop(ctx context.Context, question string, eventCh chan<- StreamEvent) (Transcript, error) {
	startTime := time.Now()
	transcript := NewTranscript(question)

	tools := a.tools.All()
	toolSchemas := buildToolSchemas(tools)
	RecordEvent(ctx, "tools.available", map[string]any{
		"count": len(tools),
		"tools": sortedNames(tools),
	})

	modelCall := a.buildModelChain(toolSchemas, eventCh)
	toolCall := a.buildToolCallChain()

	round := 0
	for {
		if err := ctx.Err(); err != nil {
			return transcript, apperr.FromContext(ctx, err)
		}

		// Decide
		emit(ctx, eventCh, StreamEvent{Event: EventModelStart, Name: a.model})
		response, err := modelCall(ctx, transcript)
		if err != nil {
			return transcript, generatorError(ctx, err)
		}
		emit(ctx, eventCh, StreamEvent{Event: EventModelEnd, Name: a.model, Data: map[string]any{
			"content":    response.Content,
			"tool_calls": len(response.ToolCalls),
		}})

		calls := toToolCalls(response.ToolCalls)
		transcript = append(transcript, AI(response.Content, calls...))

		// No tool calls → done
		if len(calls) == 0 {
			break
		}

		// Invoke
		results := a.invokeAll(ctx, calls, toolCall, eventCh)
		if err := ctx.Err(); err != nil {
			return transcript, apperr.FromContext(ctx, err)
		}
		for _, r := range results {
			transcript = append(transcript, ToolMsg(r))
		}

		round++
		if round >= a.maxRounds {
			final, ok := transcript.LastAIText()
			if !ok {
				final = StoppedText
			}
			transcript = append(transcript, AI(final))
			a.log.Warn("agent round budget exhausted",
				zap.Int("max_rounds", a.maxRounds),
				zap.String("model", a.model))
			RecordEvent(ctx, "agent.forced_finish", map[string]any{"rounds": round})
			break
		}
	}

	if err := transcript.Validate(); err != nil {
		a.log.Warn("malformed transcript", zap.Error(err))
	}
	if ce := a.log.Check(zap.DebugLevel, "agent transcript"); ce != nil {
		ce.Write(zap.String("transcript", transcript.PrettyPrint()))
	}
	a.log.Info("agent run finished",
		zap.String("model", a.model),
		zap.Int("rounds", round),
		zap.Int("turns", len(transcript)),
		zap.Duration("duration", time.Since(startTime)))
	return transcript, nil
}

// invokeAll runs the calls of one Decide step concurrently. Results keep the
// request order regardless of completion order.
func (a *Agent) invokeAll(ctx context.Context, calls []ToolCall, fn ToolCallFunc, eventCh chan<- StreamEvent) []ToolResult {
	results := make([]ToolResult, len(calls))

	var g errgroup.Group
	for i, tc := range calls {
		g.Go(func() error {
			emit(ctx, eventCh, StreamEvent{
				Event: EventToolStart,
				Name:  tc.Name,
				RunID: tc.ID,
				Data:  map[string]any{"input": tc.Args},
			})

			wrapped, err := fn(ctx, tc)
			var result ToolResult
			switch {
			case err != nil:
				result = errorResult(tc, err)
			case wrapped != nil:
				result = *wrapped
			default:
				result = ToolResult{ToolCallID: tc.ID, Name: tc.Name}
			}
			results[i] = result

			data := map[string]any{"output": result.Output}
			if result.Error != "" {
				data["error"] = result.Error
			}
			emit(ctx, eventCh, StreamEvent{Event: EventToolEnd, Name: tc.Name, RunID: tc.ID, Data: data})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// executeTool looks up, validates and runs one call. Failures come back as
// error results; they never abort the loop.
func (a *Agent) executeTool(ctx context.Context, tc ToolCall) ToolResult {
	tool := a.tools.Get(tc.Name)
	if tool == nil {
		return errorResult(tc, fmt.Errorf("%w: %s", apperr.ErrUnknownTool, tc.Name))
	}
	if err := a.tools.Validate(tc.Name, tc.Args); err != nil {
		return errorResult(tc, fmt.Errorf("%w: %s: %v", apperr.ErrToolInvocation, tc.Name, err))
	}

	if a.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.toolTimeout)
		defer cancel()
	}

	out, err := tool.Execute(ctx, tc.Args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", a.toolTimeout)
		}
		return errorResult(tc, fmt.Errorf("%w: %s: %v", apperr.ErrToolInvocation, tc.Name, err))
	}
	return ToolResult{
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Output:     out.Content,
		Results:    out.Results,
	}
}

func errorResult(tc ToolCall, err error) ToolResult {
	return ToolResult{
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Error:      err.Error(),
		Output:     "Error: " + err.Error(),
	}
}

// generatorError classifies a failed Decide step. Anything that is not a
// cancellation is GeneratorUnavailable.
func generatorError(ctx context.Context, err error) error {
	if errors.Is(err, apperr.ErrCancelled) || errors.Is(err, apperr.ErrGeneratorUnavailable) {
		return err
	}
	if ctx.Err() != nil {
		return apperr.FromContext(ctx, err)
	}
	return fmt.Errorf("%w: %v", apperr.ErrGeneratorUnavailable, err)
}

func (a *Agent) buildModelChain(toolSchemas []llm.ToolSchema, eventCh chan<- StreamEvent) ModelCallWrapFunc {
	base := func(ctx context.Context, msgs []Message) (*llm.Response, error) {
		req := llm.Request{
			Messages:     convertMessages(msgs),
			Tools:        toolSchemas,
			SystemPrompt: a.systemPrompt,
			MaxTokens:    a.maxTokens,
		}
		if eventCh == nil {
			return a.llm.Call(ctx, req)
		}
		return a.streamCall(ctx, req, eventCh)
	}

	// Wrap with hooks (reverse order so index-0 is outermost)
	fn := base
	for i := len(a.hooks) - 1; i >= 0; i-- {
		hook := a.hooks[i]
		prev := fn
		fn = func(ctx context.Context, msgs []Message) (*llm.Response, error) {
			resp, err := hook.WrapModelCall(ctx, msgs, prev)
			if err != nil {
				return nil, err
			}
			if resp == nil {
				return prev(ctx, msgs)
			}
			return resp, nil
		}
	}
	return fn
}

func (a *Agent) streamCall(ctx context.Context, req llm.Request, eventCh chan<- StreamEvent) (*llm.Response, error) {
	chunkCh := make(chan llm.StreamChunk, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.llm.Stream(ctx, req, chunkCh)
	}()

	var content strings.Builder
	var toolCalls []llm.ToolCall
	var chunkErr error
	for chunk := range chunkCh {
		if chunk.Error != nil {
			if chunkErr == nil {
				chunkErr = chunk.Error
			}
			continue
		}
		if chunk.Delta != "" {
			content.WriteString(chunk.Delta)
			emit(ctx, eventCh, StreamEvent{
				Event: EventModelStream,
				Name:  a.model,
				Data:  map[string]any{"chunk": map[string]any{"content": chunk.Delta}},
			})
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}

	if err := <-errCh; err != nil {
		return nil, err
	}
	if chunkErr != nil {
		return nil, chunkErr
	}
	return &llm.Response{Content: content.String(), ToolCalls: toolCalls}, nil
}

// buildToolCallChain wraps executeTool with every WrapToolCall hook.
func (a *Agent) buildToolCallChain() ToolCallFunc {
	base := func(ctx context.Context, tc ToolCall) (*ToolResult, error) {
		r := a.executeTool(ctx, tc)
		return &r, nil
	}

	fn := base
	for i := len(a.hooks) - 1; i >= 0; i-- {
		hook := a.hooks[i]
		prev := fn
		fn = func(ctx context.Context, tc ToolCall) (*ToolResult, error) {
			return hook.WrapToolCall(ctx, tc, prev)
		}
	}
	return fn
}

func toToolCalls(in []llm.ToolCall) []ToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]ToolCall, len(in))
	for i, tc := range in {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := tc.Args
		if args == nil {
			args = map[string]any{}
		}
		out[i] = ToolCall{ID: id, Name: tc.Name, Args: args}
	}
	return out
}

// convertMessages maps transcript roles onto chat roles.
func convertMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		role := m.Role
		switch m.Role {
		case RoleHuman:
			role = llm.RoleUser
		case RoleAI:
			role = llm.RoleAssistant
		}
		out[i] = llm.Message{
			Role:       role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
			IsError:    m.Error != "",
		}
		for _, tc := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, llm.ToolCall{
				ID:   tc.ID,
				Name: tc.Name,
				Args: tc.Args,
			})
		}
	}
	return out
}

func buildToolSchemas(tools []Tool) []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(tools))
	for _, t := range tools {
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return schemas
}
