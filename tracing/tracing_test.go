package tracing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoboMaroof/ragserver/agent"
	"github.com/RoboMaroof/ragserver/llm"
)

func TestTraceSpans(t *testing.T) {
	tr := NewTrace("agent", "openai:gpt-4o-mini", "invoke", "q")
	ctx := WithTrace(context.Background(), tr)
	assert.Same(t, tr, FromContext(ctx))

	agent.StartSpan(ctx, "rag.retrieval").Set("k", 5).End()
	agent.RecordEvent(ctx, "tools.available", map[string]any{"count": 3})
	tr.Finish(errors.New("boom"))

	snap := tr.Snapshot()
	require.Len(t, snap.Spans, 2)
	assert.Equal(t, "rag.retrieval", snap.Spans[0].Name)
	assert.Equal(t, 5, snap.Spans[0].Metadata["k"])
	assert.Equal(t, "boom", snap.Error)
	assert.GreaterOrEqual(t, snap.DurationMs, 0.0)
}

func TestConcurrentSpans(t *testing.T) {
	tr := NewTrace("agent", "m", "invoke", "q")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.StartSpan(fmt.Sprintf("s%d", i)).End()
			_ = tr.Snapshot()
		}()
	}
	wg.Wait()
	assert.Len(t, tr.Snapshot().Spans, 20)
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(2)
	a := NewTrace("rag", "m", "invoke", "a")
	b := NewTrace("rag", "m", "invoke", "b")
	c := NewTrace("rag", "m", "invoke", "c")
	s.Put(a)
	s.Put(b)
	s.Put(c)

	assert.Nil(t, s.Get(a.TraceID))
	require.NotNil(t, s.Get(c.TraceID))

	list := s.List(10)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].Question)
	assert.Equal(t, "b", list[1].Question)
	assert.Len(t, s.List(1), 1)
}

func TestHook(t *testing.T) {
	tr := NewTrace("agent", "m", "invoke", "q")
	ctx := WithTrace(context.Background(), tr)
	h := NewHook()

	_, err := h.WrapModelCall(ctx, []agent.Message{agent.Human("q")}, func(ctx context.Context, msgs []agent.Message) (*llm.Response, error) {
		return &llm.Response{Content: strings.Repeat("x", 600), ToolCalls: []llm.ToolCall{{Name: "arxiv"}}}, nil
	})
	require.NoError(t, err)

	_, err = h.WrapToolCall(ctx, agent.ToolCall{ID: "c1", Name: "arxiv"}, func(ctx context.Context, c agent.ToolCall) (*agent.ToolResult, error) {
		return &agent.ToolResult{Name: c.Name, Output: "paper", Error: "partial"}, nil
	})
	require.NoError(t, err)

	spans := tr.Snapshot().Spans
	require.Len(t, spans, 2)
	assert.Equal(t, "llm.call", spans[0].Name)
	assert.True(t, strings.HasSuffix(spans[0].Metadata["content"].(string), "...(truncated)"))
	assert.Equal(t, []string{"arxiv"}, spans[0].Metadata["tool_calls"])
	assert.Equal(t, "partial", spans[1].Metadata["tool_error"])

	// Without a trace the hook passes through.
	resp, err := h.WrapModelCall(context.Background(), nil, func(context.Context, []agent.Message) (*llm.Response, error) {
		return &llm.Response{Content: "ok"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}
