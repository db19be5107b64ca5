package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoboMaroof/ragserver/agent"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("rag", "ok", time.Second)
		m.ToolCall("wikipedia", "ok")
		m.GeneratorCall("ok")
		m.RerankFallback()
		m.IndexBuild("docs", "ok")
		m.SetIndexChunks(3)
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveRequest("agent", "ok", 20*time.Millisecond)
	m.ObserveRequest("agent", "ok", 30*time.Millisecond)
	m.RerankFallback()
	m.SetIndexChunks(42)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("agent", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rerankFallbacks))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.indexChunks))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rag_server_index_chunks 42")
}

func TestHookCountsToolOutcomes(t *testing.T) {
	m := New()
	h := NewHook(m)

	ok := func(ctx context.Context, c agent.ToolCall) (*agent.ToolResult, error) {
		return &agent.ToolResult{Name: c.Name, Output: "x"}, nil
	}
	failed := func(ctx context.Context, c agent.ToolCall) (*agent.ToolResult, error) {
		return &agent.ToolResult{Name: c.Name, Error: "boom"}, nil
	}

	_, _ = h.WrapToolCall(context.Background(), agent.ToolCall{Name: "arxiv"}, ok)
	_, _ = h.WrapToolCall(context.Background(), agent.ToolCall{Name: "arxiv"}, failed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("arxiv", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("arxiv", "error")))
}
