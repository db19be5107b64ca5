package sse

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NotNil(t, w)

	require.NoError(t, w.SendEvent("on_tool_start", map[string]string{"name": "arxiv"}))
	w.SendComment("ping")

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: on_tool_start\ndata: {\"name\":\"arxiv\"}\n\n: ping\n\n", rec.Body.String())

	assert.Error(t, w.SendEvent("bad", func() {}))
}
