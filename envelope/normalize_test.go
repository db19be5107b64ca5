package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoboMaroof/ragserver/agent"
	"github.com/RoboMaroof/ragserver/store"
)

func sampleTranscript() agent.Transcript {
	return agent.Transcript{
		agent.Human("What is LangSmith?"),
		agent.AI("",
			agent.ToolCall{ID: "c1", Name: "vector_retriever", Args: map[string]any{"query": "LangSmith"}},
			agent.ToolCall{ID: "c2", Name: "wikipedia", Args: map[string]any{"query": "LangSmith"}},
		),
		agent.ToolMsg(agent.ToolResult{
			ToolCallID: "c1",
			Name:       "vector_retriever",
			Output:     "LangSmith is a platform.",
			Results:    []any{store.Passage{Text: "LangSmith is a platform."}.WithScore(0.912)},
		}),
		agent.ToolMsg(agent.ToolResult{
			ToolCallID: "c2",
			Name:       "wikipedia",
			Output:     "Error: tool invocation failed: wikipedia: timeout",
			Error:      "tool invocation failed: wikipedia: timeout",
		}),
		agent.AI("LangSmith is a platform for LLM observability."),
	}
}

func TestNormalize_Transcript(t *testing.T) {
	env := Normalize(sampleTranscript())

	require.NotNil(t, env.FinalOutput)
	assert.Equal(t, "LangSmith is a platform for LLM observability.", *env.FinalOutput)
	assert.Equal(t, []string{"vector_retriever", "wikipedia"}, env.ToolsUsed)

	require.Len(t, env.RetrievedChunks, 2)
	assert.Equal(t, "vector_retriever", *env.RetrievedChunks[0].Tool)
	assert.Equal(t, ChunkResult, env.RetrievedChunks[0].Type)
	assert.Equal(t, ChunkText, env.RetrievedChunks[1].Type)
	assert.Equal(t, "Error: tool invocation failed: wikipedia: timeout", env.RetrievedChunks[1].Data)

	var kinds []string
	for _, s := range env.IntermediateSteps {
		kinds = append(kinds, s.Type)
	}
	assert.Equal(t, []string{
		StepHuman, StepAIToolCall, StepAIToolCall, StepToolResponse, StepToolResponse, StepAIFinalResponse,
	}, kinds)
	assert.NotEmpty(t, env.IntermediateSteps[4].Error)
	assert.Empty(t, env.IntermediateSteps[3].Error)
}

func TestNormalize_Idempotent(t *testing.T) {
	tr := sampleTranscript()
	a, err := json.Marshal(Normalize(tr))
	require.NoError(t, err)
	b, err := json.Marshal(Normalize(tr))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	// Normalizing an envelope leaves it unchanged.
	c, err := json.Marshal(Normalize(Normalize(tr)))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(c))
}

func TestNormalize_JSONShape(t *testing.T) {
	data, err := json.Marshal(Normalize(agent.Transcript{
		agent.Human("hi"),
		agent.AI("", agent.ToolCall{ID: "c1", Name: "arxiv"}),
	}))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Nil(t, got["final_output"])
	assert.Equal(t, []any{"arxiv"}, got["tools_used"])
	assert.Equal(t, []any{}, got["retrieved_chunks"])

	steps := got["intermediate_steps"].([]any)
	call := steps[1].(map[string]any)
	assert.Equal(t, map[string]any{}, call["args"])
	assert.Equal(t, "arxiv", call["tool"])
}

func TestNormalize_UnknownShapes(t *testing.T) {
	env := Normalize(agent.Transcript{
		agent.Human("q"),
		{Role: "critic", Content: "hmm"},
	})
	require.Len(t, env.RetrievedChunks, 1)
	assert.Nil(t, env.RetrievedChunks[0].Tool)
	assert.Equal(t, ChunkText, env.RetrievedChunks[0].Type)

	env = Normalize(map[string]any{"weird": true})
	require.Len(t, env.RetrievedChunks, 1)
	assert.Equal(t, map[string]any{"weird": true}, env.RetrievedChunks[0].Data)
	assert.Nil(t, env.FinalOutput)

	env = Normalize(nil)
	assert.NotNil(t, env.ToolsUsed)
	assert.Empty(t, env.RetrievedChunks)
}

func TestNormalize_Retrieval(t *testing.T) {
	passages := []store.Passage{
		{Text: "LangSmith is a platform for LLM observability."},
		{Text: "LangSmith supports tracing."},
	}
	env := Normalize(&Retrieval{
		Query:     "What is LangSmith?",
		Passages:  passages,
		Answer:    "answer",
		Generated: true,
	})

	assert.Equal(t, "answer", env.Final())
	assert.Empty(t, env.ToolsUsed)
	require.Len(t, env.RetrievedChunks, 2)
	for i, c := range env.RetrievedChunks {
		assert.Nil(t, c.Tool)
		assert.Equal(t, passages[i], c.Data)
	}
	require.Len(t, env.IntermediateSteps, 2)
	assert.Equal(t, StepRetrieval, env.IntermediateSteps[0].Type)
	assert.Equal(t, 2, *env.IntermediateSteps[0].Count)
	assert.Equal(t, StepGeneration, env.IntermediateSteps[1].Type)
}

func TestNormalize_RetrievalUnavailable(t *testing.T) {
	env := Normalize(Retrieval{Query: "q", Answer: "sentinel", Unavailable: true})
	assert.Equal(t, "sentinel", env.Final())
	assert.Empty(t, env.RetrievedChunks)
	assert.Empty(t, env.IntermediateSteps)
	assert.Empty(t, env.ToolsUsed)
}

func TestNormalize_RetrievalStoreError(t *testing.T) {
	env := Normalize(Retrieval{Query: "q", Answer: "a", Generated: true, StoreError: "search timed out"})
	assert.Empty(t, env.RetrievedChunks)
	require.Len(t, env.IntermediateSteps, 2)
	assert.Equal(t, "search timed out", env.IntermediateSteps[0].Error)
	assert.Equal(t, 0, *env.IntermediateSteps[0].Count)
}
