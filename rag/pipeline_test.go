package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoboMaroof/ragserver/agent"
	"github.com/RoboMaroof/ragserver/apperr"
	"github.com/RoboMaroof/ragserver/envelope"
	"github.com/RoboMaroof/ragserver/llm"
	"github.com/RoboMaroof/ragserver/metrics"
	"github.com/RoboMaroof/ragserver/store"
)

type fakeStore struct {
	passages []store.Passage
	err      error
	gotK     int
}

func (f *fakeStore) Search(ctx context.Context, query string, k int) ([]store.Passage, error) {
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	return f.passages, nil
}

// echoLLM answers with the context block of the prompt.
type echoLLM struct {
	err     error
	prompts []string
}

func contextOf(prompt string) string {
	start := strings.Index(prompt, "<context>\n") + len("<context>\n")
	end := strings.LastIndex(prompt, "\n<context>")
	return prompt[start:end]
}

func (e *echoLLM) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	prompt := req.Messages[0].Content
	e.prompts = append(e.prompts, prompt)
	if e.err != nil {
		return nil, e.err
	}
	return &llm.Response{Content: contextOf(prompt)}, nil
}

func (e *echoLLM) Stream(ctx context.Context, req llm.Request, ch chan<- llm.StreamChunk) error {
	defer close(ch)
	resp, err := e.Call(ctx, req)
	if err != nil {
		return err
	}
	for _, part := range strings.SplitAfter(resp.Content, " ") {
		ch <- llm.StreamChunk{Delta: part}
	}
	return nil
}

type failingReranker struct{ called bool }

func (f *failingReranker) Rerank(ctx context.Context, q string, c []store.Passage) ([]store.Passage, error) {
	f.called = true
	// Scribble on the input to prove the pipeline kept its own order.
	if len(c) > 1 {
		c[0], c[1] = c[1], c[0]
	}
	return nil, errors.New("rerank backend down")
}

type reverseReranker struct{}

func (reverseReranker) Rerank(ctx context.Context, q string, c []store.Passage) ([]store.Passage, error) {
	out := make([]store.Passage, 0, len(c))
	for i := len(c) - 1; i >= 0; i-- {
		out = append(out, c[i])
	}
	return out[:1], nil
}

func langsmith() []store.Passage {
	return []store.Passage{
		store.Passage{Text: "LangSmith is a platform for LLM observability."}.WithScore(0.9),
		store.Passage{Text: "LangSmith supports tracing."}.WithScore(0.7),
	}
}

func TestAnswer_LangSmith(t *testing.T) {
	st := &fakeStore{passages: langsmith()}
	gen := &echoLLM{}
	p := New(Options{Store: st, Generator: gen})

	env, err := p.Answer(context.Background(), "What is LangSmith?", 0)
	require.NoError(t, err)

	assert.Equal(t, DefaultK, st.gotK)
	assert.Empty(t, env.ToolsUsed)
	require.Len(t, env.RetrievedChunks, 2)
	assert.Equal(t, langsmith()[0], env.RetrievedChunks[0].Data)
	assert.Equal(t, langsmith()[1], env.RetrievedChunks[1].Data)
	assert.Contains(t, env.Final(), "LangSmith is a platform for LLM observability.")
	assert.Contains(t, env.Final(), "LangSmith supports tracing.")

	require.Len(t, gen.prompts, 1)
	assert.Equal(t, BuildPrompt(
		"LangSmith is a platform for LLM observability.\n\nLangSmith supports tracing.",
		"What is LangSmith?",
	), gen.prompts[0])

	require.Len(t, env.IntermediateSteps, 2)
	assert.Equal(t, envelope.StepRetrieval, env.IntermediateSteps[0].Type)
	assert.Equal(t, envelope.StepGeneration, env.IntermediateSteps[1].Type)
}

func TestAnswer_StoreNotBuilt(t *testing.T) {
	gen := &echoLLM{}
	p := New(Options{Store: store.New(store.Options{}), Generator: gen})

	env, err := p.Answer(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Equal(t, NotInitialized, env.Final())
	assert.Empty(t, env.RetrievedChunks)
	assert.Empty(t, env.IntermediateSteps)
	assert.Empty(t, gen.prompts)
}

func TestAnswer_StoreErrorDegradesToEmptyContext(t *testing.T) {
	gen := &echoLLM{}
	p := New(Options{Store: &fakeStore{err: errors.New("embedder timeout")}, Generator: gen})

	env, err := p.Answer(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Empty(t, env.RetrievedChunks)
	assert.Equal(t, "embedder timeout", env.IntermediateSteps[0].Error)
	assert.Equal(t, BuildPrompt("", "q"), gen.prompts[0])
}

func TestAnswer_RerankerFailureKeepsOrder(t *testing.T) {
	rr := &failingReranker{}
	m := metrics.New()
	p := New(Options{Store: &fakeStore{passages: langsmith()}, Generator: &echoLLM{}, Reranker: rr, Metrics: m})

	env, err := p.Answer(context.Background(), "What is LangSmith?", 5)
	require.NoError(t, err)
	assert.True(t, rr.called)
	require.Len(t, env.RetrievedChunks, 2)
	assert.Equal(t, langsmith()[0], env.RetrievedChunks[0].Data)
	assert.False(t, *env.IntermediateSteps[0].Reranked)
}

func TestAnswer_RerankerTruncates(t *testing.T) {
	p := New(Options{Store: &fakeStore{passages: langsmith()}, Generator: &echoLLM{}, Reranker: reverseReranker{}})

	env, err := p.Answer(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, env.RetrievedChunks, 1)
	assert.Equal(t, langsmith()[1], env.RetrievedChunks[0].Data)
	assert.True(t, *env.IntermediateSteps[0].Reranked)
	assert.Equal(t, "LangSmith supports tracing.", env.Final())
}

func TestAnswer_GeneratorUnavailable(t *testing.T) {
	p := New(Options{Store: &fakeStore{passages: langsmith()}, Generator: &echoLLM{err: errors.New("dial tcp: refused")}})

	_, err := p.Answer(context.Background(), "q", 5)
	assert.ErrorIs(t, err, apperr.ErrGeneratorUnavailable)
}

func TestAnswer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(Options{Store: &fakeStore{passages: langsmith()}, Generator: &echoLLM{}})

	_, err := p.Answer(ctx, "q", 5)
	assert.ErrorIs(t, err, apperr.ErrCancelled)
}

type slowStore struct{}

func (slowStore) Search(ctx context.Context, query string, k int) ([]store.Passage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAnswer_StoreTimeout(t *testing.T) {
	p := New(Options{Store: slowStore{}, Generator: &echoLLM{}, StoreTimeout: 10 * time.Millisecond})

	env, err := p.Answer(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Contains(t, env.IntermediateSteps[0].Error, "deadline exceeded")
}

func TestAnswerStream(t *testing.T) {
	p := New(Options{Store: &fakeStore{passages: langsmith()}, Generator: &echoLLM{}})

	ch := make(chan agent.StreamEvent, 64)
	env, err := p.AnswerStream(context.Background(), "q", 5, ch)
	require.NoError(t, err)
	close(ch)

	var deltas strings.Builder
	var first, last string
	for ev := range ch {
		if first == "" {
			first = ev.Event
		}
		last = ev.Event
		if ev.Event == agent.EventModelStream {
			deltas.WriteString(ev.Data.(map[string]any)["chunk"].(map[string]any)["content"].(string))
		}
	}
	assert.Equal(t, agent.EventModelStart, first)
	assert.Equal(t, agent.EventModelEnd, last)
	assert.Equal(t, env.Final(), deltas.String())
}
