package rerank

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoboMaroof/ragserver/apperr"
	"github.com/RoboMaroof/ragserver/llm"
	"github.com/RoboMaroof/ragserver/store"
)

func passages(texts ...string) []store.Passage {
	out := make([]store.Passage, len(texts))
	for i, t := range texts {
		out[i] = store.Passage{Text: t}
	}
	return out
}

func TestLexical(t *testing.T) {
	r := NewLexical(2)
	got, err := r.Rerank(context.Background(), "golang channels", passages(
		"Python lists are dynamic arrays.",
		"Go channels connect goroutines; golang channels are typed.",
		"Channels in golang.",
	))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Channels in golang.", got[0].Text)
	assert.NotContains(t, got[1].Text, "Python")
	assert.GreaterOrEqual(t, *got[0].Score, *got[1].Score)
}

type replyLLM struct {
	replies []string
	err     error
	prompts []string
}

func (f *replyLLM) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.prompts = append(f.prompts, req.Messages[0].Content)
	if f.err != nil {
		return nil, f.err
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return &llm.Response{Content: reply}, nil
}

func (f *replyLLM) Stream(ctx context.Context, req llm.Request, ch chan<- llm.StreamChunk) error {
	close(ch)
	return errors.New("not used")
}

func TestLLM_OrdersByGrade(t *testing.T) {
	gen := &replyLLM{replies: []string{"Doc: 3, Relevance: 9\nDoc: 1, Relevance: 4\nDoc: 7, Relevance: 10"}}
	r := NewLLM(gen, 5, nil)

	got, err := r.Rerank(context.Background(), "q", passages("a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Text)
	assert.InDelta(t, 0.9, *got[0].Score, 1e-9)
	assert.Equal(t, "a", got[1].Text)

	require.Len(t, gen.prompts, 1)
	assert.True(t, strings.Contains(gen.prompts[0], "Document 3:\nc"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(gen.prompts[0]), "Question: q\nAnswer:"))
}

func TestLLM_Batches(t *testing.T) {
	gen := &replyLLM{replies: []string{"Doc: 10, Relevance: 8", "Doc: 2, Relevance: 9"}}
	r := NewLLM(gen, 5, nil)

	in := make([]store.Passage, 12)
	for i := range in {
		in[i] = store.Passage{Text: string(rune('a' + i))}
	}
	got, err := r.Rerank(context.Background(), "q", in)
	require.NoError(t, err)
	assert.Len(t, gen.prompts, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "l", got[0].Text)
	assert.Equal(t, "j", got[1].Text)
}

func TestLLM_Failures(t *testing.T) {
	_, err := NewLLM(&replyLLM{replies: []string{"I cannot help with that."}}, 5, nil).
		Rerank(context.Background(), "q", passages("a"))
	assert.ErrorIs(t, err, apperr.ErrRerankFailure)

	_, err = NewLLM(&replyLLM{err: errors.New("down")}, 5, nil).
		Rerank(context.Background(), "q", passages("a"))
	assert.ErrorIs(t, err, apperr.ErrRerankFailure)
}
