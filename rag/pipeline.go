// Package rag answers a question from the evidence store: retrieve, optionally
// rerank, then generate from the retrieved context only.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/agent"
	"github.com/RoboMaroof/ragserver/apperr"
	"github.com/RoboMaroof/ragserver/envelope"
	"github.com/RoboMaroof/ragserver/llm"
	"github.com/RoboMaroof/ragserver/metrics"
	"github.com/RoboMaroof/ragserver/rerank"
	"github.com/RoboMaroof/ragserver/store"
)

// DefaultK is the number of passages retrieved per question.
const DefaultK = 5

// NotInitialized is returned as the answer while no index has been built.
const NotInitialized = "Vector Store not initialized. Please run /vectordb/create."

const promptTemplate = "Answer the questions based on the provided context only.\n" +
	"Please provide the most accurate response based on the question.\n" +
	"<context>\n%s\n<context>\n" +
	"Question: %s"

// BuildPrompt binds the generator to the given context block.
func BuildPrompt(contextBlock, question string) string {
	return fmt.Sprintf(promptTemplate, contextBlock, question)
}

// Searcher is the part of the evidence store the pipeline needs.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]store.Passage, error)
}

// Options configures a Pipeline.
type Options struct {
	Store         Searcher
	Generator     llm.Client
	Reranker      rerank.Reranker // optional
	StoreTimeout  time.Duration
	RerankTimeout time.Duration
	MaxTokens     int
	Metrics       *metrics.Metrics
	Log           *zap.Logger
}

// Pipeline is the RAG answer path. It holds no per-request state.
type Pipeline struct {
	store         Searcher
	gen           llm.Client
	reranker      rerank.Reranker
	storeTimeout  time.Duration
	rerankTimeout time.Duration
	maxTokens     int
	metrics       *metrics.Metrics
	log           *zap.Logger
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Pipeline{
		store:         opts.Store,
		gen:           opts.Generator,
		reranker:      opts.Reranker,
		storeTimeout:  opts.StoreTimeout,
		rerankTimeout: opts.RerankTimeout,
		maxTokens:     opts.MaxTokens,
		metrics:       opts.Metrics,
		log:           opts.Log,
	}
}

// WithGenerator returns a copy of p answering with c.
func (p *Pipeline) WithGenerator(c llm.Client) *Pipeline {
	cp := *p
	cp.gen = c
	return &cp
}

// Answer runs the pipeline and returns the normalized envelope.
func (p *Pipeline) Answer(ctx context.Context, question string, k int) (envelope.Envelope, error) {
	return p.answer(ctx, question, k, nil)
}

// AnswerStream is Answer with generator deltas sent to eventCh. The caller
// owns eventCh.
func (p *Pipeline) AnswerStream(ctx context.Context, question string, k int, eventCh chan<- agent.StreamEvent) (envelope.Envelope, error) {
	return p.answer(ctx, question, k, eventCh)
}

func (p *Pipeline) answer(ctx context.Context, question string, k int, eventCh chan<- agent.StreamEvent) (envelope.Envelope, error) {
	if k <= 0 {
		k = DefaultK
	}
	trace := envelope.Retrieval{Query: question}

	passages, err := p.retrieve(ctx, question, k)
	switch {
	case errors.Is(err, apperr.ErrStoreUnavailable):
		trace.Unavailable = true
		trace.Answer = NotInitialized
		return envelope.Normalize(trace), nil
	case ctx.Err() != nil:
		return envelope.Envelope{}, apperr.FromContext(ctx, ctx.Err())
	case err != nil:
		p.log.Warn("retrieval failed, answering with empty context", zap.Error(err))
		trace.StoreError = err.Error()
		passages = nil
	}

	if p.reranker != nil && len(passages) > 0 {
		ranked, err := p.rerank(ctx, question, passages)
		if ctx.Err() != nil {
			return envelope.Envelope{}, apperr.FromContext(ctx, ctx.Err())
		}
		if err != nil {
			p.metrics.RerankFallback()
			p.log.Warn("rerank failed, keeping retrieval order", zap.Error(err))
		} else {
			passages = ranked
			trace.Reranked = true
		}
	}
	trace.Passages = passages

	texts := make([]string, len(passages))
	for i, ps := range passages {
		texts[i] = ps.Text
	}
	prompt := BuildPrompt(strings.Join(texts, "\n\n"), question)

	answer, err := p.generate(ctx, prompt, eventCh)
	if err != nil {
		return envelope.Envelope{}, err
	}
	trace.Answer = answer
	trace.Generated = true
	return envelope.Normalize(trace), nil
}

func (p *Pipeline) retrieve(ctx context.Context, question string, k int) ([]store.Passage, error) {
	span := agent.StartSpan(ctx, "rag.retrieval")
	defer span.End()
	span.Set("k", k)

	if p.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.storeTimeout)
		defer cancel()
	}
	passages, err := p.store.Search(ctx, question, k)
	if err != nil {
		span.Set("error", err.Error())
		return nil, err
	}
	span.Set("count", len(passages))
	return passages, nil
}

func (p *Pipeline) rerank(ctx context.Context, question string, passages []store.Passage) ([]store.Passage, error) {
	span := agent.StartSpan(ctx, "rag.rerank")
	defer span.End()
	span.Set("candidates", len(passages))

	if p.rerankTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.rerankTimeout)
		defer cancel()
	}
	// Rerankers get their own copy; a failing one must not disturb the
	// fallback order.
	in := append([]store.Passage(nil), passages...)
	ranked, err := p.reranker.Rerank(ctx, question, in)
	if err != nil {
		span.Set("error", err.Error())
		return nil, err
	}
	span.Set("kept", len(ranked))
	return ranked, nil
}

func (p *Pipeline) generate(ctx context.Context, prompt string, eventCh chan<- agent.StreamEvent) (string, error) {
	span := agent.StartSpan(ctx, "rag.generation")
	defer span.End()

	req := llm.Request{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: p.maxTokens,
	}
	answer, err := p.complete(ctx, req, eventCh)
	if err != nil {
		span.Set("error", err.Error())
		if errors.Is(err, apperr.ErrGeneratorUnavailable) || errors.Is(err, apperr.ErrCancelled) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", apperr.FromContext(ctx, err)
		}
		return "", fmt.Errorf("%w: %v", apperr.ErrGeneratorUnavailable, err)
	}
	span.Set("answer_length", len(answer))
	return answer, nil
}

func (p *Pipeline) complete(ctx context.Context, req llm.Request, eventCh chan<- agent.StreamEvent) (string, error) {
	if eventCh == nil {
		resp, err := p.gen.Call(ctx, req)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	send := func(ev agent.StreamEvent) {
		select {
		case eventCh <- ev:
		case <-ctx.Done():
		}
	}
	send(agent.StreamEvent{Event: agent.EventModelStart})

	chunkCh := make(chan llm.StreamChunk, 64)
	errCh := make(chan error, 1)
	go func() { errCh <- p.gen.Stream(ctx, req, chunkCh) }()

	var sb strings.Builder
	var chunkErr error
	for chunk := range chunkCh {
		if chunk.Error != nil {
			if chunkErr == nil {
				chunkErr = chunk.Error
			}
			continue
		}
		if chunk.Delta != "" {
			sb.WriteString(chunk.Delta)
			send(agent.StreamEvent{
				Event: agent.EventModelStream,
				Data:  map[string]any{"chunk": map[string]any{"content": chunk.Delta}},
			})
		}
	}
	if err := <-errCh; err != nil {
		return "", err
	}
	if chunkErr != nil {
		return "", chunkErr
	}
	send(agent.StreamEvent{Event: agent.EventModelEnd, Data: map[string]any{"content": sb.String()}})
	return sb.String(), nil
}
