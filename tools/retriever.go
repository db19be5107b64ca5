package tools

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/agent"
	"github.com/RoboMaroof/ragserver/apperr"
	"github.com/RoboMaroof/ragserver/metrics"
	"github.com/RoboMaroof/ragserver/rag"
	"github.com/RoboMaroof/ragserver/rerank"
	"github.com/RoboMaroof/ragserver/store"
)

const retrieverDesc = "Useful for retrieving custom knowledge from docs, websites, and SQL."

// Retriever exposes the evidence store to the agent as "vector_retriever".
type Retriever struct {
	store    rag.Searcher
	reranker rerank.Reranker
	topK     int
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewRetriever creates the retriever tool. reranker may be nil.
func NewRetriever(s rag.Searcher, reranker rerank.Reranker, topK int, m *metrics.Metrics, log *zap.Logger) *Retriever {
	if topK <= 0 {
		topK = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Retriever{store: s, reranker: reranker, topK: topK, metrics: m, log: log}
}

func (r *Retriever) Name() string        { return "vector_retriever" }
func (r *Retriever) Description() string { return retrieverDesc }
func (r *Retriever) Parameters() map[string]any {
	return agent.QueryParameters("what to look up in the indexed documents")
}

func (r *Retriever) Execute(ctx context.Context, args map[string]any) (agent.ToolOutput, error) {
	query, err := agent.QueryArg(args)
	if err != nil {
		return agent.ToolOutput{}, err
	}

	passages, err := r.store.Search(ctx, query, r.topK)
	if errors.Is(err, apperr.ErrStoreUnavailable) {
		return agent.ToolOutput{Content: rag.NotInitialized}, nil
	}
	if err != nil {
		return agent.ToolOutput{}, err
	}

	if r.reranker != nil && len(passages) > 0 {
		ranked, err := r.reranker.Rerank(ctx, query, append([]store.Passage(nil), passages...))
		if err != nil {
			if ctx.Err() != nil {
				return agent.ToolOutput{}, ctx.Err()
			}
			r.metrics.RerankFallback()
			r.log.Warn("retriever rerank failed, keeping search order", zap.Error(err))
		} else {
			passages = ranked
		}
	}

	results := make([]any, len(passages))
	texts := make([]string, len(passages))
	for i, p := range passages {
		if p.Score != nil {
			p = p.WithScore(store.Round(*p.Score, 3))
		}
		results[i] = p
		texts[i] = p.Text
	}
	return agent.ToolOutput{Content: strings.Join(texts, "\n\n"), Results: results}, nil
}
