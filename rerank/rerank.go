// Package rerank reorders candidate passages by relevance to a query.
package rerank

import (
	"context"
	"math"
	"sort"

	"github.com/RoboMaroof/ragserver/store"
)

// DefaultTopN is the number of passages a reranker keeps.
const DefaultTopN = 5

// Reranker reorders and truncates candidates. Implementations return at most
// their top-N passages, best first.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []store.Passage) ([]store.Passage, error)
}

// Lexical scores passages by term-frequency cosine similarity with the query.
// It needs no network and never fails.
type Lexical struct {
	TopN int
}

// NewLexical creates a lexical reranker.
func NewLexical(topN int) *Lexical {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Lexical{TopN: topN}
}

func (l *Lexical) Rerank(ctx context.Context, query string, candidates []store.Passage) ([]store.Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := termFreq(query)
	scored := make([]store.Passage, len(candidates))
	for i, p := range candidates {
		scored[i] = p.WithScore(store.Round(tfCosine(q, termFreq(p.Text)), 3))
	}
	return topN(scored, l.TopN), nil
}

func termFreq(text string) map[string]float64 {
	tf := make(map[string]float64)
	for _, tok := range store.Tokenize(text) {
		tf[tok]++
	}
	return tf
}

func tfCosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for tok, x := range a {
		na += x * x
		dot += x * b[tok]
	}
	for _, y := range b {
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topN sorts by descending score, keeping the incoming order for ties.
func topN(ps []store.Passage, n int) []store.Passage {
	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].ScoreOr(math.Inf(-1)) > ps[j].ScoreOr(math.Inf(-1))
	})
	if n > 0 && len(ps) > n {
		ps = ps[:n]
	}
	return ps
}
