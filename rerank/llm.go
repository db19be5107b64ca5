package rerank

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/apperr"
	"github.com/RoboMaroof/ragserver/llm"
	"github.com/RoboMaroof/ragserver/store"
)

const gradePrompt = `A list of documents is shown below. Each document has a number next to it along with its content. A question is also provided.
Respond with the numbers of the documents you should consult to answer the question, in order of relevance, as well as the relevance score. The relevance score is a number from 1-10 based on how relevant you think the document is to the question.
Do not include any documents that are not relevant to the question.
Example format:
Doc: 9, Relevance: 7
Doc: 3, Relevance: 4
Doc: 7, Relevance: 3

%s
Question: %s
Answer:
`

var gradeLine = regexp.MustCompile(`(?i)doc(?:ument)?\s*:?\s*(\d+)\s*,\s*relevance\s*:?\s*(\d+(?:\.\d+)?)`)

// LLM asks a generator to grade candidates in batches.
type LLM struct {
	client    llm.Client
	topN      int
	batchSize int
	log       *zap.Logger
}

// NewLLM creates a generator-backed reranker.
func NewLLM(client llm.Client, topN int, log *zap.Logger) *LLM {
	if topN <= 0 {
		topN = DefaultTopN
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LLM{client: client, topN: topN, batchSize: 10, log: log}
}

// Rerank grades every candidate. Passages the generator leaves out are
// dropped; a reply with no parseable grades is ErrRerankFailure.
func (r *LLM) Rerank(ctx context.Context, query string, candidates []store.Passage) ([]store.Passage, error) {
	var graded []store.Passage
	for start := 0; start < len(candidates); start += r.batchSize {
		end := min(start+r.batchSize, len(candidates))
		batch := candidates[start:end]

		reply, err := llm.Complete(ctx, r.client, buildGradePrompt(query, batch), 256)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrRerankFailure, err)
		}
		grades, err := parseGrades(reply, len(batch))
		if err != nil {
			r.log.Debug("unparseable rerank reply", zap.String("reply", reply))
			return nil, err
		}
		for _, g := range grades {
			graded = append(graded, batch[g.doc-1].WithScore(g.relevance/10))
		}
	}
	return topN(graded, r.topN), nil
}

func buildGradePrompt(query string, batch []store.Passage) string {
	var sb strings.Builder
	for i, p := range batch {
		fmt.Fprintf(&sb, "Document %d:\n%s\n\n", i+1, p.Text)
	}
	return fmt.Sprintf(gradePrompt, strings.TrimRight(sb.String(), "\n"), query)
}

type grade struct {
	doc       int
	relevance float64
}

// parseGrades reads "Doc: n, Relevance: r" lines. Out-of-range and repeated
// doc numbers are ignored.
func parseGrades(reply string, n int) ([]grade, error) {
	seen := make(map[int]bool)
	var out []grade
	sawLine := false
	for _, m := range gradeLine.FindAllStringSubmatch(reply, -1) {
		sawLine = true
		doc, err := strconv.Atoi(m[1])
		if err != nil || doc < 1 || doc > n || seen[doc] {
			continue
		}
		rel, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		seen[doc] = true
		out = append(out, grade{doc: doc, relevance: min(max(rel, 1), 10)})
	}
	if !sawLine {
		return nil, fmt.Errorf("%w: no grades in reply", apperr.ErrRerankFailure)
	}
	return out, nil
}
