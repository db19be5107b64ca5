package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/RoboMaroof/ragserver/agent"
)

const (
	arxivDesc = "A wrapper around Arxiv.org Useful for when you need to answer questions about Physics, " +
		"Mathematics, Computer Science, Quantitative Biology, Quantitative Finance, Statistics, " +
		"Electrical Engineering, and Economics from scientific articles on arxiv.org. " +
		"Input should be a search query."
	arxivNoResult = "No good Arxiv Result was found"
)

// Arxiv queries the arXiv Atom API.
type Arxiv struct {
	baseURL  string
	topK     int
	maxChars int
	client   *http.Client
}

// NewArxiv creates the arxiv tool.
func NewArxiv(baseURL string, topK, maxChars int) *Arxiv {
	if baseURL == "" {
		baseURL = "https://export.arxiv.org"
	}
	return &Arxiv{
		baseURL:  strings.TrimRight(baseURL, "/"),
		topK:     max(topK, 1),
		maxChars: maxChars,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Arxiv) Name() string               { return "arxiv" }
func (a *Arxiv) Description() string        { return arxivDesc }
func (a *Arxiv) Parameters() map[string]any { return agent.QueryParameters("search query for arxiv.org") }

type atomFeed struct {
	Entries []struct {
		Title     string `xml:"title"`
		Summary   string `xml:"summary"`
		Published string `xml:"published"`
		Authors   []struct {
			Name string `xml:"name"`
		} `xml:"author"`
	} `xml:"entry"`
}

func (a *Arxiv) Execute(ctx context.Context, args map[string]any) (agent.ToolOutput, error) {
	query, err := agent.QueryArg(args)
	if err != nil {
		return agent.ToolOutput{}, err
	}

	params := url.Values{
		"search_query": {"all:" + query},
		"start":        {"0"},
		"max_results":  {fmt.Sprint(a.topK)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/query?"+params.Encode(), nil)
	if err != nil {
		return agent.ToolOutput{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return agent.ToolOutput{}, fmt.Errorf("arxiv query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return agent.ToolOutput{}, fmt.Errorf("arxiv read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return agent.ToolOutput{}, fmt.Errorf("arxiv returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return agent.ToolOutput{}, fmt.Errorf("arxiv parse: %w", err)
	}
	if len(feed.Entries) == 0 {
		return agent.ToolOutput{Content: arxivNoResult}, nil
	}

	docs := make([]string, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		authors := make([]string, len(e.Authors))
		for i, au := range e.Authors {
			authors[i] = au.Name
		}
		published, _, _ := strings.Cut(e.Published, "T")
		docs = append(docs, fmt.Sprintf("Published: %s\nTitle: %s\nAuthors: %s\nSummary: %s",
			published, oneLine(e.Title), strings.Join(authors, ", "), oneLine(e.Summary)))
	}
	return agent.ToolOutput{Content: truncate(strings.Join(docs, "\n\n"), a.maxChars)}, nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
