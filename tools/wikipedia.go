package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/RoboMaroof/ragserver/agent"
)

const (
	wikipediaDesc = "A wrapper around Wikipedia. Useful for when you need to answer general questions about " +
		"people, places, companies, facts, historical events, or other subjects. Input should be a search query."
	wikipediaNoResult = "No good Wikipedia Search Result was found"
)

// Wikipedia searches Wikipedia and returns page summaries.
type Wikipedia struct {
	baseURL  string
	topK     int
	maxChars int
	client   *http.Client
}

// NewWikipedia creates the wikipedia tool. baseURL is the wiki host, e.g.
// "https://en.wikipedia.org".
func NewWikipedia(baseURL string, topK, maxChars int) *Wikipedia {
	if baseURL == "" {
		baseURL = "https://en.wikipedia.org"
	}
	return &Wikipedia{
		baseURL:  strings.TrimRight(baseURL, "/"),
		topK:     max(topK, 1),
		maxChars: maxChars,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *Wikipedia) Name() string               { return "wikipedia" }
func (w *Wikipedia) Description() string        { return wikipediaDesc }
func (w *Wikipedia) Parameters() map[string]any { return agent.QueryParameters("query to look up on wikipedia") }

func (w *Wikipedia) Execute(ctx context.Context, args map[string]any) (agent.ToolOutput, error) {
	query, err := agent.QueryArg(args)
	if err != nil {
		return agent.ToolOutput{}, err
	}

	titles, err := w.search(ctx, query)
	if err != nil {
		return agent.ToolOutput{}, err
	}

	var pages []string
	for _, title := range titles {
		summary, err := w.summary(ctx, title)
		if err != nil {
			return agent.ToolOutput{}, err
		}
		if summary == "" {
			continue
		}
		pages = append(pages, fmt.Sprintf("Page: %s\nSummary: %s", title, summary))
	}
	if len(pages) == 0 {
		return agent.ToolOutput{Content: wikipediaNoResult}, nil
	}
	return agent.ToolOutput{Content: truncate(strings.Join(pages, "\n\n"), w.maxChars)}, nil
}

type wikiSearchResponse struct {
	Query struct {
		Search []struct {
			Title string `json:"title"`
		} `json:"search"`
	} `json:"query"`
}

func (w *Wikipedia) search(ctx context.Context, query string) ([]string, error) {
	params := url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"srlimit":  {fmt.Sprint(w.topK)},
		"format":   {"json"},
	}
	var resp wikiSearchResponse
	if err := getJSON(ctx, w.client, w.baseURL+"/w/api.php?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("wikipedia search: %w", err)
	}
	titles := make([]string, 0, len(resp.Query.Search))
	for _, s := range resp.Query.Search {
		titles = append(titles, s.Title)
	}
	return titles, nil
}

func (w *Wikipedia) summary(ctx context.Context, title string) (string, error) {
	path := url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	var resp struct {
		Extract string `json:"extract"`
	}
	if err := getJSON(ctx, w.client, w.baseURL+"/api/rest_v1/page/summary/"+path, &resp); err != nil {
		return "", fmt.Errorf("wikipedia summary %q: %w", title, err)
	}
	return strings.TrimSpace(resp.Extract), nil
}
