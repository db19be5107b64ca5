package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Loader reads the documents of one source type.
type Loader interface {
	Load(ctx context.Context, path string) ([]Document, error)
}

// DefaultLoaders returns the loader for every source type.
func DefaultLoaders() map[string]Loader {
	return map[string]Loader{
		SourceWebsite: NewWebsiteLoader(),
		SourceDocs:    NewDocsLoader(),
		SourceSQL:     SQLLoader{},
	}
}

// WebsiteLoader fetches one page and keeps its text.
type WebsiteLoader struct {
	client   *http.Client
	maxBytes int64
}

// NewWebsiteLoader creates a website loader.
func NewWebsiteLoader() *WebsiteLoader {
	return &WebsiteLoader{
		client:   &http.Client{Timeout: 60 * time.Second},
		maxBytes: 20 << 20,
	}
}

func (l *WebsiteLoader) Load(ctx context.Context, url string) ([]Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("website: %w", err)
	}
	req.Header.Set("User-Agent", "rag_server/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("website: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("website: fetch %s: status %d", url, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, l.maxBytes)
	var text string
	if ct := resp.Header.Get("Content-Type"); ct == "" || strings.Contains(ct, "html") {
		text, err = ExtractText(body)
	} else {
		var raw []byte
		raw, err = io.ReadAll(body)
		text = string(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("website: read %s: %w", url, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []Document{{Text: text, Source: url, Metadata: map[string]string{"url": url}}}, nil
}
