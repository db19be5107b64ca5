// Package ingest turns a source (website, docs folder, SQLite FAQ table)
// into chunks and swaps them into the evidence store. At most one build runs
// at a time.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/RoboMaroof/ragserver/apperr"
)

// Source types.
const (
	SourceWebsite = "website"
	SourceDocs    = "docs"
	SourceSQL     = "sql"
)

// Source describes where to build the index from.
type Source struct {
	Type string `json:"source_type"`
	Path string `json:"source_path"`
}

// Validate rejects unknown types and empty paths.
func (s Source) Validate() error {
	switch s.Type {
	case SourceWebsite, SourceDocs, SourceSQL:
	default:
		return apperr.Invalid("Unsupported source type: %q", s.Type)
	}
	if strings.TrimSpace(s.Path) == "" {
		return apperr.Invalid("source_path is required")
	}
	if s.Type == SourceWebsite && !strings.HasPrefix(s.Path, "http://") && !strings.HasPrefix(s.Path, "https://") {
		return apperr.Invalid("website source_path must be an http(s) URL")
	}
	return nil
}

// Document is one loaded unit before splitting.
type Document struct {
	Text     string
	Source   string
	Metadata map[string]string
}

// Result summarises a finished build.
type Result struct {
	Source    Source        `json:"source"`
	Documents int           `json:"documents"`
	Chunks    int           `json:"chunks"`
	Duration  time.Duration `json:"duration"`
}

// Message is the success text returned to callers.
func (r Result) Message() string {
	return fmt.Sprintf("Ingested and indexed from %s", r.Source.Type)
}
