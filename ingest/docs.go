package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"
)

var rawExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".rst": true, ".csv": true, ".json": true,
}

// DocsLoader reads a directory (not recursively) or a single file. Files are
// read concurrently; documents come back sorted by path.
type DocsLoader struct {
	workers int
}

// NewDocsLoader creates a docs loader.
func NewDocsLoader() *DocsLoader {
	return &DocsLoader{workers: 4}
}

// Supported reports whether the loader reads files with this name.
func Supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return rawExtensions[ext] || ext == ".pdf" || ext == ".html" || ext == ".htm"
}

func (l *DocsLoader) Load(ctx context.Context, path string) ([]Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("docs: %w", err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("docs: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !Supported(e.Name()) {
				continue
			}
			files = append(files, filepath.Join(path, e.Name()))
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("docs: no supported files in %s", path)
		}
	} else {
		if !Supported(path) {
			return nil, fmt.Errorf("docs: unsupported file type %s", filepath.Ext(path))
		}
		files = []string{path}
	}
	sort.Strings(files)

	docs := make([]Document, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			text, err := readFile(f)
			if err != nil {
				return fmt.Errorf("docs: %s: %w", filepath.Base(f), err)
			}
			docs[i] = Document{
				Text:     text,
				Source:   f,
				Metadata: map[string]string{"file_name": filepath.Base(f)},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := docs[:0]
	for _, d := range docs {
		if strings.TrimSpace(d.Text) != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

func readFile(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return readPDF(path)
	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return ExtractText(f)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Unreadable pages are skipped, like blank ones.
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
