package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// FAQQuery is the query run against SQL sources.
const FAQQuery = "SELECT * FROM faq"

// SQLLoader reads every row of the faq table of a SQLite file. Each row
// becomes one document of "column: value" lines.
type SQLLoader struct{}

func (SQLLoader) Load(ctx context.Context, path string) ([]Document, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("sql: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("sql: open %s: %w", path, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, FAQQuery)
	if err != nil {
		return nil, fmt.Errorf("sql: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sql: columns: %w", err)
	}

	var docs []Document
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sql: scan: %w", err)
		}

		lines := make([]string, len(cols))
		for i, c := range cols {
			lines[i] = fmt.Sprintf("%s: %s", c, sqlValue(vals[i]))
		}
		docs = append(docs, Document{
			Text:     strings.Join(lines, "\n"),
			Source:   fmt.Sprintf("%s#faq/%d", path, len(docs)+1),
			Metadata: map[string]string{"table": "faq"},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sql: rows: %w", err)
	}
	return docs, nil
}

func sqlValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
