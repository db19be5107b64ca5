package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id      TEXT PRIMARY KEY,
	seq     INTEGER NOT NULL,
	source  TEXT NOT NULL,
	text    TEXT NOT NULL,
	vector  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS index_meta (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	source_type TEXT NOT NULL,
	source_path TEXT NOT NULL,
	chunks      INTEGER NOT NULL,
	built_at    TEXT NOT NULL,
	embedder    TEXT NOT NULL DEFAULT '',
	dimensions  INTEGER NOT NULL DEFAULT 0
);
`

// metaColumns were added after the first schema; older files get them on
// open.
var metaColumns = map[string]string{
	"embedder":   "TEXT NOT NULL DEFAULT ''",
	"dimensions": "INTEGER NOT NULL DEFAULT 0",
}

// SQLiteBackend keeps the served index in a single SQLite file.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the index database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := addMetaColumns(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func addMetaColumns(db *sql.DB) error {
	for name, def := range metaColumns {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('index_meta') WHERE name = ?`, name).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE index_meta ADD COLUMN %s %s", name, def)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Save replaces every stored chunk in one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, chunks []Chunk, info IndexInfo) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, seq, source, text, vector) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.Seq, c.Source, c.Text, encodeVector(c.Vector)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO index_meta (id, source_type, source_path, chunks, built_at, embedder, dimensions)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET source_type = excluded.source_type, source_path = excluded.source_path,
		 chunks = excluded.chunks, built_at = excluded.built_at,
		 embedder = excluded.embedder, dimensions = excluded.dimensions`,
		info.SourceType, info.SourcePath, info.Chunks, info.BuiltAt.UTC().Format(time.RFC3339Nano),
		info.Embedder, info.Dimensions,
	)
	if err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load reads the stored index in insertion order.
func (b *SQLiteBackend) Load(ctx context.Context) ([]Chunk, IndexInfo, error) {
	var info IndexInfo
	var builtAt string
	err := b.db.QueryRowContext(ctx,
		`SELECT source_type, source_path, chunks, built_at, embedder, dimensions FROM index_meta WHERE id = 1`,
	).Scan(&info.SourceType, &info.SourcePath, &info.Chunks, &builtAt, &info.Embedder, &info.Dimensions)
	if err == sql.ErrNoRows {
		return nil, IndexInfo{}, ErrNoIndex
	}
	if err != nil {
		return nil, IndexInfo{}, fmt.Errorf("read meta: %w", err)
	}
	info.BuiltAt, _ = time.Parse(time.RFC3339Nano, builtAt)

	rows, err := b.db.QueryContext(ctx, `SELECT id, seq, source, text, vector FROM chunks ORDER BY seq`)
	if err != nil {
		return nil, IndexInfo{}, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]Chunk, 0, info.Chunks)
	for rows.Next() {
		var c Chunk
		var vec []byte
		if err := rows.Scan(&c.ID, &c.Seq, &c.Source, &c.Text, &vec); err != nil {
			return nil, IndexInfo{}, fmt.Errorf("scan chunk: %w", err)
		}
		c.Vector = decodeVector(vec)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, IndexInfo{}, err
	}
	return chunks, info, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
