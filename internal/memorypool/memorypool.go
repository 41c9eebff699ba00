// Package memorypool defines the storage contract for the fabric's Memory
// subsystem. The real implementation — semantic indexing and retrieval
// over task history — is explicitly out of scope; this package exists so
// other components can depend on the Pool interface today and a future
// vector/FTS-backed implementation can be dropped in without touching
// callers. SQLitePool below is a literal, un-indexed stand-in: it proves
// the contract is exercised end to end, not a retrieval engine.
package memorypool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Document is one unit the pool can index and later retrieve.
type Document struct {
	ID        string
	TaskID    string
	Text      string
	CreatedAt time.Time
}

// Result is one hit from Search, ordered best-first by whatever scoring
// the implementation uses.
type Result struct {
	Document Document
	Score    float64
}

// Pool is the Memory subsystem's storage contract.
type Pool interface {
	Index(ctx context.Context, doc Document) error
	Search(ctx context.Context, query string, k int) ([]Result, error)
	Close() error
}

// SQLitePool is a substring-match placeholder backed by modernc.org/sqlite.
// Its Search is deliberately naive (SQL LIKE, no ranking beyond recency):
// real semantic retrieval is a non-goal here, and a placeholder that
// pretended otherwise would be more misleading than one that is honest
// about its limits.
type SQLitePool struct {
	db *sql.DB
}

// OpenSQLitePool opens (creating if absent) a SQLite-backed pool at path.
func OpenSQLitePool(path string) (*SQLitePool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memorypool: open %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at DATETIME NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memorypool: migrate: %w", err)
	}
	return &SQLitePool{db: db}, nil
}

// Index implements Pool.
func (p *SQLitePool) Index(ctx context.Context, doc Document) error {
	const q = `INSERT INTO documents (id, task_id, text, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET text = excluded.text, created_at = excluded.created_at`
	_, err := p.db.ExecContext(ctx, q, doc.ID, doc.TaskID, doc.Text, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("memorypool: index %s: %w", doc.ID, err)
	}
	return nil
}

// Search implements Pool with a recency-ordered substring match.
func (p *SQLitePool) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	const q = `SELECT id, task_id, text, created_at FROM documents
		WHERE text LIKE ? ORDER BY created_at DESC LIMIT ?`
	rows, err := p.db.QueryContext(ctx, q, "%"+strings.ReplaceAll(query, "%", "")+"%", k)
	if err != nil {
		return nil, fmt.Errorf("memorypool: search: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.TaskID, &d.Text, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("memorypool: scan: %w", err)
		}
		out = append(out, Result{Document: d, Score: 1})
	}
	return out, rows.Err()
}

// Close implements Pool.
func (p *SQLitePool) Close() error { return p.db.Close() }
