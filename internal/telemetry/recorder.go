package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ToolCall is one recorded dispatch.
type ToolCall struct {
	ID         string    `db:"id"`
	Tool       string    `db:"tool"`
	Agent      string    `db:"agent"`
	OK         bool      `db:"ok"`
	DurationMS int64     `db:"duration_ms"`
	CalledAt   time.Time `db:"called_at"`
}

// ToolSummary aggregates calls per tool.
type ToolSummary struct {
	Tool      string  `db:"tool"`
	Calls     int64   `db:"calls"`
	Failures  int64   `db:"failures"`
	AvgMillis float64 `db:"avg_ms"`
}

const recorderSchema = `
CREATE TABLE IF NOT EXISTS tool_calls (
	id          TEXT PRIMARY KEY,
	tool        TEXT NOT NULL,
	agent       TEXT NOT NULL,
	ok          INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	called_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool);
`

// Recorder persists tool-call history to SQLite. SQLite allows a single
// writer, so writes are serialized behind a mutex.
type Recorder struct {
	mu sync.Mutex
	db *sqlx.DB
}

// NewRecorder opens (or creates) the telemetry database at path.
func NewRecorder(path string) (*Recorder, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(recorderSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize telemetry schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Record stores one tool call.
func (r *Recorder) Record(ctx context.Context, tool, agent string, ok bool, duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, tool, agent, ok, duration_ms, called_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), tool, agent, okInt, duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record tool call: %w", err)
	}
	return nil
}

// Summary aggregates recorded calls per tool, busiest first.
func (r *Recorder) Summary(ctx context.Context) ([]ToolSummary, error) {
	var out []ToolSummary
	err := r.db.SelectContext(ctx, &out, `
		SELECT tool,
		       COUNT(*)              AS calls,
		       SUM(1 - ok)           AS failures,
		       AVG(duration_ms)      AS avg_ms
		FROM tool_calls
		GROUP BY tool
		ORDER BY calls DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize tool calls: %w", err)
	}
	return out, nil
}

// Recent returns the latest n calls, newest first.
func (r *Recorder) Recent(ctx context.Context, n int) ([]ToolCall, error) {
	if n <= 0 {
		n = 20
	}
	var out []ToolCall
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, tool, agent, ok, duration_ms, called_at
		FROM tool_calls
		ORDER BY called_at DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool calls: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}
