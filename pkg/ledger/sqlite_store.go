package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/aixgo-dev/aide/agent"
)

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS agent_runs (
	id              TEXT PRIMARY KEY,
	agent_name      TEXT NOT NULL,
	started_at      TEXT NOT NULL,
	completed_at    TEXT,
	status          TEXT NOT NULL DEFAULT 'running',
	summary         TEXT NOT NULL DEFAULT '',
	items_processed INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_agent_name ON agent_runs(agent_name);
CREATE INDEX IF NOT EXISTS idx_agent_runs_started_at ON agent_runs(started_at);
`

// SQLiteStore persists run records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the agent_runs table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	store, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreFromDB uses an already opened database, creating the schema
// if needed. The database may be shared with other stores.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, agentName string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, agent_name, started_at, status) VALUES (?, ?, ?, ?)`,
		id, agentName, time.Now().UTC().Format(timeLayout), string(agent.RunRunning),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// Complete implements Store.
func (s *SQLiteStore) Complete(ctx context.Context, id string, c Completion) error {
	if !c.Status.Terminal() {
		return fmt.Errorf("complete run %s: status %q is not terminal", id, c.Status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET completed_at = ?, status = ?, summary = ?, items_processed = ?, error_message = ?
		WHERE id = ? AND status = ?`,
		time.Now().UTC().Format(timeLayout), string(c.Status), c.Summary, c.ItemsProcessed, c.ErrorMessage,
		id, string(agent.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish unknown ids from finalized runs.
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrRunFinalized, id, rec.Status)
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*agent.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return rec, err
}

// LastRun implements Store.
func (s *SQLiteStore) LastRun(ctx context.Context, agentName string) (*agent.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE agent_name = ?
		ORDER BY started_at DESC LIMIT 1`, agentName)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListRecent implements Store.
func (s *SQLiteStore) ListRecent(ctx context.Context, filter agent.RunFilter) ([]agent.RunRecord, error) {
	filter = normalizeFilter(filter)
	cutoff := time.Now().UTC().Add(-filter.Since).Format(timeLayout)

	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE started_at > ?`
	args := []any{cutoff}
	if filter.AgentName != "" {
		query += ` AND agent_name = ?`
		args = append(args, filter.AgentName)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]agent.RunRecord, 0)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

const runColumns = `id, agent_name, started_at, completed_at, status, summary, items_processed, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*agent.RunRecord, error) {
	var (
		rec         agent.RunRecord
		startedAt   string
		completedAt sql.NullString
		status      string
	)
	err := row.Scan(&rec.ID, &rec.AgentName, &startedAt, &completedAt, &status,
		&rec.Summary, &rec.ItemsProcessed, &rec.ErrorMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	rec.Status = agent.RunStatus(status)
	if rec.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		rec.CompletedAt = &t
	}
	return &rec, nil
}
