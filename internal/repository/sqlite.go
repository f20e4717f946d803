// Package repository persists run records in SQLite.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/flowlab/internal/domain"
)

// Store is the persistence interface for run records.
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	FinalizeRun(ctx context.Context, runID string, cause domain.TerminalCause, endedAt time.Time, artifactPath string) error
	LatestRun(ctx context.Context) (*domain.Run, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		cause TEXT,
		config TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		artifact_path TEXT
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, state, cause, config, started_at, artifact_path) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, string(run.State), string(run.Cause), string(cfg), run.StartedAt, run.ArtifactPath)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id, or nil when unknown.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, state, cause, config, started_at, ended_at, artifact_path FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// LatestRun fetches the most recently started run, or nil when none
// exists.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, state, cause, config, started_at, ended_at, artifact_path FROM runs ORDER BY started_at DESC LIMIT 1`)
	return scanRun(row)
}

// FinalizeRun marks a run terminal with its cause and sealed artifact.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, cause domain.TerminalCause, endedAt time.Time, artifactPath string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, cause = ?, ended_at = ?, artifact_path = ? WHERE run_id = ?`,
		string(domain.RunStateTerminal), string(cause), endedAt, artifactPath, runID)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanRun(row *sql.Row) (*domain.Run, error) {
	var run domain.Run
	var state, cause, cfg string
	var endedAt sql.NullTime
	var artifact sql.NullString

	err := row.Scan(&run.RunID, &state, &cause, &cfg, &run.StartedAt, &endedAt, &artifact)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.State = domain.RunState(state)
	run.Cause = domain.TerminalCause(cause)
	if err := json.Unmarshal([]byte(cfg), &run.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	if artifact.Valid {
		run.ArtifactPath = artifact.String
	}
	return &run, nil
}
