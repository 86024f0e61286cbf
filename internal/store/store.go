// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

// Package store provides the DuckDB-backed position store.
//
// The store is the sole cross-process shared resource: concurrent pipeline
// instances rely entirely on the upsert conflict key (identity_key, event_ts)
// for consistency, never on application-level locks.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/goccy/go-json"
	"github.com/pelorus-nav/pelorus/internal/config"
	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/report"
)

// Store wraps the DuckDB connection and provides position persistence.
type Store struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig
}

// Position is one stored row, served by the admin API.
type Position struct {
	IdentityKey    string    `json:"identity_key"`
	EventTimestamp time.Time `json:"event_timestamp"`
	Source         string    `json:"source"`
	Class          string    `json:"class"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	SpeedKn        *float64  `json:"speed_kn,omitempty"`
	CourseDeg      *float64  `json:"course_deg,omitempty"`
	Name           string    `json:"name,omitempty"`
	Callsign       string    `json:"callsign,omitempty"`
	Score          float64   `json:"score"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// New opens the database and initializes the schema.
func New(cfg *config.DatabaseConfig) (*Store, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure the parent directory exists before DuckDB opens the file.
	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, numThreads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// DuckDB performs best with a small number of connections.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(0)

	s := &Store{conn: conn, cfg: cfg}
	if err := s.initialize(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("Database opened")
	return s, nil
}

// initialize creates the schema. Statements run one at a time because DuckDB
// does not support multi-statement execution.
func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			identity_key TEXT NOT NULL,
			event_ts TIMESTAMPTZ NOT NULL,
			source TEXT NOT NULL,
			class TEXT NOT NULL,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			speed_kn DOUBLE,
			course_deg DOUBLE,
			heading DOUBLE,
			name TEXT,
			callsign TEXT,
			score DOUBLE NOT NULL DEFAULT 0,
			window_start TIMESTAMPTZ,
			extra JSON,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (identity_key, event_ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_updated ON positions(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_class ON positions(class)`,
		`CREATE TABLE IF NOT EXISTS dlq_entries (
			entry_id TEXT PRIMARY KEY,
			payload JSON NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			failure_reason TEXT NOT NULL,
			last_error TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			enqueued_at TIMESTAMPTZ NOT NULL,
			last_attempt_at TIMESTAMPTZ,
			next_retry_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_state ON dlq_entries(state)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dlq_entries(next_retry_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	// Flush the WAL so schema replay never depends on extension load order.
	if _, err := s.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint after schema creation")
	}

	return nil
}

// Upsert writes one fused report, inserting or updating on the
// (identity_key, event_ts) conflict key.
func (s *Store) Upsert(ctx context.Context, f *report.FusedReport) error {
	return s.upsertTx(ctx, s.conn, f)
}

// UpsertBatch writes a batch of fused reports in one transaction. Insert-or-
// update-on-conflict per row avoids the lock-ordering deadlocks a
// read-modify-write cycle would hit under concurrent flushes.
func (s *Store) UpsertBatch(ctx context.Context, batch []*report.FusedReport) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range batch {
		if err := s.upsertTx(ctx, tx, f); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsertTx(ctx context.Context, ex execer, f *report.FusedReport) error {
	w := &f.Winner
	var extraJSON any
	if len(w.Extra) > 0 {
		data, err := json.Marshal(w.Extra)
		if err != nil {
			return fmt.Errorf("failed to marshal extra fields: %w", err)
		}
		extraJSON = string(data)
	}

	query := `
		INSERT INTO positions (
			identity_key, event_ts, source, class,
			latitude, longitude, speed_kn, course_deg, heading,
			name, callsign, score, window_start, extra, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity_key, event_ts) DO UPDATE SET
			source = EXCLUDED.source,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			speed_kn = EXCLUDED.speed_kn,
			course_deg = EXCLUDED.course_deg,
			heading = EXCLUDED.heading,
			name = EXCLUDED.name,
			callsign = EXCLUDED.callsign,
			score = EXCLUDED.score,
			window_start = EXCLUDED.window_start,
			extra = EXCLUDED.extra,
			updated_at = EXCLUDED.updated_at
	`

	eventTS := w.EventTimestamp
	if eventTS.IsZero() {
		eventTS = w.IngestTimestamp
	}

	_, err := ex.ExecContext(ctx, query,
		f.IdentityKey,
		eventTS,
		w.Source,
		string(w.Class),
		w.Latitude,
		w.Longitude,
		w.SpeedKn,
		w.CourseDeg,
		w.Heading,
		nullIfEmpty(w.Name),
		nullIfEmpty(w.Callsign),
		f.Score,
		f.WindowStart,
		extraJSON,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", f.IdentityKey, err)
	}
	return nil
}

// LatestPositions returns the most recent stored position per identity,
// newest first, up to limit rows.
func (s *Store) LatestPositions(ctx context.Context, class string, limit int) ([]Position, error) {
	if limit <= 0 {
		limit = 100
	}

	classFilter := ""
	args := []any{}
	if class != "" {
		classFilter = "WHERE class = ?"
		args = append(args, class)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT identity_key, event_ts, source, class,
			latitude, longitude, speed_kn, course_deg,
			COALESCE(name, '') AS name,
			COALESCE(callsign, '') AS callsign,
			score, updated_at
		FROM positions
		%s
		QUALIFY ROW_NUMBER() OVER (PARTITION BY identity_key ORDER BY event_ts DESC) = 1
		ORDER BY updated_at DESC
		LIMIT ?`, classFilter)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(
			&p.IdentityKey, &p.EventTimestamp, &p.Source, &p.Class,
			&p.Latitude, &p.Longitude, &p.SpeedKn, &p.CourseDeg,
			&p.Name, &p.Callsign, &p.Score, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPositions returns the total stored position rows.
func (s *Store) CountPositions(ctx context.Context) (int64, error) {
	var count int64
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM positions").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count positions: %w", err)
	}
	return count, nil
}

// DB exposes the underlying connection for sibling persistence layers
// (DLQ storage shares the database file).
func (s *Store) DB() *sql.DB {
	return s.conn
}

// Close checkpoints and closes the database.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint on close")
	}
	return s.conn.Close()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
