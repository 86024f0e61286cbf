// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/report"
)

// DuckDBEntryStore persists DLQ entries to the dlq_entries table so the
// never-lose-a-winner guarantee survives restarts. The schema is created by
// the position store's initializer; both layers share one database file.
type DuckDBEntryStore struct {
	db *sql.DB
}

// NewDuckDBEntryStore creates a DuckDB-backed entry store.
func NewDuckDBEntryStore(db *sql.DB) *DuckDBEntryStore {
	return &DuckDBEntryStore{db: db}
}

// Save upserts an entry snapshot.
func (s *DuckDBEntryStore) Save(ctx context.Context, e *Entry) error {
	if e == nil || e.Report == nil {
		return errors.New("entry and report cannot be nil")
	}

	payload, err := json.Marshal(e.Report)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ payload: %w", err)
	}

	query := `
		INSERT INTO dlq_entries (
			entry_id, payload, state, failure_reason, last_error,
			retry_count, enqueued_at, last_attempt_at, next_retry_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entry_id) DO UPDATE SET
			state = EXCLUDED.state,
			last_error = EXCLUDED.last_error,
			retry_count = EXCLUDED.retry_count,
			last_attempt_at = EXCLUDED.last_attempt_at,
			next_retry_at = EXCLUDED.next_retry_at
	`

	var lastAttempt any
	if !e.LastAttemptAt.IsZero() {
		lastAttempt = e.LastAttemptAt
	}

	_, err = s.db.ExecContext(ctx, query,
		e.EntryID,
		string(payload),
		string(e.State),
		e.FailureReason,
		e.LastError,
		e.RetryCount,
		e.EnqueuedAt,
		lastAttempt,
		e.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save DLQ entry: %w", err)
	}
	return nil
}

// Delete removes an entry by ID.
func (s *DuckDBEntryStore) Delete(ctx context.Context, entryID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dlq_entries WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to delete DLQ entry: %w", err)
	}
	return nil
}

// List returns all persisted entries, used for recovery on startup.
func (s *DuckDBEntryStore) List(ctx context.Context) ([]*Entry, error) {
	query := `
		SELECT entry_id, CAST(payload AS VARCHAR), state, failure_reason,
			last_error, retry_count, enqueued_at, last_attempt_at, next_retry_at
		FROM dlq_entries
		ORDER BY enqueued_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var (
			e           Entry
			payload     string
			state       string
			lastAttempt sql.NullTime
		)
		if err := rows.Scan(
			&e.EntryID, &payload, &state, &e.FailureReason,
			&e.LastError, &e.RetryCount, &e.EnqueuedAt, &lastAttempt, &e.NextRetryAt,
		); err != nil {
			logging.Warn().Err(err).Msg("Failed to scan DLQ entry row")
			continue
		}

		var f report.FusedReport
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			logging.Warn().Err(err).Str("entry_id", e.EntryID).Msg("Failed to unmarshal DLQ payload")
			continue
		}
		e.Report = &f
		e.State = EntryState(state)
		if lastAttempt.Valid {
			e.LastAttemptAt = lastAttempt.Time
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PurgeDead removes all dead entries from storage.
func (s *DuckDBEntryStore) PurgeDead(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dlq_entries WHERE state = ?`, string(StateDead))
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead DLQ entries: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get purged count: %w", err)
	}
	return count, nil
}

// DeleteExpired removes dead entries whose last activity predates the
// cutoff. Pending entries are kept regardless of age; they still owe a
// re-drive.
func (s *DuckDBEntryStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM dlq_entries
		WHERE state = ? AND COALESCE(last_attempt_at, enqueued_at) < ?
	`
	result, err := s.db.ExecContext(ctx, query, string(StateDead), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired DLQ entries: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get expired count: %w", err)
	}
	return count, nil
}

var _ EntryStore = (*DuckDBEntryStore)(nil)
