// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pelorus-nav/pelorus/internal/config"
	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/metrics"
	"github.com/pelorus-nav/pelorus/internal/report"
)

// EntryState is the lifecycle state of a DLQ entry.
type EntryState string

const (
	// StatePending marks entries awaiting a scheduled retry.
	StatePending EntryState = "pending"
	// StateDead marks entries that exhausted the retry budget and need
	// operator intervention. Dead entries are excluded from sweeps.
	StateDead EntryState = "dead"
)

// Entry is one fused report that failed persistence.
type Entry struct {
	EntryID       string              `json:"entry_id"`
	Report        *report.FusedReport `json:"report"`
	State         EntryState          `json:"state"`
	FailureReason string              `json:"failure_reason"`
	LastError     string              `json:"last_error"`
	RetryCount    int                 `json:"retry_count"`
	EnqueuedAt    time.Time           `json:"enqueued_at"`
	LastAttemptAt time.Time           `json:"last_attempt_at"`
	NextRetryAt   time.Time           `json:"next_retry_at"`
}

// QueueStats is the operator-facing DLQ summary.
type QueueStats struct {
	Pending        int64     `json:"pending"`
	Dead           int64     `json:"dead"`
	TotalAdded     int64     `json:"total_added"`
	TotalRedriven  int64     `json:"total_redriven"`
	TotalRetries   int64     `json:"total_retries"`
	OldestEnqueued time.Time `json:"oldest_enqueued"`
}

// EntryStore persists DLQ entries so they survive restarts.
type EntryStore interface {
	Save(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, entryID string) error
	List(ctx context.Context) ([]*Entry, error)
	PurgeDead(ctx context.Context) (int64, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Queue is the dead letter queue. Once a fused report has won its window it
// must never be silently lost: failed writes land here and are re-driven by
// the sweeper until they succeed or cross the retry budget.
type Queue struct {
	cfg   config.DLQConfig
	store EntryStore

	mu      sync.Mutex
	entries map[string]*Entry

	totalAdded    int64
	totalRedriven int64
	totalRetries  int64

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

// NewQueue creates a DLQ. store may be nil for an in-memory-only queue
// (tests); production passes the DuckDB-backed store and recovers persisted
// entries on startup.
func NewQueue(cfg config.DLQConfig, store EntryStore) (*Queue, error) {
	if cfg.MaxRetries <= 0 {
		return nil, errors.New("max retries must be positive")
	}
	if cfg.InitialBackoff <= 0 {
		return nil, errors.New("initial backoff must be positive")
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = cfg.InitialBackoff * 64
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}

	q := &Queue{
		cfg:     cfg,
		store:   store,
		entries: make(map[string]*Entry),
		//nolint:gosec // G404: non-cryptographic jitter for backoff timing
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}

	if store != nil {
		if err := q.recover(); err != nil {
			logging.Warn().Err(err).Msg("Failed to recover persisted DLQ entries")
		}
	}
	return q, nil
}

// SetClock overrides the wall clock. Tests only.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *Queue) recover() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := q.store.List(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	for _, e := range entries {
		q.entries[e.EntryID] = e
	}
	loaded := len(q.entries)
	q.mu.Unlock()

	if loaded > 0 {
		logging.Info().Int("count", loaded).Msg("Recovered DLQ entries from storage")
	}
	return nil
}

// Add enqueues a failed fused report for scheduled re-drive.
func (q *Queue) Add(f *report.FusedReport, cause error) *Entry {
	q.mu.Lock()

	now := q.now()
	e := &Entry{
		EntryID:       f.FusionID,
		Report:        f,
		State:         StatePending,
		FailureReason: cause.Error(),
		LastError:     cause.Error(),
		EnqueuedAt:    now,
		NextRetryAt:   now.Add(q.backoff(0)),
	}
	q.entries[e.EntryID] = e
	q.totalAdded++
	q.evictLocked()
	q.mu.Unlock()

	metrics.DLQAdded.Inc()
	q.persist(e)

	logging.Warn().
		Str("entry_id", e.EntryID).
		Str("identity", f.IdentityKey).
		Str("reason", e.FailureReason).
		Msg("Fused report routed to DLQ")
	return e
}

// evictLocked drops the oldest pending entries when over capacity.
// Dead entries are never evicted automatically; they need the operator.
func (q *Queue) evictLocked() {
	for len(q.entries) > q.cfg.MaxEntries {
		var oldest *Entry
		for _, e := range q.entries {
			if e.State != StatePending {
				continue
			}
			if oldest == nil || e.EnqueuedAt.Before(oldest.EnqueuedAt) {
				oldest = e
			}
		}
		if oldest == nil {
			return
		}
		delete(q.entries, oldest.EntryID)
		logging.Warn().Str("entry_id", oldest.EntryID).Msg("DLQ at capacity, evicted oldest pending entry")
	}
}

// Due returns pending entries whose NextRetryAt has passed, oldest first.
func (q *Queue) Due(now time.Time) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Entry
	for _, e := range q.entries {
		if e.State == StatePending && !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].EnqueuedAt.Before(due[j].EnqueuedAt) })
	return due
}

// MarkSuccess removes an entry after a successful re-drive.
func (q *Queue) MarkSuccess(entryID string) {
	q.mu.Lock()
	_, ok := q.entries[entryID]
	if ok {
		delete(q.entries, entryID)
		q.totalRedriven++
	}
	q.mu.Unlock()

	if !ok {
		return
	}
	metrics.DLQRetrySuccesses.Inc()
	q.unpersist(entryID)
}

// MarkFailure records a failed re-drive, schedules the next attempt with
// exponential backoff, and promotes the entry to dead once the retry budget
// is exhausted. Returns the entry's state after the update.
func (q *Queue) MarkFailure(entryID string, cause error) EntryState {
	q.mu.Lock()
	e, ok := q.entries[entryID]
	if !ok {
		q.mu.Unlock()
		return StateDead
	}

	now := q.now()
	e.RetryCount++
	e.LastError = cause.Error()
	e.LastAttemptAt = now
	e.NextRetryAt = now.Add(q.backoff(e.RetryCount))
	q.totalRetries++

	if e.RetryCount >= q.cfg.MaxRetries {
		e.State = StateDead
	}
	state := e.State
	snapshot := *e
	q.mu.Unlock()

	metrics.DLQRetryFailures.Inc()
	if state == StateDead {
		logging.Error().
			Str("entry_id", entryID).
			Str("identity", snapshot.Report.IdentityKey).
			Int("retries", snapshot.RetryCount).
			Msg("DLQ entry exhausted retries, marked dead")
	}
	q.persist(&snapshot)
	return state
}

// ForceRetry makes every pending entry immediately due. Operator action;
// the next sweep picks them up.
func (q *Queue) ForceRetry() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for _, e := range q.entries {
		if e.State == StatePending {
			e.NextRetryAt = now
			n++
		}
	}
	return n
}

// PurgeDead removes all dead entries. Operator action.
func (q *Queue) PurgeDead() int {
	q.mu.Lock()
	n := 0
	for id, e := range q.entries {
		if e.State == StateDead {
			delete(q.entries, id)
			n++
		}
	}
	q.mu.Unlock()

	if q.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := q.store.PurgeDead(ctx); err != nil {
			logging.Error().Err(err).Msg("Failed to purge dead DLQ entries from storage")
		}
	}
	return n
}

// PurgeExpired removes dead entries older than the configured retention,
// in memory and in storage. Called by the sweeper on each pass; a zero
// retention disables it. Pending entries are never aged out.
func (q *Queue) PurgeExpired() int {
	if q.cfg.DeadRetention <= 0 {
		return 0
	}

	q.mu.Lock()
	cutoff := q.now().Add(-q.cfg.DeadRetention)
	n := 0
	for id, e := range q.entries {
		if e.State != StateDead {
			continue
		}
		at := e.LastAttemptAt
		if at.IsZero() {
			at = e.EnqueuedAt
		}
		if at.Before(cutoff) {
			delete(q.entries, id)
			n++
		}
	}
	q.mu.Unlock()

	if q.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := q.store.DeleteExpired(ctx, cutoff); err != nil {
			logging.Error().Err(err).Msg("Failed to delete expired DLQ entries from storage")
		}
	}
	return n
}

// Entries returns entries in the given state, oldest first, up to limit.
// Empty state returns everything.
func (q *Queue) Entries(state EntryState, limit int) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for _, e := range q.entries {
		if state != "" && e.State != state {
			continue
		}
		dup := *e
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats returns queue statistics and refreshes the DLQ gauges.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()

	stats := QueueStats{
		TotalAdded:    q.totalAdded,
		TotalRedriven: q.totalRedriven,
		TotalRetries:  q.totalRetries,
	}
	for _, e := range q.entries {
		switch e.State {
		case StatePending:
			stats.Pending++
			if stats.OldestEnqueued.IsZero() || e.EnqueuedAt.Before(stats.OldestEnqueued) {
				stats.OldestEnqueued = e.EnqueuedAt
			}
		case StateDead:
			stats.Dead++
		}
	}
	now := q.now()
	q.mu.Unlock()

	oldestAge := 0.0
	if !stats.OldestEnqueued.IsZero() {
		oldestAge = now.Sub(stats.OldestEnqueued).Seconds()
	}
	metrics.UpdateDLQGauges(stats.Pending, stats.Dead, oldestAge)
	return stats
}

// backoff computes the delay before retry attempt retryCount, with
// exponential growth, a cap, and symmetric jitter.
func (q *Queue) backoff(retryCount int) time.Duration {
	d := float64(q.cfg.InitialBackoff) * math.Pow(2, float64(retryCount))
	if d > float64(q.cfg.MaxBackoff) {
		d = float64(q.cfg.MaxBackoff)
	}
	if q.cfg.JitterFraction > 0 {
		q.rngMu.Lock()
		d += d * q.cfg.JitterFraction * (q.rng.Float64()*2 - 1)
		q.rngMu.Unlock()
	}
	return time.Duration(d)
}

// persist writes an entry snapshot to storage off the hot path.
func (q *Queue) persist(e *Entry) {
	if q.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.store.Save(ctx, e); err != nil {
			logging.Error().Err(err).Str("entry_id", e.EntryID).Msg("Failed to persist DLQ entry")
		}
	}()
}

func (q *Queue) unpersist(entryID string) {
	if q.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.store.Delete(ctx, entryID); err != nil {
			logging.Error().Err(err).Str("entry_id", entryID).Msg("Failed to delete persisted DLQ entry")
		}
	}()
}
