// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pelorus-nav/pelorus/internal/config"
	"github.com/pelorus-nav/pelorus/internal/report"
)

var errWriteFailed = errors.New("write failed: connection refused")

func testDLQConfig() config.DLQConfig {
	return config.DLQConfig{
		MaxRetries:     5,
		SweepInterval:  time.Minute,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		JitterFraction: 0, // deterministic backoff for assertions
		MaxEntries:     100,
	}
}

func testQueue(t *testing.T) (*Queue, *fixedClock) {
	t.Helper()
	q, err := NewQueue(testDLQConfig(), nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	clk := &fixedClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	q.SetClock(clk.Now)
	return q, clk
}

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time          { return c.t }
func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func fusedFixture(identity string) *report.FusedReport {
	winner := report.NormalizedReport{
		ReportID:       uuid.NewString(),
		IdentityKey:    identity,
		Source:         "ais-alpha",
		Class:          report.ClassVessel,
		Latitude:       51.5,
		Longitude:      -0.12,
		EventTimestamp: time.Date(2026, 3, 14, 11, 59, 0, 0, time.UTC),
		Sane:           true,
	}
	return report.NewFusedReport(identity, winner.EventTimestamp.Truncate(30*time.Second), winner, 0.9, 1)
}

func TestQueueAddSchedulesFirstRetry(t *testing.T) {
	t.Parallel()

	q, clk := testQueue(t)
	e := q.Add(fusedFixture("id:mmsi-244660000"), errWriteFailed)

	if e.State != StatePending {
		t.Fatalf("state = %s, want pending", e.State)
	}
	if e.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", e.RetryCount)
	}
	want := clk.Now().Add(time.Second)
	if !e.NextRetryAt.Equal(want) {
		t.Errorf("next retry at %v, want %v", e.NextRetryAt, want)
	}
	if e.LastError != errWriteFailed.Error() {
		t.Errorf("last error = %q", e.LastError)
	}
}

func TestQueueDueRespectsSchedule(t *testing.T) {
	t.Parallel()

	q, clk := testQueue(t)
	q.Add(fusedFixture("id:mmsi-1"), errWriteFailed)

	if due := q.Due(clk.Now()); len(due) != 0 {
		t.Fatalf("entry due before backoff elapsed: %d", len(due))
	}
	clk.Advance(2 * time.Second)
	if due := q.Due(clk.Now()); len(due) != 1 {
		t.Fatalf("entry not due after backoff elapsed: %d", len(due))
	}
}

func TestQueueBackoffDoublesUntilCap(t *testing.T) {
	t.Parallel()

	q, clk := testQueue(t)
	e := q.Add(fusedFixture("id:mmsi-2"), errWriteFailed)

	// Initial 1s, then 2s, 4s, 8s after each failed attempt.
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantDelays {
		clk.Advance(time.Minute)
		state := q.MarkFailure(e.EntryID, errWriteFailed)
		if state != StatePending {
			t.Fatalf("attempt %d: state = %s, want pending", i+1, state)
		}
		got := q.Entries(StatePending, 1)[0]
		if delay := got.NextRetryAt.Sub(clk.Now()); delay != want {
			t.Errorf("attempt %d: backoff = %v, want %v", i+1, delay, want)
		}
		if got.RetryCount != i+1 {
			t.Errorf("attempt %d: retry count = %d", i+1, got.RetryCount)
		}
	}
}

func TestQueueBackoffHonorsCap(t *testing.T) {
	t.Parallel()

	cfg := testDLQConfig()
	cfg.MaxBackoff = 3 * time.Second
	cfg.MaxRetries = 20
	q, err := NewQueue(cfg, nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	clk := &fixedClock{t: time.Now()}
	q.SetClock(clk.Now)

	e := q.Add(fusedFixture("id:mmsi-3"), errWriteFailed)
	for i := 0; i < 6; i++ {
		q.MarkFailure(e.EntryID, errWriteFailed)
	}
	got := q.Entries(StatePending, 1)[0]
	if delay := got.NextRetryAt.Sub(clk.Now()); delay != 3*time.Second {
		t.Errorf("capped backoff = %v, want 3s", delay)
	}
}

func TestQueueDeadAfterMaxRetries(t *testing.T) {
	t.Parallel()

	q, clk := testQueue(t)
	e := q.Add(fusedFixture("id:mmsi-4"), errWriteFailed)

	var state EntryState
	for i := 0; i < 5; i++ {
		state = q.MarkFailure(e.EntryID, errWriteFailed)
	}
	if state != StateDead {
		t.Fatalf("state after 5 failures = %s, want dead", state)
	}

	// Dead entries never come due again.
	clk.Advance(24 * time.Hour)
	if due := q.Due(clk.Now()); len(due) != 0 {
		t.Errorf("dead entry surfaced in due list")
	}

	stats := q.Stats()
	if stats.Dead != 1 || stats.Pending != 0 {
		t.Errorf("stats = %+v, want 1 dead, 0 pending", stats)
	}
}

func TestQueueMarkSuccessRemovesEntry(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t)
	e := q.Add(fusedFixture("id:mmsi-5"), errWriteFailed)
	q.MarkSuccess(e.EntryID)

	if stats := q.Stats(); stats.Pending != 0 || stats.Dead != 0 {
		t.Errorf("stats after success = %+v, want empty", stats)
	}
	if stats := q.Stats(); stats.TotalRedriven != 1 {
		t.Errorf("total redriven = %d, want 1", stats.TotalRedriven)
	}
}

func TestQueueForceRetryMakesPendingDue(t *testing.T) {
	t.Parallel()

	q, clk := testQueue(t)
	q.Add(fusedFixture("id:mmsi-6"), errWriteFailed)
	q.Add(fusedFixture("id:mmsi-7"), errWriteFailed)

	if n := q.ForceRetry(); n != 2 {
		t.Fatalf("ForceRetry = %d, want 2", n)
	}
	if due := q.Due(clk.Now()); len(due) != 2 {
		t.Errorf("due after force retry = %d, want 2", len(due))
	}
}

func TestQueuePurgeDead(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t)
	e := q.Add(fusedFixture("id:mmsi-8"), errWriteFailed)
	for i := 0; i < 5; i++ {
		q.MarkFailure(e.EntryID, errWriteFailed)
	}
	q.Add(fusedFixture("id:mmsi-9"), errWriteFailed)

	if n := q.PurgeDead(); n != 1 {
		t.Fatalf("PurgeDead = %d, want 1", n)
	}
	if stats := q.Stats(); stats.Pending != 1 || stats.Dead != 0 {
		t.Errorf("stats after purge = %+v", stats)
	}
}

func TestQueuePurgeExpiredAgesOutDead(t *testing.T) {
	t.Parallel()

	cfg := testDLQConfig()
	cfg.DeadRetention = 24 * time.Hour
	q, err := NewQueue(cfg, nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	clk := &fixedClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	q.SetClock(clk.Now)

	dead := q.Add(fusedFixture("id:mmsi-20"), errWriteFailed)
	for i := 0; i < 5; i++ {
		q.MarkFailure(dead.EntryID, errWriteFailed)
	}
	q.Add(fusedFixture("id:mmsi-21"), errWriteFailed)

	// Inside the retention window nothing is aged out.
	if n := q.PurgeExpired(); n != 0 {
		t.Fatalf("PurgeExpired inside retention = %d, want 0", n)
	}

	clk.Advance(25 * time.Hour)
	if n := q.PurgeExpired(); n != 1 {
		t.Fatalf("PurgeExpired past retention = %d, want 1", n)
	}

	// The pending entry survives regardless of age; it still owes a re-drive.
	if stats := q.Stats(); stats.Pending != 1 || stats.Dead != 0 {
		t.Errorf("stats after purge = %+v, want 1 pending, 0 dead", stats)
	}
}

func TestQueuePurgeExpiredDisabledByZeroRetention(t *testing.T) {
	t.Parallel()

	q, clk := testQueue(t)
	e := q.Add(fusedFixture("id:mmsi-22"), errWriteFailed)
	for i := 0; i < 5; i++ {
		q.MarkFailure(e.EntryID, errWriteFailed)
	}

	clk.Advance(30 * 24 * time.Hour)
	if n := q.PurgeExpired(); n != 0 {
		t.Errorf("PurgeExpired with zero retention = %d, want 0", n)
	}
	if stats := q.Stats(); stats.Dead != 1 {
		t.Errorf("dead = %d, want 1", stats.Dead)
	}
}

func TestQueueEvictsOldestPendingAtCapacity(t *testing.T) {
	t.Parallel()

	cfg := testDLQConfig()
	cfg.MaxEntries = 2
	q, err := NewQueue(cfg, nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	clk := &fixedClock{t: time.Now()}
	q.SetClock(clk.Now)

	first := q.Add(fusedFixture("id:mmsi-10"), errWriteFailed)
	clk.Advance(time.Second)
	q.Add(fusedFixture("id:mmsi-11"), errWriteFailed)
	clk.Advance(time.Second)
	q.Add(fusedFixture("id:mmsi-12"), errWriteFailed)

	entries := q.Entries(StatePending, 10)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.EntryID == first.EntryID {
			t.Error("oldest entry survived eviction")
		}
	}
}

func TestQueueEntriesFilterAndLimit(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t)
	for i := 0; i < 4; i++ {
		q.Add(fusedFixture("id:mmsi-2"+string(rune('0'+i))), errWriteFailed)
	}
	if got := q.Entries(StatePending, 2); len(got) != 2 {
		t.Errorf("limited entries = %d, want 2", len(got))
	}
	if got := q.Entries(StateDead, 10); len(got) != 0 {
		t.Errorf("dead entries = %d, want 0", len(got))
	}
}
