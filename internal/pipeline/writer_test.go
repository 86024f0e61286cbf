// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pelorus-nav/pelorus/internal/config"
	"github.com/pelorus-nav/pelorus/internal/report"
)

// fakeBatchGateway records writes and publishes, optionally failing a
// configurable number of batch writes.
type fakeBatchGateway struct {
	mu        sync.Mutex
	batches   [][]*report.FusedReport
	published []*report.FusedReport
	failNext  int
}

func (g *fakeBatchGateway) WriteBatch(_ context.Context, batch []*report.FusedReport) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNext > 0 {
		g.failNext--
		return errWriteFailed
	}
	cp := make([]*report.FusedReport, len(batch))
	copy(cp, batch)
	g.batches = append(g.batches, cp)
	return nil
}

func (g *fakeBatchGateway) Publish(f *report.FusedReport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.published = append(g.published, f)
}

func (g *fakeBatchGateway) written() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, b := range g.batches {
		n += len(b)
	}
	return n
}

func (g *fakeBatchGateway) publishCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.published)
}

type recordedOutcome struct {
	source  string
	success bool
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
}

func (r *fakeRecorder) RecordOutcome(source string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, recordedOutcome{source, success})
}

func testWriter(t *testing.T, gw *fakeBatchGateway, size int) (*Writer, *Queue) {
	t.Helper()
	dlq, err := NewQueue(testDLQConfig(), nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	w, err := NewWriter(config.BatchConfig{Size: size, FlushInterval: time.Hour}, gw, dlq, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return w, dlq
}

func TestWriterFlushesWhenBatchFills(t *testing.T) {
	t.Parallel()

	gw := &fakeBatchGateway{}
	w, _ := testWriter(t, gw, 3)
	defer w.Close()

	for i := 0; i < 3; i++ {
		if err := w.Enqueue(fusedFixture(fmt.Sprintf("id:mmsi-%d", i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for gw.written() < 3 {
		select {
		case <-deadline:
			t.Fatalf("size-triggered flush never landed, wrote %d", gw.written())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWriterPublishesImmediately(t *testing.T) {
	t.Parallel()

	gw := &fakeBatchGateway{}
	w, _ := testWriter(t, gw, 100)
	defer w.Close()

	if err := w.Enqueue(fusedFixture("id:mmsi-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The bus publish happens at enqueue time, before any flush.
	if got := gw.publishCount(); got != 1 {
		t.Errorf("published = %d before flush, want 1", got)
	}
	if got := gw.written(); got != 0 {
		t.Errorf("written = %d before flush, want 0", got)
	}
}

func TestWriterIntervalFlush(t *testing.T) {
	t.Parallel()

	gw := &fakeBatchGateway{}
	dlq, err := NewQueue(testDLQConfig(), nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	w, err := NewWriter(config.BatchConfig{Size: 100, FlushInterval: 20 * time.Millisecond}, gw, dlq, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := w.Enqueue(fusedFixture("id:mmsi-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for gw.written() < 1 {
		select {
		case <-deadline:
			t.Fatal("interval flush never landed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWriterRoutesFailedBatchToDLQ(t *testing.T) {
	t.Parallel()

	gw := &fakeBatchGateway{failNext: 1}
	w, dlq := testWriter(t, gw, 100)

	w.Enqueue(fusedFixture("id:mmsi-1"))
	w.Enqueue(fusedFixture("id:mmsi-2"))
	w.Flush(context.Background())

	stats := dlq.Stats()
	if stats.Pending != 2 {
		t.Fatalf("DLQ pending = %d, want 2 after failed flush", stats.Pending)
	}
	if got := gw.written(); got != 0 {
		t.Errorf("written = %d, want 0", got)
	}

	ws := w.Stats()
	if ws.Routed != 2 {
		t.Errorf("routed = %d, want 2", ws.Routed)
	}
	if ws.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", ws.ErrorCount)
	}
	w.Close()
}

func TestWriterRecordsOutcomes(t *testing.T) {
	t.Parallel()

	gw := &fakeBatchGateway{failNext: 1}
	dlq, err := NewQueue(testDLQConfig(), nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	rec := &fakeRecorder{}
	w, err := NewWriter(config.BatchConfig{Size: 100, FlushInterval: time.Hour}, gw, dlq, rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	w.Enqueue(fusedFixture("id:mmsi-1"))
	w.Flush(context.Background())
	w.Enqueue(fusedFixture("id:mmsi-2"))
	w.Flush(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(rec.outcomes))
	}
	if rec.outcomes[0].success || !rec.outcomes[1].success {
		t.Errorf("outcomes = %+v, want failure then success", rec.outcomes)
	}
}

func TestWriterCloseFlushesRemainder(t *testing.T) {
	t.Parallel()

	gw := &fakeBatchGateway{}
	w, _ := testWriter(t, gw, 100)

	w.Enqueue(fusedFixture("id:mmsi-1"))
	w.Enqueue(fusedFixture("id:mmsi-2"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := gw.written(); got != 2 {
		t.Errorf("written after close = %d, want 2", got)
	}
	if err := w.Enqueue(fusedFixture("id:mmsi-3")); err == nil {
		t.Error("Enqueue after Close must fail")
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWriterChunksOversizedBuffer(t *testing.T) {
	t.Parallel()

	gw := &fakeBatchGateway{}
	dlq, err := NewQueue(testDLQConfig(), nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	w, err := NewWriter(config.BatchConfig{Size: 2, FlushInterval: time.Hour}, gw, dlq, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		w.Enqueue(fusedFixture(fmt.Sprintf("id:mmsi-%d", i)))
	}
	w.Flush(context.Background())

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.batches) < 3 {
		t.Fatalf("batches = %d, want at least 3 chunks of <=2", len(gw.batches))
	}
	for i, b := range gw.batches {
		if len(b) > 2 {
			t.Errorf("chunk %d size = %d, exceeds batch size", i, len(b))
		}
	}
}
