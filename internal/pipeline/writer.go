// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pelorus-nav/pelorus/internal/config"
	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/metrics"
	"github.com/pelorus-nav/pelorus/internal/report"
)

// BatchGateway is the slice of the persistence gateway the writer uses.
type BatchGateway interface {
	WriteBatch(ctx context.Context, batch []*report.FusedReport) error
	Publish(f *report.FusedReport)
}

// OutcomeRecorder receives per-source persistence outcomes.
// Implemented by the quality tracker.
type OutcomeRecorder interface {
	RecordOutcome(source string, success bool)
}

// WriterStats holds runtime statistics for the health surface.
type WriterStats struct {
	Received      int64     `json:"received"`
	Flushed       int64     `json:"flushed"`
	FlushCount    int64     `json:"flush_count"`
	ErrorCount    int64     `json:"error_count"`
	Routed        int64     `json:"routed_to_dlq"`
	ActiveFlushes int64     `json:"active_flushes"`
	BufferSize    int       `json:"buffer_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
	LastError     string    `json:"last_error,omitempty"`
}

// Writer accumulates fused reports and flushes them as bounded upsert
// batches, whichever of the size or interval threshold is hit first.
//
// Flush operations are serialized via flushMu so timer-based and
// size-triggered flushes never interleave. A failed flush routes every item
// in the batch to the DLQ individually; nothing is retried inline, because
// inline retry under write contention is the deadlock class this design
// avoids.
type Writer struct {
	cfg     config.BatchConfig
	gw      BatchGateway
	dlq     *Queue
	quality OutcomeRecorder

	mu     sync.Mutex
	buffer []*report.FusedReport

	flushMu sync.Mutex

	closed   atomic.Bool
	started  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
	flushWg  sync.WaitGroup

	received      atomic.Int64
	flushed       atomic.Int64
	flushCount    atomic.Int64
	errorCount    atomic.Int64
	routed        atomic.Int64
	activeFlushes atomic.Int64
	lastFlushTime atomic.Value // time.Time
	lastError     atomic.Value // string
}

// NewWriter creates a batch writer. quality may be nil.
func NewWriter(cfg config.BatchConfig, gw BatchGateway, dlq *Queue, quality OutcomeRecorder) (*Writer, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway required")
	}
	if dlq == nil {
		return nil, fmt.Errorf("dlq required")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive")
	}

	w := &Writer{
		cfg:      cfg,
		gw:       gw,
		dlq:      dlq,
		quality:  quality,
		buffer:   make([]*report.FusedReport, 0, cfg.Size),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	w.lastFlushTime.Store(time.Time{})
	w.lastError.Store("")
	return w, nil
}

// Start begins the periodic flush timer. Idempotent.
func (w *Writer) Start(ctx context.Context) error {
	if w.closed.Load() {
		return fmt.Errorf("writer is closed")
	}
	if w.started.Swap(true) {
		return nil
	}
	go w.flushLoop(ctx)
	return nil
}

// Enqueue buffers a fused report for persistence and publishes it to the
// bus immediately. Bus fan-out is best effort and must not wait for the
// batch cycle; the durable write is what batching protects.
func (w *Writer) Enqueue(f *report.FusedReport) error {
	if w.closed.Load() {
		return fmt.Errorf("writer is closed")
	}

	w.gw.Publish(f)

	w.mu.Lock()
	w.buffer = append(w.buffer, f)
	needsFlush := len(w.buffer) >= w.cfg.Size
	w.mu.Unlock()
	w.received.Add(1)

	if needsFlush {
		w.flushWg.Add(1)
		go func() {
			defer w.flushWg.Done()
			// Detached context: the caller's context may be gone before
			// the flush lands, and the write must complete regardless.
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			w.flush(flushCtx)
		}()
	}
	return nil
}

// Flush synchronously flushes the buffer, waiting for in-flight async
// flushes first.
func (w *Writer) Flush(ctx context.Context) {
	w.flushWg.Wait()
	w.flush(ctx)
}

// Close stops the timer and flushes pending reports. Idempotent.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	if w.started.Load() {
		close(w.stopChan)
		<-w.doneChan
	}
	w.flushWg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.flush(ctx)
	return nil
}

// Stats returns runtime statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	bufferSize := len(w.buffer)
	w.mu.Unlock()

	lastFlush, _ := w.lastFlushTime.Load().(time.Time)
	lastError, _ := w.lastError.Load().(string)

	return WriterStats{
		Received:      w.received.Load(),
		Flushed:       w.flushed.Load(),
		FlushCount:    w.flushCount.Load(),
		ErrorCount:    w.errorCount.Load(),
		Routed:        w.routed.Load(),
		ActiveFlushes: w.activeFlushes.Load(),
		BufferSize:    bufferSize,
		LastFlushTime: lastFlush,
		LastError:     lastError,
	}
}

// flushLoop runs the interval flush. The parent context only signals
// shutdown; each flush gets a fresh timeout so a slow store cannot inherit
// a nearly-expired deadline.
func (w *Writer) flushLoop(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			w.flush(flushCtx)
			cancel()
		}
	}
}

// flush takes ownership of the buffer and writes it in batch-sized chunks.
// Failed chunks are routed item by item to the DLQ.
func (w *Writer) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buffer
	w.buffer = make([]*report.FusedReport, 0, w.cfg.Size)
	w.mu.Unlock()

	w.activeFlushes.Add(1)
	defer w.activeFlushes.Add(-1)

	for start := 0; start < len(batch); start += w.cfg.Size {
		end := start + w.cfg.Size
		if end > len(batch) {
			end = len(batch)
		}
		w.flushChunk(ctx, batch[start:end])
	}
}

func (w *Writer) flushChunk(ctx context.Context, chunk []*report.FusedReport) {
	start := time.Now()
	err := w.gw.WriteBatch(ctx, chunk)
	elapsed := time.Since(start)

	metrics.BatchFlushDuration.Observe(elapsed.Seconds())
	metrics.BatchFlushSize.Observe(float64(len(chunk)))
	w.flushCount.Add(1)

	if err != nil {
		w.errorCount.Add(1)
		w.lastError.Store(err.Error())
		metrics.BatchFlushErrors.Inc()
		logging.Warn().
			Err(err).
			Int("count", len(chunk)).
			Msg("Batch flush failed, routing items to DLQ")

		for _, f := range chunk {
			w.dlq.Add(f, err)
			w.routed.Add(1)
			w.recordOutcome(f, false)
		}
		return
	}

	w.flushed.Add(int64(len(chunk)))
	w.lastFlushTime.Store(time.Now())
	for _, f := range chunk {
		w.recordOutcome(f, true)
	}

	logging.Debug().
		Int("count", len(chunk)).
		Dur("elapsed", elapsed).
		Msg("Batch flushed")
}

func (w *Writer) recordOutcome(f *report.FusedReport, success bool) {
	if w.quality == nil {
		return
	}
	w.quality.RecordOutcome(f.Winner.Source, success)
}
