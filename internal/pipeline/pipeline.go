// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

// Package pipeline turns the merged feed stream into durable fused
// positions. It normalizes raw reports, offers them to the fusion
// selector, batches winners to storage, and parks failed writes in a
// dead letter queue for later redelivery.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/pelorus-nav/pelorus/internal/fusion"
	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/metrics"
	"github.com/pelorus-nav/pelorus/internal/quality"
	"github.com/pelorus-nav/pelorus/internal/report"
	"github.com/pelorus-nav/pelorus/internal/stream"
)

// closeTick is how often expired fusion windows are swept. Small enough
// that a window never stays open much past its lateness allowance.
const closeTick = time.Second

// Pipeline wires the merged stream into normalization, fusion, and the
// batch writer. One goroutine consumes the stream; windows are closed
// on a ticker so emission keeps pace even when the feed goes quiet.
type Pipeline struct {
	input      <-chan stream.Envelope
	serializer *report.Serializer
	selector   *fusion.Selector
	tracker    *quality.Tracker
	writer     *Writer

	now func() time.Time
}

// NewPipeline builds the coordinator. The tracker is optional; all
// other collaborators are required.
func NewPipeline(input <-chan stream.Envelope, sel *fusion.Selector, tracker *quality.Tracker, writer *Writer) (*Pipeline, error) {
	if input == nil {
		return nil, errors.New("pipeline: input stream is required")
	}
	if sel == nil {
		return nil, errors.New("pipeline: fusion selector is required")
	}
	if writer == nil {
		return nil, errors.New("pipeline: batch writer is required")
	}
	return &Pipeline{
		input:      input,
		serializer: report.NewSerializer(),
		selector:   sel,
		tracker:    tracker,
		writer:     writer,
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source. Test hook.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Run consumes the merged stream until the context is cancelled or the
// stream closes. Windows still open at shutdown are closed and flushed
// so an orderly stop loses nothing that was ready to emit.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(closeTick)
	defer ticker.Stop()

	logging.Info().Msg("Ingestion pipeline started")

	for {
		select {
		case <-ctx.Done():
			p.drainWindows()
			logging.Info().Msg("Ingestion pipeline stopped")
			return ctx.Err()
		case <-ticker.C:
			p.closeDue(p.now())
		case env, ok := <-p.input:
			if !ok {
				p.drainWindows()
				logging.Info().Msg("Ingestion pipeline stopped, stream closed")
				return nil
			}
			p.handle(env)
		}
	}
}

func (p *Pipeline) handle(env stream.Envelope) {
	switch env.Kind {
	case stream.KindStreamStart:
		logging.Info().
			Str("source", env.Source).
			Str("class", string(env.Class)).
			Msg("Source stream active")
	case stream.KindStreamEnd:
		logging.Warn().
			Str("source", env.Source).
			Str("class", string(env.Class)).
			Msg("Source stream lost")
	case stream.KindReport:
		p.handleReport(env)
	}
}

func (p *Pipeline) handleReport(env stream.Envelope) {
	now := p.now()

	raw, err := p.serializer.UnmarshalRaw(env.Payload)
	if err != nil {
		metrics.ReportsRejected.WithLabelValues(env.Source).Inc()
		logging.Debug().
			Str("source", env.Source).
			Err(err).
			Msg("Discarded unparseable report payload")
		return
	}

	// The feed payload rarely names its own source; the envelope is
	// authoritative for both source and class.
	raw.Source = env.Source
	if !raw.Class.Valid() {
		raw.Class = env.Class
	}

	n, err := report.Normalize(raw, now)
	if err != nil {
		metrics.ReportsRejected.WithLabelValues(env.Source).Inc()
		logging.Debug().
			Str("source", env.Source).
			Err(err).
			Msg("Rejected report without resolvable identity")
		return
	}

	metrics.RecordNormalized(n.Source, n.Sane)
	if p.tracker != nil {
		p.tracker.RecordReport(n.Source, n.Completeness, now.Sub(env.At))
	}
	if !n.Sane {
		logging.Debug().
			Str("source", n.Source).
			Str("identity", n.IdentityKey).
			Str("note", n.SanityNote).
			Msg("Report flagged insane, retained as fusion candidate")
	}

	p.selector.Offer(n, now)
}

// closeDue closes every expired window and hands the winners to the
// batch writer. Enqueue failures only happen after Close, so any error
// here means the pipeline outlived its writer.
func (p *Pipeline) closeDue(now time.Time) {
	for _, f := range p.selector.CloseExpired(now) {
		if err := p.writer.Enqueue(f); err != nil {
			logging.Error().
				Str("identity", f.IdentityKey).
				Err(err).
				Msg("Dropped fused report, writer rejected enqueue")
		}
	}
}

// drainWindows force-closes all remaining windows on shutdown. Each window
// is scored as an on-time close would have scored it; an at-most-once
// emission is still at-most-once when it happens early.
func (p *Pipeline) drainWindows() {
	open := p.selector.OpenWindows()
	if open == 0 {
		return
	}
	for _, f := range p.selector.Drain(p.now()) {
		if err := p.writer.Enqueue(f); err != nil {
			logging.Error().
				Str("identity", f.IdentityKey).
				Err(err).
				Msg("Dropped fused report during shutdown drain")
		}
	}
	logging.Info().Int("windows", open).Msg("Drained open fusion windows at shutdown")
}
