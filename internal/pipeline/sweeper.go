// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package pipeline

import (
	"context"
	"time"

	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/report"
)

// WriteGateway is the write path the sweeper re-drives entries through.
// Re-drives use the same protected gateway as live traffic, so they are
// subject to the same circuit breaker.
type WriteGateway interface {
	Write(ctx context.Context, f *report.FusedReport) error
}

// Sweeper periodically re-drives pending DLQ entries.
type Sweeper struct {
	queue    *Queue
	gw       WriteGateway
	interval time.Duration
}

// NewSweeper creates a sweeper over the queue.
func NewSweeper(queue *Queue, gw WriteGateway, interval time.Duration) *Sweeper {
	return &Sweeper{queue: queue, gw: gw, interval: interval}
}

// Run sweeps on a fixed interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce re-drives every due pending entry and ages out dead entries past
// their retention. Exposed so the admin API can force an immediate retry
// pass.
func (s *Sweeper) RunOnce(ctx context.Context) (succeeded, failed int) {
	if purged := s.queue.PurgeExpired(); purged > 0 {
		logging.Info().Int("purged", purged).Msg("Expired dead DLQ entries removed")
	}

	due := s.queue.Due(time.Now())
	if len(due) == 0 {
		return 0, 0
	}

	logging.Info().Int("due", len(due)).Msg("DLQ sweep started")
	for _, e := range due {
		if ctx.Err() != nil {
			return succeeded, failed
		}
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.gw.Write(writeCtx, e.Report)
		cancel()

		if err != nil {
			failed++
			s.queue.MarkFailure(e.EntryID, err)
			continue
		}
		succeeded++
		s.queue.MarkSuccess(e.EntryID)
	}

	logging.Info().Int("succeeded", succeeded).Int("failed", failed).Msg("DLQ sweep finished")
	return succeeded, failed
}
