// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

// Package gateway wraps store writes and bus publishes behind circuit
// breakers so a stuck downstream trips fast-fail instead of stalling the
// fusion pipeline. Live traffic and DLQ re-drives share the same gateway,
// which makes re-drives subject to the same breaker.
package gateway

import (
	"context"

	"github.com/pelorus-nav/pelorus/internal/breaker"
	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/metrics"
	"github.com/pelorus-nav/pelorus/internal/report"
)

// StoreWriter is the slice of the position store the gateway uses.
type StoreWriter interface {
	Upsert(ctx context.Context, f *report.FusedReport) error
	UpsertBatch(ctx context.Context, batch []*report.FusedReport) error
}

// Publisher is the fire-and-forget fan-out bus.
type Publisher interface {
	PublishFused(f *report.FusedReport) error
}

// Breaker names used in metrics and the admin API.
const (
	StoreBreakerName = "store-writes"
	BusBreakerName   = "bus-publish"
)

// Gateway is the protected persistence layer.
type Gateway struct {
	store StoreWriter
	bus   Publisher

	storeBreaker *breaker.Breaker
	busBreaker   *breaker.Breaker
}

// New creates a gateway with one breaker per protected resource.
// bus may be nil when the publish bus is disabled.
func New(store StoreWriter, bus Publisher, cfg breaker.Config) *Gateway {
	return &Gateway{
		store:        store,
		bus:          bus,
		storeBreaker: breaker.New(StoreBreakerName, cfg),
		busBreaker:   breaker.New(BusBreakerName, cfg),
	}
}

// Write persists one fused report through the store breaker.
// Errors, including breaker.ErrOpen, propagate to the caller; the batch
// writer and the DLQ sweeper decide what failure means.
func (g *Gateway) Write(ctx context.Context, f *report.FusedReport) error {
	return g.storeBreaker.Execute(func() error {
		return g.store.Upsert(ctx, f)
	})
}

// WriteBatch persists a batch through the store breaker.
func (g *Gateway) WriteBatch(ctx context.Context, batch []*report.FusedReport) error {
	if len(batch) == 0 {
		return nil
	}
	return g.storeBreaker.Execute(func() error {
		return g.store.UpsertBatch(ctx, batch)
	})
}

// Publish fans a fused report out to UI subscribers. Best effort: failures
// are counted and logged, never propagated, and never block persistence.
func (g *Gateway) Publish(f *report.FusedReport) {
	if g.bus == nil {
		return
	}
	err := g.busBreaker.Execute(func() error {
		return g.bus.PublishFused(f)
	})
	if err != nil {
		metrics.BusPublishErrors.Inc()
		logging.Debug().
			Err(err).
			Str("identity", f.IdentityKey).
			Msg("bus publish failed")
		return
	}
	metrics.BusPublished.WithLabelValues(string(f.Winner.Class)).Inc()
}

// StoreBreaker exposes the store breaker for the admin API.
func (g *Gateway) StoreBreaker() *breaker.Breaker { return g.storeBreaker }

// BusBreaker exposes the bus breaker for the admin API.
func (g *Gateway) BusBreaker() *breaker.Breaker { return g.busBreaker }

// BreakerByName resolves a breaker for operator resets. Returns nil for
// unknown names.
func (g *Gateway) BreakerByName(name string) *breaker.Breaker {
	switch name {
	case StoreBreakerName:
		return g.storeBreaker
	case BusBreakerName:
		return g.busBreaker
	default:
		return nil
	}
}
