// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pelorus-nav/pelorus/internal/breaker"
	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/pipeline"
	"github.com/pelorus-nav/pelorus/internal/quality"
	"github.com/pelorus-nav/pelorus/internal/store"
	"github.com/pelorus-nav/pelorus/internal/stream"
)

// PositionStore is the read side of the position store.
type PositionStore interface {
	LatestPositions(ctx context.Context, class string, limit int) ([]store.Position, error)
	CountPositions(ctx context.Context) (int64, error)
}

// QualityTracker is the admin slice of the source quality tracker.
type QualityTracker interface {
	Snapshots() []quality.Snapshot
	Reset(source string)
}

// BreakerRegistry resolves breakers by name for admin reset.
type BreakerRegistry interface {
	BreakerByName(name string) *breaker.Breaker
}

// ConnectorStatuser reports per-connector health.
type ConnectorStatuser interface {
	Status() stream.Status
}

// Handler serves the admin API. Every collaborator is optional except
// the store; nil collaborators make the matching endpoints degrade to
// empty answers instead of panicking during partial startup.
type Handler struct {
	store      PositionStore
	tracker    QualityTracker
	queue      *pipeline.Queue
	writer     *pipeline.Writer
	breakers   BreakerRegistry
	connectors []ConnectorStatuser
	startedAt  time.Time

	busHealthy func() bool
}

// NewHandler wires the admin handler.
func NewHandler(st PositionStore, tracker QualityTracker, queue *pipeline.Queue, writer *pipeline.Writer, breakers BreakerRegistry) *Handler {
	return &Handler{
		store:     st,
		tracker:   tracker,
		queue:     queue,
		writer:    writer,
		breakers:  breakers,
		startedAt: time.Now(),
	}
}

// SetConnectors registers connectors for the sources endpoint.
func (h *Handler) SetConnectors(cs ...ConnectorStatuser) {
	h.connectors = cs
}

// SetBusHealth registers the bus health probe.
func (h *Handler) SetBusHealth(probe func() bool) {
	h.busHealthy = probe
}

// Healthz is the liveness endpoint.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// statusResponse is the aggregate pipeline status.
type statusResponse struct {
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Positions     int64                 `json:"positions"`
	Writer        *pipeline.WriterStats `json:"writer,omitempty"`
	DLQ           *pipeline.QueueStats  `json:"dlq,omitempty"`
	Breakers      []breaker.Counts      `json:"breakers,omitempty"`
	Connectors    []stream.Status       `json:"connectors,omitempty"`
	BusHealthy    *bool                 `json:"bus_healthy,omitempty"`
}

// Status reports the pipeline's aggregate state.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	resp := statusResponse{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}

	if h.store != nil {
		count, err := h.store.CountPositions(r.Context())
		if err != nil {
			logging.Error().Err(err).Msg("Status position count failed")
			rw.InternalError("position count failed")
			return
		}
		resp.Positions = count
	}
	if h.writer != nil {
		stats := h.writer.Stats()
		resp.Writer = &stats
	}
	if h.queue != nil {
		stats := h.queue.Stats()
		resp.DLQ = &stats
	}
	if h.breakers != nil {
		for _, name := range []string{"store-writes", "bus-publish"} {
			if b := h.breakers.BreakerByName(name); b != nil {
				resp.Breakers = append(resp.Breakers, b.Snapshot())
			}
		}
	}
	for _, c := range h.connectors {
		resp.Connectors = append(resp.Connectors, c.Status())
	}
	if h.busHealthy != nil {
		healthy := h.busHealthy()
		resp.BusHealthy = &healthy
	}

	rw.Success(resp)
}

// Positions returns the latest position per identity, optionally
// filtered by class.
func (h *Handler) Positions(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.store == nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "store unavailable")
		return
	}

	class := r.URL.Query().Get("class")
	if class != "" && class != "vessel" && class != "aircraft" {
		rw.BadRequest("class must be vessel or aircraft")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 100, 1000)

	positions, err := h.store.LatestPositions(r.Context(), class, limit)
	if err != nil {
		logging.Error().Err(err).Msg("Latest positions query failed")
		rw.InternalError("query failed")
		return
	}
	rw.Success(map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

// Sources reports the quality snapshot for every known source.
func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.tracker == nil {
		rw.Success(map[string]any{"sources": []quality.Snapshot{}})
		return
	}
	rw.Success(map[string]any{"sources": h.tracker.Snapshots()})
}

// ResetSource clears a source's rolling quality state back to baseline.
func (h *Handler) ResetSource(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.tracker == nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "quality tracker unavailable")
		return
	}
	name := chi.URLParam(r, "name")
	if name == "" {
		rw.BadRequest("source name required")
		return
	}
	h.tracker.Reset(name)
	logging.Info().Str("source", name).Msg("Source quality state reset via API")
	rw.Success(map[string]any{"source": name, "reset": true})
}

// DLQStats reports dead letter queue statistics.
func (h *Handler) DLQStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.queue == nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "dlq unavailable")
		return
	}
	rw.Success(h.queue.Stats())
}

// DLQEntries lists queue entries, filterable by state.
func (h *Handler) DLQEntries(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.queue == nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "dlq unavailable")
		return
	}

	state := pipeline.EntryState(r.URL.Query().Get("state"))
	if state == "" {
		state = pipeline.StatePending
	}
	if state != pipeline.StatePending && state != pipeline.StateDead {
		rw.BadRequest("state must be pending or dead")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 500)

	entries := h.queue.Entries(state, limit)
	rw.Success(map[string]any{
		"entries": entries,
		"count":   len(entries),
		"state":   state,
	})
}

// DLQRetry forces all pending entries due for the next sweep.
func (h *Handler) DLQRetry(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.queue == nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "dlq unavailable")
		return
	}
	n := h.queue.ForceRetry()
	logging.Info().Int("count", n).Msg("DLQ force retry via API")
	rw.Success(map[string]any{"retried": n})
}

// DLQPurgeDead deletes all dead entries.
func (h *Handler) DLQPurgeDead(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.queue == nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "dlq unavailable")
		return
	}
	n := h.queue.PurgeDead()
	logging.Info().Int("count", n).Msg("DLQ dead entries purged via API")
	rw.Success(map[string]any{"purged": n})
}

// ResetBreaker closes the named circuit breaker. Operator escape hatch
// when the downstream has been fixed out of band.
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.breakers == nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "breakers unavailable")
		return
	}
	name := chi.URLParam(r, "name")
	b := h.breakers.BreakerByName(name)
	if b == nil {
		rw.NotFound("unknown breaker: " + name)
		return
	}
	b.Reset()
	logging.Warn().Str("breaker", name).Msg("Circuit breaker reset via API")
	rw.Success(map[string]any{"breaker": name, "counts": b.Snapshot()})
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
