// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package fusion

import (
	"sync"
	"time"

	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/metrics"
	"github.com/pelorus-nav/pelorus/internal/report"
)

// Config controls window sizing and the scoring combination.
//
// The three scoring weights are tuned constants, not derived values.
// Recency dominant, trust secondary, plausibility tertiary is the behavior
// operators expect; keep them adjustable but do not assume the defaults
// are optimal.
type Config struct {
	// WindowSize is the width of each fusion bucket.
	WindowSize time.Duration
	// AllowedLateness extends how long a window accepts reports past its end.
	AllowedLateness time.Duration
	// RecencyHorizon is the age at which the recency factor bottoms out at zero.
	RecencyHorizon time.Duration

	RecencyWeight      float64
	TrustWeight        float64
	PlausibilityWeight float64

	// EmittedRetention is how long emitted window keys are remembered to
	// suppress duplicate emission for stragglers.
	EmittedRetention time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:         30 * time.Second,
		AllowedLateness:    10 * time.Second,
		RecencyHorizon:     10 * time.Minute,
		RecencyWeight:      0.5,
		TrustWeight:        0.3,
		PlausibilityWeight: 0.2,
		EmittedRetention:   10 * time.Minute,
	}
}

// WeightProvider yields the current trust weight for a source.
// Implemented by the quality tracker.
type WeightProvider interface {
	CurrentWeight(source string) float64
}

type windowKey struct {
	identity    string
	windowStart time.Time
}

// window is one open fusion bucket. Terminal states (emitted, dropped) are
// tracked in Selector.emitted; the window itself is discarded on close.
type window struct {
	key        windowKey
	candidates []*report.NormalizedReport
}

func (w *window) deadline(cfg Config) time.Time {
	return w.key.windowStart.Add(cfg.WindowSize + cfg.AllowedLateness)
}

// Selector buckets normalized reports by (identity, window start), scores
// candidates when a window closes, and emits at most one fused report per
// window. It is the single point of cross-source deduplication.
type Selector struct {
	mu      sync.Mutex
	cfg     Config
	weights WeightProvider
	windows map[windowKey]*window
	emitted map[windowKey]time.Time
}

// NewSelector creates a selector using the given weight provider.
func NewSelector(cfg Config, weights WeightProvider) *Selector {
	if cfg.WindowSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Selector{
		cfg:     cfg,
		weights: weights,
		windows: make(map[windowKey]*window),
		emitted: make(map[windowKey]time.Time),
	}
}

// Offer adds a normalized report to its fusion window. Returns false when
// the report was discarded: its window already emitted, or it arrived past
// the late-arrival tolerance of an already-closed window.
func (s *Selector) Offer(n *report.NormalizedReport, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.keyFor(n)
	if _, done := s.emitted[key]; done {
		metrics.FusionLateDiscards.Inc()
		return false
	}

	// The lateness bound applies whether or not the window is already open;
	// a window past its deadline is merely awaiting the next close tick.
	deadline := key.windowStart.Add(s.cfg.WindowSize + s.cfg.AllowedLateness)
	if now.After(deadline) {
		metrics.FusionLateDiscards.Inc()
		return false
	}

	w, ok := s.windows[key]
	if !ok {
		w = &window{key: key}
		s.windows[key] = w
		metrics.FusionWindowsOpen.Inc()
	}
	w.candidates = append(w.candidates, n)
	return true
}

// keyFor buckets by event time; reports with no usable event time bucket by
// ingest time so they still flow through a window instead of accumulating.
func (s *Selector) keyFor(n *report.NormalizedReport) windowKey {
	ts := n.EventTimestamp
	if ts.IsZero() {
		ts = n.IngestTimestamp
	}
	return windowKey{
		identity:    n.IdentityKey,
		windowStart: ts.UTC().Truncate(s.cfg.WindowSize),
	}
}

// CloseExpired closes every window whose deadline has passed and returns the
// fused winners. Windows holding only insane candidates emit nothing and are
// counted as drops. Call from the pipeline loop on a tick.
func (s *Selector) CloseExpired(now time.Time) []*report.FusedReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*report.FusedReport
	for key, w := range s.windows {
		if !now.After(w.deadline(s.cfg)) {
			continue
		}
		if fused := s.closeLocked(key, w, now); fused != nil {
			out = append(out, fused)
		}
	}

	s.pruneEmittedLocked(now)
	return out
}

// Drain force-closes every open window regardless of deadline and returns
// the fused winners. Each window is scored at the later of its own deadline
// and the given clock, so candidate ranking matches what an on-time close
// would have produced. Used on shutdown when no further ticks will come.
func (s *Selector) Drain(now time.Time) []*report.FusedReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*report.FusedReport
	for key, w := range s.windows {
		scoreAt := w.deadline(s.cfg)
		if now.After(scoreAt) {
			scoreAt = now
		}
		if fused := s.closeLocked(key, w, scoreAt); fused != nil {
			out = append(out, fused)
		}
	}

	s.pruneEmittedLocked(now)
	return out
}

// closeLocked removes the window, scores its candidates at scoreAt, and
// returns the fused winner or nil for an all-insane window.
func (s *Selector) closeLocked(key windowKey, w *window, scoreAt time.Time) *report.FusedReport {
	delete(s.windows, key)
	metrics.FusionWindowsOpen.Dec()
	metrics.FusionWindowsClosed.Inc()
	metrics.FusionCandidatesPerWindow.Observe(float64(len(w.candidates)))

	winner, score := s.selectBest(w.candidates, scoreAt)
	if winner == nil {
		metrics.FusionWindowsDropped.Inc()
		logging.Debug().
			Str("identity", key.identity).
			Time("window_start", key.windowStart).
			Int("candidates", len(w.candidates)).
			Msg("window dropped: no sane candidates")
		return nil
	}

	s.emitted[key] = scoreAt
	fused := report.NewFusedReport(key.identity, key.windowStart, *winner, score, len(w.candidates))
	metrics.FusedReportsEmitted.WithLabelValues(winner.Source).Inc()
	return fused
}

// selectBest returns the highest-scoring candidate, or nil when no sane
// candidate exists. Insane reports are skipped outright and an all-insane
// field emits nothing, so an insane report can never displace a sane one.
// Deterministic: same candidates plus same weights always yield the same
// winner.
func (s *Selector) selectBest(candidates []*report.NormalizedReport, now time.Time) (*report.NormalizedReport, float64) {
	var best *report.NormalizedReport
	bestScore := -1.0
	for _, c := range candidates {
		if !c.Sane {
			continue
		}
		score := s.Score(c, now)
		switch {
		case score > bestScore:
			best, bestScore = c, score
		case score == bestScore && best != nil && c.IngestTimestamp.After(best.IngestTimestamp):
			// Last writer wins among equals.
			best = c
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, bestScore
}

// Score combines recency, source trust, and plausibility into one value.
// Exposed for the status API and tests.
func (s *Selector) Score(c *report.NormalizedReport, now time.Time) float64 {
	recency := 1.0 - c.Age(now).Minutes()/s.cfg.RecencyHorizon.Minutes()
	if recency < 0 {
		recency = 0
	}
	trust := s.weights.CurrentWeight(c.Source)
	plausibility := 0.0
	if c.Sane {
		plausibility = 1.0
	}
	return s.cfg.RecencyWeight*recency +
		s.cfg.TrustWeight*trust +
		s.cfg.PlausibilityWeight*plausibility
}

// OpenWindows returns the number of windows currently accepting reports.
func (s *Selector) OpenWindows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func (s *Selector) pruneEmittedLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.EmittedRetention)
	for key, at := range s.emitted {
		if at.Before(cutoff) {
			delete(s.emitted, key)
		}
	}
}
