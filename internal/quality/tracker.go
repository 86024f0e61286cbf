// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package quality

import (
	"sync"
	"time"

	"github.com/pelorus-nav/pelorus/internal/metrics"
)

// Config controls trust-weight derivation and demotion behavior.
type Config struct {
	// Floor and Ceiling bound every source weight. A demoted source is
	// clamped to Floor regardless of its computed weight.
	Floor   float64
	Ceiling float64

	// ErrorRateThreshold is the rolling error rate above which a source
	// is demoted. Expressed as a fraction in (0, 1].
	ErrorRateThreshold float64

	// DetectionWindow is how far back outcomes count toward the rolling
	// error rate.
	DetectionWindow time.Duration

	// Cooldown is how long a demoted source must stay clean before it is
	// reinstated. Deliberately configured separately from DetectionWindow;
	// symmetric durations make demotion flap on bursty feeds.
	Cooldown time.Duration

	// MaxOutcomes bounds the rolling outcome history per source, keeping
	// memory flat on high-rate feeds. 0 means the default of 100.
	MaxOutcomes int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Floor:              0.1,
		Ceiling:            1.0,
		ErrorRateThreshold: 0.5,
		DetectionWindow:    2 * time.Minute,
		Cooldown:           5 * time.Minute,
	}
}

// outcome is one persistence result attributed to a source.
type outcome struct {
	at      time.Time
	success bool
}

// record is the per-source quality state. Mutated only under Tracker.mu.
type record struct {
	baseline     float64
	outcomes     []outcome
	completeness float64 // exponential moving average
	latencyMS    float64 // exponential moving average
	reports      int64
	demoted      bool
	demotedAt    time.Time
	lastFailure  time.Time
}

// Snapshot is a read-only view of one source's quality state, served by the
// admin API and consumed by tests.
type Snapshot struct {
	Source       string    `json:"source"`
	Weight       float64   `json:"weight"`
	Baseline     float64   `json:"baseline"`
	ErrorRate    float64   `json:"error_rate"`
	Completeness float64   `json:"completeness"`
	LatencyMS    float64   `json:"latency_ms"`
	Reports      int64     `json:"reports"`
	Demoted      bool      `json:"demoted"`
	DemotedAt    time.Time `json:"demoted_at"`
}

// Tracker maintains rolling trust weights for every configured source.
// It is the only mutator of per-source quality state; the fusion selector
// reads weights through CurrentWeight.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	sources map[string]*record

	// now is injectable for tests.
	now func() time.Time
}

// NewTracker creates a tracker with the given config.
func NewTracker(cfg Config) *Tracker {
	if cfg.Ceiling <= 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{
		cfg:     cfg,
		sources: make(map[string]*record),
		now:     time.Now,
	}
}

// SetClock overrides the wall clock. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Register declares a source with its configured baseline weight.
// Unregistered sources are lazily created with the ceiling as baseline.
func (t *Tracker) Register(source string, baseline float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if baseline < t.cfg.Floor {
		baseline = t.cfg.Floor
	}
	if baseline > t.cfg.Ceiling {
		baseline = t.cfg.Ceiling
	}
	t.sources[source] = &record{baseline: baseline}
	metrics.SourceWeight.WithLabelValues(source).Set(baseline)
}

// RecordOutcome records one persistence success or failure attributable to
// data from the source.
func (t *Tracker) RecordOutcome(source string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r := t.getLocked(source)
	r.outcomes = append(r.outcomes, outcome{at: now, success: success})
	if !success {
		r.lastFailure = now
	}
	t.pruneLocked(r, now)

	rate := errorRate(r.outcomes)
	if !r.demoted && rate > t.cfg.ErrorRateThreshold {
		r.demoted = true
		r.demotedAt = now
		metrics.SourceDemoted.WithLabelValues(source).Set(1)
	}
	t.maybeReinstateLocked(source, r, now)
	metrics.SourceWeight.WithLabelValues(source).Set(t.weightLocked(r, now))
}

// RecordReport folds one report's structural completeness and observed
// ingest latency into the source's rolling averages.
func (t *Tracker) RecordReport(source string, completeness float64, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	const alpha = 0.1
	r := t.getLocked(source)
	r.reports++
	if r.reports == 1 {
		r.completeness = completeness
		r.latencyMS = float64(latency.Milliseconds())
		return
	}
	r.completeness = alpha*completeness + (1-alpha)*r.completeness
	r.latencyMS = alpha*float64(latency.Milliseconds()) + (1-alpha)*r.latencyMS
}

// CurrentWeight returns the source's trust weight, bounded to
// [floor, ceiling]. Demoted sources return the floor.
func (t *Tracker) CurrentWeight(source string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r := t.getLocked(source)
	t.pruneLocked(r, now)
	t.maybeReinstateLocked(source, r, now)
	return t.weightLocked(r, now)
}

// Demoted reports whether the source is currently demoted.
func (t *Tracker) Demoted(source string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r := t.getLocked(source)
	t.pruneLocked(r, now)
	t.maybeReinstateLocked(source, r, now)
	return r.demoted
}

// Reset clears a source's rolling state back to its baseline.
// Operator action via the admin API; never called on the data path.
func (t *Tracker) Reset(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.getLocked(source)
	baseline := r.baseline
	t.sources[source] = &record{baseline: baseline}
	metrics.SourceWeight.WithLabelValues(source).Set(baseline)
	metrics.SourceDemoted.WithLabelValues(source).Set(0)
}

// Snapshots returns the quality state of every known source.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]Snapshot, 0, len(t.sources))
	for name, r := range t.sources {
		t.pruneLocked(r, now)
		t.maybeReinstateLocked(name, r, now)
		out = append(out, Snapshot{
			Source:       name,
			Weight:       t.weightLocked(r, now),
			Baseline:     r.baseline,
			ErrorRate:    errorRate(r.outcomes),
			Completeness: r.completeness,
			LatencyMS:    r.latencyMS,
			Reports:      r.reports,
			Demoted:      r.demoted,
			DemotedAt:    r.demotedAt,
		})
	}
	return out
}

func (t *Tracker) getLocked(source string) *record {
	r, ok := t.sources[source]
	if !ok {
		r = &record{baseline: t.cfg.Ceiling}
		t.sources[source] = r
	}
	return r
}

// pruneLocked drops outcomes older than the detection window and caps the
// history length at MaxOutcomes, oldest first.
func (t *Tracker) pruneLocked(r *record, now time.Time) {
	cutoff := now.Add(-t.cfg.DetectionWindow)
	i := 0
	for ; i < len(r.outcomes); i++ {
		if r.outcomes[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		r.outcomes = append(r.outcomes[:0], r.outcomes[i:]...)
	}

	maxOutcomes := t.cfg.MaxOutcomes
	if maxOutcomes <= 0 {
		maxOutcomes = 100
	}
	if excess := len(r.outcomes) - maxOutcomes; excess > 0 {
		r.outcomes = append(r.outcomes[:0], r.outcomes[excess:]...)
	}
}

// maybeReinstateLocked clears a demotion once a full cooldown of clean
// behavior has elapsed since the later of demotion and last failure.
func (t *Tracker) maybeReinstateLocked(source string, r *record, now time.Time) {
	if !r.demoted {
		return
	}
	since := r.demotedAt
	if r.lastFailure.After(since) {
		since = r.lastFailure
	}
	if now.Sub(since) < t.cfg.Cooldown {
		return
	}
	if errorRate(r.outcomes) > t.cfg.ErrorRateThreshold {
		return
	}
	r.demoted = false
	r.demotedAt = time.Time{}
	metrics.SourceDemoted.WithLabelValues(source).Set(0)
}

// weightLocked derives the bounded trust weight. The weight decays linearly
// from baseline toward floor as the rolling error rate approaches the
// demotion threshold, and sits at floor while demoted.
func (t *Tracker) weightLocked(r *record, _ time.Time) float64 {
	if r.demoted {
		return t.cfg.Floor
	}
	rate := errorRate(r.outcomes)
	frac := rate / t.cfg.ErrorRateThreshold
	if frac > 1 {
		frac = 1
	}
	w := r.baseline - (r.baseline-t.cfg.Floor)*frac
	if w < t.cfg.Floor {
		w = t.cfg.Floor
	}
	if w > t.cfg.Ceiling {
		w = t.cfg.Ceiling
	}
	return w
}

func errorRate(outcomes []outcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, o := range outcomes {
		if !o.success {
			failures++
		}
	}
	return float64(failures) / float64(len(outcomes))
}
