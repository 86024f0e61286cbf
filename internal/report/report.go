// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package report

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SchemaVersion is the current report schema version.
// Increment this when making breaking changes to NormalizedReport or FusedReport.
const SchemaVersion = 1

// Class identifies the kind of tracked object a report describes.
// The class determines which plausibility limits apply and which
// bus subject fused reports are published on.
type Class string

const (
	// ClassVessel is a marine vessel (AIS-style feeds, MMSI/IMO identifiers).
	ClassVessel Class = "vessel"
	// ClassAircraft is an aircraft (ADS-B-style feeds, ICAO24/registration identifiers).
	ClassAircraft Class = "aircraft"
)

// Valid reports whether c is a known object class.
func (c Class) Valid() bool {
	return c == ClassVessel || c == ClassAircraft
}

// MaxPlausibleSpeed returns the speed ceiling in knots for the class.
// Reports above this are flagged insane, not rejected.
func (c Class) MaxPlausibleSpeed() float64 {
	switch c {
	case ClassAircraft:
		return maxAircraftSpeedKnots
	default:
		return maxVesselSpeedKnots
	}
}

const (
	// maxVesselSpeedKnots is generous: the fastest naval craft stay well under it.
	maxVesselSpeedKnots = 80.0
	// maxAircraftSpeedKnots covers supersonic military traffic with margin.
	maxAircraftSpeedKnots = 1200.0
)

// RawReport is a position report exactly as received from one source.
// All identity fields are optional; at least one must be present for
// normalization to succeed. RawReport is never persisted directly.
type RawReport struct {
	// Identity fields, in resolution priority order.
	PrimaryID   string `json:"primary_id,omitempty"`   // MMSI for vessels, ICAO24 for aircraft
	SecondaryID string `json:"secondary_id,omitempty"` // IMO for vessels, registration for aircraft
	Name        string `json:"name,omitempty"`
	Callsign    string `json:"callsign,omitempty"`

	// Position and kinematics.
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	SpeedKn   *float64 `json:"speed_kn,omitempty"`
	CourseDeg *float64 `json:"course_deg,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`

	// EventTime is the time the source claims the position was observed.
	// Accepted formats: epoch seconds, epoch milliseconds, or an RFC 3339
	// string. Unparseable values do not reject the report (see Normalize).
	EventTime json.RawMessage `json:"event_time,omitempty"`

	Source string `json:"source"`
	Class  Class  `json:"class"`

	// Extra carries provider-specific fields (destination, vessel type,
	// altitude) that survive normalization untouched.
	Extra map[string]any `json:"extra,omitempty"`
}

// NormalizedReport is the canonical internal shape derived from a RawReport.
// Immutable after construction; owned by the pipeline instance that created it.
type NormalizedReport struct {
	SchemaVersion int    `json:"schema_version,omitempty"`
	ReportID      string `json:"report_id"`

	// IdentityKey groups reports about the same physical object across
	// sources using different id schemes. See ResolveIdentityKey.
	IdentityKey string `json:"identity_key"`

	Source string `json:"source"`
	Class  Class  `json:"class"`

	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	SpeedKn   *float64 `json:"speed_kn,omitempty"`
	CourseDeg *float64 `json:"course_deg,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`

	Name     string `json:"name,omitempty"`
	Callsign string `json:"callsign,omitempty"`

	// EventTimestamp is the source-claimed observation time in UTC.
	// Zero when the source time was missing or unparseable (the report
	// is then flagged insane but retained).
	EventTimestamp time.Time `json:"event_timestamp"`
	// IngestTimestamp is set once at normalization time and used as the
	// deterministic tie-breaker during fusion scoring.
	IngestTimestamp time.Time `json:"ingest_timestamp"`

	// Sane is false when the report failed a plausibility check.
	// Insane reports still enter fusion windows so they remain auditable;
	// they lose in scoring rather than vanishing.
	Sane         bool    `json:"sane"`
	SanityNote   string  `json:"sanity_note,omitempty"`
	Completeness float64 `json:"completeness"`

	Extra map[string]any `json:"extra,omitempty"`
}

// NewNormalizedReport allocates a report with a unique ID, ingest timestamp,
// and schema version. Callers fill in the remaining fields.
func NewNormalizedReport(source string, class Class) *NormalizedReport {
	return &NormalizedReport{
		SchemaVersion:   SchemaVersion,
		ReportID:        uuid.New().String(),
		Source:          source,
		Class:           class,
		IngestTimestamp: time.Now().UTC(),
	}
}

// Age returns how old the reported observation is at the given wall-clock time.
// A zero event timestamp yields a very large age so recency scoring bottoms out.
func (r *NormalizedReport) Age(now time.Time) time.Duration {
	if r.EventTimestamp.IsZero() {
		return 24 * time.Hour
	}
	return now.Sub(r.EventTimestamp)
}

// Topic returns the bus subject for reports of this class.
// Format: positions.<class>
func (r *NormalizedReport) Topic() string {
	return "positions." + string(r.Class)
}

// FusedReport is the single winning report emitted for a closed fusion window.
type FusedReport struct {
	SchemaVersion int    `json:"schema_version,omitempty"`
	FusionID      string `json:"fusion_id"`

	IdentityKey string    `json:"identity_key"`
	WindowStart time.Time `json:"window_start"`

	// Winner is the selected NormalizedReport, embedded whole so
	// downstream consumers and DLQ replay carry full provenance.
	Winner NormalizedReport `json:"winner"`

	// Score is the combined fusion score the winner achieved.
	Score float64 `json:"score"`
	// CandidateCount is how many reports competed in the window.
	CandidateCount int `json:"candidate_count"`

	FusedAt time.Time `json:"fused_at"`
}

// NewFusedReport wraps a winning report for the given window.
func NewFusedReport(identityKey string, windowStart time.Time, winner NormalizedReport, score float64, candidates int) *FusedReport {
	return &FusedReport{
		SchemaVersion:  SchemaVersion,
		FusionID:       uuid.New().String(),
		IdentityKey:    identityKey,
		WindowStart:    windowStart.UTC(),
		Winner:         winner,
		Score:          score,
		CandidateCount: candidates,
		FusedAt:        time.Now().UTC(),
	}
}

// Topic returns the bus subject fused reports of this class are published on.
func (f *FusedReport) Topic() string {
	return "positions." + string(f.Winner.Class)
}

// DedupID returns a stable identifier for bus-level deduplication.
// Two emissions for the same window (which should never happen) would
// collapse into one delivery.
func (f *FusedReport) DedupID() string {
	return f.IdentityKey + ":" + f.WindowStart.UTC().Format(time.RFC3339)
}

// ValidationError represents a field validation error during normalization.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
