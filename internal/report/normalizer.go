// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package report

import (
	"strconv"
	"strings"
	"time"
)

// Normalization limits. Latitude is clamped tighter than the poles because
// the upstream feeds use Web Mercator projections that degenerate beyond 85.
const (
	maxAbsLatitude  = 85.0
	maxAbsLongitude = 180.0
	// maxEventAge marks reports older than this insane; stale positions
	// must not displace fresher ones regardless of source trust.
	maxEventAge = 24 * time.Hour
	// maxFutureSkew tolerates feed clock drift. An event time further
	// ahead of the wall clock is insane; it would otherwise hold a fusion
	// window open until that future deadline.
	maxFutureSkew = 5 * time.Minute
)

// ResolveIdentityKey derives the deterministic grouping key for a raw report.
// Resolution order is load-bearing: primary id, then secondary id, then a
// composite of uppercased name and callsign. Two sources using different id
// schemes for the same object collapse onto the same key only because every
// normalizer applies this exact order.
//
// Returns an empty string when no identity field is present.
func ResolveIdentityKey(raw *RawReport) string {
	if id := strings.TrimSpace(raw.PrimaryID); id != "" {
		return "id:" + id
	}
	if id := strings.TrimSpace(raw.SecondaryID); id != "" {
		return "id2:" + id
	}
	name := strings.ToUpper(strings.TrimSpace(raw.Name))
	cs := strings.ToUpper(strings.TrimSpace(raw.Callsign))
	if name == "" && cs == "" {
		return ""
	}
	return "name:" + name + "|cs:" + cs
}

// Normalize converts a RawReport into the canonical NormalizedReport.
//
// The only hard rejection is a report with no identity field at all; such a
// report can never be grouped and is useless downstream. Every data-quality
// problem short of that (bad coordinates, unparseable time, implausible
// speed) marks the report insane instead, so it stays visible in fusion
// windows and metrics rather than vanishing.
//
// Normalize is a pure function of the input plus the supplied wall clock.
func Normalize(raw *RawReport, now time.Time) (*NormalizedReport, error) {
	if raw == nil {
		return nil, &ValidationError{Field: "report", Message: "nil"}
	}
	if raw.Source == "" {
		return nil, &ValidationError{Field: "source", Message: "required"}
	}

	key := ResolveIdentityKey(raw)
	if key == "" {
		return nil, &ValidationError{Field: "identity", Message: "no identity field present"}
	}

	class := raw.Class
	if !class.Valid() {
		class = ClassVessel
	}

	n := NewNormalizedReport(raw.Source, class)
	n.IdentityKey = key
	n.Latitude = raw.Latitude
	n.Longitude = raw.Longitude
	n.SpeedKn = raw.SpeedKn
	n.CourseDeg = raw.CourseDeg
	n.Heading = raw.Heading
	n.Name = strings.TrimSpace(raw.Name)
	n.Callsign = strings.TrimSpace(raw.Callsign)
	n.Extra = raw.Extra
	n.IngestTimestamp = now.UTC()

	eventTime, timeOK := ParseEventTime(raw.EventTime)
	if timeOK {
		n.EventTimestamp = eventTime
	}

	n.Sane, n.SanityNote = checkSanity(n, timeOK, now)
	n.Completeness = completeness(raw, timeOK)

	return n, nil
}

// checkSanity applies the plausibility rules and returns the flag plus a
// short operator-facing note naming the first rule that failed.
func checkSanity(n *NormalizedReport, timeOK bool, now time.Time) (bool, string) {
	if !timeOK {
		return false, "event time missing or unparseable"
	}
	if n.Latitude < -maxAbsLatitude || n.Latitude > maxAbsLatitude {
		return false, "latitude out of range"
	}
	if n.Longitude < -maxAbsLongitude || n.Longitude > maxAbsLongitude {
		return false, "longitude out of range"
	}
	if now.Sub(n.EventTimestamp) > maxEventAge {
		return false, "event older than 24h"
	}
	if n.EventTimestamp.Sub(now) > maxFutureSkew {
		return false, "event time in the future"
	}
	if n.SpeedKn != nil && *n.SpeedKn > n.Class.MaxPlausibleSpeed() {
		return false, "speed implausible for class"
	}
	return true, ""
}

// completeness scores structural richness of the raw report in [0, 1].
// Identity and position are table stakes; kinematics and names add the rest.
// The score feeds the source quality tracker, not the fusion scorer.
func completeness(raw *RawReport, timeOK bool) float64 {
	score := 0.0
	if strings.TrimSpace(raw.PrimaryID) != "" || strings.TrimSpace(raw.SecondaryID) != "" {
		score += 0.25
	}
	if raw.Latitude != 0 || raw.Longitude != 0 {
		score += 0.25
	}
	if timeOK {
		score += 0.20
	}
	if raw.SpeedKn != nil {
		score += 0.10
	}
	if raw.CourseDeg != nil || raw.Heading != nil {
		score += 0.10
	}
	if strings.TrimSpace(raw.Name) != "" || strings.TrimSpace(raw.Callsign) != "" {
		score += 0.10
	}
	return score
}

// ParseEventTime interprets a raw event-time value. Accepted encodings:
// JSON number as epoch seconds or epoch milliseconds (values above 1e12 are
// treated as milliseconds), or a JSON string in RFC 3339. The boolean result
// is false for missing or unparseable values.
func ParseEventTime(raw []byte) (time.Time, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, false
	}

	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		inner := s[1 : len(s)-1]
		if t, err := time.Parse(time.RFC3339, inner); err == nil {
			return t.UTC(), true
		}
		// Some feeds omit the timezone; assume UTC.
		if t, err := time.Parse("2006-01-02T15:04:05", inner); err == nil {
			return t.UTC(), true
		}
		return time.Time{}, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return time.Time{}, false
	}
	return epochToTime(f), true
}

// epochToTime converts an epoch value to UTC, auto-detecting seconds vs
// milliseconds. 1e12 seconds is the year 33658, so any value above it is
// unambiguously milliseconds.
func epochToTime(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
