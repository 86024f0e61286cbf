// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package report

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func floatPtr(v float64) *float64 { return &v }

func TestResolveIdentityKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  RawReport
		want string
	}{
		{
			name: "primary id wins over everything",
			raw:  RawReport{PrimaryID: "235083590", SecondaryID: "9387425", Name: "Ever Given", Callsign: "H3RC"},
			want: "id:235083590",
		},
		{
			name: "secondary id when primary missing",
			raw:  RawReport{SecondaryID: "9387425", Name: "Ever Given"},
			want: "id2:9387425",
		},
		{
			name: "composite fallback uppercases name and callsign",
			raw:  RawReport{Name: "Ever Given", Callsign: "h3rc"},
			want: "name:EVER GIVEN|cs:H3RC",
		},
		{
			name: "composite with only name",
			raw:  RawReport{Name: "queen mary 2"},
			want: "name:QUEEN MARY 2|cs:",
		},
		{
			name: "composite with only callsign",
			raw:  RawReport{Callsign: "baw123"},
			want: "name:|cs:BAW123",
		},
		{
			name: "whitespace-only ids are ignored",
			raw:  RawReport{PrimaryID: "  ", SecondaryID: "\t", Name: "Atlantic Star"},
			want: "name:ATLANTIC STAR|cs:",
		},
		{
			name: "no identity at all",
			raw:  RawReport{Latitude: 51.5, Longitude: 0.1},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ResolveIdentityKey(&tt.raw)
			if got != tt.want {
				t.Errorf("ResolveIdentityKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseEventTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		want   time.Time
		wantOK bool
	}{
		{
			name:   "epoch seconds",
			raw:    `1756600000`,
			want:   time.Unix(1756600000, 0).UTC(),
			wantOK: true,
		},
		{
			name:   "epoch milliseconds",
			raw:    `1756600000123`,
			want:   time.UnixMilli(1756600000123).UTC(),
			wantOK: true,
		},
		{
			name:   "rfc3339 string",
			raw:    `"2026-08-30T12:00:00Z"`,
			want:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "rfc3339 with offset normalizes to utc",
			raw:    `"2026-08-30T14:00:00+02:00"`,
			want:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "naive timestamp assumes utc",
			raw:    `"2026-08-30T12:00:00"`,
			want:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "garbage string",
			raw:    `"last tuesday"`,
			wantOK: false,
		},
		{
			name:   "empty",
			raw:    ``,
			wantOK: false,
		},
		{
			name:   "json null",
			raw:    `null`,
			wantOK: false,
		},
		{
			name:   "negative epoch",
			raw:    `-5`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseEventTime([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ParseEventTime(%q) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("ParseEventTime(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalize_IdentityRequired(t *testing.T) {
	t.Parallel()

	raw := &RawReport{Source: "aisfeed", Class: ClassVessel, Latitude: 51.5, Longitude: 0.1}
	if _, err := Normalize(raw, time.Now()); err == nil {
		t.Fatal("Normalize() with no identity fields should fail")
	}
}

func TestNormalize_SanityRules(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	recent := json.RawMessage(`"2026-08-30T11:59:00Z"`)

	tests := []struct {
		name     string
		raw      RawReport
		wantSane bool
	}{
		{
			name:     "clean vessel report",
			raw:      RawReport{PrimaryID: "235083590", Source: "aisfeed", Class: ClassVessel, Latitude: 51.5, Longitude: 0.1, SpeedKn: floatPtr(14.2), EventTime: recent},
			wantSane: true,
		},
		{
			name:     "latitude beyond mercator limit",
			raw:      RawReport{PrimaryID: "235083590", Source: "aisfeed", Class: ClassVessel, Latitude: 87.0, Longitude: 0.1, EventTime: recent},
			wantSane: false,
		},
		{
			name:     "longitude out of range",
			raw:      RawReport{PrimaryID: "235083590", Source: "aisfeed", Class: ClassVessel, Latitude: 51.5, Longitude: 181.0, EventTime: recent},
			wantSane: false,
		},
		{
			name:     "event older than 24h",
			raw:      RawReport{PrimaryID: "235083590", Source: "aisfeed", Class: ClassVessel, Latitude: 51.5, Longitude: 0.1, EventTime: json.RawMessage(`"2026-08-28T11:00:00Z"`)},
			wantSane: false,
		},
		{
			name:     "event time far in the future",
			raw:      RawReport{PrimaryID: "235083590", Source: "aisfeed", Class: ClassVessel, Latitude: 51.5, Longitude: 0.1, EventTime: json.RawMessage(`"2026-08-30T13:00:00Z"`)},
			wantSane: false,
		},
		{
			name:     "event time within clock drift tolerance",
			raw:      RawReport{PrimaryID: "235083590", Source: "aisfeed", Class: ClassVessel, Latitude: 51.5, Longitude: 0.1, EventTime: json.RawMessage(`"2026-08-30T12:02:00Z"`)},
			wantSane: true,
		},
		{
			name:     "unparseable event time",
			raw:      RawReport{PrimaryID: "235083590", Source: "aisfeed", Class: ClassVessel, Latitude: 51.5, Longitude: 0.1, EventTime: json.RawMessage(`"soon"`)},
			wantSane: false,
		},
		{
			name:     "vessel above 80 knots",
			raw:      RawReport{PrimaryID: "235083590", Source: "aisfeed", Class: ClassVessel, Latitude: 51.5, Longitude: 0.1, SpeedKn: floatPtr(95), EventTime: recent},
			wantSane: false,
		},
		{
			name:     "aircraft at 480 knots is fine",
			raw:      RawReport{PrimaryID: "4ca7b5", Source: "adsbfeed", Class: ClassAircraft, Latitude: 51.5, Longitude: 0.1, SpeedKn: floatPtr(480), EventTime: recent},
			wantSane: true,
		},
		{
			name:     "aircraft above 1200 knots",
			raw:      RawReport{PrimaryID: "4ca7b5", Source: "adsbfeed", Class: ClassAircraft, Latitude: 51.5, Longitude: 0.1, SpeedKn: floatPtr(1500), EventTime: recent},
			wantSane: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n, err := Normalize(&tt.raw, now)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if n.Sane != tt.wantSane {
				t.Errorf("Sane = %v (note %q), want %v", n.Sane, n.SanityNote, tt.wantSane)
			}
		})
	}
}

func TestNormalize_RetainsInsaneReports(t *testing.T) {
	t.Parallel()

	raw := &RawReport{
		PrimaryID: "235083590",
		Source:    "aisfeed",
		Class:     ClassVessel,
		Latitude:  91.0, // impossible
		Longitude: 0.1,
	}
	n, err := Normalize(raw, time.Now())
	if err != nil {
		t.Fatalf("Normalize() error = %v: insane reports must be retained, not rejected", err)
	}
	if n.Sane {
		t.Error("Sane = true for impossible latitude")
	}
	if n.IdentityKey != "id:235083590" {
		t.Errorf("IdentityKey = %q", n.IdentityKey)
	}
}

func TestNormalize_Completeness(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	full := &RawReport{
		PrimaryID: "235083590",
		Name:      "Atlantic Star",
		Source:    "aisfeed",
		Class:     ClassVessel,
		Latitude:  51.5,
		Longitude: 0.1,
		SpeedKn:   floatPtr(12),
		CourseDeg: floatPtr(180),
		EventTime: json.RawMessage(`"` + now.Format(time.RFC3339) + `"`),
	}
	sparse := &RawReport{
		Name:   "Atlantic Star",
		Source: "aisfeed",
		Class:  ClassVessel,
	}

	nf, err := Normalize(full, now)
	if err != nil {
		t.Fatalf("Normalize(full) error = %v", err)
	}
	ns, err := Normalize(sparse, now)
	if err != nil {
		t.Fatalf("Normalize(sparse) error = %v", err)
	}

	if nf.Completeness != 1.0 {
		t.Errorf("full report completeness = %v, want 1.0", nf.Completeness)
	}
	if ns.Completeness >= nf.Completeness {
		t.Errorf("sparse completeness %v should be below full %v", ns.Completeness, nf.Completeness)
	}
}

func TestNormalize_DefaultsClassToVessel(t *testing.T) {
	t.Parallel()

	raw := &RawReport{PrimaryID: "235083590", Source: "aisfeed"}
	n, err := Normalize(raw, time.Now())
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if n.Class != ClassVessel {
		t.Errorf("Class = %q, want vessel", n.Class)
	}
}
