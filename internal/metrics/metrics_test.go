// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordNormalized(t *testing.T) {
	before := testutil.ToFloat64(ReportsNormalized.WithLabelValues("ais-test", "true"))
	RecordNormalized("ais-test", true)
	after := testutil.ToFloat64(ReportsNormalized.WithLabelValues("ais-test", "true"))
	if after != before+1 {
		t.Errorf("counter = %v, want %v", after, before+1)
	}

	RecordNormalized("ais-test", false)
	if got := testutil.ToFloat64(ReportsNormalized.WithLabelValues("ais-test", "false")); got < 1 {
		t.Errorf("insane counter = %v, want >= 1", got)
	}
}

func TestRecordBreakerState(t *testing.T) {
	RecordBreakerState("store-writes", 2)
	if got := testutil.ToFloat64(BreakerState.WithLabelValues("store-writes")); got != 2 {
		t.Errorf("breaker state gauge = %v, want 2", got)
	}
}

func TestUpdateDLQGauges(t *testing.T) {
	UpdateDLQGauges(7, 2, 120.5)

	if got := testutil.ToFloat64(DLQEntriesPending); got != 7 {
		t.Errorf("pending gauge = %v, want 7", got)
	}
	if got := testutil.ToFloat64(DLQEntriesDead); got != 2 {
		t.Errorf("dead gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(DLQOldestEntryAge); got != 120.5 {
		t.Errorf("oldest age gauge = %v, want 120.5", got)
	}
}
