// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

// Package stream maintains the live feed connections and merges them into
// one logical report stream for the pipeline.
package stream

import (
	"time"

	"github.com/pelorus-nav/pelorus/internal/report"
)

// Kind discriminates data from lifecycle signals in the merged stream.
type Kind int

const (
	// KindReport carries one raw position report payload.
	KindReport Kind = iota
	// KindStreamStart signals a connector (re)established its session.
	KindStreamStart
	// KindStreamEnd signals a connector lost its session. Downstream can
	// tell a source going fully silent from one that is merely quiet.
	KindStreamEnd
)

func (k Kind) String() string {
	switch k {
	case KindReport:
		return "report"
	case KindStreamStart:
		return "stream-start"
	case KindStreamEnd:
		return "stream-end"
	default:
		return "unknown"
	}
}

// Envelope is one item in a connector's output stream, tagged with its
// originating source so the merger can treat all feeds uniformly.
type Envelope struct {
	Kind    Kind
	Source  string
	Class   report.Class
	Payload []byte // raw report JSON, only for KindReport
	At      time.Time
}
