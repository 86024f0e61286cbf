// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeJetStream simulates stream existence without a broker.
type fakeJetStream struct {
	exists  bool
	created *jetstream.StreamConfig
	updated *jetstream.StreamConfig
}

func (f *fakeJetStream) Stream(_ context.Context, _ string) (jetstream.Stream, error) {
	if f.exists {
		return nil, nil
	}
	return nil, jetstream.ErrStreamNotFound
}

func (f *fakeJetStream) CreateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.created = &cfg
	return nil, nil
}

func (f *fakeJetStream) UpdateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.updated = &cfg
	return nil, nil
}

func TestEnsureStreamCreatesWhenMissing(t *testing.T) {
	t.Parallel()

	js := &fakeJetStream{}
	cfg := DefaultStreamConfig("POSITIONS")
	if _, err := EnsureStream(context.Background(), js, cfg); err != nil {
		t.Fatalf("EnsureStream: %v", err)
	}
	if js.created == nil {
		t.Fatal("stream was not created")
	}
	if js.updated != nil {
		t.Error("missing stream must not be updated")
	}
	if js.created.Name != "POSITIONS" {
		t.Errorf("name = %q", js.created.Name)
	}
	if len(js.created.Subjects) != 1 || js.created.Subjects[0] != "positions.>" {
		t.Errorf("subjects = %v", js.created.Subjects)
	}
	if js.created.Storage != jetstream.FileStorage {
		t.Error("stream must use file storage")
	}
	if js.created.Duplicates <= 0 {
		t.Error("duplicate window must be set for broker-side dedup")
	}
}

func TestEnsureStreamUpdatesWhenPresent(t *testing.T) {
	t.Parallel()

	js := &fakeJetStream{exists: true}
	if _, err := EnsureStream(context.Background(), js, DefaultStreamConfig("")); err != nil {
		t.Fatalf("EnsureStream: %v", err)
	}
	if js.updated == nil {
		t.Fatal("existing stream was not updated")
	}
	if js.created != nil {
		t.Error("existing stream must not be recreated")
	}
	if js.updated.Name != "POSITIONS" {
		t.Errorf("default name = %q", js.updated.Name)
	}
}

func TestEnsureStreamPropagatesCreateError(t *testing.T) {
	t.Parallel()

	js := &failingJetStream{}
	if _, err := EnsureStream(context.Background(), js, DefaultStreamConfig("POSITIONS")); err == nil {
		t.Fatal("expected create error")
	}
}

type failingJetStream struct{}

func (f *failingJetStream) Stream(_ context.Context, _ string) (jetstream.Stream, error) {
	return nil, jetstream.ErrStreamNotFound
}

func (f *failingJetStream) CreateStream(_ context.Context, _ jetstream.StreamConfig) (jetstream.Stream, error) {
	return nil, errors.New("jetstream unavailable")
}

func (f *failingJetStream) UpdateStream(_ context.Context, _ jetstream.StreamConfig) (jetstream.Stream, error) {
	return nil, errors.New("jetstream unavailable")
}
