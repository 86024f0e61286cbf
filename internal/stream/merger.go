// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package stream

import (
	"context"
	"sync"

	"github.com/pelorus-nav/pelorus/internal/logging"
)

// Merger fans the per-connector envelope streams into one logical
// stream. Every envelope stays tagged with its source and class, so
// downstream consumers see a uniform feed regardless of how many
// connectors are configured per class. Lifecycle signals pass through
// untouched.
type Merger struct {
	inputs []<-chan Envelope
	out    chan Envelope

	mu      sync.Mutex
	started bool
}

// NewMerger builds a merger over the given input streams.
func NewMerger(inputs ...<-chan Envelope) *Merger {
	return &Merger{
		inputs: inputs,
		out:    make(chan Envelope, 512),
	}
}

// Output returns the merged stream. Closed when every input has closed
// or the run context is cancelled.
func (m *Merger) Output() <-chan Envelope { return m.out }

// Run copies every input into the merged stream until all inputs close
// or the context is cancelled. Safe to call once.
func (m *Merger) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	logging.Info().
		Int("inputs", len(m.inputs)).
		Msg("Stream merger started")

	var wg sync.WaitGroup
	for _, in := range m.inputs {
		wg.Add(1)
		go func(in <-chan Envelope) {
			defer wg.Done()
			for {
				select {
				case env, ok := <-in:
					if !ok {
						return
					}
					select {
					case m.out <- env:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(in)
	}
	wg.Wait()
	close(m.out)
	logging.Info().Msg("Stream merger stopped")
	return ctx.Err()
}
