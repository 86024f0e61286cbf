// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

// Package services wraps pipeline components as suture services. Each
// wrapper translates a component's blocking run loop into suture's
// context-aware Serve contract.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/pipeline"
	"github.com/pelorus-nav/pelorus/internal/stream"
)

// ConnectorService supervises one feed connector. A connector that
// exhausts its reconnection budget is terminated, not restarted; the
// admin API surfaces it as unhealthy and an operator decides.
type ConnectorService struct {
	connector *stream.Connector
}

// NewConnectorService wraps a connector.
func NewConnectorService(c *stream.Connector) *ConnectorService {
	return &ConnectorService{connector: c}
}

// Serve implements suture.Service.
func (s *ConnectorService) Serve(ctx context.Context) error {
	err := s.connector.Run(ctx)
	if errors.Is(err, stream.ErrExhausted) {
		// Restarting would dial a dead endpoint forever. Park the
		// service; Status() keeps reporting unhealthy.
		return suture.ErrDoNotRestart
	}
	return err
}

func (s *ConnectorService) String() string {
	return "connector-" + s.connector.Source()
}

// MergerService supervises the stream merger.
type MergerService struct {
	merger *stream.Merger
}

// NewMergerService wraps a merger.
func NewMergerService(m *stream.Merger) *MergerService {
	return &MergerService{merger: m}
}

// Serve implements suture.Service.
func (s *MergerService) Serve(ctx context.Context) error {
	return s.merger.Run(ctx)
}

func (s *MergerService) String() string { return "stream-merger" }

// PipelineService runs the ingestion pipeline together with the batch
// writer it feeds. The writer starts before the pipeline consumes and
// closes after it stops, so shutdown flushes the remaining buffer.
type PipelineService struct {
	pipeline *pipeline.Pipeline
	writer   *pipeline.Writer
}

// NewPipelineService wraps the pipeline and its writer.
func NewPipelineService(p *pipeline.Pipeline, w *pipeline.Writer) *PipelineService {
	return &PipelineService{pipeline: p, writer: w}
}

// Serve implements suture.Service.
func (s *PipelineService) Serve(ctx context.Context) error {
	if err := s.writer.Start(ctx); err != nil {
		return fmt.Errorf("start batch writer: %w", err)
	}
	err := s.pipeline.Run(ctx)
	if closeErr := s.writer.Close(); closeErr != nil {
		logging.Error().Err(closeErr).Msg("Batch writer close failed")
	}
	if err == nil {
		// The merged stream closed, which only happens when every
		// connector is gone. Nothing left to supervise.
		return suture.ErrDoNotRestart
	}
	return err
}

func (s *PipelineService) String() string { return "ingestion-pipeline" }

// SweeperService runs the DLQ re-drive loop.
type SweeperService struct {
	sweeper *pipeline.Sweeper
}

// NewSweeperService wraps a sweeper.
func NewSweeperService(s *pipeline.Sweeper) *SweeperService {
	return &SweeperService{sweeper: s}
}

// Serve implements suture.Service.
func (s *SweeperService) Serve(ctx context.Context) error {
	s.sweeper.Run(ctx)
	return ctx.Err()
}

func (s *SweeperService) String() string { return "dlq-sweeper" }

// HTTPServer matches *http.Server's lifecycle methods.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs the admin HTTP server under supervision.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps an HTTP server.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. ListenAndServe blocks in a goroutine;
// context cancellation triggers a graceful Shutdown with a fresh timeout
// since the run context is already dead.
func (s *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("HTTP server shutdown failed")
			return err
		}
		return ctx.Err()
	}
}

func (s *HTTPServerService) String() string { return "admin-http" }
