// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/pelorus-nav/pelorus/internal/breaker"
	"github.com/pelorus-nav/pelorus/internal/config"
	"github.com/pelorus-nav/pelorus/internal/quality"
	"github.com/pelorus-nav/pelorus/internal/store"
)

type fakePositionStore struct {
	positions []store.Position
	count     int64
	err       error
}

func (f *fakePositionStore) LatestPositions(_ context.Context, class string, limit int) ([]store.Position, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []store.Position
	for _, p := range f.positions {
		if class != "" && p.Class != class {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakePositionStore) CountPositions(_ context.Context) (int64, error) {
	return f.count, f.err
}

type fakeBreakerRegistry struct {
	breakers map[string]*breaker.Breaker
}

func (f *fakeBreakerRegistry) BreakerByName(name string) *breaker.Breaker {
	return f.breakers[name]
}

func testServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	cfg := &config.ServerConfig{RateLimitReqs: 1000, RateLimitWindow: time.Minute}
	srv := httptest.NewServer(NewRouter(cfg, h))
	t.Cleanup(srv.Close)
	return srv
}

func decodeResponse(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var out APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakePositionStore{}, nil, nil, nil, nil)
	srv := testServer(t, h)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if !out.Success {
		t.Error("healthz success = false")
	}
}

func TestStatusReportsCount(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakePositionStore{count: 42}, nil, nil, nil, nil)
	srv := testServer(t, h)

	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET /api/v1/status: %v", err)
	}
	out := decodeResponse(t, resp)
	if !out.Success {
		t.Fatal("status success = false")
	}
	data := out.Data.(map[string]any)
	if got := data["positions"].(float64); got != 42 {
		t.Errorf("positions = %v, want 42", got)
	}
}

func TestStatusStoreFailure(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakePositionStore{err: errors.New("db locked")}, nil, nil, nil, nil)
	srv := testServer(t, h)

	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Success || out.Error == nil || out.Error.Code != ErrCodeInternalError {
		t.Errorf("error envelope = %+v", out)
	}
}

func TestPositionsFiltersByClass(t *testing.T) {
	t.Parallel()

	st := &fakePositionStore{positions: []store.Position{
		{IdentityKey: "id:1", Class: "vessel"},
		{IdentityKey: "id:2", Class: "aircraft"},
		{IdentityKey: "id:3", Class: "vessel"},
	}}
	h := NewHandler(st, nil, nil, nil, nil)
	srv := testServer(t, h)

	resp, err := http.Get(srv.URL + "/api/v1/positions?class=vessel")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	out := decodeResponse(t, resp)
	data := out.Data.(map[string]any)
	if got := data["count"].(float64); got != 2 {
		t.Errorf("count = %v, want 2", got)
	}
}

func TestPositionsRejectsUnknownClass(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakePositionStore{}, nil, nil, nil, nil)
	srv := testServer(t, h)

	resp, err := http.Get(srv.URL + "/api/v1/positions?class=submarine")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Error == nil || out.Error.Code != ErrCodeBadRequest {
		t.Errorf("error = %+v", out.Error)
	}
}

func TestSourcesAndReset(t *testing.T) {
	t.Parallel()

	tracker := quality.NewTracker(quality.DefaultConfig())
	tracker.Register("ais-alpha", 0.9)
	h := NewHandler(&fakePositionStore{}, tracker, nil, nil, nil)
	srv := testServer(t, h)

	resp, err := http.Get(srv.URL + "/api/v1/sources/")
	if err != nil {
		t.Fatalf("GET sources: %v", err)
	}
	out := decodeResponse(t, resp)
	sources := out.Data.(map[string]any)["sources"].([]any)
	if len(sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(sources))
	}

	resp, err = http.Post(srv.URL+"/api/v1/sources/ais-alpha/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reset: %v", err)
	}
	out = decodeResponse(t, resp)
	if !out.Success {
		t.Errorf("reset failed: %+v", out)
	}
}

func TestResetBreaker(t *testing.T) {
	t.Parallel()

	b := breaker.New("store-writes", breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
	})
	_ = b.Execute(func() error { return errors.New("boom") })
	if b.State() != breaker.StateOpen {
		t.Fatal("breaker should be open")
	}

	reg := &fakeBreakerRegistry{breakers: map[string]*breaker.Breaker{"store-writes": b}}
	h := NewHandler(&fakePositionStore{}, nil, nil, nil, reg)
	srv := testServer(t, h)

	resp, err := http.Post(srv.URL+"/api/v1/breakers/store-writes/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reset: %v", err)
	}
	out := decodeResponse(t, resp)
	if !out.Success {
		t.Fatalf("reset failed: %+v", out)
	}
	if b.State() != breaker.StateClosed {
		t.Error("breaker not closed after reset")
	}

	resp, err = http.Post(srv.URL+"/api/v1/breakers/nope/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST unknown: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown breaker status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDLQEndpointsUnavailableWithoutQueue(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakePositionStore{}, nil, nil, nil, nil)
	srv := testServer(t, h)

	resp, err := http.Get(srv.URL + "/api/v1/dlq/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMetricsExposed(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakePositionStore{}, nil, nil, nil, nil)
	srv := testServer(t, h)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
