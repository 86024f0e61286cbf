// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/pelorus-nav/pelorus/internal/config"
	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/metrics"
	"github.com/pelorus-nav/pelorus/internal/report"
)

// ErrExhausted is returned by Run when a connector has used up its
// reconnection budget. The connector stays down until restarted
// explicitly; it never retries past the configured bound.
var ErrExhausted = errors.New("stream: reconnection attempts exhausted")

// Conn is one established feed session. The production implementation
// wraps a websocket connection.
type Conn interface {
	ReadMessage(readTimeout time.Duration) ([]byte, error)
	Close() error
}

// Dialer establishes feed sessions. Injectable so tests can drive the
// reconnection loop without a live endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage(readTimeout time.Duration) ([]byte, error) {
	if readTimeout > 0 {
		if err := w.c.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) Close() error { return w.c.Close() }

type wsDialer struct {
	handshakeTimeout time.Duration
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	c, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{c: c}, nil
}

// Status is a point-in-time health snapshot for one connector.
type Status struct {
	Source               string    `json:"source"`
	Endpoint             string    `json:"endpoint"`
	Class                string    `json:"class"`
	Active               bool      `json:"active"`
	Healthy              bool      `json:"healthy"`
	ReconnectionAttempts int       `json:"reconnection_attempts"`
	MaxAttempts          int       `json:"max_attempts"`
	MessagesReceived     int64     `json:"messages_received"`
	LastMessageAt        time.Time `json:"last_message_at,omitempty"`
	BreakerState         string    `json:"breaker_state"`
}

// Connector maintains one source's feed session. It reconnects on
// failure up to a hard bound, wraps reads in a circuit breaker so a
// flapping endpoint fails fast, and rate limits consumption when the
// source is configured with a read cap.
type Connector struct {
	src    config.SourceConfig
	cfg    config.ConnectorConfig
	class  report.Class
	dialer Dialer
	out    chan Envelope

	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *rate.Limiter

	attempts  atomic.Int32
	active    atomic.Bool
	exhausted atomic.Bool
	msgCount  atomic.Int64
	lastMsg   atomic.Value // time.Time
}

// NewConnector builds a connector for one configured source. The output
// channel is owned by the connector and closed when Run returns.
func NewConnector(src config.SourceConfig, cfg config.ConnectorConfig) *Connector {
	c := &Connector{
		src:    src,
		cfg:    cfg,
		class:  report.Class(src.Class),
		dialer: &wsDialer{handshakeTimeout: cfg.HandshakeTimeout},
		out:    make(chan Envelope, 256),
	}
	if src.ReadRatePerSecond > 0 {
		burst := int(src.ReadRatePerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(src.ReadRatePerSecond), burst)
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "connector-" + src.Name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.ReconnectWait,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Connector read breaker state change")
		},
	})
	return c
}

// SetDialer replaces the websocket dialer. Test hook.
func (c *Connector) SetDialer(d Dialer) { c.dialer = d }

// Output returns the connector's envelope stream. Closed when Run exits.
func (c *Connector) Output() <-chan Envelope { return c.out }

// Source returns the configured source name.
func (c *Connector) Source() string { return c.src.Name }

// Run drives the session loop until the context is cancelled or the
// reconnection budget is exhausted. Each failed session costs one
// attempt; a session that delivers at least one message resets the
// counter, so only consecutive failures count against the bound.
func (c *Connector) Run(ctx context.Context) error {
	defer close(c.out)
	defer c.setActive(false)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if int(c.attempts.Load()) >= c.cfg.MaxReconnectionAttempts {
			c.exhausted.Store(true)
			logging.Error().
				Str("source", c.src.Name).
				Int("attempts", int(c.attempts.Load())).
				Msg("Connector gave up after exhausting reconnection attempts")
			return ErrExhausted
		}

		delivered, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.attempts.Add(1)
		metrics.ConnectorReconnects.WithLabelValues(c.src.Name).Inc()
		if delivered > 0 {
			// The session was real. Only the failure streak since the
			// last good session counts toward the bound.
			c.attempts.Store(1)
		}
		logging.Warn().
			Str("source", c.src.Name).
			Str("url", c.src.URL).
			Int("attempt", int(c.attempts.Load())).
			Int("max_attempts", c.cfg.MaxReconnectionAttempts).
			Err(err).
			Msg("Connector session ended, scheduling reconnect")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectWait):
		}
	}
}

// runSession dials once and reads until the session breaks. Returns the
// number of messages delivered by this session.
func (c *Connector) runSession(ctx context.Context) (int64, error) {
	conn, err := c.dialer.Dial(ctx, c.src.URL)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	c.setActive(true)
	defer c.setActive(false)
	c.emit(ctx, Envelope{Kind: KindStreamStart, Source: c.src.Name, Class: c.class, At: time.Now()})
	defer c.emit(ctx, Envelope{Kind: KindStreamEnd, Source: c.src.Name, Class: c.class, At: time.Now()})

	logging.Info().
		Str("source", c.src.Name).
		Str("url", c.src.URL).
		Str("class", c.src.Class).
		Msg("Connector stream established")

	var delivered int64
	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return delivered, err
			}
		}
		data, err := c.breaker.Execute(func() ([]byte, error) {
			return conn.ReadMessage(c.cfg.ReadTimeout)
		})
		if err != nil {
			return delivered, err
		}
		now := time.Now()
		c.msgCount.Add(1)
		c.lastMsg.Store(now)
		metrics.ConnectorMessages.WithLabelValues(c.src.Name).Inc()
		delivered++
		c.emit(ctx, Envelope{
			Kind:    KindReport,
			Source:  c.src.Name,
			Class:   c.class,
			Payload: data,
			At:      now,
		})
	}
}

func (c *Connector) emit(ctx context.Context, env Envelope) {
	select {
	case c.out <- env:
	case <-ctx.Done():
	}
}

func (c *Connector) setActive(active bool) {
	c.active.Store(active)
	v := 0.0
	if active {
		v = 1.0
	}
	metrics.ConnectorActive.WithLabelValues(c.src.Name).Set(v)
}

// Status reports the connector's current health. A connector is healthy
// while it still has reconnection budget left.
func (c *Connector) Status() Status {
	st := Status{
		Source:               c.src.Name,
		Endpoint:             c.src.URL,
		Class:                c.src.Class,
		Active:               c.active.Load(),
		Healthy:              !c.exhausted.Load(),
		ReconnectionAttempts: int(c.attempts.Load()),
		MaxAttempts:          c.cfg.MaxReconnectionAttempts,
		MessagesReceived:     c.msgCount.Load(),
		BreakerState:         c.breaker.State().String(),
	}
	if t, ok := c.lastMsg.Load().(time.Time); ok {
		st.LastMessageAt = t
	}
	return st
}
