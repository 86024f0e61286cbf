// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/pelorus-nav/pelorus/internal/config"
	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/report"
)

// Publisher publishes fused reports to JetStream through Watermill.
// The Nats-Msg-Id header carries the window dedup ID, so the broker's
// duplicate window suppresses re-publishes of the same fused window on
// restart or DLQ replay.
type Publisher struct {
	publisher  message.Publisher
	serializer *report.Serializer

	mu     sync.RWMutex
	closed bool
}

// NewPublisher connects a Watermill NATS publisher to the given URL.
// The stream must already exist; provisioning is EnsureStream's job.
func NewPublisher(cfg *config.NATSConfig, url string) (*Publisher, error) {
	wmLogger := watermill.NewSlogLogger(logging.NewSlogLogger())

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	return &Publisher{
		publisher:  pub,
		serializer: report.NewSerializer(),
	}, nil
}

// PublishFused sends one fused report to its class subject.
func (p *Publisher) PublishFused(f *report.FusedReport) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	data, err := p.serializer.MarshalFused(f)
	if err != nil {
		return fmt.Errorf("marshal fused report: %w", err)
	}

	msg := message.NewMessage(f.FusionID, data)
	msg.Metadata.Set(natsgo.MsgIdHdr, f.DedupID())
	msg.Metadata.Set("identity_key", f.IdentityKey)
	msg.Metadata.Set("source", f.Winner.Source)
	msg.Metadata.Set("class", string(f.Winner.Class))

	return p.publisher.Publish(f.Topic(), msg)
}

// Close shuts the publisher down. Idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
