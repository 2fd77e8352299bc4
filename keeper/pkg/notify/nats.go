// Package notify publishes round updates to external systems and turns
// external hints into synchronizer wakeups.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/malbeclabs/sweepstake/keeper/pkg/syncer"
)

const (
	DefaultSubjectPrefix = "sweepstake.events"

	headerEventType = "Event-Type"
	headerEventID   = "Event-ID"
	headerOrigin    = "Origin"
)

type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Bus is the subset of a NATS connection used here.
type Bus interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subject string, fn func(*nats.Msg)) (func() error, error)
}

// NATSBus adapts a *nats.Conn to Bus.
type NATSBus struct {
	Conn *nats.Conn
}

func (b *NATSBus) PublishMsg(m *nats.Msg) error {
	return b.Conn.PublishMsg(m)
}

func (b *NATSBus) Subscribe(subject string, fn func(*nats.Msg)) (func() error, error) {
	sub, err := b.Conn.Subscribe(subject, fn)
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (b *NATSBus) Close() {
	b.Conn.Close()
}

// ConnectNATS dials NATS with reconnects enabled.
func ConnectNATS(cfg NATSConfig, log *slog.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name("sweepstake-keeper"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("notify: nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("notify: nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("notify: nats error", "error", err)
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBus{Conn: nc}, nil
}

// envelope is the wire format of published events.
type envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NATSPublisher is a synchronizer sink that publishes every update on
// <prefix>.<kind>.
type NATSPublisher struct {
	Bus    Bus
	Prefix string
	// Origin identifies this process so its own waker can ignore its events.
	Origin string
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Publish(ctx context.Context, u syncer.Update) error {
	payload, err := json.Marshal(newPayload(u))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	id := uuid.New().String()
	data, err := json.Marshal(envelope{
		EventID:   id,
		EventType: string(u.Kind),
		Origin:    p.Origin,
		Timestamp: u.At.UTC(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.prefix(), u.Kind)
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			headerEventType: []string{string(u.Kind)},
			headerEventID:   []string{id},
			headerOrigin:    []string{p.Origin},
		},
	}
	if err := p.Bus.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) prefix() string {
	if p.Prefix == "" {
		return DefaultSubjectPrefix
	}
	return p.Prefix
}

// NATSWaker is a push source that wakes the synchronizer when another keeper
// publishes a settlement or a new snapshot. Messages from Origin are ignored.
type NATSWaker struct {
	Bus    Bus
	Prefix string
	Origin string
	Log    *slog.Logger
}

func (w *NATSWaker) Name() string { return "nats" }

func (w *NATSWaker) Subscribe(ctx context.Context, wake func()) (func(), error) {
	if w.Bus == nil {
		return nil, errors.New("nats bus is not configured")
	}
	prefix := w.Prefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	subject := prefix + ".>"
	unsubscribe, err := w.Bus.Subscribe(subject, func(m *nats.Msg) {
		if w.Origin != "" && m.Header.Get(headerOrigin) == w.Origin {
			return
		}
		switch syncer.UpdateKind(m.Header.Get(headerEventType)) {
		case syncer.UpdateSettlement, syncer.UpdateWinner, syncer.UpdatePhase:
			wake()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return func() {
		if err := unsubscribe(); err != nil && w.Log != nil {
			w.Log.Warn("notify: failed to unsubscribe", "subject", subject, "error", err)
		}
	}, nil
}
