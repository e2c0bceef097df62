package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Publisher delivers lifecycle events somewhere outside the controller.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// LogPublisher writes events to the structured log
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(ctx context.Context, env Envelope) error {
	log.Info().
		Str("event_id", env.EventID).
		Str("event_type", string(env.EventType)).
		Str("user_id", env.UserID).
		Int64("machine_id", env.MachineID).
		RawJSON("payload", env.Payload).
		Msg("lifecycle event")
	return nil
}

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events to NATS core subjects
type NATSPublisher struct {
	conn          Conn
	subjectPrefix string
}

func NewNATSPublisher(conn Conn, subjectPrefix string) *NATSPublisher {
	return &NATSPublisher{
		conn:          conn,
		subjectPrefix: subjectPrefix,
	}
}

// Subject returns <prefix>.<machineId>.<eventType>.
func (p *NATSPublisher) Subject(env Envelope) string {
	return fmt.Sprintf("%s.%d.%s", p.subjectPrefix, env.MachineID, env.EventType)
}

func (p *NATSPublisher) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	messageBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := p.Subject(env)
	if err := p.conn.Publish(subject, messageBytes); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Int("size", len(messageBytes)).
		Msg("published to NATS")

	return nil
}

// ConnectNATS dials NATS with the reconnect policy used across the services.
func ConnectNATS(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("clawplay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// MultiPublisher fans an event out to every publisher. Failures are logged
// and never propagated, so one broken sink cannot stall the others.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) Publish(ctx context.Context, env Envelope) error {
	for _, p := range m.publishers {
		if err := p.Publish(ctx, env); err != nil {
			log.Error().
				Err(err).
				Str("event_type", string(env.EventType)).
				Str("publisher", fmt.Sprintf("%T", p)).
				Msg("failed to publish event")
		}
	}
	return nil
}

// NoOpPublisher discards events.
type NoOpPublisher struct{}

func (NoOpPublisher) Publish(ctx context.Context, env Envelope) error { return nil }
