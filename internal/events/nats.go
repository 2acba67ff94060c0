package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream holding outbound events.
	StreamName = "WICKETX_EVENTS"
	// SubjectPrefix prefixes every outbound subject: wicketx.events.<type>[.<market>].
	SubjectPrefix = "wicketx.events"
)

// NATSPublisher publishes events to JetStream.
type NATSPublisher struct {
	*queue
	js jetstream.JetStream
}

// NewNATSPublisher creates a publisher over js. Call Run to start sending.
func NewNATSPublisher(js jetstream.JetStream, logger *slog.Logger) *NATSPublisher {
	p := &NATSPublisher{js: js}
	p.queue = newQueue("nats", 1024, p.send, logger)
	return p
}

func (p *NATSPublisher) send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(ev), data)
	return err
}

// Subject returns the subject an event is published on.
func Subject(ev Event) string {
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, ev.Type)
	if ev.MarketID != "" {
		subject = fmt.Sprintf("%s.%s", subject, ev.MarketID)
	}
	return subject
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}
