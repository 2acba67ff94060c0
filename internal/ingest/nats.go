// Package ingest consumes deposit notifications from NATS JetStream and
// hands them to the deposit guard.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/deposit"
	"github.com/wicketx/settlement-engine/internal/model"
)

const (
	// StreamName is the JetStream stream carrying inbound deposit notifications.
	StreamName = "WICKETX_DEPOSITS"
	// Subject is the filter for deposit notifications: wicketx.deposits.<network>.
	Subject      = "wicketx.deposits.>"
	ConsumerName = "settlement-deposits"

	// unresolvedDelay is how long an unresolved deposit waits before redelivery,
	// giving the address binding a chance to land.
	unresolvedDelay = 30 * time.Second
)

// Crediter applies a deposit notification to the ledger.
type Crediter interface {
	Credit(ctx context.Context, ev deposit.Event) (*model.LedgerEntry, bool, error)
}

// message is the part of jetstream.Msg the handler needs.
type message interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Consumer feeds JetStream deposit messages into a Crediter.
type Consumer struct {
	js       jetstream.JetStream
	crediter Crediter
	logger   *slog.Logger
	cc       jetstream.ConsumeContext
}

func NewConsumer(js jetstream.JetStream, crediter Crediter, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{js: js, crediter: crediter, logger: logger}
}

// Start creates the durable consumer and begins delivering messages.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ConsumerName, err)
	}
	c.cc = cc
	c.logger.Info("subscribed to deposits", "subject", Subject, "consumer", ConsumerName)
	return nil
}

// Stop stops delivery. Messages in flight are redelivered after AckWait.
func (c *Consumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
	c.logger.Info("deposit consumer stopped")
}

func (c *Consumer) handle(ctx context.Context, msg message) {
	var ev deposit.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		c.logger.Error("undecodable deposit message", "subject", msg.Subject(), "err", err)
		c.settle(msg, msg.Term)
		return
	}

	_, replayed, err := c.crediter.Credit(ctx, ev)
	switch {
	case err == nil:
		if replayed {
			c.logger.Debug("deposit replay acknowledged", "source_ref", ev.SourceRef)
		}
		c.settle(msg, msg.Ack)
	case errors.Is(err, apperr.ErrUnresolvedRecipient):
		c.logger.Warn("deposit recipient unresolved, will retry",
			"source_ref", ev.SourceRef, "recipient", ev.Recipient)
		c.settle(msg, func() error { return msg.NakWithDelay(unresolvedDelay) })
	case apperr.KindOf(err) == apperr.KindValidation:
		c.logger.Error("rejecting invalid deposit", "source_ref", ev.SourceRef, "err", err)
		c.settle(msg, msg.Term)
	default:
		c.logger.Error("deposit credit failed", "source_ref", ev.SourceRef, "err", err)
		c.settle(msg, msg.Nak)
	}
}

func (c *Consumer) settle(msg message, fn func() error) {
	if err := fn(); err != nil {
		c.logger.Warn("acknowledge deposit message", "subject", msg.Subject(), "err", err)
	}
}

// EnsureStream creates the inbound deposits stream if it does not exist.
// The stream uses FileStorage, retention=Limits, max_age=72h.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{Subject},
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

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("wicketx-settlement"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
