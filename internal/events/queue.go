package events

import (
	"context"
	"log/slog"

	"github.com/wicketx/settlement-engine/internal/metrics"
)

// queue decouples callers from a sink whose send blocks on a broker ack.
// Publish enqueues or drops; Run drains and sends one event at a time.
type queue struct {
	sink   string
	ch     chan Event
	send   func(ctx context.Context, ev Event) error
	logger *slog.Logger
}

func newQueue(sink string, size int, send func(context.Context, Event) error, logger *slog.Logger) *queue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &queue{
		sink:   sink,
		ch:     make(chan Event, size),
		send:   send,
		logger: logger,
	}
}

func (q *queue) Publish(_ context.Context, ev Event) {
	select {
	case q.ch <- ev:
	default:
		metrics.EventsDropped.WithLabelValues(q.sink).Inc()
	}
}

// Run sends queued events until ctx is done. Send failures are logged and
// counted; there is no retry.
func (q *queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-q.ch:
			if err := q.send(ctx, ev); err != nil {
				metrics.EventsDropped.WithLabelValues(q.sink).Inc()
				q.logger.Warn("event publish failed", "sink", q.sink, "type", ev.Type, "err", err)
			}
		}
	}
}
