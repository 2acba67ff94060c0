// Package events fans committed ledger and settlement facts out to
// best-effort sinks (WebSocket clients, NATS JetStream, Kafka).
//
// Publishing always happens after the unit of work commits and never blocks
// the caller: sinks queue or drop.
package events

import (
	"context"
	"time"
)

// Type names an event.
type Type string

const (
	StakePlaced         Type = "stake_placed"
	PredictionSettled   Type = "prediction_settled"
	MarketSettled       Type = "market_settled"
	MarketStatusChanged Type = "market_status_changed"
	DepositCredited     Type = "deposit_credited"
	WithdrawalUpdated   Type = "withdrawal_updated"
)

// Event is the JSON envelope every sink receives.
type Event struct {
	Type      Type      `json:"type"`
	MarketID  string    `json:"market_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New stamps an event with the current time.
func New(t Type, marketID, userID string, payload any) Event {
	return Event{
		Type:      t,
		MarketID:  marketID,
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Key is the partition key used by keyed sinks: market first, then user.
func (e Event) Key() string {
	if e.MarketID != "" {
		return e.MarketID
	}
	return e.UserID
}

// Publisher accepts events without blocking and without reporting delivery.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi publishes to every sink in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// Recorder keeps published events in memory. Tests use it as a sink.
type Recorder struct {
	ch chan Event
}

// NewRecorder returns a Recorder that holds up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
