package ingest

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/deposit"
	"github.com/wicketx/settlement-engine/internal/model"
)

type fakeMsg struct {
	data  []byte
	acked string
	delay time.Duration
}

func (m *fakeMsg) Subject() string { return "wicketx.deposits.tron" }
func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Ack() error      { m.acked = "ack"; return nil }
func (m *fakeMsg) Nak() error      { m.acked = "nak"; return nil }
func (m *fakeMsg) Term() error     { m.acked = "term"; return nil }
func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.acked = "nak_delay"
	m.delay = d
	return nil
}

type fakeCrediter struct {
	got      []deposit.Event
	replayed bool
	err      error
}

func (f *fakeCrediter) Credit(_ context.Context, ev deposit.Event) (*model.LedgerEntry, bool, error) {
	f.got = append(f.got, ev)
	if f.err != nil {
		return nil, false, f.err
	}
	return &model.LedgerEntry{}, f.replayed, nil
}

const body = `{"source_ref":"tx123","recipient":"user:u1","amount":"100","currency":"USDT"}`

func TestHandleAcknowledgement(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		replayed bool
		err      error
		want     string
		credited int
	}{
		{"credited", body, false, nil, "ack", 1},
		{"replay", body, true, nil, "ack", 1},
		{"unresolved", body, false, apperr.Wrap(apperr.ErrUnresolvedRecipient, deposit.ErrUnresolved), "nak_delay", 1},
		{"invalid", body, false, apperr.Validation("amount must be positive"), "term", 1},
		{"store failure", body, false, errors.New("connection reset"), "nak", 1},
		{"garbage", `{not json`, false, nil, "term", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cr := &fakeCrediter{replayed: tt.replayed, err: tt.err}
			c := NewConsumer(nil, cr, slog.Default())
			msg := &fakeMsg{data: []byte(tt.data)}

			c.handle(context.Background(), msg)

			if msg.acked != tt.want {
				t.Errorf("ack = %q, want %q", msg.acked, tt.want)
			}
			if len(cr.got) != tt.credited {
				t.Fatalf("credited %d times, want %d", len(cr.got), tt.credited)
			}
		})
	}
}

func TestHandleDecodesEvent(t *testing.T) {
	cr := &fakeCrediter{}
	c := NewConsumer(nil, cr, slog.Default())
	c.handle(context.Background(), &fakeMsg{data: []byte(body)})

	ev := cr.got[0]
	if ev.SourceRef != "tx123" || ev.Recipient != "user:u1" || ev.Currency != "USDT" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Amount.String() != "100" {
		t.Errorf("amount = %s, want 100", ev.Amount)
	}
}

func TestUnresolvedWaitsBeforeRedelivery(t *testing.T) {
	c := NewConsumer(nil, &fakeCrediter{err: apperr.New(apperr.ErrUnresolvedRecipient, "no binding")}, slog.Default())
	msg := &fakeMsg{data: []byte(body)}
	c.handle(context.Background(), msg)
	if msg.delay != unresolvedDelay {
		t.Errorf("delay = %v, want %v", msg.delay, unresolvedDelay)
	}
}
