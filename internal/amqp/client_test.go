package amqp

import (
	"context"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"

	"statguard/internal/core"
	"statguard/internal/eventbus"
)

type fakeAcknowledger struct {
	acked   int
	nacked  int
	requeue bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error { f.acked++; return nil }

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}

func TestTransitionMessageRoundTrip(t *testing.T) {
	tr := eventbus.NewTransition(
		core.MustSnapshot(`{"世界":{"当前日期":"2002-07-15"}}`),
		core.MustSnapshot(`{"世界":{"当前日期":"2002-09-03"},"extra":[1,2]}`),
	)
	body, err := NewTransitionMessage(tr).ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}

	msg, err := TransitionMessageFromJSON(body)
	if err != nil {
		t.Fatalf("TransitionMessageFromJSON: %v", err)
	}
	got := msg.Transition()
	if got.ID != tr.ID || !got.AcceptedAt.Equal(tr.AcceptedAt) {
		t.Errorf("header mismatch: %+v", got)
	}
	if got.New.Get("世界.当前日期").String() != "2002-09-03" || got.New.Get("extra.1").Int() != 2 {
		t.Errorf("new snapshot = %s", got.New)
	}
	if got.Old.Get("世界.当前日期").String() != "2002-07-15" {
		t.Errorf("old snapshot = %s", got.Old)
	}
}

func TestTransitionMessageFromJSONRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"other event", `{"id":"x","event":"expense.sync","new":{}}`},
		{"no new snapshot", `{"id":"x","event":"transition.accepted","old":{}}`},
		{"new not an object", `{"id":"x","new":[1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := TransitionMessageFromJSON([]byte(tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHandleDelivery(t *testing.T) {
	valid, _ := NewTransitionMessage(eventbus.NewTransition(core.MustSnapshot(`{}`), core.MustSnapshot(`{"a":1}`))).ToJSON()

	tests := []struct {
		name        string
		body        []byte
		handlerErr  error
		wantAck     int
		wantNack    int
		wantRequeue bool
		wantCalls   int
	}{
		{"success acks", valid, nil, 1, 0, false, 1},
		{"handler failure requeues", valid, errors.New("store down"), 0, 1, true, 1},
		{"bad body is dropped", []byte(`not json`), nil, 0, 1, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			calls := 0
			h := func(context.Context, eventbus.Transition) error {
				calls++
				return tt.handlerErr
			}

			handleDelivery(context.Background(), amqp091.Delivery{Acknowledger: ack, Body: tt.body}, h)

			if ack.acked != tt.wantAck || ack.nacked != tt.wantNack || ack.requeue != tt.wantRequeue {
				t.Errorf("ack=%d nack=%d requeue=%v", ack.acked, ack.nacked, ack.requeue)
			}
			if calls != tt.wantCalls {
				t.Errorf("handler calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestConsumeStopsWhenChannelCloses(t *testing.T) {
	msgs := make(chan amqp091.Delivery, 1)
	ack := &fakeAcknowledger{}
	body, _ := NewTransitionMessage(eventbus.NewTransition(core.MustSnapshot(`{}`), core.MustSnapshot(`{}`))).ToJSON()
	msgs <- amqp091.Delivery{Acknowledger: ack, Body: body}
	close(msgs)

	consume(context.Background(), msgs, func(context.Context, eventbus.Transition) error { return nil })

	if ack.acked != 1 {
		t.Errorf("acked = %d, want 1", ack.acked)
	}
}
