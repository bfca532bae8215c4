// Package eventbus carries accepted state transitions to the derivation
// engine. Bus delivers in process; internal/amqp offers the same ports over
// RabbitMQ.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"statguard/internal/core"
)

// EventTransitionAccepted is the only event kind the engine reacts to.
const EventTransitionAccepted = "transition.accepted"

// Transition is an accepted state change: Old was the state before the
// writer's update, New the state it produced.
type Transition struct {
	ID         string        `json:"id"`
	Old        core.Snapshot `json:"old"`
	New        core.Snapshot `json:"new"`
	AcceptedAt time.Time     `json:"accepted_at"`
}

// NewTransition stamps a transition with a fresh id.
func NewTransition(old, new core.Snapshot) Transition {
	return Transition{
		ID:         uuid.NewString(),
		Old:        old,
		New:        new,
		AcceptedAt: time.Now().UTC(),
	}
}

// Handler reacts to one transition.
type Handler func(ctx context.Context, t Transition) error

type (
	Publisher interface {
		Publish(ctx context.Context, t Transition) error
	}

	Subscriber interface {
		Subscribe(ctx context.Context, h Handler) (Subscription, error)
	}

	Subscription interface {
		Unsubscribe() error
	}
)

var ErrClosed = errors.New("event bus closed")

// Bus is an in-process Publisher and Subscriber. Publish runs every handler
// before returning, and never runs two deliveries at once.
type Bus struct {
	deliver sync.Mutex

	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
	closed   bool
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Publish delivers t to every subscriber and joins their errors.
func (b *Bus) Publish(ctx context.Context, t Transition) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	b.deliver.Lock()
	defer b.deliver.Unlock()

	var errs []error
	for _, id := range ids {
		b.mu.Lock()
		h, ok := b.handlers[id]
		b.mu.Unlock()
		if !ok {
			continue
		}
		if err := h(ctx, t); err != nil {
			slog.ErrorContext(ctx, "Transition handler failed",
				"event", EventTransitionAccepted,
				"transition_id", t.ID,
				"error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("deliver transition %s: %w", t.ID, errors.Join(errs...))
	}
	return nil
}

// Subscribe registers h until the returned subscription is removed.
func (b *Bus) Subscribe(_ context.Context, h Handler) (Subscription, error) {
	if h == nil {
		return nil, errors.New("nil transition handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	return &busSubscription{bus: b, id: id}, nil
}

// Subscribers returns the number of registered handlers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

// Close drops every subscription and rejects further use.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = map[int]Handler{}
	return nil
}

type busSubscription struct {
	bus  *Bus
	id   int
	once sync.Once
}

func (s *busSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.handlers, s.id)
		s.bus.mu.Unlock()
	})
	return nil
}
