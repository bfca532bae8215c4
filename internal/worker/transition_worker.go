package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"statguard/internal/eventbus"
)

// TransitionWorker connects a transition handler to a subscriber for the
// lifetime between Start and Stop.
type TransitionWorker struct {
	subscriber eventbus.Subscriber
	handler    eventbus.Handler

	mu  sync.Mutex
	sub eventbus.Subscription
}

func NewTransitionWorker(subscriber eventbus.Subscriber, handler eventbus.Handler) *TransitionWorker {
	return &TransitionWorker{
		subscriber: subscriber,
		handler:    handler,
	}
}

var ErrAlreadyStarted = errors.New("transition worker already started")

// Start subscribes the handler. It fails when the worker is running.
func (w *TransitionWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return ErrAlreadyStarted
	}

	sub, err := w.subscriber.Subscribe(ctx, w.handle)
	if err != nil {
		return fmt.Errorf("subscribe to transitions: %w", err)
	}
	w.sub = sub
	slog.InfoContext(ctx, "Transition worker started")
	return nil
}

// Stop removes the subscription. Stopping a stopped worker is a no-op.
func (w *TransitionWorker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub == nil {
		return nil
	}
	err := w.sub.Unsubscribe()
	w.sub = nil
	if err != nil {
		return fmt.Errorf("unsubscribe from transitions: %w", err)
	}
	slog.Info("Transition worker stopped")
	return nil
}

// Running reports whether the worker holds a subscription.
func (w *TransitionWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub != nil
}

func (w *TransitionWorker) handle(ctx context.Context, t eventbus.Transition) error {
	start := time.Now()
	if err := w.handler(ctx, t); err != nil {
		slog.ErrorContext(ctx, "Failed to process transition",
			"transition_id", t.ID,
			"duration", time.Since(start),
			"error", err)
		return err
	}
	slog.DebugContext(ctx, "Transition processed",
		"transition_id", t.ID,
		"duration", time.Since(start))
	return nil
}
