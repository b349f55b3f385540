package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Emitter fires domain events. Implementations decide whether delivery happens
// inline or in the background.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e Event) error

func (f EmitterFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, Event) error { return nil })

// AsyncEmitter hands events to a wrapped Emitter on a background goroutine so
// callers on a request path never wait for subscriber delivery.
type AsyncEmitter struct {
	next    Emitter
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsyncEmitter wraps next. Each background emission gets its own context
// bounded by timeout, detached from the caller's.
func NewAsyncEmitter(next Emitter, timeout time.Duration, logger *zap.Logger) *AsyncEmitter {
	return &AsyncEmitter{next: next, logger: logger, timeout: timeout}
}

func (a *AsyncEmitter) Emit(_ context.Context, e Event) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Emit(ctx, e); err != nil {
			a.logger.Error("Background event emission failed",
				zap.String("event", string(e.EventName())), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every in-flight emission has finished.
func (a *AsyncEmitter) Wait() {
	a.wg.Wait()
}
