// Package signal is an in-process typed publish/subscribe bus. Listeners
// subscribe to one concrete event type and are invoked sequentially, in
// registration order, for every event of exactly that type.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Options configures a Bus.
type Options struct {
	// PropagateErrors makes Publish return the joined listener errors after
	// fan-out completes. Listener failures are always logged.
	PropagateErrors bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ListenerError reports a failed or panicking listener.
type ListenerError struct {
	Event string
	Index int
	Err   error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("signal: listener %d for %s: %v", e.Index, e.Event, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

type handlerFunc func(ctx context.Context, event any) error

// Bus holds the listener table. The zero value is not usable; use New.
type Bus struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	handlers map[reflect.Type][]handlerFunc
}

// New creates an empty bus.
func New(opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		opts:     opts,
		log:      logger.With("component", "signal"),
		handlers: make(map[reflect.Type][]handlerFunc),
	}
}

// Listen subscribes fn to events of exactly type T. Registering the same
// function twice makes it run twice.
func Listen[T any](bus *Bus, fn func(ctx context.Context, event T) error) {
	key := reflect.TypeFor[T]()
	wrapped := func(ctx context.Context, event any) error {
		return fn(ctx, event.(T))
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	// Copy on write: a Publish already iterating the old slice is unaffected.
	current := bus.handlers[key]
	next := make([]handlerFunc, len(current), len(current)+1)
	copy(next, current)
	bus.handlers[key] = append(next, wrapped)
}

// Publish delivers event to every listener of its dynamic type. An event
// held in an interface reaches the listeners of the concrete type inside it,
// never listeners of the interface. With no listeners, or a nil interface,
// it returns nil immediately.
func Publish[T any](ctx context.Context, bus *Bus, event T) error {
	boxed := any(event)
	if boxed == nil {
		return nil
	}
	key := reflect.TypeOf(boxed)

	bus.mu.Lock()
	handlers := bus.handlers[key]
	bus.mu.Unlock()

	if len(handlers) == 0 {
		return nil
	}

	var errs []error
	for i, h := range handlers {
		if err := bus.invoke(ctx, h, boxed); err != nil {
			lerr := &ListenerError{Event: key.String(), Index: i, Err: err}
			bus.log.Error("listener failed", "event", key.String(), "listener", i, "error", err)
			errs = append(errs, lerr)
		}
	}

	if bus.opts.PropagateErrors {
		return errors.Join(errs...)
	}
	return nil
}

// ListenerCount returns how many listeners are registered for T.
func ListenerCount[T any](bus *Bus) int {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return len(bus.handlers[reflect.TypeFor[T]()])
}

func (b *Bus) invoke(ctx context.Context, h handlerFunc, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, event)
}
