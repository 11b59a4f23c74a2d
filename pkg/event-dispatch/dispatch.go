package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

type EventType string

const (
	Install           = EventType("install")
	Activate          = EventType("activate")
	Push              = EventType("push")
	NotificationClick = EventType("notificationclick")
	NotificationClose = EventType("notificationclose")
	Message           = EventType("message")
)

type Event struct {
	Type    EventType
	Payload any
}

// Handler handles one event. The dispatcher waits for it to return
// before the event counts as complete.
type Handler func(ctx context.Context, e Event) error

// Dispatcher runs the handlers registered for an event type in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

func New(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EventType][]Handler),
		log:      logger,
	}
}

// On registers a handler for the event type.
func (d *Dispatcher) On(t EventType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], h)
}

// Dispatch runs all handlers for the event and waits for them.
// Handler errors and panics are logged and returned joined; they never escape as panics.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[e.Type]...)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.log.Trace().Str("event", string(e.Type)).Msg("No handlers for event")
		return nil
	}
	var errs []error
	for _, h := range handlers {
		if err := d.run(ctx, h, e); err != nil {
			d.log.Error().Err(err).Str("event", string(e.Type)).Msg("Event handler failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) run(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithLevel(zerolog.PanicLevel).Interface("error", r).Str("event", string(e.Type)).Msg("Panic in event handler")
			err = fmt.Errorf("panic in %s handler: %v", e.Type, r)
		}
	}()
	return h(ctx, e)
}
