package sim

import (
	"fmt"
	"time"
)

// VTimeInNs defines the time in the simulated space in the unit of
// nanosecond. It is the 8-byte value shared with peer processes.
type VTimeInNs uint64

// Common virtual time units.
const (
	Nanosecond  VTimeInNs = 1
	Microsecond           = 1000 * Nanosecond
	Millisecond           = 1000 * Microsecond
	Second                = 1000 * Millisecond
)

// FromDuration converts a Go duration into virtual time. Negative durations
// are not representable.
func FromDuration(d time.Duration) VTimeInNs {
	if d < 0 {
		panic(fmt.Sprintf("negative duration %s", d))
	}

	return VTimeInNs(d)
}

// Duration converts the virtual time into a Go duration.
func (t VTimeInNs) Duration() time.Duration {
	return time.Duration(t)
}

// An Event is something going to happen in the future.
type Event interface {
	// Return the time that the event should happen
	Time() VTimeInNs

	// Returns the handler that can should handle the event
	Handler() Handler

	// IsSecondary tells if the event is a secondary event. Secondary event are
	// handled after all same-time primary events are handled.
	IsSecondary() bool
}

// EventBase provides the basic fields and getters for other events
type EventBase struct {
	ID        string
	time      VTimeInNs
	handler   Handler
	secondary bool
}

// NewEventBase creates a new EventBase
func NewEventBase(t VTimeInNs, handler Handler) *EventBase {
	e := new(EventBase)
	e.ID = GetIDGenerator().Generate()
	e.time = t
	e.handler = handler
	e.secondary = false

	return e
}

// Time return the time that the event is going to happen
func (e *EventBase) Time() VTimeInNs {
	return e.time
}

// SetHandler sets which handler that handles the event.
func (e *EventBase) SetHandler(h Handler) {
	e.handler = h
}

// Handler returns the handler to handle the event.
func (e *EventBase) Handler() Handler {
	return e.handler
}

// IsSecondary returns true if the event is a secondary event.
func (e *EventBase) IsSecondary() bool {
	return e.secondary
}

// MarkSecondary turns the event into a secondary event.
func (e *EventBase) MarkSecondary() {
	e.secondary = true
}

// A Handler defines a domain for the events.
//
// One event is always constraint to one Handler, which means the event can
// only be scheduled by one handler and can only directly modify that handler.
type Handler interface {
	Handle(e Event) error
}

// A CallbackEvent runs a function when it is handled. It is its own handler.
type CallbackEvent struct {
	*EventBase

	fn func(now VTimeInNs)
}

// NewCallbackEvent creates an event that calls fn at time t.
func NewCallbackEvent(t VTimeInNs, fn func(now VTimeInNs)) *CallbackEvent {
	e := &CallbackEvent{fn: fn}
	e.EventBase = NewEventBase(t, e)

	return e
}

// Handle invokes the callback.
func (e *CallbackEvent) Handle(evt Event) error {
	if e.fn != nil {
		e.fn(evt.Time())
	}

	return nil
}
