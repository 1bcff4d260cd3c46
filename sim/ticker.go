package sim

import (
	"sync"
)

// TickEvent is a generic event that a periodic handler uses to update its
// status.
type TickEvent struct {
	*EventBase
}

// MakeTickEvent creates a new TickEvent
func MakeTickEvent(handler Handler, time VTimeInNs) TickEvent {
	return TickEvent{EventBase: NewEventBase(time, handler)}
}

// TickScheduler can help schedule tick events every Interval.
type TickScheduler struct {
	lock     sync.Mutex
	handler  Handler
	Interval VTimeInNs
	Engine   Engine

	scheduled    bool
	nextTickTime VTimeInNs
}

// NewTickScheduler creates a scheduler for tick events.
func NewTickScheduler(
	handler Handler,
	engine Engine,
	interval VTimeInNs,
) *TickScheduler {
	if interval == 0 {
		panic("tick interval cannot be 0")
	}

	return &TickScheduler{
		handler:  handler,
		Engine:   engine,
		Interval: interval,
	}
}

// TickNow schedule a Tick event at the current time.
func (t *TickScheduler) TickNow() {
	t.schedule(t.Engine.CurrentTime())
}

// TickLater will schedule a tick event one interval after the current time.
func (t *TickScheduler) TickLater() {
	t.schedule(t.Engine.CurrentTime() + t.Interval)
}

func (t *TickScheduler) schedule(time VTimeInNs) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.scheduled && t.nextTickTime >= time {
		return
	}

	t.scheduled = true
	t.nextTickTime = time
	t.Engine.Schedule(MakeTickEvent(t.handler, time))
}
