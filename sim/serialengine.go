package sim

import (
	"log"
	"math"
	"reflect"
	"sync"
)

type outsideRequest struct {
	delay VTimeInNs
	fn    func(now VTimeInNs)
}

// A SerialEngine is an Engine that always run events one after another.
//
// The engine is single threaded: events, hooks and callbacks all run on the
// goroutine that calls Run or RunUntil. Other goroutines hand work over with
// ScheduleFromOutside.
type SerialEngine struct {
	HookableBase

	timeLock       sync.RWMutex
	time           VTimeInNs
	queue          EventQueue
	secondaryQueue EventQueue

	inboxLock sync.Mutex
	inbox     []outsideRequest

	isPaused     bool
	isPausedLock sync.Mutex
	pauseLock    sync.Mutex

	singleRunLock sync.Mutex

	simulationEndHandlers []SimulationEndHandler
}

// NewSerialEngine creates a SerialEngine
func NewSerialEngine() *SerialEngine {
	e := new(SerialEngine)

	e.queue = NewEventQueue()
	e.secondaryQueue = NewEventQueue()

	return e
}

// Schedule register an event to be happen in the future
func (e *SerialEngine) Schedule(evt Event) {
	now := e.readNow()
	if evt.Time() < now {
		log.Panicf(
			"scheduling an event earlier than current time, evt %s @ %d, now %d",
			reflect.TypeOf(evt), evt.Time(), now,
		)
	}

	if evt.IsSecondary() {
		e.secondaryQueue.Push(evt)
		return
	}

	e.queue.Push(evt)
}

// ScheduleAt schedules fn to be called offset after the current time.
func (e *SerialEngine) ScheduleAt(offset VTimeInNs, fn func(now VTimeInNs)) Event {
	evt := NewCallbackEvent(e.readNow()+offset, fn)
	e.Schedule(evt)

	return evt
}

// ScheduleFromOutside queues fn so that the simulation goroutine schedules it
// delay after the time it picks the request up. It is safe to call from any
// goroutine.
func (e *SerialEngine) ScheduleFromOutside(delay VTimeInNs, fn func(now VTimeInNs)) {
	e.inboxLock.Lock()
	e.inbox = append(e.inbox, outsideRequest{delay: delay, fn: fn})
	e.inboxLock.Unlock()
}

func (e *SerialEngine) drainInbox() {
	e.inboxLock.Lock()
	requests := e.inbox
	e.inbox = nil
	e.inboxLock.Unlock()

	now := e.readNow()
	for _, r := range requests {
		e.Schedule(NewCallbackEvent(now+r.delay, r.fn))
	}
}

func (e *SerialEngine) inboxLen() int {
	e.inboxLock.Lock()
	defer e.inboxLock.Unlock()

	return len(e.inbox)
}

func (e *SerialEngine) readNow() VTimeInNs {
	e.timeLock.RLock()
	t := e.time
	e.timeLock.RUnlock()

	return t
}

func (e *SerialEngine) writeNow(t VTimeInNs) {
	e.timeLock.Lock()
	e.time = t
	e.timeLock.Unlock()
}

// Run processes all the events scheduled in the SerialEngine
func (e *SerialEngine) Run() error {
	return e.RunUntil(VTimeInNs(math.MaxUint64))
}

// RunUntil processes the events scheduled no later than stopTime. Events
// after stopTime stay in the queue.
func (e *SerialEngine) RunUntil(stopTime VTimeInNs) error {
	e.singleRunLock.Lock()
	defer e.singleRunLock.Unlock()

	for {
		e.drainInbox()

		if e.noMoreEvent() {
			return nil
		}

		if e.peekNextTime() > stopTime {
			return nil
		}

		e.pauseLock.Lock()

		evt := e.nextEvent()
		now := e.readNow()
		if evt.Time() < now {
			log.Panicf(
				"cannot run event in the past, evt %s @ %d, now %d",
				reflect.TypeOf(evt), evt.Time(), now,
			)
		}

		if evt.Time() > now {
			e.writeNow(evt.Time())
			e.InvokeHook(HookCtx{
				Domain: e,
				Pos:    HookPosTimeAdvance,
				Item:   TimeAdvance{Old: now, New: evt.Time()},
			})
		}

		hookCtx := HookCtx{
			Domain: e,
			Pos:    HookPosBeforeEvent,
			Item:   evt,
		}
		e.InvokeHook(hookCtx)

		handler := evt.Handler()
		_ = handler.Handle(evt)

		hookCtx.Pos = HookPosAfterEvent
		e.InvokeHook(hookCtx)

		e.pauseLock.Unlock()
	}
}

func (e *SerialEngine) noMoreEvent() bool {
	return e.queue.Len() == 0 &&
		e.secondaryQueue.Len() == 0 &&
		e.inboxLen() == 0
}

func (e *SerialEngine) peekNextTime() VTimeInNs {
	if e.queue.Len() == 0 {
		return e.secondaryQueue.Peek().Time()
	}

	if e.secondaryQueue.Len() == 0 {
		return e.queue.Peek().Time()
	}

	return min(e.queue.Peek().Time(), e.secondaryQueue.Peek().Time())
}

func (e *SerialEngine) nextEvent() Event {
	if e.queue.Len() == 0 {
		return e.secondaryQueue.Pop()
	}

	if e.secondaryQueue.Len() == 0 {
		return e.queue.Pop()
	}

	primaryEvt := e.queue.Peek()
	secondaryEvt := e.secondaryQueue.Peek()

	if primaryEvt.Time() <= secondaryEvt.Time() {
		e.queue.Pop()
		return primaryEvt
	}

	e.secondaryQueue.Pop()

	return secondaryEvt
}

// Pause prevents the SerialEngine to trigger more events.
func (e *SerialEngine) Pause() {
	e.isPausedLock.Lock()
	defer e.isPausedLock.Unlock()

	if e.isPaused {
		return
	}

	e.pauseLock.Lock()
	e.isPaused = true
}

// Continue allows the SerialEngine to trigger more events.
func (e *SerialEngine) Continue() {
	e.isPausedLock.Lock()
	defer e.isPausedLock.Unlock()

	if !e.isPaused {
		return
	}

	e.pauseLock.Unlock()
	e.isPaused = false
}

// CurrentTime returns the current time at which the engine is at.
// Specifically, the run time of the current event.
func (e *SerialEngine) CurrentTime() VTimeInNs {
	return e.readNow()
}

// RegisterSimulationEndHandler invokes all the registered simulation end
// handler.
func (e *SerialEngine) RegisterSimulationEndHandler(
	handler SimulationEndHandler,
) {
	e.simulationEndHandlers = append(e.simulationEndHandlers, handler)
}

// Finished should be called after the simulation ends. This function
// calls all the registered SimulationEndHandler.
func (e *SerialEngine) Finished() {
	now := e.readNow()
	for _, h := range e.simulationEndHandlers {
		h.Handle(now)
	}
}
