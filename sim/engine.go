package sim

// TimeTeller can be used to get the current time.
type TimeTeller interface {
	CurrentTime() VTimeInNs
}

// EventScheduler can be used to schedule future events.
type EventScheduler interface {
	Schedule(e Event)
}

// A SimulationEndHandler is a handler that is called after the simulation ends.
type SimulationEndHandler interface {
	Handle(now VTimeInNs)
}

// An Engine is a unit that keeps the discrete event simulation run.
//
// Except for ScheduleFromOutside, Pause and Continue, all methods must be
// called from the simulation goroutine, i.e., from event handlers and hooks
// or before the engine starts running.
type Engine interface {
	Hookable
	TimeTeller
	EventScheduler

	// ScheduleAt schedules fn to run offset after the current time.
	ScheduleAt(offset VTimeInNs, fn func(now VTimeInNs)) Event

	// ScheduleFromOutside can be called from any goroutine. The callback runs
	// on the simulation goroutine delay after the time the engine picks the
	// request up.
	ScheduleFromOutside(delay VTimeInNs, fn func(now VTimeInNs))

	// Run will process all the events until the simulation finishes
	Run() error

	// RunUntil processes all the events that happen no later than stopTime.
	RunUntil(stopTime VTimeInNs) error

	// Pause will pause the simulation until continue is called.
	Pause()

	// Continue will continue the paused simulation
	Continue()

	// RegisterSimulationEndHandler registers a handler that perform some
	// actions after the simulation is finished.
	RegisterSimulationEndHandler(handler SimulationEndHandler)

	// Finished invokes all the registered SimulationEndHandler
	Finished()
}
