package sim

import (
	"log"
	"reflect"
)

// LogHookBase provides the common logic for all hooks that write into a
// logger.
type LogHookBase struct {
	*log.Logger
}

// EventLogger is an hook that prints the event information and every time
// advance of the engine.
type EventLogger struct {
	LogHookBase
}

// NewEventLogger returns a new EventLogger which will write in to the logger
func NewEventLogger(logger *log.Logger) *EventLogger {
	h := new(EventLogger)
	h.Logger = logger

	return h
}

// Func writes the event information into the logger
func (h *EventLogger) Func(ctx HookCtx) {
	switch ctx.Pos {
	case HookPosTimeAdvance:
		adv := ctx.Item.(TimeAdvance)
		h.Logger.Printf("advance %d -> %d", adv.Old, adv.New)
	case HookPosBeforeEvent:
		evt, ok := ctx.Item.(Event)
		if !ok {
			return
		}

		h.Logger.Printf("%d, %s", evt.Time(), reflect.TypeOf(evt))
	}
}
