package bridge

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rbmk-project/common/errclass"
	"github.com/sarchlab/simbridge/ipcsync"
	"github.com/sarchlab/simbridge/shm"
	"github.com/sarchlab/simbridge/sim"
)

// A Waiter is the semaphore a peer posts when it finished a step.
type Waiter interface {
	Wait() error
	Post() error
}

// A PacketFunc receives a payload a peer sent. It runs on the simulation
// goroutine and owns payload.
type PacketFunc func(payload []byte, now sim.VTimeInNs)

// IpcReader is the only code on the simulator side that reads the inbound
// region of a node. It runs on its own goroutine, blocked on the done
// semaphore of the node between steps.
type IpcReader struct {
	NodeID uint32

	// Logger is optional.
	Logger *slog.Logger

	done    Waiter
	lock    Locker
	inbound []byte
	clock   *ClockSynchronizer
	engine  sim.Engine
	deliver PacketFunc
	fatal   FatalHandler

	startOnce sync.Once
	stopping  atomic.Bool
	exited    chan struct{}
}

// NewIpcReader creates a reader for one node. Frames are decoded from
// inbound while holding lock. Data payloads are handed to deliver on the
// simulation goroutine. Timer requests go to clock.
func NewIpcReader(
	nodeID uint32,
	done Waiter,
	lock Locker,
	inbound []byte,
	clock *ClockSynchronizer,
	engine sim.Engine,
	deliver PacketFunc,
	fatal FatalHandler,
) *IpcReader {
	return &IpcReader{
		NodeID:  nodeID,
		done:    done,
		lock:    lock,
		inbound: inbound,
		clock:   clock,
		engine:  engine,
		deliver: deliver,
		fatal:   fatal,
		exited:  make(chan struct{}),
	}
}

// Start launches the reader goroutine. Starting twice is a no-op.
func (r *IpcReader) Start() {
	r.startOnce.Do(func() {
		go r.loop()
	})
}

// Stop wakes the reader with a sentinel post and waits until it returns. It
// is safe to call more than once and on a reader that never started.
func (r *IpcReader) Stop() {
	started := true
	r.startOnce.Do(func() {
		started = false
		close(r.exited)
	})

	if r.stopping.Swap(true) || !started {
		<-r.exited
		return
	}

	if err := r.done.Post(); err != nil {
		r.log("stopWake", err)
	}

	<-r.exited
}

func (r *IpcReader) loop() {
	defer close(r.exited)

	for {
		err := r.done.Wait()

		if r.stopping.Load() {
			return
		}

		if err != nil {
			if errors.Is(err, ipcsync.ErrClosed) {
				r.log("doneClosed", err)
				return
			}

			r.fail("wait done", err)

			return
		}

		if op, err := r.drain(); err != nil {
			r.fail(op, err)
			return
		}
	}
}

// drain handles the frame of one step and acknowledges the step.
func (r *IpcReader) drain() (string, error) {
	if err := r.lock.Lock(); err != nil {
		return "lock inbound", err
	}

	f, err := shm.ReadFramed(r.inbound)

	if uerr := r.lock.Unlock(); uerr != nil && err == nil {
		return "unlock inbound", uerr
	}

	if err != nil {
		return "read inbound", err
	}

	switch f.Kind {
	case shm.KindTimer:
		err := r.clock.RequestTimer(r.NodeID, f.Timer)
		if err != nil && !errors.Is(err, ErrUnknownNode) {
			return "request timer", err
		}
	case shm.KindData:
		payload := f.Payload
		r.engine.ScheduleFromOutside(0, func(now sim.VTimeInNs) {
			r.deliver(payload, now)
		})
	}

	if err := r.clock.Acknowledge(r.NodeID); err != nil {
		if errors.Is(err, ErrUnknownNode) {
			// Detached while the step was in flight.
			return "", nil
		}

		return "acknowledge", err
	}

	return "", nil
}

func (r *IpcReader) fail(op string, err error) {
	fe := fatalf(r.NodeID, op, err)
	r.log("readerFailed", fe)

	if r.fatal != nil {
		r.fatal(fe)
		return
	}

	ExitOnFatal(fe)
}

func (r *IpcReader) log(msg string, err error) {
	if r.Logger == nil {
		return
	}

	r.Logger.Info(
		msg,
		slog.Uint64("node", uint64(r.NodeID)),
		slog.Any("err", err),
		slog.String("errClass", errclass.New(err)),
	)
}
