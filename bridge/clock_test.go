package bridge

import (
	"math"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/simbridge/shm"
	"github.com/sarchlab/simbridge/sim"
)

type countingPoster struct {
	posts atomic.Int32
}

func (p *countingPoster) Post() error {
	p.posts.Add(1)
	return nil
}

type noopLocker struct {
	locks atomic.Int32
}

func (l *noopLocker) Lock() error {
	l.locks.Add(1)
	return nil
}

func (l *noopLocker) Unlock() error {
	return nil
}

var _ = Describe("ClockSynchronizer", func() {
	var (
		engine *sim.SerialEngine
		clock  *ClockSynchronizer
	)

	BeforeEach(func() {
		engine = sim.NewSerialEngine()
		clock = NewClockSynchronizer(engine)
	})

	It("should return at once without nodes", func() {
		returned := make(chan struct{})

		go func() {
			clock.Advance(5 * sim.Millisecond)
			close(returned)
		}()

		Eventually(returned, time.Second).Should(BeClosed())
	})

	It("should publish the new time under the lock", func() {
		cell := make([]byte, shm.TimeCellSize)
		lock := &noopLocker{}
		clock.SetTimeCell(cell, lock)

		clock.Advance(42)

		Expect(shm.GetTime(cell)).To(Equal(uint64(42)))
		Expect(lock.locks.Load()).To(Equal(int32(1)))
	})

	It("should not release any node before all acknowledged", func() {
		a, b := &countingPoster{}, &countingPoster{}
		Expect(clock.Attach(1, a, make([]byte, shm.TimerFrameSize))).To(Succeed())
		Expect(clock.Attach(2, b, make([]byte, shm.TimerFrameSize))).To(Succeed())

		returned := make(chan struct{})
		go func() {
			clock.Advance(sim.Millisecond)
			close(returned)
		}()

		Expect(clock.Acknowledge(1)).To(Succeed())
		Consistently(a.posts.Load, 50*time.Millisecond).Should(BeZero())

		Expect(clock.Acknowledge(2)).To(Succeed())
		Eventually(a.posts.Load).Should(Equal(int32(1)))
		Eventually(b.posts.Load).Should(Equal(int32(1)))

		Consistently(returned, 50*time.Millisecond).ShouldNot(BeClosed())

		Expect(clock.Acknowledge(1)).To(Succeed())
		Expect(clock.Acknowledge(2)).To(Succeed())
		Eventually(returned).Should(BeClosed())

		Expect(a.posts.Load()).To(Equal(int32(1)))
		Expect(b.posts.Load()).To(Equal(int32(1)))
	})

	It("should reject an acknowledgment without release", func() {
		Expect(clock.Attach(1, &countingPoster{}, nil)).To(Succeed())

		Expect(clock.Acknowledge(1)).To(Succeed())
		Expect(clock.Acknowledge(1)).To(MatchError(ErrDoubleAck))
		Expect(clock.Acknowledge(9)).To(MatchError(ErrUnknownNode))
	})

	It("should reject attaching the same node twice", func() {
		Expect(clock.Attach(1, &countingPoster{}, nil)).To(Succeed())
		Expect(clock.Attach(1, &countingPoster{}, nil)).
			To(MatchError(ErrDuplicateNode))
	})

	It("should stop waiting for a detached node", func() {
		Expect(clock.Attach(1, &countingPoster{}, nil)).To(Succeed())

		returned := make(chan struct{})
		go func() {
			clock.Advance(sim.Millisecond)
			close(returned)
		}()

		Consistently(returned, 20*time.Millisecond).ShouldNot(BeClosed())

		clock.Detach(1)
		Eventually(returned).Should(BeClosed())
		Expect(clock.NumNodes()).To(BeZero())
	})

	It("should stop waiting when closed", func() {
		Expect(clock.Attach(1, &countingPoster{}, nil)).To(Succeed())

		returned := make(chan struct{})
		go func() {
			clock.Sync()
			close(returned)
		}()

		clock.Close()
		Eventually(returned).Should(BeClosed())
	})

	It("should fire a requested timer exactly once at its deadline", func() {
		slot := make([]byte, shm.TimerFrameSize)
		Expect(clock.Attach(1, &countingPoster{}, slot)).To(Succeed())
		Expect(clock.Acknowledge(1)).To(Succeed())

		var fired []sim.VTimeInNs
		clock.OnTimerFired = func(t PendingTimer, now sim.VTimeInNs) {
			Expect(t.NodeID).To(Equal(uint32(1)))
			fired = append(fired, now)
		}

		// Peers acknowledge right after every release.
		engine.AcceptHook(&funcHook{f: func(ctx sim.HookCtx) {
			if ctx.Pos != sim.HookPosTimeAdvance {
				return
			}

			go func() {
				for clock.Acknowledge(1) != nil {
					time.Sleep(time.Millisecond)
				}
			}()
			clock.Advance(ctx.Item.(sim.TimeAdvance).New)
		}})

		Expect(clock.RequestTimer(1, shm.TimerRequest{
			Type:     shm.TimerEvent,
			Duration: uint64(5 * sim.Millisecond),
		})).To(Succeed())

		Expect(slot).NotTo(Equal(make([]byte, shm.TimerFrameSize)))
		Expect(clock.PendingTimers()).To(HaveLen(1))
		Expect(clock.PendingTimers()[0].Deadline).To(Equal(5 * sim.Millisecond))

		Expect(engine.Run()).To(Succeed())

		Expect(fired).To(Equal([]sim.VTimeInNs{5 * sim.Millisecond}))
		Expect(slot).To(Equal(make([]byte, shm.TimerFrameSize)))
		Expect(clock.PendingTimers()).To(BeEmpty())
	})

	It("should keep the slot of a newer timer when an older one expires", func() {
		slot := make([]byte, shm.TimerFrameSize)
		Expect(clock.Attach(1, &countingPoster{}, slot)).To(Succeed())

		Expect(clock.RequestTimer(1, shm.TimerRequest{Duration: 10})).To(Succeed())
		Expect(clock.RequestTimer(1, shm.TimerRequest{
			Type:     shm.TimerRealtime,
			Duration: 30,
		})).To(Succeed())

		clock.mu.Lock()
		clock.expireLocked(20)
		clock.mu.Unlock()

		f, err := shm.DecodeFrame(slot)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Timer.Type).To(Equal(shm.TimerRealtime))
		Expect(clock.PendingTimers()).To(HaveLen(1))
	})

	It("should saturate the deadline of a timer that never expires", func() {
		engine.Schedule(sim.NewCallbackEvent(sim.Millisecond, nil))
		Expect(engine.Run()).To(Succeed())

		Expect(clock.Attach(1, &countingPoster{}, make([]byte, shm.TimerFrameSize))).
			To(Succeed())

		var fired []sim.VTimeInNs
		clock.OnTimerFired = func(_ PendingTimer, now sim.VTimeInNs) {
			fired = append(fired, now)
		}

		Expect(clock.RequestTimer(1, shm.TimerRequest{
			Type:     shm.TimerEvent,
			Duration: math.MaxUint64,
		})).To(Succeed())

		pending := clock.PendingTimers()
		Expect(pending).To(HaveLen(1))
		Expect(pending[0].Requested).To(Equal(sim.Millisecond))
		Expect(pending[0].Deadline).To(Equal(sim.VTimeInNs(math.MaxUint64)))

		Expect(engine.RunUntil(10 * sim.Second)).To(Succeed())
		Expect(fired).To(BeEmpty())
		Expect(clock.PendingTimers()).To(HaveLen(1))
	})

	It("should drop the timers of a detached node", func() {
		Expect(clock.Attach(1, &countingPoster{}, make([]byte, shm.TimerFrameSize))).
			To(Succeed())
		Expect(clock.RequestTimer(1, shm.TimerRequest{Duration: 10})).To(Succeed())

		clock.Detach(1)

		Expect(clock.PendingTimers()).To(BeEmpty())
		Expect(clock.RequestTimer(1, shm.TimerRequest{Duration: 10})).
			To(MatchError(ErrUnknownNode))
	})
})

type funcHook struct {
	f func(ctx sim.HookCtx)
}

func (h *funcHook) Func(ctx sim.HookCtx) {
	h.f(ctx)
}
