package sim

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type advanceRecorder struct {
	advances  []TimeAdvance
	onAdvance func(adv TimeAdvance)
}

func (r *advanceRecorder) Func(ctx HookCtx) {
	if ctx.Pos != HookPosTimeAdvance {
		return
	}

	adv := ctx.Item.(TimeAdvance)
	r.advances = append(r.advances, adv)

	if r.onAdvance != nil {
		r.onAdvance(adv)
	}
}

var _ = Describe("SerialEngine", func() {
	var (
		engine *SerialEngine
		calls  []string
	)

	record := func(label string) func(VTimeInNs) {
		return func(VTimeInNs) {
			calls = append(calls, label)
		}
	}

	BeforeEach(func() {
		engine = NewSerialEngine()
		calls = nil
	})

	It("should schedule events", func() {
		engine.Schedule(NewCallbackEvent(4, record("evt1")))
		engine.Schedule(NewCallbackEvent(2, func(VTimeInNs) {
			calls = append(calls, "evt2")
			engine.Schedule(NewCallbackEvent(3, record("evt3")))
			engine.Schedule(NewCallbackEvent(5, record("evt4")))
		}))

		Expect(engine.Run()).To(Succeed())

		Expect(calls).To(Equal([]string{"evt2", "evt3", "evt1", "evt4"}))
		Expect(engine.CurrentTime()).To(Equal(VTimeInNs(5)))
	})

	It("should consider secondary events", func() {
		secondary := NewCallbackEvent(2, record("secondary"))
		secondary.MarkSecondary()

		engine.Schedule(secondary)
		engine.Schedule(NewCallbackEvent(2, record("primary1")))
		engine.Schedule(NewCallbackEvent(2, record("primary2")))

		Expect(engine.Run()).To(Succeed())

		Expect(calls).To(Equal([]string{"primary1", "primary2", "secondary"}))
	})

	It("should schedule relative to the current time", func() {
		engine.Schedule(NewCallbackEvent(10, func(now VTimeInNs) {
			engine.ScheduleAt(5, func(now VTimeInNs) {
				calls = append(calls, "later")
				Expect(now).To(Equal(VTimeInNs(15)))
			})
		}))

		Expect(engine.Run()).To(Succeed())
		Expect(calls).To(Equal([]string{"later"}))
	})

	It("should panic when scheduling in the past", func() {
		engine.Schedule(NewCallbackEvent(10, func(VTimeInNs) {
			Expect(func() {
				engine.Schedule(NewCallbackEvent(9, nil))
			}).To(Panic())
		}))

		Expect(engine.Run()).To(Succeed())
	})

	It("should invoke the advance hook once per new instant", func() {
		recorder := &advanceRecorder{}
		engine.AcceptHook(recorder)

		engine.Schedule(NewCallbackEvent(0, nil))
		engine.Schedule(NewCallbackEvent(3, nil))
		engine.Schedule(NewCallbackEvent(3, nil))
		engine.Schedule(NewCallbackEvent(7, nil))

		Expect(engine.Run()).To(Succeed())

		Expect(recorder.advances).To(Equal([]TimeAdvance{
			{Old: 0, New: 3},
			{Old: 3, New: 7},
		}))
	})

	It("should stop at the stop time", func() {
		engine.Schedule(NewCallbackEvent(1, record("a")))
		engine.Schedule(NewCallbackEvent(5, record("b")))
		engine.Schedule(NewCallbackEvent(6, record("c")))

		Expect(engine.RunUntil(5)).To(Succeed())
		Expect(calls).To(Equal([]string{"a", "b"}))

		Expect(engine.Run()).To(Succeed())
		Expect(calls).To(Equal([]string{"a", "b", "c"}))
	})

	It("should run requests scheduled from other goroutines", func() {
		recorder := &advanceRecorder{}
		recorder.onAdvance = func(adv TimeAdvance) {
			if adv.New != 10 {
				return
			}

			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					engine.ScheduleFromOutside(0, record("outside"))
				}()
			}
			wg.Wait()
		}
		engine.AcceptHook(recorder)

		engine.Schedule(NewCallbackEvent(10, record("step")))
		engine.Schedule(NewCallbackEvent(20, record("next")))

		Expect(engine.Run()).To(Succeed())

		Expect(calls).To(Equal([]string{
			"step", "outside", "outside", "outside", "outside", "next",
		}))
	})

	It("should delay outside requests relative to pick-up time", func() {
		var firedAt VTimeInNs

		engine.ScheduleFromOutside(7, func(now VTimeInNs) {
			firedAt = now
		})

		Expect(engine.Run()).To(Succeed())
		Expect(firedAt).To(Equal(VTimeInNs(7)))
	})
})
