package sim

import (
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("EventQueueImpl", func() {
	var (
		queue *EventQueueImpl
	)

	BeforeEach(func() {
		queue = NewEventQueue()
	})

	It("should pop in order", func() {
		numEvents := 100
		for i := 0; i < numEvents; i++ {
			queue.Push(NewCallbackEvent(VTimeInNs(rand.Uint64()%1000), nil))
		}

		now := VTimeInNs(0)
		for i := 0; i < numEvents; i++ {
			event := queue.Pop()
			Expect(event.Time()).To(BeNumerically(">=", now))
			now = event.Time()
		}

		Expect(queue.Len()).To(Equal(0))
	})

	It("should keep insertion order for events at the same time", func() {
		first := NewCallbackEvent(5, nil)
		second := NewCallbackEvent(5, nil)
		third := NewCallbackEvent(5, nil)

		queue.Push(first)
		queue.Push(second)
		queue.Push(third)

		Expect(queue.Peek()).To(BeIdenticalTo(first))
		Expect(queue.Pop()).To(BeIdenticalTo(first))
		Expect(queue.Pop()).To(BeIdenticalTo(second))
		Expect(queue.Pop()).To(BeIdenticalTo(third))
	})

	It("should return nil when empty", func() {
		Expect(queue.Pop()).To(BeNil())
		Expect(queue.Peek()).To(BeNil())
	})
})
