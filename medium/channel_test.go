package medium

import (
	"bytes"
	"errors"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/simbridge/peer"
	"github.com/sarchlab/simbridge/sim"
)

var _ = Describe("Channel", func() {
	var (
		mockCtrl *gomock.Controller
		engine   *MockEngine
		port     *MockPort
		channel  *Channel
		events   []sim.Event
		logs     *bytes.Buffer
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		engine = NewMockEngine(mockCtrl)
		port = NewMockPort(mockCtrl)
		channel = NewChannel(engine, port)
		events = nil

		logs = new(bytes.Buffer)
		channel.Logger = slog.New(slog.NewTextHandler(logs,
			&slog.HandlerOptions{Level: slog.LevelDebug}))

		engine.EXPECT().Schedule(gomock.Any()).
			Do(func(e sim.Event) { events = append(events, e) }).
			AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should reject a node attached twice", func() {
		Expect(channel.Attach(1, peer.ModePhyOverlay, PhyOQPSK2400)).To(Succeed())
		Expect(channel.Attach(1, peer.ModePhyOverlay, PhyOQPSK2400)).NotTo(Succeed())
	})

	It("should broadcast to every other node after the transmission", func() {
		Expect(channel.Attach(1, peer.ModePhyOverlay, PhyOQPSK2400)).To(Succeed())
		Expect(channel.Attach(2, peer.ModePhyOverlay, PhyOQPSK2400)).To(Succeed())
		Expect(channel.Attach(3, peer.ModePhyOverlay, PhyOQPSK2400)).To(Succeed())

		payload := make([]byte, 10)
		end := channel.Deliver(1, payload, sim.Millisecond)

		Expect(end).To(Equal(sim.Millisecond + 480*sim.Microsecond))
		Expect(events).To(HaveLen(1))
		Expect(events[0].Time()).To(Equal(end))

		payload[0] = 0xff

		gomock.InOrder(
			port.EXPECT().SendTo(uint32(2), make([]byte, 10)),
			port.EXPECT().SendTo(uint32(3), make([]byte, 10)),
		)

		Expect(channel.Handle(events[0])).To(Succeed())
	})

	It("should not let a MAC+PHY node overlap its own frames", func() {
		Expect(channel.Attach(1, peer.ModeMacPhyOverlay, PhyOQPSK2400)).To(Succeed())

		first := channel.Deliver(1, make([]byte, 10), 0)
		second := channel.Deliver(1, make([]byte, 10), 100*sim.Microsecond)

		Expect(first).To(Equal(480 * sim.Microsecond))
		Expect(second).To(Equal(960 * sim.Microsecond))
	})

	It("should let PHY-overlay frames overlap", func() {
		Expect(channel.Attach(1, peer.ModePhyOverlay, PhyOQPSK2400)).To(Succeed())

		channel.Deliver(1, make([]byte, 10), 0)
		second := channel.Deliver(1, make([]byte, 10), 100*sim.Microsecond)

		Expect(second).To(Equal(580 * sim.Microsecond))
	})

	It("should drop frames from detached nodes", func() {
		end := channel.Deliver(7, []byte{1}, 42)

		Expect(end).To(Equal(sim.VTimeInNs(42)))
		Expect(events).To(BeEmpty())
		Expect(logs.String()).To(ContainSubstring("msg=frameDropped node=7 size=1"))
	})

	It("should keep delivering when a receiver fails", func() {
		Expect(channel.Attach(1, peer.ModePhyOverlay, PhyOQPSK2400)).To(Succeed())
		Expect(channel.Attach(2, peer.ModePhyOverlay, PhyOQPSK2400)).To(Succeed())
		Expect(channel.Attach(3, peer.ModePhyOverlay, PhyOQPSK2400)).To(Succeed())

		channel.Deliver(1, []byte{1}, 0)

		port.EXPECT().SendTo(uint32(2), gomock.Any()).Return(peer.ErrNotRunning)
		port.EXPECT().SendTo(uint32(3), gomock.Any()).Return(errors.New("boom"))

		Expect(channel.Handle(events[0])).To(Succeed())
		Expect(logs.String()).To(ContainSubstring("msg=receiverNotRunning node=2"))
		Expect(logs.String()).To(ContainSubstring("msg=deliveryFailed node=3 err=boom"))
	})

	It("should skip a receiver detached while the frame is in the air", func() {
		Expect(channel.Attach(1, peer.ModePhyOverlay, PhyOQPSK2400)).To(Succeed())
		Expect(channel.Attach(2, peer.ModePhyOverlay, PhyOQPSK2400)).To(Succeed())

		channel.Deliver(1, []byte{1}, 0)
		channel.Detach(2)

		Expect(channel.Handle(events[0])).To(Succeed())
	})
})
