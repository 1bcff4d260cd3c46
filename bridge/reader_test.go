package bridge

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/simbridge/ipcsync"
	"github.com/sarchlab/simbridge/shm"
	"github.com/sarchlab/simbridge/sim"
)

var _ = Describe("IpcReader", func() {
	var (
		engine    *sim.SerialEngine
		clock     *ClockSynchronizer
		segs      *shm.NodeSegments
		sems      *ipcsync.NodeSet
		fatals    *fatalRecorder
		delivered [][]byte
		reader    *IpcReader
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()

		var err error
		segs, err = shm.CreateNode(dir, "r", 3, 64)
		Expect(err).NotTo(HaveOccurred())
		sems, err = ipcsync.CreateNodeSet(dir, "r", 3)
		Expect(err).NotTo(HaveOccurred())

		engine = sim.NewSerialEngine()
		clock = NewClockSynchronizer(engine)
		Expect(clock.Attach(3, sems.Go, segs.Timer.Bytes())).To(Succeed())

		fatals = &fatalRecorder{}
		delivered = nil

		reader = NewIpcReader(
			3, sems.Done, sems.InMutex, segs.Inbound.Bytes(), clock, engine,
			func(payload []byte, _ sim.VTimeInNs) {
				delivered = append(delivered, payload)
			},
			fatals.handle,
		)
	})

	AfterEach(func() {
		reader.Stop()
		Expect(sems.Release()).To(Succeed())
		Expect(segs.Release()).To(Succeed())
	})

	It("should stop while blocked on done", func() {
		reader.Start()

		stopped := make(chan struct{})
		go func() {
			reader.Stop()
			close(stopped)
		}()

		Eventually(stopped, time.Second).Should(BeClosed())
		Expect(fatals.all()).To(BeEmpty())
	})

	It("should stop a reader that never started", func() {
		stopped := make(chan struct{})
		go func() {
			reader.Stop()
			reader.Stop()
			close(stopped)
		}()

		Eventually(stopped, time.Second).Should(BeClosed())
	})

	It("should hand data to the engine and acknowledge", func() {
		Expect(shm.WriteFramed(segs.Inbound.Bytes(), []byte("hello"))).To(Succeed())
		reader.Start()
		Expect(sems.Done.Post()).To(Succeed())

		synced := make(chan struct{})
		go func() {
			clock.Sync()
			close(synced)
		}()

		Eventually(synced, time.Second).Should(BeClosed())
		Expect(segs.Inbound.Bytes()).To(Equal(make([]byte, shm.RegionSize(64))))

		Expect(engine.Run()).To(Succeed())
		Expect(delivered).To(Equal([][]byte{[]byte("hello")}))
	})

	It("should pass timer requests to the clock", func() {
		Expect(shm.WriteTimer(segs.Inbound.Bytes(), shm.TimerRequest{
			Type:     shm.TimerRealtime,
			Duration: 7,
		})).To(Succeed())
		reader.Start()
		Expect(sems.Done.Post()).To(Succeed())

		Eventually(clock.PendingTimers).Should(HaveLen(1))

		t := clock.PendingTimers()[0]
		Expect(t.NodeID).To(Equal(uint32(3)))
		Expect(t.Type).To(Equal(shm.TimerRealtime))
		Expect(t.Deadline).To(Equal(sim.VTimeInNs(7)))

		f, err := shm.DecodeFrame(segs.Timer.Bytes())
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Kind).To(Equal(shm.KindTimer))
	})

	It("should report a corrupt frame as fatal", func() {
		segs.Inbound.Bytes()[0] = 0x7f
		reader.Start()
		Expect(sems.Done.Post()).To(Succeed())

		Eventually(fatals.all).Should(HaveLen(1))

		fe := fatals.all()[0]
		Expect(fe.NodeID).To(Equal(uint32(3)))
		Expect(fe.Op).To(Equal("read inbound"))
		Expect(fe).To(MatchError(shm.ErrCorruptFrame))
	})
})
