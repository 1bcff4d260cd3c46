package tracing

import (
	"context"
	"database/sql"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/simbridge/bridge"
	"github.com/sarchlab/simbridge/datarecording"
	"github.com/sarchlab/simbridge/shm"
	"github.com/sarchlab/simbridge/sim"
)

var _ = Describe("BridgeTracer", func() {
	var (
		mockCtrl *gomock.Controller
		recorder *MockDataRecorder
		nodes    *MockNodeCounter
		tracer   *BridgeTracer
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		recorder = NewMockDataRecorder(mockCtrl)
		nodes = NewMockNodeCounter(mockCtrl)

		recorder.EXPECT().CreateTable(PacketTable, PacketEntry{})
		recorder.EXPECT().CreateTable(TimerTable, TimerEntry{})
		recorder.EXPECT().CreateTable(StepTable, StepEntry{})

		tracer = NewBridgeTracer(recorder, nodes)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should record packets in both directions", func() {
		recorder.EXPECT().InsertData(PacketTable, PacketEntry{
			NodeID: 2, Direction: DirectionFromPeer, Size: 3, Time: 1000,
		})
		recorder.EXPECT().InsertData(PacketTable, PacketEntry{
			NodeID: 4, Direction: DirectionToPeer, Size: 5, Time: 2000,
		})

		tracer.Func(sim.HookCtx{
			Pos:  bridge.HookPosPacketFromPeer,
			Item: bridge.Packet{NodeID: 2, Payload: []byte("abc"), Time: 1000},
		})
		tracer.Func(sim.HookCtx{
			Pos:  bridge.HookPosPacketToPeer,
			Item: bridge.Packet{NodeID: 4, Payload: []byte("hello"), Time: 2000},
		})
	})

	It("should record a step with the node count", func() {
		nodes.EXPECT().NumNodes().Return(3)
		recorder.EXPECT().InsertData(StepTable, StepEntry{Time: 7, Nodes: 3})

		tracer.Func(sim.HookCtx{
			Pos:  sim.HookPosTimeAdvance,
			Item: sim.TimeAdvance{Old: 1, New: 7},
		})
	})

	It("should record fired and unfired timers", func() {
		fired := bridge.PendingTimer{
			NodeID: 1, Type: shm.TimerEvent, Requested: 0, Deadline: 5,
		}
		unfired := bridge.PendingTimer{
			NodeID: 1, Type: shm.TimerRealtime, Requested: 0, Deadline: 9,
		}

		gomock.InOrder(
			recorder.EXPECT().InsertData(TimerTable, TimerEntry{
				NodeID: 1, Type: "event", Deadline: 5, Fired: true,
			}),
			recorder.EXPECT().InsertData(TimerTable, TimerEntry{
				NodeID: 1, Type: "realtime", Deadline: 9, Fired: false,
			}),
			recorder.EXPECT().Flush(),
		)

		tracer.Func(sim.HookCtx{Pos: bridge.HookPosTimerScheduled, Item: fired})
		tracer.Func(sim.HookCtx{Pos: bridge.HookPosTimerScheduled, Item: unfired})
		tracer.Func(sim.HookCtx{Pos: bridge.HookPosTimerFired, Item: fired})
		tracer.Terminate()
	})

	It("should ignore hooks after terminating", func() {
		recorder.EXPECT().Flush().Times(1)

		tracer.Terminate()
		tracer.Terminate()
		tracer.Func(sim.HookCtx{
			Pos:  bridge.HookPosPacketFromPeer,
			Item: bridge.Packet{NodeID: 2},
		})
	})

	It("should ignore unrelated hook positions", func() {
		tracer.Func(sim.HookCtx{Pos: bridge.HookPosNodeStarted})
	})
})

var _ = Describe("BridgeTracer with SQLite", func() {
	It("should write rows a reader can query", func() {
		db, err := sql.Open("sqlite3",
			filepath.Join(GinkgoT().TempDir(), "trace.sqlite3"))
		Expect(err).NotTo(HaveOccurred())

		recorder := datarecording.NewWithDB(db)
		tracer := NewBridgeTracer(recorder, constNodes(2))

		tracer.Func(sim.HookCtx{
			Pos:  bridge.HookPosPacketFromPeer,
			Item: bridge.Packet{NodeID: 1, Payload: make([]byte, 64), Time: 1000},
		})
		tracer.Func(sim.HookCtx{
			Pos:  sim.HookPosTimeAdvance,
			Item: sim.TimeAdvance{Old: 0, New: 1000},
		})
		tracer.Terminate()

		reader := datarecording.NewReaderWithDB(db)
		reader.MapTable(PacketTable, PacketEntry{})
		reader.MapTable(StepTable, StepEntry{})

		packets, total, err := reader.Query(context.Background(),
			PacketTable, datarecording.QueryParams{})
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(Equal(1))
		Expect(packets[0]).To(Equal(&PacketEntry{
			NodeID: 1, Direction: DirectionFromPeer, Size: 64, Time: 1000,
		}))

		steps, _, err := reader.Query(context.Background(),
			StepTable, datarecording.QueryParams{})
		Expect(err).NotTo(HaveOccurred())
		Expect(steps).To(ConsistOf(&StepEntry{Time: 1000, Nodes: 2}))

		Expect(recorder.Close()).To(Succeed())
	})
})

type constNodes int

func (n constNodes) NumNodes() int { return int(n) }
