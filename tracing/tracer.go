// Package tracing records what crosses a bridge into a DataRecorder.
package tracing

import (
	"sync"

	"github.com/sarchlab/simbridge/bridge"
	"github.com/sarchlab/simbridge/datarecording"
	"github.com/sarchlab/simbridge/sim"
	"github.com/tebeka/atexit"
)

// Table names used by BridgeTracer.
const (
	PacketTable = "packet"
	TimerTable  = "timer"
	StepTable   = "step"
)

// Packet directions.
const (
	DirectionFromPeer = "from_peer"
	DirectionToPeer   = "to_peer"
)

// NodeCounter reports how many nodes take part in a clock step.
type NodeCounter interface {
	NumNodes() int
}

// PacketEntry is a row of the packet table.
type PacketEntry struct {
	NodeID    uint32
	Direction string
	Size      int
	Time      uint64
}

// TimerEntry is a row of the timer table.
type TimerEntry struct {
	NodeID    uint32
	Type      string
	Requested uint64
	Deadline  uint64
	Fired     bool
}

// StepEntry is a row of the step table.
type StepEntry struct {
	Time  uint64
	Nodes int
}

type timerKey struct {
	nodeID    uint32
	typ       string
	requested uint64
	deadline  uint64
}

// BridgeTracer is a hook that records packets, timers and clock steps. Attach
// it to both the bridge and the engine.
type BridgeTracer struct {
	mu         sync.Mutex
	recorder   datarecording.DataRecorder
	nodes      NodeCounter
	pending    map[timerKey]int
	terminated bool
}

// NewBridgeTracer creates the tables the tracer writes. Timers that never
// fire are written as unfired when the tracer terminates, which happens at
// exit at the latest.
func NewBridgeTracer(
	recorder datarecording.DataRecorder,
	nodes NodeCounter,
) *BridgeTracer {
	recorder.CreateTable(PacketTable, PacketEntry{})
	recorder.CreateTable(TimerTable, TimerEntry{})
	recorder.CreateTable(StepTable, StepEntry{})

	t := &BridgeTracer{
		recorder: recorder,
		nodes:    nodes,
		pending:  make(map[timerKey]int),
	}

	atexit.Register(t.Terminate)

	return t
}

// Func records the hook item.
func (t *BridgeTracer) Func(ctx sim.HookCtx) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return
	}

	switch ctx.Pos {
	case bridge.HookPosPacketFromPeer:
		t.recordPacket(ctx.Item.(bridge.Packet), DirectionFromPeer)
	case bridge.HookPosPacketToPeer:
		t.recordPacket(ctx.Item.(bridge.Packet), DirectionToPeer)
	case bridge.HookPosTimerScheduled:
		t.pending[keyOf(ctx.Item.(bridge.PendingTimer))]++
	case bridge.HookPosTimerFired:
		t.recordFired(ctx.Item.(bridge.PendingTimer))
	case sim.HookPosTimeAdvance:
		adv := ctx.Item.(sim.TimeAdvance)
		t.recorder.InsertData(StepTable, StepEntry{
			Time:  uint64(adv.New),
			Nodes: t.nodes.NumNodes(),
		})
	}
}

func (t *BridgeTracer) recordPacket(p bridge.Packet, dir string) {
	t.recorder.InsertData(PacketTable, PacketEntry{
		NodeID:    p.NodeID,
		Direction: dir,
		Size:      len(p.Payload),
		Time:      uint64(p.Time),
	})
}

func (t *BridgeTracer) recordFired(pt bridge.PendingTimer) {
	k := keyOf(pt)

	if t.pending[k] > 1 {
		t.pending[k]--
	} else {
		delete(t.pending, k)
	}

	t.recorder.InsertData(TimerTable, entryOf(k, true))
}

// Terminate writes the timers that did not fire and flushes the recorder.
// Later hook invocations are ignored.
func (t *BridgeTracer) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return
	}

	t.terminated = true

	for k, n := range t.pending {
		for range n {
			t.recorder.InsertData(TimerTable, entryOf(k, false))
		}
	}

	t.pending = nil
	t.recorder.Flush()
}

func keyOf(pt bridge.PendingTimer) timerKey {
	return timerKey{
		nodeID:    pt.NodeID,
		typ:       pt.Type.String(),
		requested: uint64(pt.Requested),
		deadline:  uint64(pt.Deadline),
	}
}

func entryOf(k timerKey, fired bool) TimerEntry {
	return TimerEntry{
		NodeID:    k.nodeID,
		Type:      k.typ,
		Requested: k.requested,
		Deadline:  k.deadline,
		Fired:     fired,
	}
}
