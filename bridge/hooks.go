package bridge

import "github.com/sarchlab/simbridge/sim"

// Hook positions of a Bridge. All of them are invoked on the simulation
// goroutine.
var (
	// HookPosNodeStarted is invoked once a node runs. Item is *NodeHandle.
	HookPosNodeStarted = &sim.HookPos{Name: "NodeStarted"}

	// HookPosNodeStopped is invoked after a node is torn down. Item is
	// *NodeHandle.
	HookPosNodeStopped = &sim.HookPos{Name: "NodeStopped"}

	// HookPosPacketFromPeer is invoked before a packet a peer sent is
	// delivered. Item is Packet.
	HookPosPacketFromPeer = &sim.HookPos{Name: "PacketFromPeer"}

	// HookPosPacketToPeer is invoked when a packet is queued for a peer. Item
	// is Packet.
	HookPosPacketToPeer = &sim.HookPos{Name: "PacketToPeer"}

	// HookPosTimerScheduled is invoked when a timer a peer requested is put
	// on the engine. Item is PendingTimer.
	HookPosTimerScheduled = &sim.HookPos{Name: "TimerScheduled"}

	// HookPosTimerFired is invoked when a timer fires. Item is PendingTimer.
	HookPosTimerFired = &sim.HookPos{Name: "TimerFired"}
)

// Packet is the hook item of packet hook positions.
type Packet struct {
	NodeID  uint32
	Payload []byte
	Time    sim.VTimeInNs
}
