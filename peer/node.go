// Package peer owns the operating system processes that stand in for
// simulated device firmware.
package peer

import (
	"fmt"
	"strings"
	"sync"
)

// Mode is how much of the network stack a peer runs by itself.
type Mode int

// Operating modes.
const (
	ModeIllegal Mode = iota

	// ModePhyOverlay peers only use the simulator as a radio medium.
	ModePhyOverlay

	// ModeMacPhyOverlay peers run their own MAC and hand whole frames to the
	// simulator.
	ModeMacPhyOverlay
)

// ParseMode converts the textual mode used in scenario files. Unknown strings
// give ModeIllegal.
func ParseMode(s string) Mode {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PHYOVERLAY":
		return ModePhyOverlay
	case "MACPHYOVERLAY":
		return ModeMacPhyOverlay
	default:
		return ModeIllegal
	}
}

func (m Mode) String() string {
	switch m {
	case ModePhyOverlay:
		return "PHYOVERLAY"
	case ModeMacPhyOverlay:
		return "MACPHYOVERLAY"
	default:
		return "ILLEGAL"
	}
}

// State is the lifecycle state of a peer.
type State int

// Lifecycle states, in order.
const (
	StateCreated State = iota
	StateStarted
	StateRunning
	StateStopping
	StateTerminated
)

var stateNames = [...]string{"Created", "Started", "Running", "Stopping", "Terminated"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}

	return stateNames[s]
}

// A PeerNode describes one peer process.
type PeerNode struct {
	ID   uint32
	App  string
	Args []string
	Mode Mode

	mu    sync.Mutex
	pid   int
	state State
}

// NewPeerNode creates a peer in the Created state.
func NewPeerNode(id uint32, app string, mode Mode, args ...string) *PeerNode {
	return &PeerNode{ID: id, App: app, Mode: mode, Args: args}
}

// Pid returns the process id, or 0 if the process was never started.
func (n *PeerNode) Pid() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.pid
}

// State returns the lifecycle state.
func (n *PeerNode) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state
}

// advance moves the node to s. The lifecycle never goes back, so moving to an
// earlier state is refused and reported as false.
func (n *PeerNode) advance(s State) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s <= n.state {
		return false
	}

	n.state = s

	return true
}

func (n *PeerNode) setPid(pid int) {
	n.mu.Lock()
	n.pid = pid
	n.mu.Unlock()
}

func (n *PeerNode) String() string {
	return fmt.Sprintf("node %d (%s, %s)", n.ID, n.App, n.Mode)
}
