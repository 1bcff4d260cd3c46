// Package peerside is the runtime a peer process links to take part in the
// rendezvous with the simulator.
//
// A peer attaches to the objects the simulator created for it, does the work
// of the current step, stages at most one frame, and calls Step. Step reports
// the step as done and blocks until the simulator releases the next one:
//
//	n, err := peerside.AttachEnv()
//	...
//	for {
//		// react to n.Receive(), n.TimerPending() and n.Now()
//		_ = n.Send(frame)
//		if _, err := n.Step(); err != nil {
//			break
//		}
//	}
package peerside

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/sarchlab/simbridge/ipcsync"
	"github.com/sarchlab/simbridge/shm"
	"github.com/sarchlab/simbridge/sim"
)

// Environment variables the simulator sets for every peer process.
const (
	EnvDir      = "SIMBRIDGE_DIR"
	EnvPrefix   = "SIMBRIDGE_PREFIX"
	EnvNodeID   = "SIMBRIDGE_NODE_ID"
	EnvCapacity = "SIMBRIDGE_CAPACITY"
	EnvMode     = "SIMBRIDGE_MODE"
)

// ErrFrameStaged is returned when a second frame is staged in one step.
var ErrFrameStaged = errors.New("peerside: frame already staged in this step")

// Node is the peer end of one node.
type Node struct {
	ID   uint32
	Mode string

	segs     *shm.NodeSegments
	sems     *ipcsync.NodeSet
	globals  *ipcsync.GlobalSet
	timeCell *shm.Segment

	staged bool
}

// Attach opens the shared objects of node id.
func Attach(dir, prefix string, id uint32, capacity int) (*Node, error) {
	n := &Node{ID: id}

	var err error

	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	if n.segs, err = shm.OpenNode(dir, prefix, id, capacity); err != nil {
		return nil, err
	}

	if n.sems, err = ipcsync.OpenNodeSet(dir, prefix, id); err != nil {
		return nil, err
	}

	if n.globals, err = ipcsync.OpenGlobalSet(dir, prefix); err != nil {
		return nil, err
	}

	if n.timeCell, err = shm.OpenTimeCell(dir, prefix); err != nil {
		return nil, err
	}

	return n, nil
}

// AttachEnv attaches with the parameters the simulator put in the
// environment.
func AttachEnv() (*Node, error) {
	id, err := strconv.ParseUint(os.Getenv(EnvNodeID), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("peerside: %s: %w", EnvNodeID, err)
	}

	capacity, err := strconv.Atoi(os.Getenv(EnvCapacity))
	if err != nil {
		return nil, fmt.Errorf("peerside: %s: %w", EnvCapacity, err)
	}

	dir := os.Getenv(EnvDir)
	if dir == "" {
		dir = shm.DefaultDir
	}

	n, err := Attach(dir, os.Getenv(EnvPrefix), uint32(id), capacity)
	if err != nil {
		return nil, err
	}

	n.Mode = os.Getenv(EnvMode)

	return n, nil
}

// Now reads the virtual time the simulator published.
func (n *Node) Now() (sim.VTimeInNs, error) {
	if err := n.globals.TimeMutex.Lock(); err != nil {
		return 0, err
	}

	t := shm.GetTime(n.timeCell.Bytes())

	if err := n.globals.TimeMutex.Unlock(); err != nil {
		return 0, err
	}

	return sim.VTimeInNs(t), nil
}

// Send stages payload for the simulator. The payload must not be empty.
func (n *Node) Send(payload []byte) error {
	return n.stage(func(region []byte) error {
		return shm.WriteFramed(region, payload)
	})
}

// RequestTimer asks the simulator to fire a timer d after the instant of the
// current step. The timer slot reports it as pending until it expires.
func (n *Node) RequestTimer(t shm.TimerType, d sim.VTimeInNs) error {
	return n.stage(func(region []byte) error {
		return shm.WriteTimer(region, shm.TimerRequest{Type: t, Duration: uint64(d)})
	})
}

func (n *Node) stage(write func(region []byte) error) error {
	if n.staged {
		return ErrFrameStaged
	}

	if err := n.sems.InMutex.Lock(); err != nil {
		return err
	}

	err := write(n.segs.Inbound.Bytes())

	if uerr := n.sems.InMutex.Unlock(); uerr != nil && err == nil {
		err = uerr
	}

	if err == nil {
		n.staged = true
	}

	return err
}

// Receive takes the packet the simulator left for this node, if any.
func (n *Node) Receive() ([]byte, bool, error) {
	if err := n.sems.OutMutex.Lock(); err != nil {
		return nil, false, err
	}

	f, err := shm.ReadFramed(n.segs.Outbound.Bytes())

	if uerr := n.sems.OutMutex.Unlock(); uerr != nil && err == nil {
		err = uerr
	}

	if err != nil || f.Kind != shm.KindData {
		return nil, false, err
	}

	return f.Payload, true, nil
}

// TimerPending reports whether the last requested timer has not expired.
func (n *Node) TimerPending() bool {
	for _, b := range n.segs.Timer.Bytes() {
		if b != 0 {
			return true
		}
	}

	return false
}

// Step finishes the current step, blocks until the simulator releases the
// next one, and returns its virtual time.
func (n *Node) Step() (sim.VTimeInNs, error) {
	if err := n.sems.Done.Post(); err != nil {
		return 0, err
	}

	if err := n.sems.Go.Wait(); err != nil {
		return 0, err
	}

	n.staged = false

	return n.Now()
}

// Interrupt makes a Step blocked on another goroutine return
// ipcsync.ErrClosed. The node cannot step again afterwards.
func (n *Node) Interrupt() error {
	return n.sems.Close()
}

// Close releases the handles of this process. It must not run while another
// goroutine uses the node; call Interrupt first.
func (n *Node) Close() error {
	var errv []error

	if n.sems != nil {
		errv = append(errv, n.sems.Close())
	}

	if n.globals != nil {
		errv = append(errv, n.globals.Close())
	}

	if n.segs != nil {
		errv = append(errv, n.segs.Close())
	}

	if n.timeCell != nil {
		errv = append(errv, n.timeCell.Close())
	}

	return errors.Join(errv...)
}
