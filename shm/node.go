package shm

import (
	"errors"
	"fmt"
)

// TimeCellSize is the size of the shared virtual time cell.
const TimeCellSize = 8

// InboundName returns the name of the peer to simulator segment of a node.
func InboundName(prefix string, nodeID uint32) string {
	return fmt.Sprintf("%s_traffic_in_%d", prefix, nodeID)
}

// OutboundName returns the name of the simulator to peer segment of a node.
func OutboundName(prefix string, nodeID uint32) string {
	return fmt.Sprintf("%s_traffic_out_%d", prefix, nodeID)
}

// TimerName returns the name of the timer slot segment of a node.
func TimerName(prefix string, nodeID uint32) string {
	return fmt.Sprintf("%s_timer_%d", prefix, nodeID)
}

// TimeCellName returns the name of the time cell shared by all nodes.
func TimeCellName(prefix string) string {
	return prefix + "_time"
}

// NodeSegments groups the segments that belong to one node.
type NodeSegments struct {
	NodeID   uint32
	Inbound  *Segment
	Outbound *Segment
	Timer    *Segment

	dir string
}

// CreateNode allocates the segments of a node. Regions can carry payloads of
// up to capacity bytes. If any segment fails, the ones already created are
// removed again.
func CreateNode(dir, prefix string, nodeID uint32, capacity int) (*NodeSegments, error) {
	if RegionSize(capacity) < TimerFrameSize {
		return nil, fmt.Errorf("%w: capacity %d cannot hold a timer frame",
			ErrAllocation, capacity)
	}

	n := &NodeSegments{NodeID: nodeID, dir: dir}

	var err error
	if n.Inbound, err = Create(dir, InboundName(prefix, nodeID), RegionSize(capacity)); err != nil {
		return nil, err
	}

	if n.Outbound, err = Create(dir, OutboundName(prefix, nodeID), RegionSize(capacity)); err != nil {
		_ = n.Release()
		return nil, err
	}

	if n.Timer, err = Create(dir, TimerName(prefix, nodeID), TimerFrameSize); err != nil {
		_ = n.Release()
		return nil, err
	}

	return n, nil
}

// OpenNode maps the segments of a node that the simulator created.
func OpenNode(dir, prefix string, nodeID uint32, capacity int) (*NodeSegments, error) {
	n := &NodeSegments{NodeID: nodeID, dir: dir}

	var err error
	if n.Inbound, err = Open(dir, InboundName(prefix, nodeID), RegionSize(capacity)); err != nil {
		return nil, err
	}

	if n.Outbound, err = Open(dir, OutboundName(prefix, nodeID), RegionSize(capacity)); err != nil {
		_ = n.Close()
		return nil, err
	}

	if n.Timer, err = Open(dir, TimerName(prefix, nodeID), TimerFrameSize); err != nil {
		_ = n.Close()
		return nil, err
	}

	return n, nil
}

func (n *NodeSegments) segments() []*Segment {
	return []*Segment{n.Inbound, n.Outbound, n.Timer}
}

// Close unmaps the segments without removing their names.
func (n *NodeSegments) Close() error {
	var errv []error

	for _, s := range n.segments() {
		if s == nil {
			continue
		}

		if err := s.Close(); err != nil {
			errv = append(errv, err)
		}
	}

	return errors.Join(errv...)
}

// Release unmaps and unlinks the segments. Releasing twice is a no-op.
func (n *NodeSegments) Release() error {
	errv := []error{n.Close()}

	for _, s := range n.segments() {
		if s == nil {
			continue
		}

		errv = append(errv, Unlink(n.dir, s.Name()))
	}

	return errors.Join(errv...)
}

// CreateTimeCell allocates the time cell shared by every node.
func CreateTimeCell(dir, prefix string) (*Segment, error) {
	return Create(dir, TimeCellName(prefix), TimeCellSize)
}

// OpenTimeCell maps the shared time cell.
func OpenTimeCell(dir, prefix string) (*Segment, error) {
	return Open(dir, TimeCellName(prefix), TimeCellSize)
}
