package ipcsync

import (
	"errors"
	"fmt"
)

// GoName returns the name of the semaphore that releases a node for a step.
func GoName(prefix string, nodeID uint32) string {
	return fmt.Sprintf("%s_sem_go_%d", prefix, nodeID)
}

// DoneName returns the name of the semaphore a node posts when it finished a
// step.
func DoneName(prefix string, nodeID uint32) string {
	return fmt.Sprintf("%s_sem_done_%d", prefix, nodeID)
}

// InMutexName returns the name of the mutex guarding the inbound segment.
func InMutexName(prefix string, nodeID uint32) string {
	return fmt.Sprintf("%s_sem_in_%d", prefix, nodeID)
}

// OutMutexName returns the name of the mutex guarding the outbound segment.
func OutMutexName(prefix string, nodeID uint32) string {
	return fmt.Sprintf("%s_sem_out_%d", prefix, nodeID)
}

// TimeMutexName returns the name of the mutex guarding the time cell.
func TimeMutexName(prefix string) string {
	return prefix + "_sem_time"
}

// NodeSet holds the primitives that belong to one node.
type NodeSet struct {
	Go       *Semaphore
	Done     *Semaphore
	InMutex  *Mutex
	OutMutex *Mutex

	dir    string
	prefix string
	nodeID uint32
}

// CreateNodeSet creates the primitives of a node. Go and Done start without
// tokens and both mutexes start unlocked. On failure, everything already
// created is removed.
func CreateNodeSet(dir, prefix string, nodeID uint32) (*NodeSet, error) {
	n := &NodeSet{dir: dir, prefix: prefix, nodeID: nodeID}

	var err error

	defer func() {
		if err != nil {
			n.rollback()
		}
	}()

	if n.Go, err = CreateSemaphore(dir, GoName(prefix, nodeID), 0); err != nil {
		return nil, err
	}

	if n.Done, err = CreateSemaphore(dir, DoneName(prefix, nodeID), 0); err != nil {
		return nil, err
	}

	if n.InMutex, err = CreateMutex(dir, InMutexName(prefix, nodeID)); err != nil {
		return nil, err
	}

	if n.OutMutex, err = CreateMutex(dir, OutMutexName(prefix, nodeID)); err != nil {
		return nil, err
	}

	return n, nil
}

// OpenNodeSet opens the primitives of a node that the simulator created.
func OpenNodeSet(dir, prefix string, nodeID uint32) (*NodeSet, error) {
	n := &NodeSet{dir: dir, prefix: prefix, nodeID: nodeID}

	var err error

	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	if n.Go, err = OpenSemaphore(dir, GoName(prefix, nodeID)); err != nil {
		return nil, err
	}

	if n.Done, err = OpenSemaphore(dir, DoneName(prefix, nodeID)); err != nil {
		return nil, err
	}

	if n.InMutex, err = OpenMutex(dir, InMutexName(prefix, nodeID)); err != nil {
		return nil, err
	}

	if n.OutMutex, err = OpenMutex(dir, OutMutexName(prefix, nodeID)); err != nil {
		return nil, err
	}

	return n, nil
}

func (n *NodeSet) semaphores() []*Semaphore {
	sems := []*Semaphore{n.Go, n.Done}

	if n.InMutex != nil {
		sems = append(sems, n.InMutex.Semaphore)
	}

	if n.OutMutex != nil {
		sems = append(sems, n.OutMutex.Semaphore)
	}

	return sems
}

// rollback removes only the primitives this call created, leaving a
// colliding leftover in place.
func (n *NodeSet) rollback() {
	for _, s := range n.semaphores() {
		if s == nil {
			continue
		}

		_ = s.Close()
		_ = s.Unlink()
	}
}

// Close releases the handles of this process.
func (n *NodeSet) Close() error {
	var errv []error

	for _, s := range n.semaphores() {
		if s == nil {
			continue
		}

		errv = append(errv, s.Close())
	}

	return errors.Join(errv...)
}

// Release closes the handles and unlinks every name of the node. Releasing
// twice is a no-op.
func (n *NodeSet) Release() error {
	return errors.Join(
		n.Close(),
		Unlink(n.dir, GoName(n.prefix, n.nodeID)),
		Unlink(n.dir, DoneName(n.prefix, n.nodeID)),
		Unlink(n.dir, InMutexName(n.prefix, n.nodeID)),
		Unlink(n.dir, OutMutexName(n.prefix, n.nodeID)),
	)
}

// GlobalSet holds the primitives shared by every node.
type GlobalSet struct {
	TimeMutex *Mutex

	dir    string
	prefix string
}

// CreateGlobalSet creates the shared primitives.
func CreateGlobalSet(dir, prefix string) (*GlobalSet, error) {
	m, err := CreateMutex(dir, TimeMutexName(prefix))
	if err != nil {
		return nil, err
	}

	return &GlobalSet{TimeMutex: m, dir: dir, prefix: prefix}, nil
}

// OpenGlobalSet opens the shared primitives.
func OpenGlobalSet(dir, prefix string) (*GlobalSet, error) {
	m, err := OpenMutex(dir, TimeMutexName(prefix))
	if err != nil {
		return nil, err
	}

	return &GlobalSet{TimeMutex: m, dir: dir, prefix: prefix}, nil
}

// Close releases the handles of this process.
func (g *GlobalSet) Close() error {
	return g.TimeMutex.Close()
}

// Release closes the handles and unlinks the shared names.
func (g *GlobalSet) Release() error {
	return errors.Join(g.Close(), Unlink(g.dir, TimeMutexName(g.prefix)))
}
