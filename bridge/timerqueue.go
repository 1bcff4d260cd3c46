package bridge

import (
	"container/heap"

	"github.com/sarchlab/simbridge/shm"
	"github.com/sarchlab/simbridge/sim"
)

// PendingTimer is a timer a peer requested that has not expired yet.
type PendingTimer struct {
	NodeID    uint32
	Type      shm.TimerType
	Requested sim.VTimeInNs
	Deadline  sim.VTimeInNs

	seq   uint64
	index int
}

// timerQueue orders pending timers by deadline, then by request order.
type timerQueue []*PendingTimer

func (q timerQueue) Len() int {
	return len(q)
}

func (q timerQueue) Less(i, j int) bool {
	if q[i].Deadline != q[j].Deadline {
		return q[i].Deadline < q[j].Deadline
	}

	return q[i].seq < q[j].seq
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*PendingTimer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]

	return t
}

func (q *timerQueue) remove(t *PendingTimer) bool {
	if t.index < 0 || t.index >= len(*q) || (*q)[t.index] != t {
		return false
	}

	heap.Remove(q, t.index)

	return true
}

// popExpired removes and returns every timer due no later than now.
func (q *timerQueue) popExpired(now sim.VTimeInNs) []*PendingTimer {
	var expired []*PendingTimer

	for q.Len() > 0 && (*q)[0].Deadline <= now {
		expired = append(expired, heap.Pop(q).(*PendingTimer))
	}

	return expired
}
