package bridge

import (
	"cmp"
	"container/heap"
	"errors"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/rbmk-project/common/errclass"
	"github.com/sarchlab/simbridge/ipcsync"
	"github.com/sarchlab/simbridge/shm"
	"github.com/sarchlab/simbridge/sim"
)

// A Poster releases a peer for its next step.
type Poster interface {
	Post() error
}

// A Locker guards memory shared with peer processes.
type Locker interface {
	Lock() error
	Unlock() error
}

type clockNode struct {
	id         uint32
	release    Poster
	timerSlot  []byte
	acked      bool
	releasedAt sim.VTimeInNs
	latest     uint64
}

// ClockSynchronizer keeps virtual time from moving past an instant before
// every attached peer has reacted to it. Register it as a hook on the engine.
//
// On every time advance it publishes the new time, waits until each node
// acknowledged its previous step, expires due timers, releases all nodes and
// waits until they acknowledged the new step. Data and timer requests made
// during a step are therefore handed to the engine before it picks the next
// instant.
type ClockSynchronizer struct {
	// OnRelease runs on the simulation goroutine after every node
	// acknowledged and before any is released.
	OnRelease func(now sim.VTimeInNs)

	// OnTimerScheduled runs on the simulation goroutine when a requested
	// timer is placed on the engine.
	OnTimerScheduled func(t PendingTimer)

	// OnTimerFired runs on the simulation goroutine when a timer of an
	// attached node fires.
	OnTimerFired func(t PendingTimer, now sim.VTimeInNs)

	// Fatal receives unrecoverable errors. Nil means ExitOnFatal.
	Fatal FatalHandler

	// Logger is optional.
	Logger *slog.Logger

	engine sim.Engine

	mu      sync.Mutex
	cond    *sync.Cond
	nodes   map[uint32]*clockNode
	timers  timerQueue
	nextSeq uint64
	closed  bool

	timeCell []byte
	timeLock Locker
}

// NewClockSynchronizer creates a clock synchronizer that schedules timers on
// engine.
func NewClockSynchronizer(engine sim.Engine) *ClockSynchronizer {
	c := &ClockSynchronizer{
		engine: engine,
		nodes:  make(map[uint32]*clockNode),
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// SetTimeCell sets the shared time cell and the lock that guards it.
func (c *ClockSynchronizer) SetTimeCell(cell []byte, lock Locker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timeCell = cell
	c.timeLock = lock
}

// Func implements sim.Hook.
func (c *ClockSynchronizer) Func(ctx sim.HookCtx) {
	if ctx.Pos != sim.HookPosTimeAdvance {
		return
	}

	c.Advance(ctx.Item.(sim.TimeAdvance).New)
}

// Advance runs one synchronization step at virtual time now. It returns at
// once if no node is attached.
func (c *ClockSynchronizer) Advance(now sim.VTimeInNs) {
	c.publish(now)

	c.mu.Lock()
	if len(c.nodes) == 0 {
		c.mu.Unlock()
		return
	}

	c.waitAcksLocked()
	c.expireLocked(now)
	c.mu.Unlock()

	if c.OnRelease != nil {
		c.OnRelease(now)
	}

	c.mu.Lock()
	released := make([]*clockNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		n.acked = false
		n.releasedAt = now
		released = append(released, n)
	}
	c.mu.Unlock()

	for _, n := range released {
		c.post(n)
	}

	if c.Logger != nil {
		c.Logger.Debug(
			"stepReleased",
			slog.Uint64("now", uint64(now)),
			slog.Int("nodes", len(released)),
		)
	}

	c.Sync()
}

// Sync blocks until every attached node has acknowledged its current step.
func (c *ClockSynchronizer) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waitAcksLocked()
}

func (c *ClockSynchronizer) waitAcksLocked() {
	for !c.closed && !c.allAckedLocked() {
		c.cond.Wait()
	}
}

func (c *ClockSynchronizer) allAckedLocked() bool {
	for _, n := range c.nodes {
		if !n.acked {
			return false
		}
	}

	return true
}

func (c *ClockSynchronizer) post(n *clockNode) {
	err := n.release.Post()
	if err == nil {
		return
	}

	c.mu.Lock()
	attached := c.nodes[n.id] == n
	c.mu.Unlock()

	if !attached || errors.Is(err, ipcsync.ErrClosed) {
		c.logRace(n.id, "post go", err)
		return
	}

	c.fatal(fatalf(n.id, "post go", err))
}

func (c *ClockSynchronizer) publish(now sim.VTimeInNs) {
	c.mu.Lock()
	cell, lock := c.timeCell, c.timeLock
	c.mu.Unlock()

	if cell == nil {
		return
	}

	if err := lock.Lock(); err != nil {
		c.fatal(fatalf(GlobalNodeID, "lock time", err))
		return
	}

	shm.PutTime(cell, uint64(now))

	if err := lock.Unlock(); err != nil {
		c.fatal(fatalf(GlobalNodeID, "unlock time", err))
	}
}

// expireLocked drops the timers due by now and clears the timer slots they
// armed, so released peers see their timers as expired.
func (c *ClockSynchronizer) expireLocked(now sim.VTimeInNs) {
	for _, t := range c.timers.popExpired(now) {
		c.clearSlotLocked(t)
	}
}

func (c *ClockSynchronizer) clearSlotLocked(t *PendingTimer) bool {
	n := c.nodes[t.NodeID]
	if n == nil {
		return false
	}

	if n.latest == t.seq {
		clear(n.timerSlot)
	}

	return true
}

// Attach adds a node. The node counts as not acknowledged until its reader
// reports the first completed step.
func (c *ClockSynchronizer) Attach(id uint32, release Poster, timerSlot []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[id]; ok {
		return ErrDuplicateNode
	}

	c.nodes[id] = &clockNode{
		id:         id,
		release:    release,
		timerSlot:  timerSlot,
		releasedAt: c.engine.CurrentTime(),
	}

	return nil
}

// Detach removes a node and its pending timers. A step waiting on the node
// stops waiting. Detaching an unknown node is a no-op.
func (c *ClockSynchronizer) Detach(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[id]; !ok {
		return
	}

	delete(c.nodes, id)

	for _, t := range slices.Clone(c.timers) {
		if t.NodeID == id {
			c.timers.remove(t)
		}
	}

	c.cond.Broadcast()
}

// Acknowledge records that node id finished its current step.
func (c *ClockSynchronizer) Acknowledge(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[id]
	if n == nil {
		return ErrUnknownNode
	}

	if n.acked {
		return ErrDoubleAck
	}

	n.acked = true
	c.cond.Broadcast()

	return nil
}

// RequestTimer registers a timer for node id. The deadline counts from the
// instant the node was last released. The request is written to the timer
// slot of the node and stays there until the timer expires or a later
// request replaces it. It is safe to call from any goroutine.
func (c *ClockSynchronizer) RequestTimer(id uint32, req shm.TimerRequest) error {
	c.mu.Lock()

	n := c.nodes[id]
	if n == nil {
		c.mu.Unlock()
		return ErrUnknownNode
	}

	c.nextSeq++
	t := &PendingTimer{
		NodeID:    id,
		Type:      req.Type,
		Requested: n.releasedAt,
		Deadline:  deadline(n.releasedAt, req.Duration),
		seq:       c.nextSeq,
	}
	heap.Push(&c.timers, t)
	n.latest = t.seq

	err := shm.WriteTimer(n.timerSlot, req)
	c.mu.Unlock()

	if err != nil {
		return err
	}

	c.engine.ScheduleFromOutside(0, func(now sim.VTimeInNs) {
		c.arm(t, now)
	})

	return nil
}

// deadline adds d to from, saturating at the end of virtual time so that a
// timer meant to never fire does not wrap into the past.
func deadline(from sim.VTimeInNs, d uint64) sim.VTimeInNs {
	if d > math.MaxUint64-uint64(from) {
		return math.MaxUint64
	}

	return from + sim.VTimeInNs(d)
}

func (c *ClockSynchronizer) arm(t *PendingTimer, now sim.VTimeInNs) {
	c.mu.Lock()
	snap := *t
	c.mu.Unlock()

	at := max(snap.Deadline, now)

	if c.OnTimerScheduled != nil {
		c.OnTimerScheduled(snap)
	}

	c.engine.Schedule(sim.NewCallbackEvent(at, func(now sim.VTimeInNs) {
		c.fire(t, now)
	}))
}

func (c *ClockSynchronizer) fire(t *PendingTimer, now sim.VTimeInNs) {
	c.mu.Lock()
	c.timers.remove(t)
	attached := c.clearSlotLocked(t)
	snap := *t
	c.mu.Unlock()

	if attached && c.OnTimerFired != nil {
		c.OnTimerFired(snap, now)
	}
}

// PendingTimers returns the timers that have not expired, earliest first.
func (c *ClockSynchronizer) PendingTimers() []PendingTimer {
	c.mu.Lock()
	out := make([]PendingTimer, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, *t)
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b PendingTimer) int {
		if a.Deadline != b.Deadline {
			return cmp.Compare(a.Deadline, b.Deadline)
		}

		return cmp.Compare(a.seq, b.seq)
	})

	return out
}

// NumNodes returns the number of attached nodes.
func (c *ClockSynchronizer) NumNodes() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.nodes)
}

// Close releases every goroutine blocked in a step. Later steps do not wait.
func (c *ClockSynchronizer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.cond.Broadcast()
}

func (c *ClockSynchronizer) fatal(err *FatalError) {
	if c.Fatal != nil {
		c.Fatal(err)
		return
	}

	ExitOnFatal(err)
}

func (c *ClockSynchronizer) logRace(id uint32, op string, err error) {
	if c.Logger == nil {
		return
	}

	c.Logger.Info(
		"shutdownRace",
		slog.Uint64("node", uint64(id)),
		slog.String("op", op),
		slog.Any("err", err),
		slog.String("errClass", errclass.New(err)),
	)
}
