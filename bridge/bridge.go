// Package bridge couples a discrete event engine with peer processes that
// run device firmware in real time.
//
// Every node owns a transport segment, a set of named semaphores, a peer
// process and an IpcReader. A single ClockSynchronizer, registered as a time
// advance hook on the engine, keeps virtual time from moving past an instant
// before every peer has reacted to it.
package bridge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/rbmk-project/common/closepool"
	"github.com/rbmk-project/common/errclass"
	"github.com/sarchlab/simbridge/ipcsync"
	"github.com/sarchlab/simbridge/peer"
	"github.com/sarchlab/simbridge/peerside"
	"github.com/sarchlab/simbridge/shm"
	"github.com/sarchlab/simbridge/sim"
)

// ErrInvalidSpec is returned when a PeerSpec cannot be installed.
var ErrInvalidSpec = errors.New("bridge: invalid peer spec")

// A Launcher owns peer processes. *peer.Supervisor is the production
// implementation.
type Launcher interface {
	Spawn(n *peer.PeerNode, env ...string) (int, error)
	Resume(n *peer.PeerNode) error
	Terminate(n *peer.PeerNode) error
}

// PeerSpec describes a node to install.
type PeerSpec struct {
	ID   uint32
	App  string
	Args []string
	Mode peer.Mode

	// Start is the virtual time the peer process starts at.
	Start sim.VTimeInNs

	// Stop is the virtual time the node is torn down at. Zero keeps the node
	// until TeardownAll.
	Stop sim.VTimeInNs
}

// Validate reports why a PeerSpec cannot be installed, if it cannot.
func (s PeerSpec) Validate() error {
	switch {
	case s.App == "":
		return fmt.Errorf("%w: node %d has no application", ErrInvalidSpec, s.ID)
	case s.Mode == peer.ModeIllegal:
		return fmt.Errorf("%w: node %d has an illegal mode", ErrInvalidSpec, s.ID)
	case s.ID == GlobalNodeID:
		return fmt.Errorf("%w: node id %d is reserved", ErrInvalidSpec, s.ID)
	case s.Stop != 0 && s.Stop <= s.Start:
		return fmt.Errorf("%w: node %d stops before it starts", ErrInvalidSpec, s.ID)
	}

	return nil
}

// A PacketCallback receives the packets a node sent. It owns payload.
type PacketCallback func(h *NodeHandle, payload []byte, now sim.VTimeInNs)

// A TimerCallback is told when a timer of a node fires.
type TimerCallback func(h *NodeHandle, t PendingTimer, now sim.VTimeInNs)

// A PeerExitCallback is told when a peer process exits by itself.
type PeerExitCallback func(h *NodeHandle, err error)

// NodeHandle is an installed node.
type NodeHandle struct {
	Spec PeerSpec
	Peer *peer.PeerNode

	segs     *shm.NodeSegments
	sems     *ipcsync.NodeSet
	cleanup  closepool.Pool
	onPacket []PacketCallback
	onTimer  []TimerCallback
	backlog  [][]byte
	running  bool
	stopped  bool
}

// ID returns the node id.
func (h *NodeHandle) ID() uint32 {
	return h.Spec.ID
}

// Backlog returns the number of packets waiting for the outbound region.
func (h *NodeHandle) Backlog() int {
	return len(h.backlog)
}

// Bridge installs nodes and moves packets and timers between the engine and
// the peers. Except for PeerExited, its methods must be called from the
// simulation goroutine or before the engine runs.
type Bridge struct {
	sim.HookableBase

	// Logger is optional.
	Logger *slog.Logger

	engine       sim.Engine
	launcher     Launcher
	clock        *ClockSynchronizer
	fatal        FatalHandler
	dir          string
	prefix       string
	capacity     int
	stepInterval sim.VTimeInNs
	ticker       *sim.TickScheduler

	mu       sync.Mutex
	nodes    map[uint32]*NodeHandle
	onExit   []PeerExitCallback
	timeCell *shm.Segment
	globals  *ipcsync.GlobalSet
}

// Clock returns the clock synchronizer of the bridge.
func (b *Bridge) Clock() *ClockSynchronizer {
	return b.clock
}

// Launcher returns what starts the peers of the bridge.
func (b *Bridge) Launcher() Launcher {
	return b.launcher
}

// Node returns the node with the given id.
func (b *Bridge) Node(id uint32) (*NodeHandle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.nodes[id]

	return h, ok
}

// Nodes returns the installed nodes ordered by id.
func (b *Bridge) Nodes() []*NodeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*NodeHandle, 0, len(b.nodes))
	for _, h := range b.nodes {
		out = append(out, h)
	}

	slices.SortFunc(out, func(x, y *NodeHandle) int {
		return cmp.Compare(x.ID(), y.ID())
	})

	return out
}

// ClearStale removes objects left under the prefix by a crashed run. It must
// be called before the first node starts.
func (b *Bridge) ClearStale() ([]string, error) {
	return shm.ForceClear(b.dir, b.prefix)
}

// Install registers a node. The node starts at spec.Start, right away if
// that is not in the future, and is torn down at spec.Stop if set. A node
// that fails to start right away is not installed and the error is a
// *FatalError. Failures at a later start go to the fatal handler.
func (b *Bridge) Install(spec PeerSpec) (*NodeHandle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	h := &NodeHandle{
		Spec: spec,
		Peer: peer.NewPeerNode(spec.ID, spec.App, spec.Mode, spec.Args...),
	}

	b.mu.Lock()
	if _, ok := b.nodes[spec.ID]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrDuplicateNode, spec.ID)
	}
	b.nodes[spec.ID] = h
	b.mu.Unlock()

	now := b.engine.CurrentTime()

	if spec.Start <= now {
		if err := b.start(h); err != nil {
			b.forget(h)
			return nil, err
		}
	} else {
		b.engine.ScheduleAt(spec.Start-now, func(sim.VTimeInNs) {
			if h.stopped {
				return
			}

			if err := b.start(h); err != nil {
				b.forget(h)
				b.reportFatal(err)
			}
		})
	}

	if spec.Stop != 0 {
		b.engine.ScheduleAt(max(spec.Stop, now)-now, func(sim.VTimeInNs) {
			if err := b.Teardown(h); err != nil {
				b.log(slog.LevelWarn, "teardownFailed", h, slog.Any("err", err))
			}
		})
	}

	return h, nil
}

func (b *Bridge) forget(h *NodeHandle) {
	b.mu.Lock()
	if b.nodes[h.ID()] == h {
		delete(b.nodes, h.ID())
	}
	b.mu.Unlock()
}

// start creates the resources of a node, spawns its peer suspended, starts
// its reader and resumes the peer. It returns after the peer finished its
// first step.
func (b *Bridge) start(h *NodeHandle) (err error) {
	id := h.ID()

	if err := b.ensureGlobals(); err != nil {
		return err
	}

	pool := &h.cleanup

	defer func() {
		if err != nil {
			_ = pool.Close()
		}
	}()

	if h.segs, err = shm.CreateNode(b.dir, b.prefix, id, b.capacity); err != nil {
		return fatalf(id, "allocate segments", err)
	}
	pool.Add(closepool.CloserFunc(h.segs.Release))

	if h.sems, err = ipcsync.CreateNodeSet(b.dir, b.prefix, id); err != nil {
		return fatalf(id, "allocate semaphores", err)
	}
	pool.Add(closepool.CloserFunc(h.sems.Release))

	if _, err = b.launcher.Spawn(h.Peer, b.env(h)...); err != nil {
		return fatalf(id, "spawn", err)
	}
	pool.Add(closepool.CloserFunc(func() error {
		return b.launcher.Terminate(h.Peer)
	}))

	if err = b.clock.Attach(id, h.sems.Go, h.segs.Timer.Bytes()); err != nil {
		return fatalf(id, "attach", err)
	}
	pool.Add(closepool.CloserFunc(func() error {
		b.clock.Detach(id)
		return nil
	}))

	reader := NewIpcReader(
		id,
		h.sems.Done,
		h.sems.InMutex,
		h.segs.Inbound.Bytes(),
		b.clock,
		b.engine,
		func(payload []byte, now sim.VTimeInNs) { b.deliver(h, payload, now) },
		func(fe *FatalError) { b.reportFatal(fe) },
	)
	reader.Logger = b.Logger
	reader.Start()
	pool.Add(closepool.CloserFunc(func() error {
		reader.Stop()
		return nil
	}))

	if err = b.launcher.Resume(h.Peer); err != nil {
		return fatalf(id, "resume", err)
	}

	h.running = true
	b.clock.Sync()

	if b.ticker != nil {
		b.ticker.TickLater()
	}

	b.log(slog.LevelInfo, "nodeStarted", h, slog.Int("pid", h.Peer.Pid()))
	b.InvokeHook(sim.HookCtx{Domain: b, Pos: HookPosNodeStarted, Item: h})

	return nil
}

func (b *Bridge) env(h *NodeHandle) []string {
	return []string{
		peerside.EnvDir + "=" + b.dir,
		peerside.EnvPrefix + "=" + b.prefix,
		peerside.EnvNodeID + "=" + strconv.FormatUint(uint64(h.ID()), 10),
		peerside.EnvCapacity + "=" + strconv.Itoa(b.capacity),
		peerside.EnvMode + "=" + h.Spec.Mode.String(),
	}
}

// ensureGlobals creates the time cell and its mutex when the first node
// starts.
func (b *Bridge) ensureGlobals() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timeCell != nil {
		return nil
	}

	cell, err := shm.CreateTimeCell(b.dir, b.prefix)
	if err != nil {
		return fatalf(GlobalNodeID, "allocate time cell", err)
	}

	globals, err := ipcsync.CreateGlobalSet(b.dir, b.prefix)
	if err != nil {
		_ = cell.Close()
		_ = cell.Unlink()

		return fatalf(GlobalNodeID, "allocate time mutex", err)
	}

	shm.PutTime(cell.Bytes(), uint64(b.engine.CurrentTime()))
	b.clock.SetTimeCell(cell.Bytes(), globals.TimeMutex)

	b.timeCell = cell
	b.globals = globals

	return nil
}

// OnPacketReceived registers a callback for the packets node h sends.
func (b *Bridge) OnPacketReceived(h *NodeHandle, cb PacketCallback) {
	h.onPacket = append(h.onPacket, cb)
}

// OnTimerFired registers a callback for the timers node h requests.
func (b *Bridge) OnTimerFired(h *NodeHandle, cb TimerCallback) {
	h.onTimer = append(h.onTimer, cb)
}

// OnPeerExit registers a callback for peers that exit by themselves.
func (b *Bridge) OnPeerExit(cb PeerExitCallback) {
	b.mu.Lock()
	b.onExit = append(b.onExit, cb)
	b.mu.Unlock()
}

func (b *Bridge) deliver(h *NodeHandle, payload []byte, now sim.VTimeInNs) {
	if !h.running {
		return
	}

	b.InvokeHook(sim.HookCtx{
		Domain: b,
		Pos:    HookPosPacketFromPeer,
		Item:   Packet{NodeID: h.ID(), Payload: payload, Time: now},
	})

	for _, cb := range h.onPacket {
		cb(h, payload, now)
	}
}

// SendPacket queues payload for node h. The outbound region holds one packet;
// the rest wait in order and move in as the peer takes them, one per step. An
// empty payload is rejected with shm.ErrEmptyFrame. A payload larger than the
// region is a fatal error.
func (b *Bridge) SendPacket(h *NodeHandle, payload []byte) error {
	if !h.running {
		return fmt.Errorf("%w: node %d", peer.ErrNotRunning, h.ID())
	}

	if len(payload) == 0 {
		return fmt.Errorf("%w: node %d", shm.ErrEmptyFrame, h.ID())
	}

	if len(payload) > b.capacity {
		fe := fatalf(h.ID(), "write outbound",
			fmt.Errorf("%w: %d bytes, capacity %d",
				shm.ErrFrameTooLarge, len(payload), b.capacity))
		b.reportFatal(fe)

		return fe
	}

	h.backlog = append(h.backlog, slices.Clone(payload))

	b.InvokeHook(sim.HookCtx{
		Domain: b,
		Pos:    HookPosPacketToPeer,
		Item:   Packet{NodeID: h.ID(), Payload: payload, Time: b.engine.CurrentTime()},
	})

	return b.flush(h)
}

// SendTo is SendPacket addressed by node id.
func (b *Bridge) SendTo(id uint32, payload []byte) error {
	h, ok := b.Node(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}

	return b.SendPacket(h, payload)
}

// flush moves the next queued packet into the outbound region if the peer
// took the previous one.
func (b *Bridge) flush(h *NodeHandle) error {
	if len(h.backlog) == 0 || !h.running {
		return nil
	}

	if err := h.sems.OutMutex.Lock(); err != nil {
		return b.outboundFailed(h, "lock outbound", err)
	}

	region := h.segs.Outbound.Bytes()

	f, err := shm.DecodeFrame(region)
	if err == nil && f.Kind == shm.KindEmpty {
		err = shm.WriteFramed(region, h.backlog[0])
		if err == nil {
			h.backlog[0] = nil
			h.backlog = h.backlog[1:]
		}
	}

	if uerr := h.sems.OutMutex.Unlock(); uerr != nil && err == nil {
		err = uerr
	}

	if err != nil {
		return b.outboundFailed(h, "write outbound", err)
	}

	return nil
}

func (b *Bridge) outboundFailed(h *NodeHandle, op string, err error) error {
	fe := fatalf(h.ID(), op, err)
	b.reportFatal(fe)

	return fe
}

func (b *Bridge) flushAll(sim.VTimeInNs) {
	for _, h := range b.Nodes() {
		_ = b.flush(h)
	}
}

func (b *Bridge) timerScheduled(t PendingTimer) {
	b.InvokeHook(sim.HookCtx{Domain: b, Pos: HookPosTimerScheduled, Item: t})
}

func (b *Bridge) timerFired(t PendingTimer, now sim.VTimeInNs) {
	h, ok := b.Node(t.NodeID)
	if !ok || !h.running {
		return
	}

	b.InvokeHook(sim.HookCtx{Domain: b, Pos: HookPosTimerFired, Item: t})

	for _, cb := range h.onTimer {
		cb(h, t, now)
	}
}

// PeerExited handles a peer that exited by itself. The node stops counting
// for the clock at once; its resources are released on the simulation
// goroutine. It is safe to call from any goroutine.
func (b *Bridge) PeerExited(n *peer.PeerNode, err error) {
	b.clock.Detach(n.ID)

	if b.Logger != nil {
		b.Logger.Warn(
			"peerExited",
			slog.Uint64("node", uint64(n.ID)),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
		)
	}

	b.engine.ScheduleFromOutside(0, func(sim.VTimeInNs) {
		h, ok := b.Node(n.ID)
		if !ok || h.Peer != n {
			return
		}

		b.mu.Lock()
		callbacks := slices.Clone(b.onExit)
		b.mu.Unlock()

		for _, cb := range callbacks {
			cb(h, err)
		}

		if terr := b.Teardown(h); terr != nil {
			b.log(slog.LevelWarn, "teardownFailed", h, slog.Any("err", terr))
		}
	})
}

// Handle implements sim.Handler for the periodic step. Ticks keep time
// moving while at least one node runs, so peers observe time progress even
// without traffic.
func (b *Bridge) Handle(sim.Event) error {
	if b.clock.NumNodes() > 0 {
		b.ticker.TickLater()
	}

	return nil
}

// Teardown stops node h: its reader stops, its peer is killed and its
// resources are released. Tearing down twice is a no-op.
func (b *Bridge) Teardown(h *NodeHandle) error {
	if h.stopped {
		return nil
	}

	h.stopped = true
	h.running = false

	err := h.cleanup.Close()
	h.backlog = nil

	b.forget(h)

	b.log(slog.LevelInfo, "nodeStopped", h)
	b.InvokeHook(sim.HookCtx{Domain: b, Pos: HookPosNodeStopped, Item: h})

	return err
}

// TeardownAll tears every node down and releases the shared time cell.
func (b *Bridge) TeardownAll() error {
	var errv []error

	for _, h := range b.Nodes() {
		errv = append(errv, b.Teardown(h))
	}

	b.clock.Close()

	b.mu.Lock()
	cell, globals := b.timeCell, b.globals
	b.timeCell, b.globals = nil, nil
	b.mu.Unlock()

	if cell != nil {
		errv = append(errv, cell.Close(), cell.Unlink())
	}

	if globals != nil {
		errv = append(errv, globals.Release())
	}

	return errors.Join(errv...)
}

func (b *Bridge) reportFatal(err error) {
	var fe *FatalError
	if !errors.As(err, &fe) {
		fe = fatalf(GlobalNodeID, "bridge", err)
	}

	if b.Logger != nil {
		b.Logger.Error(
			"fatal",
			slog.Uint64("node", uint64(fe.NodeID)),
			slog.String("op", fe.Op),
			slog.Any("err", fe.Err),
			slog.String("errClass", errclass.New(fe.Err)),
		)
	}

	b.fatal(fe)
}

func (b *Bridge) log(level slog.Level, msg string, h *NodeHandle, attrs ...slog.Attr) {
	if b.Logger == nil {
		return
	}

	attrs = append(attrs,
		slog.Uint64("node", uint64(h.ID())),
		slog.String("mode", h.Spec.Mode.String()),
		slog.Uint64("now", uint64(b.engine.CurrentTime())),
	)
	b.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}
