// Package medium emulates the radio channel shared by overlay peers.
package medium

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rbmk-project/common/errclass"
	"github.com/sarchlab/simbridge/peer"
	"github.com/sarchlab/simbridge/sim"
)

// Engine is the part of the simulation engine a Channel schedules on.
type Engine interface {
	sim.EventScheduler
}

// A Port hands a frame to an attached node.
type Port interface {
	SendTo(id uint32, payload []byte) error
}

type station struct {
	id        uint32
	mode      peer.Mode
	phy       PhyMode
	busyUntil sim.VTimeInNs
}

// A deliverEvent ends a transmission.
type deliverEvent struct {
	*sim.EventBase

	from    uint32
	payload []byte
}

// Channel broadcasts every frame a node transmits to all other attached
// nodes once the transmission ends. Frames of a MAC+PHY-overlay node are
// sent one after another.
//
// All methods must be called from the simulation goroutine.
type Channel struct {
	Logger *slog.Logger

	engine   Engine
	port     Port
	stations map[uint32]*station
}

// NewChannel creates a channel that delivers through port.
func NewChannel(engine Engine, port Port) *Channel {
	return &Channel{
		engine:   engine,
		port:     port,
		stations: make(map[uint32]*station),
	}
}

// Attach adds a node to the channel.
func (c *Channel) Attach(id uint32, mode peer.Mode, phy PhyMode) error {
	if _, ok := c.stations[id]; ok {
		return fmt.Errorf("medium: node %d already attached", id)
	}

	c.stations[id] = &station{id: id, mode: mode, phy: phy}

	return nil
}

// Detach removes a node. Transmissions in flight still reach the other nodes.
func (c *Channel) Detach(id uint32) {
	delete(c.stations, id)
}

// Deliver starts the transmission of payload by node from. It returns the
// time the transmission ends.
func (c *Channel) Deliver(from uint32, payload []byte, now sim.VTimeInNs) sim.VTimeInNs {
	s, ok := c.stations[from]
	if !ok {
		c.log(slog.LevelWarn, "frameDropped", from,
			slog.Int("size", len(payload)))
		return now
	}

	start := now
	if s.mode == peer.ModeMacPhyOverlay {
		start = max(now, s.busyUntil)
	}

	end := start + TxDuration(s.phy, len(payload))
	s.busyUntil = end

	evt := &deliverEvent{from: from, payload: slices.Clone(payload)}
	evt.EventBase = sim.NewEventBase(end, c)
	c.engine.Schedule(evt)

	return end
}

// Handle ends transmissions.
func (c *Channel) Handle(e sim.Event) error {
	switch e := e.(type) {
	case *deliverEvent:
		c.broadcast(e)
	default:
		panic(fmt.Sprintf("cannot handle event of type %T", e))
	}

	return nil
}

func (c *Channel) broadcast(e *deliverEvent) {
	ids := make([]uint32, 0, len(c.stations))
	for id := range c.stations {
		if id != e.from {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	for _, id := range ids {
		err := c.port.SendTo(id, e.payload)

		switch {
		case err == nil:
		case errors.Is(err, peer.ErrNotRunning):
			c.log(slog.LevelDebug, "receiverNotRunning", id)
		default:
			c.log(slog.LevelWarn, "deliveryFailed", id,
				slog.Any("err", err),
				slog.String("errClass", errclass.New(err)))
		}
	}
}

func (c *Channel) log(level slog.Level, msg string, id uint32, attrs ...slog.Attr) {
	if c.Logger == nil {
		return
	}

	attrs = append([]slog.Attr{slog.Uint64("node", uint64(id))}, attrs...)
	c.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}
