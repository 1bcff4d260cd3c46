// Package simulation assembles a complete run: engine, bridge, medium,
// recording and monitoring.
package simulation

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sarchlab/simbridge/bridge"
	"github.com/sarchlab/simbridge/config"
	"github.com/sarchlab/simbridge/datarecording"
	"github.com/sarchlab/simbridge/medium"
	"github.com/sarchlab/simbridge/monitoring"
	"github.com/sarchlab/simbridge/sim"
	"github.com/sarchlab/simbridge/tracing"
)

// A Simulation connects peer processes through an emulated radio channel.
type Simulation struct {
	id     string
	cfg    config.Config
	logger *slog.Logger

	engine       *sim.SerialEngine
	bridge       *bridge.Bridge
	channel      *medium.Channel
	dataRecorder datarecording.DataRecorder
	tracer       *tracing.BridgeTracer
	monitor      *monitoring.Monitor

	terminated bool
}

// ID returns the unique id of the run.
func (s *Simulation) ID() string {
	return s.id
}

// Config returns the configuration the run was built with.
func (s *Simulation) Config() config.Config {
	return s.cfg
}

// GetEngine returns the engine used in the simulation.
func (s *Simulation) GetEngine() sim.Engine {
	return s.engine
}

// GetBridge returns the bridge to the peer processes.
func (s *Simulation) GetBridge() *bridge.Bridge {
	return s.bridge
}

// GetChannel returns the radio channel.
func (s *Simulation) GetChannel() *medium.Channel {
	return s.channel
}

// GetDataRecorder returns the data recorder, nil if the run is not recorded.
func (s *Simulation) GetDataRecorder() datarecording.DataRecorder {
	return s.dataRecorder
}

// GetMonitor returns the monitor, nil if monitoring is off.
func (s *Simulation) GetMonitor() *monitoring.Monitor {
	return s.monitor
}

// Install adds a node and attaches it to the channel with the given PHY.
// Packets the node sends are transmitted on the channel.
func (s *Simulation) Install(spec bridge.PeerSpec, phy medium.PhyMode) (*bridge.NodeHandle, error) {
	if err := s.channel.Attach(spec.ID, spec.Mode, phy); err != nil {
		return nil, err
	}

	h, err := s.bridge.Install(spec)
	if err != nil {
		s.channel.Detach(spec.ID)
		return nil, err
	}

	s.bridge.OnPacketReceived(h,
		func(h *bridge.NodeHandle, payload []byte, now sim.VTimeInNs) {
			s.channel.Deliver(h.ID(), payload, now)
		})

	return h, nil
}

// InstallScenario installs every node of a scenario.
func (s *Simulation) InstallScenario(sc *config.Scenario) error {
	for _, n := range sc.Nodes {
		spec, err := n.PeerSpec()
		if err != nil {
			return err
		}

		if _, err := s.Install(spec, n.PhyMode()); err != nil {
			return fmt.Errorf("node %d: %w", n.ID, err)
		}
	}

	return nil
}

// Func detaches stopped nodes from the channel.
func (s *Simulation) Func(ctx sim.HookCtx) {
	if ctx.Pos == bridge.HookPosNodeStopped {
		s.channel.Detach(ctx.Item.(*bridge.NodeHandle).ID())
	}
}

// Run runs the engine until the configured stop time, or until no event is
// left, and then terminates the simulation.
func (s *Simulation) Run() error {
	var err error
	if s.cfg.StopTime > 0 {
		err = s.engine.RunUntil(s.cfg.StopTime)
	} else {
		err = s.engine.Run()
	}

	s.engine.Finished()

	return errors.Join(err, s.Terminate())
}

// Terminate stops every peer, releases the shared objects, flushes the
// recording and stops the monitor. Terminating twice is a no-op.
func (s *Simulation) Terminate() error {
	if s.terminated {
		return nil
	}

	s.terminated = true

	errv := []error{s.bridge.TeardownAll()}

	if s.tracer != nil {
		s.tracer.Terminate()
	}

	if s.dataRecorder != nil {
		errv = append(errv, s.dataRecorder.Close())
	}

	if s.monitor != nil {
		errv = append(errv, s.monitor.Close())
	}

	if s.logger != nil {
		s.logger.Info("simulationTerminated",
			slog.String("id", s.id),
			slog.Uint64("now", uint64(s.engine.CurrentTime())))
	}

	return errors.Join(errv...)
}
