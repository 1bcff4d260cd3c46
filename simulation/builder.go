package simulation

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/rs/xid"
	"github.com/sarchlab/simbridge/bridge"
	"github.com/sarchlab/simbridge/config"
	"github.com/sarchlab/simbridge/datarecording"
	"github.com/sarchlab/simbridge/medium"
	"github.com/sarchlab/simbridge/monitoring"
	"github.com/sarchlab/simbridge/peer"
	"github.com/sarchlab/simbridge/sim"
	"github.com/sarchlab/simbridge/tracing"
	"github.com/tebeka/atexit"
)

// Builder can be used to build a simulation.
type Builder struct {
	cfg      config.Config
	launcher bridge.Launcher
	logger   *slog.Logger
	fatal    bridge.FatalHandler
	stdout   io.Writer
	stderr   io.Writer
}

// MakeBuilder creates a new builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		cfg:   config.Default(),
		fatal: bridge.ExitOnFatal,
	}
}

// WithConfig sets the run parameters.
func (b Builder) WithConfig(c config.Config) Builder {
	b.cfg = c
	return b
}

// WithLauncher replaces the process supervisor that starts peers.
func (b Builder) WithLauncher(l bridge.Launcher) Builder {
	b.launcher = l
	return b
}

// WithLogger sets the logger of every component.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// WithFatalHandler sets what happens on a fatal error.
func (b Builder) WithFatalHandler(h bridge.FatalHandler) Builder {
	b.fatal = h
	return b
}

// WithPeerOutput sets where the output of the peer processes goes.
func (b Builder) WithPeerOutput(stdout, stderr io.Writer) Builder {
	b.stdout = stdout
	b.stderr = stderr

	return b
}

// Build builds the simulation. Stale objects are removed first when the
// configuration asks for it. The peers are torn down at exit.
func (b Builder) Build() (*Simulation, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Simulation{
		id:     xid.New().String(),
		cfg:    b.cfg,
		logger: b.logger,
		engine: sim.NewSerialEngine(),
	}

	launcher := b.launcher
	if launcher == nil {
		launcher = &peer.Supervisor{
			Stdout: b.stdout,
			Stderr: b.stderr,
			Logger: b.logger,
		}
	}

	s.bridge = bridge.MakeBuilder().
		WithEngine(s.engine).
		WithLauncher(launcher).
		WithDir(b.cfg.Dir).
		WithPrefix(b.cfg.Prefix).
		WithPayloadCapacity(b.cfg.PayloadCapacity).
		WithStepInterval(b.cfg.StepInterval).
		WithFatalHandler(b.fatal).
		WithLogger(b.logger).
		Build()

	if b.cfg.ForceClear {
		removed, err := s.bridge.ClearStale()
		if err != nil {
			return nil, err
		}

		if b.logger != nil && len(removed) > 0 {
			b.logger.Info("staleObjectsRemoved", slog.Any("names", removed))
		}
	}

	s.channel = medium.NewChannel(s.engine, s.bridge)
	s.channel.Logger = b.logger
	s.bridge.AcceptHook(s)

	if b.cfg.RecordPath != "" {
		s.dataRecorder = datarecording.New(b.cfg.RecordPath)
		s.tracer = tracing.NewBridgeTracer(s.dataRecorder, s.bridge.Clock())
		s.bridge.AcceptHook(s.tracer)
		s.engine.AcceptHook(s.tracer)
	}

	if b.cfg.MonitorPort >= 0 {
		if err := b.startMonitor(s, launcher); err != nil {
			return nil, err
		}
	}

	atexit.Register(func() { _ = s.Terminate() })

	return s, nil
}

func (b Builder) startMonitor(s *Simulation, launcher bridge.Launcher) error {
	s.monitor = monitoring.NewMonitor().WithPortNumber(b.cfg.MonitorPort)
	if b.cfg.OpenBrowser {
		s.monitor.WithBrowser()
	}

	s.monitor.RegisterEngine(s.engine)
	s.monitor.RegisterNodes(s.bridge)
	s.monitor.SetStopTime(b.cfg.StopTime)

	if r, ok := launcher.(monitoring.StatsReader); ok {
		s.monitor.RegisterStatsReader(r)
	}

	if _, err := s.monitor.StartServer(); err != nil {
		return fmt.Errorf("simulation: %w", err)
	}

	return nil
}
