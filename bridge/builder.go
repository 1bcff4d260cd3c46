package bridge

import (
	"log/slog"

	"github.com/sarchlab/simbridge/peer"
	"github.com/sarchlab/simbridge/shm"
	"github.com/sarchlab/simbridge/sim"
)

// Default parameters of a Bridge.
const (
	DefaultPrefix          = "simbridge"
	DefaultPayloadCapacity = 65536
	DefaultStepInterval    = sim.Millisecond
)

// Builder can build bridges.
type Builder struct {
	engine       sim.Engine
	launcher     Launcher
	dir          string
	prefix       string
	capacity     int
	stepInterval sim.VTimeInNs
	fatal        FatalHandler
	logger       *slog.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		dir:          shm.DefaultDir,
		prefix:       DefaultPrefix,
		capacity:     DefaultPayloadCapacity,
		stepInterval: DefaultStepInterval,
		fatal:        ExitOnFatal,
	}
}

// WithEngine sets the engine the bridge synchronizes with.
func (b Builder) WithEngine(e sim.Engine) Builder {
	b.engine = e
	return b
}

// WithLauncher sets what starts the peer processes. By default, a
// peer.Supervisor starts them as child processes.
func (b Builder) WithLauncher(l Launcher) Builder {
	b.launcher = l
	return b
}

// WithDir sets the directory the shared objects are created in.
func (b Builder) WithDir(dir string) Builder {
	b.dir = dir
	return b
}

// WithPrefix sets the prefix of every shared object name.
func (b Builder) WithPrefix(prefix string) Builder {
	b.prefix = prefix
	return b
}

// WithPayloadCapacity sets the largest packet a transport region carries.
func (b Builder) WithPayloadCapacity(capacity int) Builder {
	b.capacity = capacity
	return b
}

// WithStepInterval sets the period of the step that keeps time moving while
// nodes run. Zero disables it.
func (b Builder) WithStepInterval(interval sim.VTimeInNs) Builder {
	b.stepInterval = interval
	return b
}

// WithFatalHandler sets what is told about fatal errors.
func (b Builder) WithFatalHandler(h FatalHandler) Builder {
	b.fatal = h
	return b
}

// WithLogger sets the structured logger of the bridge and its parts.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

func (b Builder) parametersMustBeValid() {
	if b.engine == nil {
		panic("engine is not set")
	}

	if b.capacity <= 0 {
		panic("payload capacity must be positive")
	}

	if b.prefix == "" {
		panic("prefix cannot be empty")
	}

	if b.fatal == nil {
		panic("fatal handler cannot be nil")
	}
}

// Build creates the bridge and registers its clock synchronizer on the
// engine.
func (b Builder) Build() *Bridge {
	b.parametersMustBeValid()

	br := &Bridge{
		Logger:       b.logger,
		engine:       b.engine,
		launcher:     b.launcher,
		fatal:        b.fatal,
		dir:          b.dir,
		prefix:       b.prefix,
		capacity:     b.capacity,
		stepInterval: b.stepInterval,
		nodes:        make(map[uint32]*NodeHandle),
	}

	if br.launcher == nil {
		br.launcher = &peer.Supervisor{Logger: b.logger}
	}

	if s, ok := br.launcher.(*peer.Supervisor); ok && s.OnExit == nil {
		s.OnExit = br.PeerExited
	}

	br.clock = NewClockSynchronizer(b.engine)
	br.clock.Logger = b.logger
	br.clock.Fatal = func(fe *FatalError) { br.reportFatal(fe) }
	br.clock.OnRelease = br.flushAll
	br.clock.OnTimerScheduled = br.timerScheduled
	br.clock.OnTimerFired = br.timerFired

	if b.stepInterval > 0 {
		br.ticker = sim.NewTickScheduler(br, b.engine, b.stepInterval)
	}

	b.engine.AcceptHook(br.clock)

	return br
}
