// Package config loads run parameters from the environment and scenario
// files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sarchlab/simbridge/bridge"
	"github.com/sarchlab/simbridge/shm"
	"github.com/sarchlab/simbridge/sim"
)

// Environment variables LoadEnv reads.
const (
	EnvDir             = "SIMBRIDGE_DIR"
	EnvPrefix          = "SIMBRIDGE_PREFIX"
	EnvPayloadCapacity = "SIMBRIDGE_PAYLOAD_CAPACITY"
	EnvStepInterval    = "SIMBRIDGE_STEP_INTERVAL"
	EnvStopTime        = "SIMBRIDGE_STOP_TIME"
	EnvMonitorPort     = "SIMBRIDGE_MONITOR_PORT"
	EnvOpenBrowser     = "SIMBRIDGE_OPEN_BROWSER"
	EnvRecordPath      = "SIMBRIDGE_RECORD"
	EnvForceClear      = "SIMBRIDGE_FORCE_CLEAR"
)

// Config holds the parameters of a run.
type Config struct {
	// Dir holds the shared memory segments and semaphores.
	Dir string

	// Prefix starts the name of every object the run creates.
	Prefix string

	// PayloadCapacity is the largest packet a node can exchange.
	PayloadCapacity int

	// StepInterval is the period of the step that lets peers see time pass
	// without traffic. Zero disables it.
	StepInterval sim.VTimeInNs

	// StopTime ends the run. Zero runs until no event is left.
	StopTime sim.VTimeInNs

	// MonitorPort is the port of the monitoring server. Zero picks a free
	// port, a negative value disables monitoring.
	MonitorPort int

	// OpenBrowser opens the monitoring page when the run starts.
	OpenBrowser bool

	// RecordPath is the database the run is recorded into, without the
	// ".sqlite3" suffix. Empty disables recording.
	RecordPath string

	// ForceClear removes the objects a crashed run left behind before any
	// node starts.
	ForceClear bool
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Dir:             shm.DefaultDir,
		Prefix:          bridge.DefaultPrefix,
		PayloadCapacity: bridge.DefaultPayloadCapacity,
		StepInterval:    bridge.DefaultStepInterval,
		MonitorPort:     -1,
	}
}

// LoadEnv returns the default configuration overridden by the environment.
// The given .env files are loaded first. Without files, a .env file in the
// working directory is loaded if there is one. Variables already set in the
// environment win over the files.
func LoadEnv(files ...string) (Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	} else if err := godotenv.Load(); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	c := Default()
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}

	return c, c.Validate()
}

func (c *Config) applyEnv() error {
	var errs []error

	if v, ok := os.LookupEnv(EnvDir); ok {
		c.Dir = v
	}

	if v, ok := os.LookupEnv(EnvPrefix); ok {
		c.Prefix = v
	}

	if v, ok := os.LookupEnv(EnvRecordPath); ok {
		c.RecordPath = v
	}

	errs = append(errs,
		lookupInt(EnvPayloadCapacity, &c.PayloadCapacity),
		lookupInt(EnvMonitorPort, &c.MonitorPort),
		lookupDuration(EnvStepInterval, &c.StepInterval),
		lookupDuration(EnvStopTime, &c.StopTime),
		lookupBool(EnvOpenBrowser, &c.OpenBrowser),
		lookupBool(EnvForceClear, &c.ForceClear),
	)

	return errors.Join(errs...)
}

func lookupInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}

	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}

	*dst = n

	return nil
}

func lookupBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}

	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}

	*dst = b

	return nil
}

func lookupDuration(key string, dst *sim.VTimeInNs) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}

	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}

	if d < 0 {
		return fmt.Errorf("config: %s: negative duration %s", key, d)
	}

	*dst = sim.FromDuration(d)

	return nil
}

// Validate checks that a bridge can be built from the configuration.
func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return errors.New("config: empty directory")
	case c.Prefix == "" || strings.ContainsRune(c.Prefix, '/'):
		return fmt.Errorf("config: invalid prefix %q", c.Prefix)
	case c.PayloadCapacity <= 0:
		return fmt.Errorf("config: invalid payload capacity %d", c.PayloadCapacity)
	case c.MonitorPort > 65535:
		return fmt.Errorf("config: invalid monitor port %d", c.MonitorPort)
	}

	return nil
}
