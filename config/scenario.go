package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sarchlab/simbridge/bridge"
	"github.com/sarchlab/simbridge/medium"
	"github.com/sarchlab/simbridge/peer"
	"github.com/sarchlab/simbridge/sim"
	"gopkg.in/yaml.v3"
)

// NodeSpec describes one peer in a scenario file.
type NodeSpec struct {
	ID    uint32        `yaml:"id"`
	App   string        `yaml:"app"`
	Args  []string      `yaml:"args"`
	Mode  string        `yaml:"mode"`
	Phy   string        `yaml:"phy"`
	Start time.Duration `yaml:"start"`
	Stop  time.Duration `yaml:"stop"`
}

// Scenario lists the peers of a run.
type Scenario struct {
	StopTime     time.Duration  `yaml:"stop_time"`
	StepInterval *time.Duration `yaml:"step_interval"`
	Nodes        []NodeSpec     `yaml:"nodes"`
}

// LoadScenario reads and validates a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return s, nil
}

// ParseScenario decodes and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	s := &Scenario{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate reports every problem of the scenario.
func (s *Scenario) Validate() error {
	var errs []error

	if s.StopTime < 0 {
		errs = append(errs, fmt.Errorf("negative stop time %s", s.StopTime))
	}

	if s.StepInterval != nil && *s.StepInterval < 0 {
		errs = append(errs,
			fmt.Errorf("negative step interval %s", *s.StepInterval))
	}

	seen := make(map[uint32]bool, len(s.Nodes))

	for _, n := range s.Nodes {
		if seen[n.ID] {
			errs = append(errs, fmt.Errorf("node %d: duplicate id", n.ID))
		}

		seen[n.ID] = true

		if _, err := n.PeerSpec(); err != nil {
			errs = append(errs, err)
		}

		if _, err := medium.ParsePhyMode(n.Phy); err != nil {
			errs = append(errs, fmt.Errorf("node %d: %w", n.ID, err))
		}
	}

	return errors.Join(errs...)
}

// Apply lets the scenario override the run parameters it sets.
func (s *Scenario) Apply(c *Config) {
	if s.StopTime > 0 {
		c.StopTime = sim.FromDuration(s.StopTime)
	}

	if s.StepInterval != nil {
		c.StepInterval = sim.FromDuration(*s.StepInterval)
	}
}

// PeerSpec converts the node into what a bridge installs.
func (n NodeSpec) PeerSpec() (bridge.PeerSpec, error) {
	if n.Start < 0 || n.Stop < 0 {
		return bridge.PeerSpec{}, fmt.Errorf("node %d: negative start or stop", n.ID)
	}

	spec := bridge.PeerSpec{
		ID:    n.ID,
		App:   n.App,
		Args:  n.Args,
		Mode:  peer.ParseMode(n.Mode),
		Start: sim.FromDuration(n.Start),
		Stop:  sim.FromDuration(n.Stop),
	}

	if err := spec.Validate(); err != nil {
		return bridge.PeerSpec{}, err
	}

	return spec, nil
}

// PhyMode returns the PHY the node transmits with.
func (n NodeSpec) PhyMode() medium.PhyMode {
	m, _ := medium.ParsePhyMode(n.Phy)
	return m
}
