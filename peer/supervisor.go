package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/rbmk-project/common/errclass"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
)

// ErrNotRunning is returned when an operation needs a live process that the
// supervisor does not have.
var ErrNotRunning = errors.New("peer: process not running")

// ErrAlreadySpawned is returned when Spawn is called on a node that left the
// Created state.
var ErrAlreadySpawned = errors.New("peer: node already spawned")

// A Signaler delivers signals to processes.
type Signaler interface {
	Signal(pid int, sig unix.Signal) error
}

type unixSignaler struct{}

func (unixSignaler) Signal(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

// Stats is a resource usage snapshot of a peer process.
type Stats struct {
	Pid        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSS        uint64  `json:"rss"`
}

type proc struct {
	node   *PeerNode
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

// A Supervisor starts, suspends, resumes and reaps peer processes. The zero
// value is ready to use.
type Supervisor struct {
	// Env is appended to the environment of every child.
	Env []string

	// Stdout and Stderr receive the output of every child. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// OnExit is called from the reaping goroutine when a process exits
	// without having been terminated by the supervisor.
	OnExit func(n *PeerNode, err error)

	// Signaler delivers suspend and resume signals. Nil means unix.Kill.
	Signaler Signaler

	// Logger is optional.
	Logger *slog.Logger

	mu    sync.Mutex
	procs map[uint32]*proc
}

func (s *Supervisor) signaler() Signaler {
	if s.Signaler == nil {
		return unixSignaler{}
	}

	return s.Signaler
}

// Spawn starts the process of n and suspends it right away. The IPC
// resources of the node must exist before Spawn is called. The child finds
// them through env, which is added to Env.
func (s *Supervisor) Spawn(n *PeerNode, env ...string) (int, error) {
	if n.State() != StateCreated {
		return 0, fmt.Errorf("%w: %s", ErrAlreadySpawned, n)
	}

	cmd := exec.Command(n.App, n.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...), env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("peer: spawn %s: %w", n, err)
	}

	pid := cmd.Process.Pid
	if err := s.signaler().Signal(pid, unix.SIGSTOP); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()

		return 0, fmt.Errorf("peer: suspend %s after spawn: %w", n, err)
	}

	p := &proc{node: n, cmd: cmd, exited: make(chan struct{})}

	s.mu.Lock()
	if s.procs == nil {
		s.procs = make(map[uint32]*proc)
	}
	s.procs[n.ID] = p
	s.mu.Unlock()

	n.setPid(pid)
	n.advance(StateStarted)

	s.log("spawned", n, slog.Int("pid", pid))

	go s.reap(p)

	return pid, nil
}

func (s *Supervisor) reap(p *proc) {
	p.err = p.cmd.Wait()
	close(p.exited)

	expected := p.node.State() >= StateStopping
	p.node.advance(StateTerminated)

	if expected {
		return
	}

	if s.Logger != nil {
		s.Logger.Warn(
			"peerExited",
			slog.Uint64("node", uint64(p.node.ID)),
			slog.Int("pid", p.cmd.Process.Pid),
			slog.Any("err", p.err),
			slog.String("errClass", errclass.New(p.err)),
		)
	}

	if s.OnExit != nil {
		s.OnExit(p.node, p.err)
	}
}

func (s *Supervisor) live(n *PeerNode) (*proc, error) {
	s.mu.Lock()
	p := s.procs[n.ID]
	s.mu.Unlock()

	if p == nil || p.node != n {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, n)
	}

	select {
	case <-p.exited:
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, n)
	default:
		return p, nil
	}
}

// Suspend stops the process of n with SIGSTOP.
func (s *Supervisor) Suspend(n *PeerNode) error {
	p, err := s.live(n)
	if err != nil {
		return err
	}

	if err := s.signaler().Signal(p.cmd.Process.Pid, unix.SIGSTOP); err != nil {
		return fmt.Errorf("peer: suspend %s: %w", n, err)
	}

	return nil
}

// Resume continues the process of n with SIGCONT and marks it Running.
func (s *Supervisor) Resume(n *PeerNode) error {
	p, err := s.live(n)
	if err != nil {
		return err
	}

	if err := s.signaler().Signal(p.cmd.Process.Pid, unix.SIGCONT); err != nil {
		return fmt.Errorf("peer: resume %s: %w", n, err)
	}

	n.advance(StateRunning)
	s.log("resumed", n)

	return nil
}

// Terminate kills the process of n and waits until it is reaped. A process
// that already exited, or one the supervisor never started, is not an error.
func (s *Supervisor) Terminate(n *PeerNode) error {
	s.mu.Lock()
	p := s.procs[n.ID]
	delete(s.procs, n.ID)
	s.mu.Unlock()

	n.advance(StateStopping)

	if p == nil {
		n.advance(StateTerminated)
		return nil
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("peer: kill %s: %w", n, err)
	}

	<-p.exited
	s.log("terminated", n)

	return nil
}

// TerminateAll terminates every process the supervisor owns.
func (s *Supervisor) TerminateAll() error {
	s.mu.Lock()
	nodes := make([]*PeerNode, 0, len(s.procs))
	for _, p := range s.procs {
		nodes = append(nodes, p.node)
	}
	s.mu.Unlock()

	var errv []error
	for _, n := range nodes {
		errv = append(errv, s.Terminate(n))
	}

	return errors.Join(errv...)
}

// Alive reports whether the process of n exists and has not been reaped.
func (s *Supervisor) Alive(n *PeerNode) bool {
	p, err := s.live(n)
	if err != nil {
		return false
	}

	ok, err := process.PidExists(int32(p.cmd.Process.Pid))

	return err == nil && ok
}

// Stats samples the resource usage of the process of n.
func (s *Supervisor) Stats(n *PeerNode) (Stats, error) {
	p, err := s.live(n)
	if err != nil {
		return Stats{}, err
	}

	pid := p.cmd.Process.Pid

	ps, err := process.NewProcess(int32(pid))
	if err != nil {
		return Stats{}, fmt.Errorf("peer: stats %s: %w", n, err)
	}

	cpu, err := ps.CPUPercent()
	if err != nil {
		return Stats{}, fmt.Errorf("peer: stats %s: %w", n, err)
	}

	mem, err := ps.MemoryInfo()
	if err != nil {
		return Stats{}, fmt.Errorf("peer: stats %s: %w", n, err)
	}

	return Stats{Pid: pid, CPUPercent: cpu, RSS: mem.RSS}, nil
}

func (s *Supervisor) log(msg string, n *PeerNode, attrs ...slog.Attr) {
	if s.Logger == nil {
		return
	}

	attrs = append(attrs,
		slog.Uint64("node", uint64(n.ID)),
		slog.String("app", n.App),
		slog.String("mode", n.Mode.String()),
	)
	s.Logger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}
