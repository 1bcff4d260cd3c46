// Package ipcsync provides named cross-process synchronization primitives.
//
// A Semaphore is backed by a named FIFO. Each byte in the FIFO buffer is a
// token: Post writes one byte and Wait blocks until it can read one. Any
// process that opens the name shares the same counter, which is what lets the
// simulator and a peer process rendezvous without sharing an address space.
package ipcsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrAllocation is returned when a primitive cannot be created, most often
// because a stale one with the same name is left from an earlier run.
var ErrAllocation = errors.New("ipcsync: allocation failed")

// ErrClosed is returned by Wait and Post after Close.
var ErrClosed = errors.New("ipcsync: semaphore closed")

var token = []byte{1}

// A Semaphore is a counting semaphore shared between processes.
type Semaphore struct {
	name string
	path string
	f    *os.File
}

// CreateSemaphore creates a new named semaphore holding initial tokens. It
// fails with ErrAllocation if the name already exists.
func CreateSemaphore(dir, name string, initial int) (*Semaphore, error) {
	path := filepath.Join(dir, name)

	if err := unix.Mkfifo(path, 0o644); err != nil {
		return nil, fmt.Errorf("%w: mkfifo %s: %w", ErrAllocation, name, err)
	}

	s, err := open(path, name)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	for i := 0; i < initial; i++ {
		if err := s.Post(); err != nil {
			_ = s.Close()
			_ = os.Remove(path)

			return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
		}
	}

	return s, nil
}

// OpenSemaphore opens a semaphore created by another process.
func OpenSemaphore(dir, name string) (*Semaphore, error) {
	path := filepath.Join(dir, name)

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ipcsync: open %s: %w", name, err)
	}

	if fi.Mode()&os.ModeNamedPipe == 0 {
		return nil, fmt.Errorf("ipcsync: open %s: not a semaphore", name)
	}

	return open(path, name)
}

func open(path, name string) (*Semaphore, error) {
	// O_RDWR keeps the open from blocking on a missing reader or writer.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ipcsync: open %s: %w", name, err)
	}

	return &Semaphore{name: name, path: path, f: f}, nil
}

// Name returns the name of the semaphore.
func (s *Semaphore) Name() string {
	return s.name
}

// Wait blocks until a token is available and takes it.
func (s *Semaphore) Wait() error {
	var b [1]byte

	for {
		n, err := s.f.Read(b[:])
		if n == 1 {
			return nil
		}

		if err != nil {
			return s.wrap("wait", err)
		}
	}
}

// Post releases one token.
func (s *Semaphore) Post() error {
	if _, err := s.f.Write(token); err != nil {
		return s.wrap("post", err)
	}

	return nil
}

func (s *Semaphore) wrap(op string, err error) error {
	if errors.Is(err, os.ErrClosed) {
		return ErrClosed
	}

	return fmt.Errorf("ipcsync: %s %s: %w", op, s.name, err)
}

// Close releases the handle of this process. A goroutine blocked in Wait
// returns ErrClosed. Closing twice is a no-op.
func (s *Semaphore) Close() error {
	err := s.f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}

	return err
}

// Unlink removes the name. Processes that still hold the semaphore open keep
// using it. Unlinking a missing name is not an error.
func (s *Semaphore) Unlink() error {
	return Unlink(filepath.Dir(s.path), s.name)
}

// Unlink removes a semaphore name.
func Unlink(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ipcsync: unlink %s: %w", name, err)
	}

	return nil
}

// A Mutex is a Semaphore that starts with exactly one token.
type Mutex struct {
	*Semaphore
}

// CreateMutex creates a new unlocked named mutex.
func CreateMutex(dir, name string) (*Mutex, error) {
	s, err := CreateSemaphore(dir, name, 1)
	if err != nil {
		return nil, err
	}

	return &Mutex{s}, nil
}

// OpenMutex opens a mutex created by another process.
func OpenMutex(dir, name string) (*Mutex, error) {
	s, err := OpenSemaphore(dir, name)
	if err != nil {
		return nil, err
	}

	return &Mutex{s}, nil
}

// Lock acquires the mutex.
func (m *Mutex) Lock() error {
	return m.Wait()
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() error {
	return m.Post()
}
