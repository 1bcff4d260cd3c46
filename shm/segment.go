package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultDir is where shm_open keeps its objects on Linux.
const DefaultDir = "/dev/shm"

// ErrAllocation is returned when a segment cannot be created, most often
// because a segment with the same name survived a crashed run.
var ErrAllocation = errors.New("shm: allocation failed")

// ErrSegmentTooSmall is returned when an existing segment is smaller than the
// size the caller expects to map.
var ErrSegmentTooSmall = errors.New("shm: segment too small")

// A Segment is a named shared memory object mapped into this process.
type Segment struct {
	name string
	path string
	data []byte
}

// Create creates a new segment of the given size and maps it. It fails with
// ErrAllocation if a segment with the same name already exists.
func Create(dir, name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d for %s", ErrAllocation, size, name)
	}

	path := filepath.Join(dir, name)
	fd, err := unix.Open(path,
		unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrAllocation, name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: ftruncate %s: %w", ErrAllocation, name, err)
	}

	data, err := unix.Mmap(fd, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: mmap %s: %w", ErrAllocation, name, err)
	}

	return &Segment{name: name, path: path, data: data}, nil
}

// Open maps an existing segment. The peer side uses Open on the names the
// simulator created.
func Open(dir, name string, size int) (*Segment, error) {
	path := filepath.Join(dir, name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("shm: stat %s: %w", name, err)
	}

	if st.Size < int64(size) {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d",
			ErrSegmentTooSmall, name, st.Size, size)
	}

	data, err := unix.Mmap(fd, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Segment{name: name, path: path, data: data}, nil
}

// Name returns the name of the segment.
func (s *Segment) Name() string {
	return s.name
}

// Size returns the mapped size in bytes.
func (s *Segment) Size() int {
	return len(s.data)
}

// Bytes returns the mapped memory. The slice becomes invalid after Close.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Close unmaps the segment. Closing twice is a no-op.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}

	data := s.data
	s.data = nil

	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("shm: munmap %s: %w", s.name, err)
	}

	return nil
}

// Unlink removes the name of the segment from the system.
func (s *Segment) Unlink() error {
	return Unlink(filepath.Dir(s.path), s.name)
}

// Unlink removes a segment name. Unlinking a name that does not exist is not
// an error.
func Unlink(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("shm: unlink %s: %w", name, err)
	}

	return nil
}

// ForceClear removes every object under dir whose name starts with the
// prefix followed by an underscore. It returns the names it removed. It is
// meant to clean up after a crashed run, before any node allocates.
func ForceClear(dir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"_*"))
	if err != nil {
		return nil, fmt.Errorf("shm: clear %s: %w", prefix, err)
	}

	var (
		removed []string
		errv    []error
	)

	for _, m := range matches {
		name := filepath.Base(m)
		if err := Unlink(dir, name); err != nil {
			errv = append(errv, err)
			continue
		}

		removed = append(removed, name)
	}

	return removed, errors.Join(errv...)
}
