package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameKind is the discriminant stored in the first byte of a frame.
type FrameKind uint8

// Frame kinds on the wire.
const (
	KindData  FrameKind = 0
	KindTimer FrameKind = 1
)

// KindEmpty is never written; DecodeFrame reports it for a zeroed region.
const KindEmpty FrameKind = 0xff

// TimerType is the kind of timer a peer requests.
type TimerType uint8

// Timer types on the wire.
const (
	// TimerEvent is a deferred event timer.
	TimerEvent TimerType = 0

	// TimerRealtime is a one-shot real-time alarm.
	TimerRealtime TimerType = 1
)

func (t TimerType) String() string {
	switch t {
	case TimerEvent:
		return "event"
	case TimerRealtime:
		return "realtime"
	default:
		return fmt.Sprintf("TimerType(%d)", uint8(t))
	}
}

// Frame layout offsets.
const (
	lengthOffset        = 1
	payloadOffset       = lengthOffset + 8
	timerTypeOffset     = 1
	timerDurationOffset = 2

	// HeaderSize is the number of bytes before the payload of a data frame.
	HeaderSize = payloadOffset

	// TimerFrameSize is the number of bytes of a timer frame.
	TimerFrameSize = timerDurationOffset + 8
)

// ErrFrameTooLarge is returned when a payload does not fit in a region.
var ErrFrameTooLarge = errors.New("shm: frame exceeds region capacity")

// ErrEmptyFrame is returned when a data frame has no payload. Such a frame
// would read back as an empty region.
var ErrEmptyFrame = errors.New("shm: empty data frame")

// ErrCorruptFrame is returned when a region holds a frame that cannot be
// valid. Readers must treat it as fatal since frame boundaries are lost.
var ErrCorruptFrame = errors.New("shm: corrupt frame")

// TimerRequest asks the simulator to fire a timer after Duration virtual
// nanoseconds.
type TimerRequest struct {
	Type     TimerType
	Duration uint64
}

// A Frame is the decoded content of a region.
type Frame struct {
	Kind    FrameKind
	Payload []byte
	Timer   TimerRequest
}

// RegionSize returns the number of bytes a region needs to carry payloads of
// up to capacity bytes.
func RegionSize(capacity int) int {
	return HeaderSize + capacity
}

// Capacity returns the largest payload a region can carry.
func Capacity(region []byte) int {
	return len(region) - HeaderSize
}

// WriteFramed writes payload as a data frame. The caller must hold the mutex
// guarding the region. An oversized payload is not truncated; the region is
// left untouched and ErrFrameTooLarge is returned. An empty payload is
// rejected with ErrEmptyFrame.
func WriteFramed(region []byte, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}

	if len(payload) > Capacity(region) {
		return fmt.Errorf("%w: %d bytes, capacity %d",
			ErrFrameTooLarge, len(payload), Capacity(region))
	}

	region[0] = byte(KindData)
	binary.NativeEndian.PutUint64(region[lengthOffset:], uint64(len(payload)))
	copy(region[payloadOffset:], payload)

	return nil
}

// WriteTimer writes a timer request frame. The caller must hold the mutex
// guarding the region.
func WriteTimer(region []byte, req TimerRequest) error {
	if len(region) < TimerFrameSize {
		return fmt.Errorf("%w: timer frame needs %d bytes, region has %d",
			ErrFrameTooLarge, TimerFrameSize, len(region))
	}

	region[0] = byte(KindTimer)
	region[timerTypeOffset] = byte(req.Type)
	binary.NativeEndian.PutUint64(region[timerDurationOffset:], req.Duration)

	return nil
}

// DecodeFrame decodes the frame held in region without modifying it. The
// returned payload aliases the region.
func DecodeFrame(region []byte) (Frame, error) {
	if len(region) == 0 {
		return Frame{}, fmt.Errorf("%w: empty region", ErrCorruptFrame)
	}

	switch FrameKind(region[0]) {
	case KindData:
		if len(region) < HeaderSize {
			return Frame{}, fmt.Errorf("%w: region shorter than header",
				ErrCorruptFrame)
		}

		n := binary.NativeEndian.Uint64(region[lengthOffset:])
		if n > uint64(Capacity(region)) {
			return Frame{}, fmt.Errorf("%w: declared length %d, capacity %d",
				ErrCorruptFrame, n, Capacity(region))
		}

		if n == 0 {
			return Frame{Kind: KindEmpty}, nil
		}

		return Frame{
			Kind:    KindData,
			Payload: region[payloadOffset : payloadOffset+int(n)],
		}, nil

	case KindTimer:
		if len(region) < TimerFrameSize {
			return Frame{}, fmt.Errorf("%w: truncated timer frame",
				ErrCorruptFrame)
		}

		t := TimerType(region[timerTypeOffset])
		if t != TimerEvent && t != TimerRealtime {
			return Frame{}, fmt.Errorf("%w: unknown timer type %d",
				ErrCorruptFrame, t)
		}

		return Frame{
			Kind: KindTimer,
			Timer: TimerRequest{
				Type:     t,
				Duration: binary.NativeEndian.Uint64(region[timerDurationOffset:]),
			},
		}, nil

	default:
		return Frame{}, fmt.Errorf("%w: unknown discriminant %d",
			ErrCorruptFrame, region[0])
	}
}

// ReadFramed decodes the frame in region, copies the payload into a freshly
// allocated buffer and zeroes the region so a later read cannot observe a
// stale payload. The caller must hold the mutex guarding the region. A
// corrupt region is left as is.
func ReadFramed(region []byte) (Frame, error) {
	f, err := DecodeFrame(region)
	if err != nil {
		return Frame{}, err
	}

	if f.Kind == KindData {
		f.Payload = append([]byte(nil), f.Payload...)
	}

	clear(region)

	return f, nil
}

// PutTime stores t into an 8-byte time cell.
func PutTime(cell []byte, t uint64) {
	binary.NativeEndian.PutUint64(cell, t)
}

// GetTime loads the value of an 8-byte time cell.
func GetTime(cell []byte) uint64 {
	return binary.NativeEndian.Uint64(cell)
}
