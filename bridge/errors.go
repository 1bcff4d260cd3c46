package bridge

import (
	"errors"
	"fmt"
	"math"

	"github.com/tebeka/atexit"
)

// ErrUnknownNode is returned when a node id is not installed.
var ErrUnknownNode = errors.New("bridge: unknown node")

// ErrDuplicateNode is returned when a node id is installed twice.
var ErrDuplicateNode = errors.New("bridge: duplicate node")

// ErrDoubleAck is reported when a node acknowledges a step it was never
// released for. The peer broke the rendezvous protocol.
var ErrDoubleAck = errors.New("bridge: acknowledgment without release")

// GlobalNodeID is the NodeID of a FatalError that concerns resources shared
// by every node.
const GlobalNodeID = math.MaxUint32

// FatalError is an error the run cannot recover from. It names the node and
// the operation that failed.
type FatalError struct {
	NodeID uint32
	Op     string
	Err    error
}

func (e *FatalError) Error() string {
	if e.NodeID == GlobalNodeID {
		return fmt.Sprintf("simbridge: %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("simbridge: node %d: %s: %v", e.NodeID, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatalf(nodeID uint32, op string, err error) *FatalError {
	return &FatalError{NodeID: nodeID, Op: op, Err: err}
}

// A FatalHandler is told about errors that must halt the run. It may be
// called from any goroutine.
type FatalHandler func(err *FatalError)

// ExitOnFatal runs every cleanup registered with atexit, then exits the
// process with the error as the diagnostic.
func ExitOnFatal(err *FatalError) {
	atexit.Fatal(err)
}
