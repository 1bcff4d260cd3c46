package peerside

import (
	"errors"
	"slices"

	"github.com/sarchlab/simbridge/ipcsync"
)

// Echo runs a peer that sends greeting on its first step, if greeting is not
// empty, and then sends back every packet it receives, one per step. It
// returns nil once the node is interrupted.
func Echo(n *Node, greeting []byte) error {
	var queue [][]byte

	if len(greeting) > 0 {
		queue = append(queue, slices.Clone(greeting))
	}

	for {
		if len(queue) > 0 {
			if err := n.Send(queue[0]); err != nil {
				return err
			}

			queue = queue[1:]
		}

		if _, err := n.Step(); err != nil {
			if errors.Is(err, ipcsync.ErrClosed) {
				return nil
			}

			return err
		}

		p, ok, err := n.Receive()
		if err != nil {
			return err
		}

		if ok {
			queue = append(queue, p)
		}
	}
}
