package medium

import (
	"fmt"
	"math"
	"strings"

	"github.com/sarchlab/simbridge/sim"
)

// PhyMode selects an IEEE 802.15.4-2006 physical layer.
type PhyMode int

// The supported PHY modes. The zero value is the 2.4 GHz O-QPSK PHY.
const (
	PhyOQPSK2400 PhyMode = iota
	PhyBPSK868
	PhyOQPSK868
	PhyASK868
)

type phyParams struct {
	symbolRate    float64 // symbols per second
	bitsPerSymbol int
	preamble      sim.VTimeInNs
	sfdSymbols    int
}

func (m PhyMode) params() phyParams {
	switch m {
	case PhyBPSK868:
		return phyParams{20000, 1, 1600 * sim.Microsecond, 8}
	case PhyOQPSK868:
		return phyParams{25000, 4, 320 * sim.Microsecond, 2}
	case PhyASK868:
		return phyParams{12500, 20, 160 * sim.Microsecond, 1}
	default:
		return phyParams{62500, 4, 128 * sim.Microsecond, 2}
	}
}

func (m PhyMode) String() string {
	switch m {
	case PhyOQPSK2400:
		return "OQPSK_2400"
	case PhyBPSK868:
		return "BPSK_868"
	case PhyOQPSK868:
		return "OQPSK_868"
	case PhyASK868:
		return "ASK_868"
	default:
		return fmt.Sprintf("PhyMode(%d)", int(m))
	}
}

// ParsePhyMode converts the names String returns. The empty string gives the
// default PHY.
func ParsePhyMode(s string) (PhyMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "OQPSK_2400":
		return PhyOQPSK2400, nil
	case "BPSK_868":
		return PhyBPSK868, nil
	case "OQPSK_868":
		return PhyOQPSK868, nil
	case "ASK_868":
		return PhyASK868, nil
	default:
		return 0, fmt.Errorf("medium: unknown PHY mode %q", s)
	}
}

// TxDuration returns how long a frame of size bytes occupies the air: the
// preamble plus the payload and SFD symbols, rounded to whole microseconds.
func TxDuration(mode PhyMode, size int) sim.VTimeInNs {
	p := mode.params()

	symbols := math.Ceil(float64(size*8)/float64(p.bitsPerSymbol)) +
		float64(p.sfdSymbols)
	us := math.RoundToEven(symbols / (p.symbolRate * 1e-6))

	return p.preamble + sim.VTimeInNs(us)*sim.Microsecond
}
