package medium

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/simbridge/sim"
)

var _ = Describe("TxDuration", func() {
	DescribeTable("should follow the PHY timing",
		func(mode PhyMode, size int, want sim.VTimeInNs) {
			Expect(TxDuration(mode, size)).To(Equal(want))
		},
		Entry("O-QPSK 2.4GHz", PhyOQPSK2400, 10, 480*sim.Microsecond),
		Entry("BPSK 868MHz", PhyBPSK868, 10, 6000*sim.Microsecond),
		Entry("O-QPSK 868MHz", PhyOQPSK868, 10, 1200*sim.Microsecond),
		Entry("ASK 868MHz", PhyASK868, 10, 560*sim.Microsecond),
		Entry("ASK rounds a partial symbol up", PhyASK868, 1, 320*sim.Microsecond),
		Entry("empty frame", PhyOQPSK2400, 0, 160*sim.Microsecond),
	)

	It("should parse the names it prints", func() {
		for _, m := range []PhyMode{PhyOQPSK2400, PhyBPSK868, PhyOQPSK868, PhyASK868} {
			parsed, err := ParsePhyMode(m.String())
			Expect(err).NotTo(HaveOccurred())
			Expect(parsed).To(Equal(m))
		}

		m, err := ParsePhyMode("")
		Expect(err).NotTo(HaveOccurred())
		Expect(m).To(Equal(PhyOQPSK2400))

		_, err = ParsePhyMode("FSK")
		Expect(err).To(HaveOccurred())
		Expect(PhyMode(9).String()).To(Equal("PhyMode(9)"))
	})
})
