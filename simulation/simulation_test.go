package simulation

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/simbridge/bridge"
	"github.com/sarchlab/simbridge/config"
	"github.com/sarchlab/simbridge/datarecording"
	"github.com/sarchlab/simbridge/medium"
	"github.com/sarchlab/simbridge/peer"
	"github.com/sarchlab/simbridge/shm"
	"github.com/sarchlab/simbridge/sim"
	"github.com/sarchlab/simbridge/tracing"
)

type fatalRecorder struct {
	mu   sync.Mutex
	errs []*bridge.FatalError
}

func (r *fatalRecorder) handle(fe *bridge.FatalError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, fe)
}

func (r *fatalRecorder) all() []*bridge.FatalError {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*bridge.FatalError(nil), r.errs...)
}

var _ = Describe("Simulation", func() {
	var (
		dir    string
		cfg    config.Config
		fatals *fatalRecorder
	)

	build := func(c config.Config) *Simulation {
		s, err := MakeBuilder().
			WithConfig(c).
			WithLauncher(&peer.Supervisor{
				Env:    []string{peerEnv + "=1"},
				Stderr: GinkgoWriter,
			}).
			WithFatalHandler(fatals.handle).
			Build()
		Expect(err).NotTo(HaveOccurred())

		return s
	}

	echoSpec := func(id uint32, greeting ...string) bridge.PeerSpec {
		return bridge.PeerSpec{
			ID:   id,
			App:  os.Args[0],
			Args: greeting,
			Mode: peer.ModePhyOverlay,
		}
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		fatals = &fatalRecorder{}

		cfg = config.Default()
		cfg.Dir = dir
		cfg.StopTime = 10 * sim.Millisecond
	})

	AfterEach(func() {
		Expect(fatals.all()).To(BeEmpty())

		entries, err := os.ReadDir(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})

	It("should pass packets between peers through the channel", func() {
		cfg.RecordPath = filepath.Join(GinkgoT().TempDir(), "run")
		s := build(cfg)

		_, err := s.Install(echoSpec(1, "ping"), medium.PhyOQPSK2400)
		Expect(err).NotTo(HaveOccurred())
		_, err = s.Install(echoSpec(2), medium.PhyOQPSK2400)
		Expect(err).NotTo(HaveOccurred())

		Expect(s.Run()).To(Succeed())
		Expect(s.Terminate()).To(Succeed())

		reader, err := datarecording.NewReader(cfg.RecordPath + ".sqlite3")
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		reader.MapTable(tracing.PacketTable, tracing.PacketEntry{})

		rows, _, err := reader.Query(context.Background(), tracing.PacketTable,
			datarecording.QueryParams{OrderBy: "Time, NodeID"})
		Expect(err).NotTo(HaveOccurred())
		Expect(len(rows)).To(BeNumerically(">=", 3))

		airtime := uint64(medium.TxDuration(medium.PhyOQPSK2400, 4))
		Expect(rows[0]).To(Equal(&tracing.PacketEntry{
			NodeID: 1, Direction: tracing.DirectionFromPeer, Size: 4, Time: 0,
		}))
		Expect(rows[1]).To(Equal(&tracing.PacketEntry{
			NodeID: 2, Direction: tracing.DirectionToPeer, Size: 4, Time: airtime,
		}))

		var echoed bool
		for _, r := range rows {
			p := r.(*tracing.PacketEntry)
			if p.NodeID == 2 && p.Direction == tracing.DirectionFromPeer {
				echoed = true
				Expect(p.Time).To(BeNumerically(">", airtime))
			}
		}
		Expect(echoed).To(BeTrue())
	})

	It("should install every node of a scenario", func() {
		s := build(cfg)
		defer s.Terminate()

		sc, err := config.ParseScenario([]byte(`
nodes:
  - {id: 4, app: ` + os.Args[0] + `, mode: MACPHYOVERLAY, phy: ASK_868}
  - {id: 5, app: ` + os.Args[0] + `, mode: PHYOVERLAY, start: 3ms}
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(s.InstallScenario(sc)).To(Succeed())

		Expect(s.GetBridge().Nodes()).To(HaveLen(2))

		Expect(s.Run()).To(Succeed())
		Expect(s.GetBridge().Nodes()).To(BeEmpty())
	})

	It("should reject a node id used twice", func() {
		s := build(cfg)
		defer s.Terminate()

		spec := echoSpec(1)
		spec.Start = 5 * sim.Millisecond

		_, err := s.Install(spec, medium.PhyOQPSK2400)
		Expect(err).NotTo(HaveOccurred())

		_, err = s.Install(spec, medium.PhyOQPSK2400)
		Expect(err).To(HaveOccurred())
	})

	It("should detach a rejected node from the channel", func() {
		s := build(cfg)
		defer s.Terminate()

		bad := echoSpec(1)
		bad.App = ""

		_, err := s.Install(bad, medium.PhyOQPSK2400)
		Expect(err).To(MatchError(bridge.ErrInvalidSpec))

		Expect(s.GetChannel().Attach(1, peer.ModePhyOverlay, medium.PhyOQPSK2400)).
			To(Succeed())
	})

	It("should remove stale objects when asked", func() {
		stale := filepath.Join(dir, shm.InboundName(cfg.Prefix, 1))
		Expect(os.WriteFile(stale, nil, 0o644)).To(Succeed())

		cfg.ForceClear = true
		s := build(cfg)
		defer s.Terminate()

		Expect(stale).NotTo(BeAnExistingFile())
	})

	It("should reject an invalid configuration", func() {
		cfg.PayloadCapacity = 0

		_, err := MakeBuilder().WithConfig(cfg).Build()
		Expect(err).To(HaveOccurred())
	})

	It("should serve the monitor while running", func() {
		cfg.MonitorPort = 0
		s := build(cfg)

		Expect(s.GetMonitor()).NotTo(BeNil())
		Expect(s.GetDataRecorder()).To(BeNil())
		Expect(s.ID()).NotTo(BeEmpty())

		Expect(s.Terminate()).To(Succeed())
		Expect(s.Terminate()).To(Succeed())
	})
})
