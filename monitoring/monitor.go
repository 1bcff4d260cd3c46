// Package monitoring serves an HTTP API to watch and control a running
// bridge.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/sarchlab/simbridge/bridge"
	"github.com/sarchlab/simbridge/monitoring/web"
	"github.com/sarchlab/simbridge/peer"
	"github.com/sarchlab/simbridge/sim"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// NodeLister lists the installed nodes. *bridge.Bridge implements it.
type NodeLister interface {
	Nodes() []*bridge.NodeHandle
	Node(id uint32) (*bridge.NodeHandle, bool)
}

// StatsReader reports the resource usage of a peer process.
// *peer.Supervisor implements it.
type StatsReader interface {
	Stats(n *peer.PeerNode) (peer.Stats, error)
}

// Monitor can turn a simulation into a server and allows external monitoring
// controlling of the simulation.
type Monitor struct {
	engine      sim.Engine
	nodes       NodeLister
	stats       StatsReader
	stopTime    sim.VTimeInNs
	portNumber  int
	openBrowser bool

	server *http.Server
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor. Zero picks a free port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the monitoring page.
func (m *Monitor) WithBrowser() *Monitor {
	m.openBrowser = true
	return m
}

// RegisterEngine registers the engine that is used in the simulation.
func (m *Monitor) RegisterEngine(e sim.Engine) {
	m.engine = e
}

// RegisterNodes registers where the nodes are listed.
func (m *Monitor) RegisterNodes(n NodeLister) {
	m.nodes = n
}

// RegisterStatsReader registers where peer resource usage is read.
func (m *Monitor) RegisterStatsReader(s StatsReader) {
	m.stats = s
}

// SetStopTime sets the time the run ends at, for progress reports.
func (m *Monitor) SetStopTime(t sim.VTimeInNs) {
	m.stopTime = t
}

// Router returns the routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pauseEngine)
	r.HandleFunc("/api/continue", m.continueEngine)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/progress", m.progress)
	r.HandleFunc("/api/nodes", m.listNodes)
	r.HandleFunc("/api/node/{id:[0-9]+}", m.nodeDetails)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts serving in the background and returns the URL of the
// monitoring page.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", fmt.Errorf("monitoring: %w", err)
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring simulation with %s\n", url)

	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("monitoring: %v", err)
		}
	}()

	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open browser: %v\n", err)
		}
	}

	return url, nil
}

// Close stops the server.
func (m *Monitor) Close() error {
	if m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return m.server.Shutdown(ctx)
}

func (m *Monitor) pauseEngine(w http.ResponseWriter, _ *http.Request) {
	m.engine.Pause()
	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) continueEngine(w http.ResponseWriter, _ *http.Request) {
	m.engine.Continue()
	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "{\"now\":%d}", uint64(m.engine.CurrentTime()))
}

type progressRsp struct {
	Now      uint64  `json:"now"`
	StopTime uint64  `json:"stop_time"`
	Percent  float64 `json:"percent"`
}

func (m *Monitor) progress(w http.ResponseWriter, _ *http.Request) {
	rsp := progressRsp{
		Now:      uint64(m.engine.CurrentTime()),
		StopTime: uint64(m.stopTime),
	}

	if m.stopTime > 0 {
		rsp.Percent = min(100, 100*float64(rsp.Now)/float64(rsp.StopTime))
	}

	writeJSON(w, rsp)
}

type nodeRsp struct {
	ID    uint32      `json:"id"`
	App   string      `json:"app"`
	Args  []string    `json:"args"`
	Mode  string      `json:"mode"`
	State string      `json:"state"`
	Pid   int         `json:"pid"`
	Start uint64      `json:"start"`
	Stop  uint64      `json:"stop"`
	Stats *peer.Stats `json:"stats,omitempty"`
}

func (m *Monitor) describe(h *bridge.NodeHandle) *nodeRsp {
	rsp := &nodeRsp{
		ID:    h.ID(),
		App:   h.Spec.App,
		Args:  h.Spec.Args,
		Mode:  h.Spec.Mode.String(),
		Start: uint64(h.Spec.Start),
		Stop:  uint64(h.Spec.Stop),
		State: h.Peer.State().String(),
		Pid:   h.Peer.Pid(),
	}

	if m.stats != nil {
		if s, err := m.stats.Stats(h.Peer); err == nil {
			rsp.Stats = &s
		}
	}

	return rsp
}

func (m *Monitor) listNodes(w http.ResponseWriter, _ *http.Request) {
	rsp := []*nodeRsp{}
	for _, h := range m.nodes.Nodes() {
		rsp = append(rsp, m.describe(h))
	}

	writeJSON(w, rsp)
}

func (m *Monitor) nodeDetails(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h, ok := m.nodes.Node(uint32(id))
	if !ok {
		http.Error(w, "Node not found", http.StatusNotFound)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(m.describe(h))
	serializer.SetMaxDepth(2)
	err = serializer.Serialize(w)

	dieOnErr(err)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second
	if s := r.URL.Query().Get("duration"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			http.Error(w, "invalid duration", http.StatusBadRequest)
			return
		}

		duration = d
	}

	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(duration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
