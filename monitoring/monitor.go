// Package monitoring serves the state of a running kernel over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime/pprof"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/xvkernel/datarecording"
	"github.com/sarchlab/xvkernel/kernel"
	"github.com/sarchlab/xvkernel/monitoring/web"
	"github.com/sarchlab/xvkernel/sim/id"
)

// Monitor turns a kernel into a server so that it can be watched while it
// runs.
type Monitor struct {
	kernel     *kernel.Kernel
	trace      *datarecording.Trace
	portNumber int
	ids        id.IDGenerator

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{ids: id.NewIDGenerator()}
}

// WithPortNumber sets the port number of the monitor.
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

// RegisterKernel registers the kernel to be monitored.
func (m *Monitor) RegisterKernel(k *kernel.Kernel) {
	m.kernel = k
}

// RegisterTrace serves the events recorded by t.
func (m *Monitor) RegisterTrace(t *datarecording.Trace) {
	m.trace = t
}

// TrackProcesses creates a progress bar that follows the processes of the
// registered kernel.
func (m *Monitor) TrackProcesses(name string) *ProgressBar {
	bar := m.CreateProgressBar(name, 0)
	m.kernel.AcceptHook(bar)

	return bar
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        m.ids.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/procs", m.listProcs)
	r.HandleFunc("/api/procs/{pid}", m.procDetails)
	r.HandleFunc("/api/frames", m.listFrames)
	r.HandleFunc("/api/mmaps", m.listMappings)
	r.HandleFunc("/api/swap", m.swapStats)
	r.HandleFunc("/api/trace", m.listTraceTables)
	r.HandleFunc("/api/trace/{table}", m.listTraceEvents)
	r.HandleFunc("/api/inspect/{name}", m.inspect)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts the monitor as a web server and returns its address.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	addr := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	fmt.Fprintf(os.Stderr, "Monitoring kernel with %s\n", addr)

	go func() {
		err := http.Serve(listener, m.Handler())
		dieOnErr(err)
	}()

	return addr
}

// OpenInBrowser opens the page at addr in the default browser.
func (m *Monitor) OpenInBrowser(addr string) error {
	return browser.OpenURL(addr)
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "{\"ticks\":%d}", m.kernel.Table().Ticks())
}

func (m *Monitor) listProcs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.kernel.Table().Snapshot())
}

func (m *Monitor) procDetails(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(mux.Vars(r)["pid"])
	if err != nil {
		http.Error(w, "Invalid pid", http.StatusBadRequest)
		return
	}

	info, ok := m.kernel.Table().Lookup(pid)
	if !ok {
		http.Error(w, "Process not found", http.StatusNotFound)
		return
	}

	writeJSON(w, info)
}

type framesRsp struct {
	NumFrames int `json:"num_frames"`
	NumFree   int `json:"num_free"`
	Frames    any `json:"frames"`
}

func (m *Monitor) listFrames(w http.ResponseWriter, _ *http.Request) {
	alloc := m.kernel.Allocator()

	writeJSON(w, framesRsp{
		NumFrames: alloc.NumFrames(),
		NumFree:   alloc.NumFree(),
		Frames:    alloc.Snapshot(),
	})
}

func (m *Monitor) listMappings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.kernel.Mappings().Snapshot())
}

func (m *Monitor) swapStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.kernel.Tracker().Stats())
}

func (m *Monitor) listTraceTables(w http.ResponseWriter, _ *http.Request) {
	if m.trace == nil {
		writeJSON(w, []string{})
		return
	}

	writeJSON(w, m.trace.Tables())
}

type traceRsp struct {
	Total  int   `json:"total"`
	Events []any `json:"events"`
}

// listTraceEvents answers /api/trace/{table}?from=&to=&pid=&event=&limit=&offset=.
func (m *Monitor) listTraceEvents(w http.ResponseWriter, r *http.Request) {
	if m.trace == nil {
		http.Error(w, "Kernel is not being recorded", http.StatusNotFound)
		return
	}

	table := mux.Vars(r)["table"]
	if !slices.Contains(m.trace.Tables(), table) {
		http.Error(w, "Table not found", http.StatusNotFound)
		return
	}

	filter, err := parseEventFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, total, err := m.trace.Events(r.Context(), table, filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, traceRsp{Total: total, Events: events})
}

func parseEventFilter(q url.Values) (datarecording.EventFilter, error) {
	f := datarecording.EventFilter{Event: q.Get("event")}

	uints := map[string]*uint64{"from": &f.FromTick, "to": &f.ToTick}
	for name, dst := range uints {
		if v := q.Get(name); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return f, fmt.Errorf("invalid %s: %w", name, err)
			}

			*dst = n
		}
	}

	ints := map[string]*int{"pid": &f.PID, "limit": &f.Limit, "offset": &f.Offset}
	for name, dst := range ints {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("invalid %s %q", name, v)
			}

			*dst = n
		}
	}

	return f, nil
}

// component returns the kernel part with the given name.
func (m *Monitor) component(name string) any {
	switch name {
	case "table":
		return m.kernel.Table()
	case "allocator":
		return m.kernel.Allocator()
	case "tracker":
		return m.kernel.Tracker()
	case "mappings":
		return m.kernel.Mappings()
	case "fs":
		return m.kernel.FS()
	default:
		return nil
	}
}

func (m *Monitor) findComponentOr404(w http.ResponseWriter, name string) any {
	c := m.component(name)
	if c == nil {
		http.Error(w, "Component not found", http.StatusNotFound)
	}

	return c
}

func (m *Monitor) inspect(w http.ResponseWriter, r *http.Request) {
	c := m.findComponentOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(c)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := m.findComponentOr404(w, req.CompName)
	if c == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(c)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	writeJSON(w, m.progressBars)
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

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(time.Second)

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
