// Package monitor turns a running driver into a web server so device,
// queue, and copy state can be inspected from a browser while
// workloads run.
package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/yokote/device"
	"github.com/sarchlab/yokote/driver"
)

// Monitor serves the state of one driver over HTTP.
type Monitor struct {
	driver     *driver.Driver
	portNumber int
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterDriver registers the driver to be monitored.
func (m *Monitor) RegisterDriver(d *driver.Driver) {
	m.driver = d
}

// StartServer starts the monitor as a web server, on a random free
// port unless one was configured. It returns the port actually bound.
func (m *Monitor) StartServer() int {
	r := mux.NewRouter()

	r.HandleFunc("/api/devices", m.listDevices)
	r.HandleFunc("/api/device/{name}", m.deviceDetails)
	r.HandleFunc("/api/device/{name}/reset", m.resetDevice)
	r.HandleFunc("/api/queues", m.listQueues)
	r.HandleFunc("/api/copies", m.listCopies)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.HandleFunc("/", m.index)
	http.Handle("/", r)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	port := listener.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(os.Stderr,
		"Monitoring driver with http://localhost:%d\n", port)

	go func() {
		err = http.Serve(listener, nil)
		dieOnErr(err)
	}()

	return port
}

func (m *Monitor) index(w http.ResponseWriter, _ *http.Request) {
	endpoints := []string{
		"/api/devices",
		"/api/device/{name}",
		"/api/device/{name}/reset",
		"/api/queues",
		"/api/copies",
		"/api/resource",
		"/api/profile",
	}

	bytes, err := json.Marshal(endpoints)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) listDevices(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, "[")
	for i, name := range m.driver.DeviceNames() {
		if i > 0 {
			fmt.Fprint(w, ",")
		}

		fmt.Fprintf(w, "%q", name)
	}
	fmt.Fprint(w, "]")
}

func (m *Monitor) deviceDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	dev := m.findDeviceOr404(w, name)
	if dev == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(dev)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

func (m *Monitor) resetDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	name := mux.Vars(r)["name"]
	dev := m.findDeviceOr404(w, name)
	if dev == nil {
		return
	}

	switch r.URL.Query().Get("action") {
	case "begin":
		dev.BeginReset()
	case "end":
		dev.EndReset()
	default:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "action must be `begin` or `end`")
		return
	}

	fmt.Fprintf(w, "{\"in_reset\":%t}", dev.InReset())
}

func (m *Monitor) listQueues(w http.ResponseWriter, _ *http.Request) {
	bytes, err := json.Marshal(m.driver.QueueReport())
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) listCopies(w http.ResponseWriter, _ *http.Request) {
	bytes, err := json.Marshal(m.driver.CopyReport())
	dieOnErr(err)

	_, err = w.Write(bytes)
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

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	bytes, err := json.Marshal(prof)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) findDeviceOr404(
	w http.ResponseWriter,
	name string,
) *device.Device {
	dev, err := m.driver.Device(name)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Device not found"))
		dieOnErr(err)

		return nil
	}

	return dev
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
