package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/yokote/bo"
	"github.com/sarchlab/yokote/cma"
	"github.com/sarchlab/yokote/device"
	"github.com/sarchlab/yokote/driver"
	"github.com/sarchlab/yokote/monitor"
	"github.com/sarchlab/yokote/mqd"
	"github.com/sarchlab/yokote/record"
)

// The demo runs two processes against two devices. The producer owns
// the source data and a tracer relationship over the consumer, so it
// can push into and pull from the consumer's buffers.
const (
	producerPID = 1001
	consumerPID = 1002

	scratchBase = 0x1000 // queue read/write pointer page

	ringVA    = 0x10_0000
	ringBytes = 64 << 10
	eopVA     = 0x11_0000
	eopBytes  = 4 << 10
	ctxVA     = 0x12_0000
	ctxBytes  = 32 << 10
	sdmaVA    = 0x13_0000

	srcVA      = 0x20_0000
	checkVA    = 0x21_0000
	payloadLen = 16 << 10

	sharedVA = 0x30_0000
	dstVA    = 0x50_0000
	importVA = 0x60_0000
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a two-process workload on two simulated devices",
	Long: `demo builds one GFXv9 and one GFXv10 device, registers two ` +
		`processes, creates compute and SDMA queues, shares a buffer between ` +
		`the processes, and moves data across them in both directions. The ` +
		`monitor endpoints stay reachable while the workload runs.`,
	Run: func(cmd *cobra.Command, _ []string) {
		runDemo(cmd)
		atexit.Exit(0)
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().Int("port", 0,
		"monitor HTTP port, 0 picks a free one")
	demoCmd.Flags().String("record", "",
		"record queue and copy events into this SQLite file")
	demoCmd.Flags().String("snapshot-dir", os.TempDir(),
		"directory for device state snapshots")
	demoCmd.Flags().Bool("open", false,
		"open the monitor in a browser")
	demoCmd.Flags().Bool("hold", false,
		"keep the monitor serving after the workload until interrupted")
	demoCmd.Flags().BoolP("verbose", "v", false,
		"log at debug level")
}

func runDemo(cmd *cobra.Command) {
	// A .env file can carry YOKOTE_RECORD during development; missing
	// files are fine.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	recPath, _ := cmd.Flags().GetString("record")
	if recPath == "" {
		recPath = os.Getenv("YOKOTE_RECORD")
	}
	var rec record.Recorder = record.Nop{}
	if recPath != "" {
		rec = record.NewSQLite(recPath)
	}

	snapshotDir, _ := cmd.Flags().GetString("snapshot-dir")
	drv := driver.MakeBuilder().
		WithLogger(logger).
		WithRecorder(rec).
		WithSnapshotDir(snapshotDir).
		Build()

	dieOnErr(drv.AddDevice(
		device.MakeBuilder().WithLogger(logger).Build("yokote-0")))
	dieOnErr(drv.AddDevice(
		device.MakeBuilder().
			WithGeneration(mqd.GFXv10).
			WithLogger(logger).
			Build("yokote-1")))
	fmt.Printf("devices up: %s\n", strings.Join(drv.DeviceNames(), ", "))

	port, _ := cmd.Flags().GetInt("port")
	m := monitor.NewMonitor().WithPortNumber(port)
	m.RegisterDriver(drv)
	boundPort := m.StartServer()

	if open, _ := cmd.Flags().GetBool("open"); open {
		url := fmt.Sprintf("http://localhost:%d", boundPort)
		if err := browser.OpenURL(url); err != nil {
			logger.WithError(err).Warn("cannot open browser")
		}
	}

	runWorkload(drv)

	if hold, _ := cmd.Flags().GetBool("hold"); hold {
		fmt.Printf("monitor on http://localhost:%d, Ctrl-C to exit\n",
			boundPort)
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		<-c
	}

	dieOnErr(drv.DestroyProcess(producerPID))
	dieOnErr(drv.DestroyProcess(consumerPID))
	drv.Shutdown()
}

func runWorkload(drv *driver.Driver) {
	producer := setUpProducer(drv)
	setUpConsumer(drv)
	dieOnErr(drv.Attach(producerPID, consumerPID))

	runQueueOps(drv, producer)
	runCopies(drv)
	runSharing(drv)
}

// setUpProducer maps the producer's pages and buffers and returns the
// ID of its compute queue.
func setUpProducer(drv *driver.Driver) uint64 {
	_, err := drv.CreateProcess(producerPID)
	dieOnErr(err)

	p, err := drv.Process(producerPID)
	dieOnErr(err)
	dieOnErr(p.Space().Map(scratchBase, 4096))
	dieOnErr(p.Space().Map(srcVA, payloadLen))
	dieOnErr(p.Space().Map(checkVA, payloadLen))

	dieOnErr(drv.AllocMemory(
		producerPID, "yokote-0", bo.KindGTT, ringVA, ringBytes, 0))
	dieOnErr(drv.AllocMemory(
		producerPID, "yokote-0", bo.KindGTT, eopVA, eopBytes, 0))
	dieOnErr(drv.AllocMemory(
		producerPID, "yokote-0", bo.KindGTT, ctxVA, ctxBytes, 0))
	dieOnErr(drv.AllocMemory(
		producerPID, "yokote-1", bo.KindGTT, sdmaVA, ringBytes, 0))
	dieOnErr(drv.AllocMemory(
		producerPID, "yokote-0", bo.KindUserptr, srcVA, payloadLen, srcVA))
	dieOnErr(drv.AllocMemory(
		producerPID, "yokote-0", bo.KindUserptr, checkVA, payloadLen, checkVA))
	dieOnErr(drv.AllocMemory(
		producerPID, "yokote-0", bo.KindVRAM, sharedVA, 16<<10, 0))

	qid, err := drv.CreateQueue(producerPID, driver.CreateQueueArgs{
		Device:         "yokote-0",
		Type:           driver.QueueCompute,
		RingBase:       ringVA,
		RingSize:       ringBytes,
		Percent:        100,
		Priority:       8,
		RptrReportAddr: scratchBase,
		WptrAddr:       scratchBase + 8,
		EOPBase:        eopVA,
		EOPSize:        eopBytes,
		CtxSaveBase:    ctxVA,
		CtxSaveSize:    ctxBytes,
	})
	dieOnErr(err)
	fmt.Printf("compute queue %d on yokote-0\n", qid)

	sdmaQID, err := drv.CreateQueue(producerPID, driver.CreateQueueArgs{
		Device:         "yokote-1",
		Type:           driver.QueueSDMA,
		RingBase:       sdmaVA,
		RingSize:       ringBytes,
		Percent:        100,
		Priority:       4,
		RptrReportAddr: scratchBase + 16,
		WptrAddr:       scratchBase + 24,
	})
	dieOnErr(err)
	fmt.Printf("sdma queue %d on yokote-1\n", sdmaQID)

	return qid
}

func setUpConsumer(drv *driver.Driver) {
	_, err := drv.CreateProcess(consumerPID)
	dieOnErr(err)

	p, err := drv.Process(consumerPID)
	dieOnErr(err)
	dieOnErr(p.Space().Map(scratchBase, 4096))

	dieOnErr(drv.AllocMemory(
		consumerPID, "yokote-1", bo.KindGTT, ringVA, ringBytes, 0))
	dieOnErr(drv.AllocMemory(
		consumerPID, "yokote-1", bo.KindVRAM, dstVA, payloadLen, 0))

	qid, err := drv.CreateQueue(consumerPID, driver.CreateQueueArgs{
		Device:         "yokote-1",
		Type:           driver.QueueCompute,
		RingBase:       ringVA,
		RingSize:       ringBytes,
		Percent:        100,
		Priority:       15,
		RptrReportAddr: scratchBase,
		WptrAddr:       scratchBase + 8,
	})
	dieOnErr(err)
	fmt.Printf("compute queue %d on yokote-1\n", qid)
}

func runQueueOps(drv *driver.Driver, qid uint64) {
	dieOnErr(drv.SetCUMask(producerPID, qid, 64,
		[]uint32{0xffffffff, 0xffff}))
	dieOnErr(drv.UpdateQueue(
		producerPID, qid, ringVA, ringBytes, 100, 12))

	occupied, err := drv.QueueOccupied(producerPID, qid)
	dieOnErr(err)
	regs, err := drv.DumpQueueState(producerPID, qid)
	dieOnErr(err)
	fmt.Printf("queue %d: occupied=%t, %d registers dumped\n",
		qid, occupied, len(regs))
}

func runCopies(drv *driver.Driver) {
	p, err := drv.Process(producerPID)
	dieOnErr(err)

	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i*7 + 13)
	}
	dieOnErr(p.Space().Write(srcVA, payload))

	// Push the payload into the consumer's VRAM buffer, scattering it
	// across two destination ranges.
	pushed, err := drv.CrossMemoryCopy(producerPID, consumerPID,
		driver.CopyWrite,
		[]cma.Range{{Addr: srcVA, Size: payloadLen}},
		[]cma.Range{
			{Addr: dstVA, Size: payloadLen / 2},
			{Addr: dstVA + payloadLen/2, Size: payloadLen / 2},
		})
	dieOnErr(err)

	// Pull it back into a separate local buffer and compare.
	pulled, err := drv.CrossMemoryCopy(producerPID, consumerPID,
		driver.CopyRead,
		[]cma.Range{{Addr: dstVA, Size: payloadLen}},
		[]cma.Range{{Addr: checkVA, Size: payloadLen}})
	dieOnErr(err)

	check := make([]byte, payloadLen)
	dieOnErr(p.Space().Read(checkVA, check))
	for i := range check {
		if check[i] != payload[i] {
			log.Fatalf("byte %d: got %#x, want %#x",
				i, check[i], payload[i])
		}
	}
	fmt.Printf("copies: pushed %d bytes, pulled %d bytes, "+
		"round trip verified\n", pushed, pulled)
}

func runSharing(drv *driver.Driver) {
	handle, err := drv.ExportIPC(producerPID, sharedVA)
	dieOnErr(err)

	size, err := drv.ImportIPC(consumerPID, handle, importVA)
	dieOnErr(err)
	fmt.Printf("shared %d bytes via handle %s\n", size, handle)

	// The exporter drops its mapping first; the buffer stays alive
	// until the importer releases the last reference.
	dieOnErr(drv.FreeMemory(producerPID, sharedVA))
	dieOnErr(drv.FreeMemory(consumerPID, importVA))
}

func dieOnErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
