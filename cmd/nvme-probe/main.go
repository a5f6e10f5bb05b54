// Command nvme-probe brings up one NVMe controller, arms its
// Asynchronous Event Request, optionally creates an I/O queue pair,
// and reports its negotiated configuration.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jwdevantier/go-nvme"
	"github.com/jwdevantier/go-nvme/internal/logging"
)

func main() {
	var (
		bdf     = flag.String("bdf", "", "PCI bus:device.function address, e.g. 0000:01:00.0")
		mock    = flag.Bool("mock", false, "run against an in-memory mock device instead of real hardware")
		ioQueue = flag.Bool("io-queue", false, "create one I/O queue pair after bring-up")
		qsize   = flag.Uint("qsize", 64, "I/O queue pair size, in entries")
		verbose = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(&logging.Config{Level: level, Output: os.Stderr}))

	if *bdf == "" && !*mock {
		fmt.Fprintln(os.Stderr, "nvme-probe: -bdf is required unless -mock is set")
		os.Exit(2)
	}

	opts := nvme.DefaultOptions()
	opts.NSQR, opts.NCQR = 1, 1

	var (
		ctrl *nvme.Controller
		stop func()
		err  error
	)
	if *mock {
		ctrl, stop, err = nvme.NewMockController(0x010803, opts)
	} else {
		ctrl, err = nvme.Open(*bdf, opts)
		stop = func() {}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "nvme-probe: open: %v\n", err)
		os.Exit(1)
	}
	defer stop()

	info := ctrl.Info()
	logging.Info("controller ready",
		"bdf", info.BDF, "administrative", info.Administrative,
		"nsqa", info.NSQA, "ncqa", info.NCQA,
		"mps_min", info.MPSMin, "mps_max", info.MPSMax, "timeout_ms", info.TimeoutMS)

	if err := ctrl.AENEnable(func(cqe *nvme.Completion) {
		logging.Info("asynchronous event", "dw0", cqe.DW0)
	}); err != nil {
		logging.Warn("failed to arm asynchronous event request", "error", err)
	}

	if *ioQueue && !info.Administrative {
		qp, err := ctrl.CreateIOQueuePair(1, uint32(*qsize))
		if err != nil {
			fmt.Fprintf(os.Stderr, "nvme-probe: create io queue pair: %v\n", err)
			ctrl.Close()
			os.Exit(1)
		}
		logging.Info("io queue pair created", "qid", qp.QID)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("shutting down")
	shutdownCtx := time.Second * 5
	done := make(chan error, 1)
	go func() { done <- ctrl.Close() }()
	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintf(os.Stderr, "nvme-probe: close: %v\n", err)
			os.Exit(1)
		}
	case <-time.After(shutdownCtx):
		fmt.Fprintln(os.Stderr, "nvme-probe: close timed out")
		os.Exit(1)
	}
}
