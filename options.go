package nvme

import (
	"time"

	"github.com/jwdevantier/go-nvme/internal/ctrl"
)

// Options configures a controller opened with Open.
type Options struct {
	// NSQR and NCQR are the I/O submission/completion queue counts
	// requested beyond the admin queue pair, in SetFeatures(NUM_QUEUES)'
	// 0-based encoding (a value of n requests n+1 queues). Not
	// negotiated against an administrative-only controller.
	NSQR, NCQR uint16

	// AdminQueueSize is the number of entries in the admin
	// submission/completion queue pair.
	AdminQueueSize uint32

	// PollInterval paces the bring-up ready/not-ready poll loop.
	PollInterval time.Duration

	// CPUAffinity, if non-empty, pins the goroutine that calls Open to
	// the given CPU set before driving bring-up and the admin queue.
	CPUAffinity []int
}

// DefaultOptions returns a 64-entry admin queue pair, NSQR=NCQR=0 (one
// I/O queue of each kind in the 0-based encoding), and no CPU pinning.
func DefaultOptions() Options {
	d := ctrl.DefaultOptions()
	return Options{
		NSQR:           d.NSQR,
		NCQR:           d.NCQR,
		AdminQueueSize: d.AdminQueueSize,
		PollInterval:   d.PollInterval,
	}
}

func (o Options) toInternal() ctrl.Options {
	return ctrl.Options{
		NSQR:           o.NSQR,
		NCQR:           o.NCQR,
		AdminQueueSize: o.AdminQueueSize,
		PollInterval:   o.PollInterval,
		CPUAffinity:    o.CPUAffinity,
	}
}
