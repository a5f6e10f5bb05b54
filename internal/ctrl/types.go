package ctrl

import (
	"time"

	"github.com/jwdevantier/go-nvme/internal/pci"
)

// Options configures controller bring-up. The zero value is not
// valid; use DefaultOptions and override individual fields.
type Options struct {
	// NSQR and NCQR are the I/O submission/completion queue counts
	// requested beyond the admin queue pair, passed unchanged to
	// SetFeatures(NUM_QUEUES) during Init in its 0-based encoding (a
	// value of n requests n+1 queues). Init skips that negotiation for
	// a controller that reports the admin-only PCI programming
	// interface.
	NSQR uint16
	NCQR uint16

	// AdminQueueSize is the number of entries in the admin submission
	// and completion queues.
	AdminQueueSize uint32

	// BARRegisters and BARDoorbells select which PCI BAR the
	// controller register block and doorbell page live on. NVMe
	// controllers place both on BAR0 almost universally; the fields
	// exist for completeness and testing against a mock layout.
	BARRegisters pci.BAR
	BARDoorbells pci.BAR

	// PollInterval is how often waitReady re-reads CSTS while polling
	// for a ready/not-ready transition.
	PollInterval time.Duration

	// CPUAffinity, if non-empty, pins the oneshot/AEN dispatch
	// goroutine driving the admin queue to the given CPU set.
	CPUAffinity []int
}

// DefaultOptions returns sane defaults: a 64-entry admin queue, both
// register blocks on BAR0, NSQR=NCQR=0 (one I/O queue of each kind in
// SetFeatures' 0-based encoding), and no CPU pinning.
func DefaultOptions() Options {
	return Options{
		NSQR:           0,
		NCQR:           0,
		AdminQueueSize: 64,
		BARRegisters:   0,
		BARDoorbells:   0,
		PollInterval:   time.Millisecond,
	}
}

// Info summarizes a controller's negotiated configuration after Init.
type Info struct {
	BDF           string
	Administrative bool
	NSQA          uint16
	NCQA          uint16
	MPSMin        uint8
	MPSMax        uint8
	TimeoutMS     uint64
}
