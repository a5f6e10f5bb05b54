// Package ctrl implements the NVMe controller bring-up state machine:
// register-level reset/enable, admin queue pair construction, and I/O
// queue feature negotiation.
package ctrl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/jwdevantier/go-nvme/internal/logging"
	"github.com/jwdevantier/go-nvme/internal/oneshot"
	"github.com/jwdevantier/go-nvme/internal/pci"
	"github.com/jwdevantier/go-nvme/internal/queue"
	"github.com/jwdevantier/go-nvme/internal/uapi"
)

// hostPageSize is the page size this process maps DMA memory with.
// NVMe controllers advertise an acceptable [MPSMIN, MPSMAX] range in
// CAP and Init rejects a controller whose minimum exceeds it.
const hostPageSize = 0x1000

// ErrTimeout marks waitReady exceeding the controller-advertised
// CAP.TO deadline. The root package's WrapError classifies any error
// wrapping this as ErrCodeTimeout.
var ErrTimeout = errors.New("ctrl: timed out waiting for controller ready")

// ErrInvalidArgument marks a caller- or controller-supplied value that
// violates a bring-up or queue-creation constraint (an oversized
// MPSMIN, a queue id beyond the negotiated count). The root package's
// WrapError classifies any error wrapping this as ErrCodeInvalidArgument.
var ErrInvalidArgument = errors.New("ctrl: invalid argument")

// Controller drives one NVMe PCIe function through bring-up and owns
// its admin queue pair. I/O queue pairs are created through
// CreateIOQueuePair and tracked alongside it.
type Controller struct {
	mu sync.Mutex

	dev  pci.Device
	opts Options
	bdf  string

	registers []byte
	doorbells []byte

	cap   uint64
	dstrd uint32

	administrative bool
	mpsMin, mpsMax uint8
	nsqa, ncqa     uint16

	adminCQ *queue.CQ
	adminSQ *queue.SQ

	ioCQs map[uint16]*queue.CQ
	ioSQs map[uint16]*queue.SQ

	logger *logging.Logger
}

// NewController constructs a Controller bound to dev, which must not
// yet be open. Call Init to bring the device up.
func NewController(dev pci.Device, opts Options) *Controller {
	return &Controller{
		dev:    dev,
		opts:   opts,
		ioCQs:  make(map[uint16]*queue.CQ),
		ioSQs:  make(map[uint16]*queue.SQ),
		logger: logging.Default(),
	}
}

// SetLogger overrides the controller's logger.
func (c *Controller) SetLogger(l *logging.Logger) { c.logger = l }

func (c *Controller) readReg32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(c.registers[off : off+4])
}

func (c *Controller) writeReg32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(c.registers[off:off+4], v)
}

func (c *Controller) readReg64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(c.registers[off : off+8])
}

// writeReg64 writes a 64-bit register as two 32-bit halves, low word
// first, for controllers whose PCIe implementation does not support
// a single 64-bit MMIO write.
func (c *Controller) writeReg64(off uint64, v uint64) {
	c.writeReg32(off, uint32(v))
	c.writeReg32(off+4, uint32(v>>32))
}

// Init brings the controller at bdf from power-on (or unknown) state
// through reset and enable, and negotiates I/O queue counts unless the
// device identifies itself as administrative-only.
func (c *Controller) Init(bdf string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dev.Open(bdf); err != nil {
		return fmt.Errorf("ctrl: open %s: %w", bdf, err)
	}
	c.bdf = bdf

	classCode, err := c.dev.ClassCode()
	if err != nil {
		return fmt.Errorf("ctrl: read class code: %w", err)
	}
	isNVMe, administrative := uapi.IsNVMeClassCode(classCode)
	if !isNVMe {
		return fmt.Errorf("ctrl: %s is not an NVMe device (class %#06x)", bdf, classCode)
	}
	c.administrative = administrative

	c.registers, err = c.dev.MapBAR(c.opts.BARRegisters, 0, 0x1000)
	if err != nil {
		return fmt.Errorf("ctrl: map register bar: %w", err)
	}

	c.cap = c.readReg64(uapi.RegCAP)
	c.mpsMin = uapi.CAPMPSMin(c.cap)
	c.mpsMax = uint8((c.cap >> uapi.CapMPSMaxShift) & uapi.CapMPSMaxMask)
	c.dstrd = uint32((c.cap >> uapi.CapDSTRDShift) & uapi.CapDSTRDMask)

	if (uint64(1) << (12 + c.mpsMin)) > hostPageSize {
		return fmt.Errorf("ctrl: controller minimum page size exceeds host page size %d: %w", hostPageSize, ErrInvalidArgument)
	}

	if err := c.reset(); err != nil {
		return err
	}

	doorbellsSize := doorbellWindowSize(c.opts.NSQR, c.opts.NCQR, c.dstrd)
	c.doorbells, err = c.dev.MapBAR(c.opts.BARDoorbells, uapi.DoorbellBase, doorbellsSize)
	if err != nil {
		return fmt.Errorf("ctrl: map doorbell bar: %w", err)
	}

	if err := c.configureAdminQueue(); err != nil {
		return err
	}

	if err := c.enable(); err != nil {
		return err
	}

	if c.administrative {
		c.logger.Info("controller initialized in administrative mode, skipping queue negotiation", "bdf", bdf)
		return nil
	}

	return c.negotiateQueueCounts()
}

func doorbellWindowSize(nsqr, ncqr uint16, dstrd uint32) uint64 {
	n := nsqr
	if ncqr > n {
		n = ncqr
	}
	stride := uint64(4 << dstrd)
	return (uint64(n) + 2) * 2 * stride
}

func (c *Controller) configureAdminQueue() error {
	cq, err := queue.ConfigureCQ(c.dev, c.doorbells, 0, c.opts.AdminQueueSize, c.dstrd)
	if err != nil {
		return fmt.Errorf("ctrl: configure admin cq: %w", err)
	}
	sq, err := queue.ConfigureSQ(c.dev, c.doorbells, 0, c.opts.AdminQueueSize, cq, c.dstrd)
	if err != nil {
		queue.DiscardCQ(c.dev, cq)
		return fmt.Errorf("ctrl: configure admin sq: %w", err)
	}
	c.adminCQ = cq
	c.adminSQ = sq

	aqa := uint32(c.opts.AdminQueueSize-1) | (uint32(c.opts.AdminQueueSize-1) << 16)
	c.writeReg32(uapi.RegAQA, aqa)
	c.writeReg64(uapi.RegASQ, sq.IOVA())
	c.writeReg64(uapi.RegACQ, cq.IOVA())
	return nil
}

func (c *Controller) reset() error {
	cc := c.readReg32(uapi.RegCC)
	cc &^= uapi.CCEnMask << uapi.CCEnShift
	c.writeReg32(uapi.RegCC, cc)
	return c.waitReady(false)
}

func (c *Controller) enable() error {
	capCSS := uapi.CAPCSS(c.cap)
	css := uapi.CCCSSNVM
	switch {
	case capCSS&uapi.CapCSSCSI != 0:
		css = uapi.CCCSSCSI
	case capCSS&uapi.CapCSSAdmin != 0 && capCSS&uapi.CapCSSNVM == 0:
		css = uapi.CCCSSAdmin
	}

	mps := uint32(bits.Len(uint(hostPageSize))) - 1 - 12
	cc := uapi.EncodeCC(mps, uint32(css), uapi.NVMeSQESShift, uapi.NVMeCQESShift, true)
	c.writeReg32(uapi.RegCC, cc)
	return c.waitReady(true)
}

// waitReady polls CSTS until RDY matches ready, bounded by the
// controller-advertised timeout in CAP.TO.
func (c *Controller) waitReady(ready bool) error {
	timeout := time.Duration(uapi.CAPTimeoutMS(c.cap)) * time.Millisecond
	deadline := time.Now().Add(timeout)
	interval := c.opts.PollInterval
	if interval <= 0 {
		interval = time.Millisecond
	}

	for {
		csts := c.readReg32(uapi.RegCSTS)
		if uapi.CSTSFatal(csts) {
			return fmt.Errorf("ctrl: controller fatal status while waiting for ready=%v", ready)
		}
		if uapi.CSTSReady(csts) == ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ctrl: timed out after %s waiting for ready=%v: %w", timeout, ready, ErrTimeout)
		}
		time.Sleep(interval)
	}
}

func (c *Controller) negotiateQueueCounts() error {
	sqe := uapi.SQE{
		CDW10: uint32(uapi.FeatNumQueues),
		CDW11: uapi.EncodeSetFeaturesNumQueues(c.opts.NSQR, c.opts.NCQR),
	}
	sqe.SetOpcode(uapi.AdminOpSetFeatures)

	var cqe uapi.CQE
	if err := oneshot.Exec(c.dev, c.adminSQ, &sqe, nil, &cqe); err != nil {
		return fmt.Errorf("ctrl: negotiate queue counts: %w", err)
	}
	if cqe.StatusCode() != 0 {
		return fmt.Errorf("ctrl: set features(num_queues) failed, status %#x", cqe.StatusCode())
	}

	granted0, granted1 := uapi.DecodeSetFeaturesNumQueues(cqe.DW0)
	c.nsqa = minU16(c.opts.NSQR, granted0)
	c.ncqa = minU16(c.opts.NCQR, granted1)
	c.logger.Debug("negotiated io queue counts", "nsqa", c.nsqa, "ncqa", c.ncqa)
	return nil
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

// Info reports the controller's negotiated configuration.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		BDF:            c.bdf,
		Administrative: c.administrative,
		NSQA:           c.nsqa,
		NCQA:           c.ncqa,
		MPSMin:         c.mpsMin,
		MPSMax:         c.mpsMax,
		TimeoutMS:      uapi.CAPTimeoutMS(c.cap),
	}
}

// Device exposes the underlying PCI/IOMMU collaborator, for callers in
// other packages (oneshot, the public nvme facade) that need to issue
// commands or map I/O buffers directly.
func (c *Controller) Device() pci.Device { return c.dev }

// AdminSQ returns the admin submission queue, available once Init has
// returned successfully.
func (c *Controller) AdminSQ() *queue.SQ { return c.adminSQ }

// AdminCQ returns the admin completion queue, available once Init has
// returned successfully.
func (c *Controller) AdminCQ() *queue.CQ { return c.adminCQ }

// Close tears down every I/O queue pair, the admin queue pair, and
// releases the device.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for qid, sq := range c.ioSQs {
		record(queue.DiscardSQ(c.dev, sq))
		delete(c.ioSQs, qid)
	}
	for qid, cq := range c.ioCQs {
		record(queue.DiscardCQ(c.dev, cq))
		delete(c.ioCQs, qid)
	}
	record(queue.DiscardSQ(c.dev, c.adminSQ))
	record(queue.DiscardCQ(c.dev, c.adminCQ))

	if c.registers != nil {
		record(c.dev.UnmapBAR(c.opts.BARRegisters, c.registers))
	}
	if c.doorbells != nil {
		record(c.dev.UnmapBAR(c.opts.BARDoorbells, c.doorbells))
	}
	record(c.dev.Close())
	return firstErr
}
