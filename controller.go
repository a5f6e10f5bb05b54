package nvme

import (
	"time"

	"github.com/jwdevantier/go-nvme/internal/ctrl"
	"github.com/jwdevantier/go-nvme/internal/oneshot"
	"github.com/jwdevantier/go-nvme/internal/pci"
	"github.com/jwdevantier/go-nvme/internal/queue"
	"github.com/jwdevantier/go-nvme/internal/uapi"
)

// Command and Completion are the wire-level NVMe submission and
// completion queue entries exchanged with Oneshot. Build a Command by
// setting its opcode and command-specific DWORDs directly.
type Command = uapi.SQE
type Completion = uapi.CQE

// Controller drives one NVMe PCIe function: register-level bring-up,
// the admin queue pair, and any I/O queue pairs created against it.
type Controller struct {
	inner   *ctrl.Controller
	metrics *Metrics
}

// Open brings up the NVMe controller at the given PCI "bus:device.function"
// address (e.g. "0000:01:00.0") over VFIO IOMMU passthrough.
func Open(bdf string, opts Options) (*Controller, error) {
	return open(bdf, opts, pci.NewVFIODevice())
}

func open(bdf string, opts Options, dev pci.Device) (*Controller, error) {
	if len(opts.CPUAffinity) > 0 {
		if err := ctrl.PinCurrentThread(opts.CPUAffinity); err != nil {
			return nil, WrapError("Open", err)
		}
	}

	inner := ctrl.NewController(dev, opts.toInternal())
	if err := inner.Init(bdf); err != nil {
		return nil, WrapError("Open", err)
	}

	return &Controller{inner: inner, metrics: NewMetrics()}, nil
}

// Info reports the controller's negotiated configuration.
func (c *Controller) Info() ctrl.Info { return c.inner.Info() }

// Metrics returns the controller's command/AEN counters.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// Oneshot submits cmd on the admin queue and blocks until its
// completion arrives, demultiplexing any Asynchronous Event Request
// completions that arrive first. Oneshot's own return value reports
// whether buf's ephemeral DMA mapping could be torn down, not the
// command's completion status — pass cqeOut and check its StatusCode
// for that.
func (c *Controller) Oneshot(cmd *Command, buf []byte, cqeOut *Completion) error {
	start := time.Now()
	err := oneshot.Exec(c.inner.Device(), c.inner.AdminSQ(), cmd, buf, cqeOut)
	c.metrics.RecordCommand(time.Since(start), err)
	return WrapError("Oneshot", err)
}

// AENEnable arms a long-lived Asynchronous Event Request on the admin
// queue. handler is invoked for every event delivered to it; the
// underlying request is automatically re-armed after each delivery.
func (c *Controller) AENEnable(handler func(*Completion)) error {
	wrapped := func(cqe *Completion) {
		c.metrics.RecordAENDispatch()
		handler(cqe)
	}
	if err := oneshot.AENEnable(c.inner.AdminSQ(), wrapped); err != nil {
		return WrapError("AENEnable", err)
	}
	return nil
}

// IOQueuePair is an I/O submission/completion queue pair created
// against a controller, capable of running its own oneshot commands.
type IOQueuePair struct {
	QID uint16

	cq  *queue.CQ
	sq  *queue.SQ
	dev pci.Device

	metrics *Metrics
}

// CreateIOQueuePair creates an I/O completion queue followed by an
// I/O submission queue bound to it, both with qsize entries.
func (c *Controller) CreateIOQueuePair(qid uint16, qsize uint32) (*IOQueuePair, error) {
	cq, sq, err := c.inner.CreateIOQueuePair(qid, qsize)
	if err != nil {
		return nil, WrapError("CreateIOQueuePair", err)
	}
	return &IOQueuePair{QID: qid, cq: cq, sq: sq, dev: c.inner.Device(), metrics: c.metrics}, nil
}

// Oneshot submits cmd on this I/O queue pair and blocks until its
// completion arrives. See Controller.Oneshot for the return-value
// convention.
func (p *IOQueuePair) Oneshot(cmd *Command, buf []byte, cqeOut *Completion) error {
	start := time.Now()
	err := oneshot.Exec(p.dev, p.sq, cmd, buf, cqeOut)
	p.metrics.RecordCommand(time.Since(start), err)
	return WrapError("Oneshot", err)
}

// Close tears down every I/O queue pair, the admin queue pair, and
// releases the underlying PCI device.
func (c *Controller) Close() error {
	if err := c.inner.Close(); err != nil {
		return WrapError("Close", err)
	}
	return nil
}
