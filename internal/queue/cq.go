package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/jwdevantier/go-nvme/internal/pci"
	"github.com/jwdevantier/go-nvme/internal/uapi"
)

const cqeSize = 16

// CQ is a DMA-mapped completion queue ring plus its doorbell.
type CQ struct {
	ID    uint16
	QSize uint32

	region   pci.Region
	doorbell []byte // 4-byte slice into the doorbell BAR window

	Head  uint32
	Phase bool
}

// doorbellOffset computes the byte offset of a queue's doorbell
// register within the doorbell BAR window (NVMe Base Specification
// §3.1.16/3.1.17): SQyTDBL at (2y)*stride, CQyHDBL at (2y+1)*stride,
// where stride = 4 << CAP.DSTRD.
func doorbellOffset(qid uint16, isCompletion bool, stride uint32) uint64 {
	idx := uint64(qid) * 2
	if isCompletion {
		idx++
	}
	return idx * uint64(stride)
}

// ConfigureCQ allocates and maps a completion queue's DMA ring and
// binds it to its doorbell register. qsize is the number of entries
// including the one the controller always reserves (i.e. the
// negotiated queue depth); the ring itself never stores more than
// qsize entries.
func ConfigureCQ(dev pci.Device, doorbells []byte, qid uint16, qsize uint32, dstrd uint32) (*CQ, error) {
	if qsize < 2 {
		return nil, fmt.Errorf("queue: cq %d size %d below minimum of 2", qid, qsize)
	}

	region, err := dev.MapIOVA(uint64(qsize) * cqeSize)
	if err != nil {
		return nil, fmt.Errorf("queue: map cq %d ring: %w", qid, err)
	}

	off := doorbellOffset(qid, true, stride4(dstrd))
	if off+4 > uint64(len(doorbells)) {
		dev.UnmapIOVA(region)
		return nil, fmt.Errorf("queue: cq %d doorbell offset %#x out of range", qid, off)
	}

	return &CQ{
		ID:       qid,
		QSize:    qsize,
		region:   region,
		doorbell: doorbells[off : off+4],
		Phase:    true,
	}, nil
}

func stride4(dstrd uint32) uint32 { return 4 << dstrd }

// IOVA returns the completion queue ring's DMA address, for use as
// PRP1 when creating the queue on the controller.
func (cq *CQ) IOVA() uint64 { return cq.region.IOVA }

// Raw exposes the completion queue ring's backing memory, for tests
// that need to inject a completion without a real device producing
// one.
func (cq *CQ) Raw() []byte { return cq.region.Host }

// Entry returns the completion queue entry at the current head.
func (cq *CQ) Entry() uapi.CQE {
	var cqe uapi.CQE
	off := cq.Head * cqeSize
	uapi.UnmarshalCQE(cq.region.Host[off:off+cqeSize], &cqe)
	return cqe
}

// Advance moves the head pointer forward, flipping the expected phase
// tag when it wraps. Use Pending to learn whether the entry at the new
// head has been produced.
func (cq *CQ) Advance() {
	cq.Head++
	if cq.Head == cq.QSize {
		cq.Head = 0
		cq.Phase = !cq.Phase
	}
}

// Pending reports whether the entry currently at Head has been
// produced by the controller, by comparing its phase tag against the
// queue's expected phase.
func (cq *CQ) Pending() bool {
	return cq.Entry().Phase() == cq.Phase
}

// RingDoorbell writes the current head pointer to the completion
// queue's doorbell register, informing the controller it may reuse
// the consumed entries. A store barrier ensures the ring contents
// consumed up to Head are visible before the doorbell write reaches
// the device.
func (cq *CQ) RingDoorbell() {
	Sfence()
	binary.LittleEndian.PutUint32(cq.doorbell, cq.Head)
}

// DiscardCQ unmaps and releases a completion queue's DMA ring. It is a
// no-op if the queue was never configured.
func DiscardCQ(dev pci.Device, cq *CQ) error {
	if cq == nil || cq.region.Host == nil {
		return nil
	}
	err := dev.UnmapIOVA(cq.region)
	*cq = CQ{}
	return err
}
