package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/jwdevantier/go-nvme/internal/pci"
	"github.com/jwdevantier/go-nvme/internal/uapi"
)

const sqeSize = 64
const pageSize = 0x1000

// SQ is a DMA-mapped submission queue ring, its bound completion
// queue, and the fixed pool of in-flight Request slots carved out of
// it. Unlike the completion queue, a submission queue owns per-request
// scratch data pages and a free list over its Request array.
type SQ struct {
	ID    uint16
	QSize uint32
	CQ    *CQ

	region   pci.Region // the qsize*64-byte SQE ring
	pages    pci.Region // qsize-1 per-request scratch data pages
	doorbell []byte

	Tail uint32

	rqs  []*Request
	free *freeList
}

// ConfigureSQ allocates and maps a submission queue's DMA ring, its
// per-request data pages, and builds the Request free list, in the
// same order as the reference driver: data pages first, then the
// Request array linking them, then the SQE ring itself. Any failure
// unwinds everything allocated so far.
func ConfigureSQ(dev pci.Device, doorbells []byte, qid uint16, qsize uint32, cq *CQ, dstrd uint32) (*SQ, error) {
	if qsize < 2 {
		return nil, fmt.Errorf("queue: sq %d size %d below minimum of 2", qid, qsize)
	}

	nrq := qsize - 1

	pages, err := dev.MapIOVA(uint64(nrq) * pageSize)
	if err != nil {
		return nil, fmt.Errorf("queue: map sq %d request pages: %w", qid, err)
	}

	rqs := make([]*Request, nrq)
	for i := uint32(0); i < nrq; i++ {
		rqs[i] = &Request{
			CID:      uint16(i),
			Page:     pages.Host[uint64(i)*pageSize : uint64(i+1)*pageSize],
			PageIOVA: pages.IOVA + uint64(i)*pageSize,
		}
	}

	region, err := dev.MapIOVA(uint64(qsize) * sqeSize)
	if err != nil {
		dev.UnmapIOVA(pages)
		return nil, fmt.Errorf("queue: map sq %d ring: %w", qid, err)
	}

	off := doorbellOffset(qid, false, stride4(dstrd))
	if off+4 > uint64(len(doorbells)) {
		dev.UnmapIOVA(region)
		dev.UnmapIOVA(pages)
		return nil, fmt.Errorf("queue: sq %d doorbell offset %#x out of range", qid, off)
	}

	sq := &SQ{
		ID:       qid,
		QSize:    qsize,
		CQ:       cq,
		region:   region,
		pages:    pages,
		doorbell: doorbells[off : off+4],
		rqs:      rqs,
		free:     buildFreeList(rqs),
	}
	for _, rq := range rqs {
		rq.SQ = sq
	}
	return sq, nil
}

// IOVA returns the submission queue ring's DMA address, for use as
// PRP1 when creating the queue on the controller.
func (sq *SQ) IOVA() uint64 { return sq.region.IOVA }

// AcquireRequest pops a free Request slot, or returns
// ErrNoFreeRequests if the queue has no free slots.
func (sq *SQ) AcquireRequest() (*Request, error) {
	return sq.free.acquire()
}

// ReleaseRequest returns rq to the free list, making it the next slot
// an AcquireRequest call returns.
func (sq *SQ) ReleaseRequest(rq *Request) {
	sq.free.release(rq)
}

// RequestByCID returns the Request a completion's command identifier
// refers to, after the AER tag (if any) has been stripped by the
// caller. It panics on an out-of-range CID, since that indicates a
// completion was routed to the wrong queue.
func (sq *SQ) RequestByCID(cid uint16) *Request {
	return sq.rqs[cid]
}

// Submit writes sqe into the ring slot at the current tail, advances
// the tail, and rings the doorbell.
func (sq *SQ) Submit(sqe *uapi.SQE) {
	off := sq.Tail * sqeSize
	copy(sq.region.Host[off:off+sqeSize], uapi.MarshalSQE(sqe))

	sq.Tail++
	if sq.Tail == sq.QSize {
		sq.Tail = 0
	}

	Sfence()
	binary.LittleEndian.PutUint32(sq.doorbell, sq.Tail)
}

// DiscardSQ unmaps and releases a submission queue's DMA-mapped
// resources (SQE ring, Request array, and per-request data pages). It
// is a no-op if the queue was never configured.
func DiscardSQ(dev pci.Device, sq *SQ) error {
	if sq == nil || sq.region.Host == nil {
		return nil
	}
	err := dev.UnmapIOVA(sq.region)
	if perr := dev.UnmapIOVA(sq.pages); err == nil {
		err = perr
	}
	*sq = SQ{}
	return err
}
