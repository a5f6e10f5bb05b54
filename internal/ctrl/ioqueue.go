package ctrl

import (
	"fmt"

	"github.com/jwdevantier/go-nvme/internal/oneshot"
	"github.com/jwdevantier/go-nvme/internal/queue"
	"github.com/jwdevantier/go-nvme/internal/uapi"
)

// CreateIOCQ allocates and maps an I/O completion queue's DMA ring and
// returns the admin command that registers it with the controller;
// the caller is responsible for submitting it (see CreateIOCQOneshot
// for the common case).
func (c *Controller) CreateIOCQ(qid uint16, qsize uint32) (*queue.CQ, *uapi.SQE, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if qid > c.ncqa {
		return nil, nil, fmt.Errorf("ctrl: io cq %d exceeds negotiated count %d: %w", qid, c.ncqa, ErrInvalidArgument)
	}

	cq, err := queue.ConfigureCQ(c.dev, c.doorbells, qid, qsize, c.dstrd)
	if err != nil {
		return nil, nil, fmt.Errorf("ctrl: create io cq %d: %w", qid, err)
	}

	sqe := uapi.SQE{
		PRP1:  cq.IOVA(),
		CDW10: uint32(qid)<<16 | uint32(qsize-1),
		CDW11: uapi.QueuePhysContig,
	}
	sqe.SetOpcode(uapi.AdminOpCreateCQ)
	return cq, &sqe, nil
}

// CreateIOCQOneshot creates an I/O completion queue and synchronously
// submits its creation command on the admin queue.
func (c *Controller) CreateIOCQOneshot(qid uint16, qsize uint32) (*queue.CQ, error) {
	cq, sqe, err := c.CreateIOCQ(qid, qsize)
	if err != nil {
		return nil, err
	}

	var cqe uapi.CQE
	if err := oneshot.Exec(c.dev, c.adminSQ, sqe, nil, &cqe); err != nil {
		queue.DiscardCQ(c.dev, cq)
		return nil, fmt.Errorf("ctrl: create io cq %d oneshot: %w", qid, err)
	}
	if cqe.StatusCode() != 0 {
		queue.DiscardCQ(c.dev, cq)
		return nil, fmt.Errorf("ctrl: create io cq %d failed, status %#x", qid, cqe.StatusCode())
	}

	c.mu.Lock()
	c.ioCQs[qid] = cq
	c.mu.Unlock()
	return cq, nil
}

// CreateIOSQ allocates and maps an I/O submission queue's DMA-backed
// resources (SQE ring, per-request pages, Request free list) bound to
// cq, and returns the admin command that registers it.
func (c *Controller) CreateIOSQ(qid uint16, qsize uint32, cq *queue.CQ) (*queue.SQ, *uapi.SQE, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if qid > c.nsqa {
		return nil, nil, fmt.Errorf("ctrl: io sq %d exceeds negotiated count %d: %w", qid, c.nsqa, ErrInvalidArgument)
	}

	sq, err := queue.ConfigureSQ(c.dev, c.doorbells, qid, qsize, cq, c.dstrd)
	if err != nil {
		return nil, nil, fmt.Errorf("ctrl: create io sq %d: %w", qid, err)
	}

	sqe := uapi.SQE{
		PRP1:  sq.IOVA(),
		CDW10: uint32(qid)<<16 | uint32(qsize-1),
		CDW11: uapi.QueuePhysContig | uint32(cq.ID)<<16,
	}
	sqe.SetOpcode(uapi.AdminOpCreateSQ)
	return sq, &sqe, nil
}

// CreateIOSQOneshot creates an I/O submission queue bound to cq and
// synchronously submits its creation command on the admin queue.
func (c *Controller) CreateIOSQOneshot(qid uint16, qsize uint32, cq *queue.CQ) (*queue.SQ, error) {
	sq, sqe, err := c.CreateIOSQ(qid, qsize, cq)
	if err != nil {
		return nil, err
	}

	var cqe uapi.CQE
	if err := oneshot.Exec(c.dev, c.adminSQ, sqe, nil, &cqe); err != nil {
		queue.DiscardSQ(c.dev, sq)
		return nil, fmt.Errorf("ctrl: create io sq %d oneshot: %w", qid, err)
	}
	if cqe.StatusCode() != 0 {
		queue.DiscardSQ(c.dev, sq)
		return nil, fmt.Errorf("ctrl: create io sq %d failed, status %#x", qid, cqe.StatusCode())
	}

	c.mu.Lock()
	c.ioSQs[qid] = sq
	c.mu.Unlock()
	return sq, nil
}

// CreateIOQueuePair creates a completion queue followed by a
// submission queue bound to it, both sharing qid and qsize. The
// completion queue is always created first, since the submission
// queue's creation command names it by id.
func (c *Controller) CreateIOQueuePair(qid uint16, qsize uint32) (*queue.CQ, *queue.SQ, error) {
	cq, err := c.CreateIOCQOneshot(qid, qsize)
	if err != nil {
		return nil, nil, err
	}

	sq, err := c.CreateIOSQOneshot(qid, qsize, cq)
	if err != nil {
		c.mu.Lock()
		delete(c.ioCQs, qid)
		c.mu.Unlock()
		queue.DiscardCQ(c.dev, cq)
		return nil, nil, err
	}
	return cq, sq, nil
}
