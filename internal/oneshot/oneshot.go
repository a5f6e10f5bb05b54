// Package oneshot executes synchronous admin/I/O commands against a
// submission queue while demultiplexing the Asynchronous Event
// Request completions that can arrive interleaved with them on the
// same completion queue.
package oneshot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jwdevantier/go-nvme/internal/logging"
	"github.com/jwdevantier/go-nvme/internal/pci"
	"github.com/jwdevantier/go-nvme/internal/queue"
	"github.com/jwdevantier/go-nvme/internal/uapi"
)

// ErrBusy is returned by AENEnable and Exec when the submission
// queue's request free list is exhausted.
var ErrBusy = errors.New("oneshot: no free request slots")

// pageSize is the PRP page unit; it matches the page size every
// Request's scratch page and every ephemeral DMA mapping is rounded to.
const pageSize = 0x1000

// Exec submits sqe on sq, maps buf (if non-empty) as the command's
// PRP1/PRP2 data pointer for the duration of the call (see buildPRP),
// and blocks until a completion with a
// matching command identifier arrives on sq's completion queue.
//
// Spurious completions encountered while waiting are handled rather
// than treated as an error: on the admin queue, an AER-tagged
// completion is routed to AENHandle; any other unexpected completion
// is logged and discarded. This lets a long-lived Asynchronous Event
// Request share the admin completion queue with ordinary oneshot
// traffic.
//
// Exec's return value reports whether the buffer's ephemeral DMA
// mapping could be torn down cleanly, not the command's own
// completion status — callers that need the completion status must
// pass cqeOut and inspect it themselves, mirroring the reference
// driver's nvme_oneshot.
func Exec(dev pci.Device, sq *queue.SQ, sqe *uapi.SQE, buf []byte, cqeOut *uapi.CQE) error {
	rq, err := sq.AcquireRequest()
	if err != nil {
		return fmt.Errorf("oneshot: acquire request: %w", ErrBusy)
	}

	sqe.CID = rq.CID

	var iova uint64
	haveMapping := len(buf) > 0
	switch {
	case haveMapping:
		iova, err = dev.EphemeralMap(buf)
		if err != nil {
			sq.ReleaseRequest(rq)
			return fmt.Errorf("oneshot: ephemeral map: %w", err)
		}
		if err := buildPRP(rq, iova, len(buf), sqe); err != nil {
			dev.EphemeralFree(iova, buf)
			sq.ReleaseRequest(rq)
			return fmt.Errorf("oneshot: %w", err)
		}
	case sqe.PRP1 == 0:
		// No caller-supplied buffer and no PRP1 of the command's own
		// (e.g. a queue-creation command's queue base address): fall
		// back to the request's own scratch page, so a command that
		// needs a destination for a short data phase (e.g. Identify)
		// always has one without forcing every caller to pass buf.
		sqe.PRP1 = rq.PageIOVA
	}

	sq.Submit(sqe)

	cqe := poll(sq, rq.CID)
	if cqeOut != nil {
		*cqeOut = cqe
	}

	var ret error
	if haveMapping {
		if err := dev.EphemeralFree(iova, buf); err != nil {
			ret = fmt.Errorf("oneshot: ephemeral free: %w", err)
		}
	}

	sq.ReleaseRequest(rq)
	return ret
}

// buildPRP encodes iova (the base of a length-byte DMA mapping) into
// sqe's PRP1/PRP2 fields. A transfer of one page or less needs only
// PRP1; exactly two pages fit directly in PRP1/PRP2; anything larger
// is addressed through a PRP list built into rq's scratch page, with
// PRP2 pointing at that list, matching the NVMe Base Specification's
// PRP encoding rules.
func buildPRP(rq *queue.Request, iova uint64, length int, sqe *uapi.SQE) error {
	pages := (length + pageSize - 1) / pageSize
	switch {
	case pages <= 1:
		sqe.PRP1 = iova
		sqe.PRP2 = 0
	case pages == 2:
		sqe.PRP1 = iova
		sqe.PRP2 = iova + pageSize
	default:
		maxEntries := len(rq.Page) / 8
		if pages-1 > maxEntries {
			return fmt.Errorf("buffer spans %d pages, exceeds %d-entry PRP list", pages, maxEntries)
		}
		for i := 1; i < pages; i++ {
			binary.LittleEndian.PutUint64(rq.Page[(i-1)*8:], iova+uint64(i)*pageSize)
		}
		sqe.PRP1 = iova
		sqe.PRP2 = rq.PageIOVA
	}
	return nil
}

// poll busy-waits on sq's completion queue until an entry whose
// command identifier matches wantCID is produced, dispatching any
// other completion it encounters along the way.
func poll(sq *queue.SQ, wantCID uint16) uapi.CQE {
	logger := logging.Default()
	for {
		if !sq.CQ.Pending() {
			continue
		}

		cqe := sq.CQ.Entry()
		sq.CQ.Advance()
		sq.CQ.RingDoorbell()

		if cqe.RequestCID() == wantCID && !cqe.IsAERCompletion() {
			return cqe
		}

		if sq.ID == 0 && cqe.IsAERCompletion() {
			AENHandle(sq, cqe)
			continue
		}

		logger.Error("spurious completion queue entry", "sq", sq.ID, "cid", cqe.CID)
	}
}

// AENEnable arms a long-lived Asynchronous Event Request on sq,
// calling handler with every completion that arrives for it. The
// request slot is never released back to the free list: AENHandle
// rearms the same command identifier after each delivered event.
func AENEnable(sq *queue.SQ, handler func(*uapi.CQE)) error {
	rq, err := sq.AcquireRequest()
	if err != nil {
		return ErrBusy
	}
	rq.AENHandler = handler

	sqe := uapi.SQE{CID: rq.CID | uapi.CIDAER}
	sqe.SetOpcode(uapi.AdminOpAsyncEventReq)
	sq.Submit(&sqe)
	return nil
}

// AENHandle dispatches an AER-tagged completion to the handler
// registered by AENEnable for its request slot, then immediately
// re-arms a fresh Asynchronous Event Request on that same slot so the
// controller always has one outstanding.
func AENHandle(sq *queue.SQ, cqe uapi.CQE) {
	rq := sq.RequestByCID(cqe.RequestCID())

	if rq.AENHandler != nil {
		rq.AENHandler(&cqe)
	} else {
		eventType, info, logPage := uapi.AENTypeInfoLID(cqe.DW0)
		logging.Default().Info("unhandled asynchronous event",
			"type", eventType, "info", info, "log_page", logPage)
	}

	sqe := uapi.SQE{CID: rq.CID | uapi.CIDAER}
	sqe.SetOpcode(uapi.AdminOpAsyncEventReq)
	sq.Submit(&sqe)
}
