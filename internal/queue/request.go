package queue

import (
	"errors"
	"sync"

	"github.com/jwdevantier/go-nvme/internal/uapi"
)

// ErrNoFreeRequests is returned by AcquireRequest when a submission
// queue's free list is empty, i.e. every slot is currently in flight.
var ErrNoFreeRequests = errors.New("queue: no free requests")

// Request tracks one in-flight slot of a submission queue: the SQE
// position, the per-request DMA data page reserved for it, and (while
// free) its link to the next free slot. A Request is never allocated
// or released at runtime after queue construction — it moves between
// the free list and "acquired" by pointer only.
type Request struct {
	SQ   *SQ
	CID  uint16

	// Page is the per-request scratch data page carved out of the
	// submission queue's page pool. oneshot uses it as PRP1 when the
	// caller passes no buffer and the command has no PRP1 of its own,
	// and as the PRP list for a buffer spanning more than two pages.
	Page     []byte
	PageIOVA uint64

	// AENHandler, when non-nil, marks this request as a long-lived
	// Asynchronous Event Request rather than a free-list member. It is
	// invoked with the completion that eventually arrives for this
	// slot's AER-tagged command identifier.
	AENHandler func(*uapi.CQE)

	next *Request
}

// freeList is the intrusive, top-down LIFO stack of free requests for
// one submission queue. It is built once at queue configuration time
// from the high index down to the low index, so the first acquisition
// returns the highest-numbered slot.
type freeList struct {
	mu  sync.Mutex
	top *Request
}

// buildFreeList links rqs (length qsize-1) into a LIFO stack with the
// last element on top, matching the reference driver's construction
// order: rq_top = &rqs[qsize-2], and rq[i].next = &rq[i-1] for i>0.
func buildFreeList(rqs []*Request) *freeList {
	for i := 1; i < len(rqs); i++ {
		rqs[i].next = rqs[i-1]
	}
	fl := &freeList{}
	if len(rqs) > 0 {
		fl.top = rqs[len(rqs)-1]
	}
	return fl
}

// acquire pops the top of the free list, or returns ErrNoFreeRequests
// if none remain.
func (fl *freeList) acquire() (*Request, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	rq := fl.top
	if rq == nil {
		return nil, ErrNoFreeRequests
	}
	fl.top = rq.next
	rq.next = nil
	return rq, nil
}

// release pushes rq back onto the top of the free list, so the next
// acquire returns it again before any slot released earlier.
func (fl *freeList) release(rq *Request) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	rq.next = fl.top
	fl.top = rq
}
