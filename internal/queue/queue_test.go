package queue

import (
	"testing"

	"github.com/jwdevantier/go-nvme/internal/pci"
)

func newDoorbells() []byte {
	return make([]byte, 0x1000)
}

func TestConfigureCQRejectsTooSmall(t *testing.T) {
	dev := pci.NewMockDevice(0x010802)
	if _, err := ConfigureCQ(dev, newDoorbells(), 0, 1, 0); err == nil {
		t.Fatal("ConfigureCQ(qsize=1) succeeded, want error")
	}
}

func TestConfigureCQDoorbellOffsets(t *testing.T) {
	dev := pci.NewMockDevice(0x010802)
	db := newDoorbells()

	acq, err := ConfigureCQ(dev, db, 0, 64, 0)
	if err != nil {
		t.Fatalf("ConfigureCQ(admin): %v", err)
	}
	acq.Head = 3
	acq.RingDoorbell()
	if got := db[4]; got != 3 {
		// admin CQ doorbell is index 1 -> offset 4 with stride 4
		t.Fatalf("admin cq doorbell byte = %d, want 3", got)
	}

	ioq, err := ConfigureCQ(dev, db, 1, 64, 0)
	if err != nil {
		t.Fatalf("ConfigureCQ(io): %v", err)
	}
	ioq.Head = 5
	ioq.RingDoorbell()
	if got := db[12]; got != 5 {
		// io CQ 1 doorbell is index 3 -> offset 12
		t.Fatalf("io cq doorbell byte = %d, want 5", got)
	}
}

func TestConfigureSQFreeListIsTopDownLIFO(t *testing.T) {
	dev := pci.NewMockDevice(0x010802)
	cq, err := ConfigureCQ(dev, newDoorbells(), 0, 4, 0)
	if err != nil {
		t.Fatalf("ConfigureCQ: %v", err)
	}
	sq, err := ConfigureSQ(dev, newDoorbells(), 0, 4, cq, 0)
	if err != nil {
		t.Fatalf("ConfigureSQ: %v", err)
	}

	// qsize=4 -> 3 requests, CIDs 0,1,2. Highest CID must be handed
	// out first, matching the reference driver's rq_top = &rqs[qsize-2].
	rq1, err := sq.AcquireRequest()
	if err != nil {
		t.Fatalf("AcquireRequest: %v", err)
	}
	if rq1.CID != 2 {
		t.Fatalf("first acquired CID = %d, want 2", rq1.CID)
	}

	rq2, _ := sq.AcquireRequest()
	if rq2.CID != 1 {
		t.Fatalf("second acquired CID = %d, want 1", rq2.CID)
	}

	sq.ReleaseRequest(rq2)
	rq3, _ := sq.AcquireRequest()
	if rq3.CID != 1 {
		t.Fatalf("acquired after release CID = %d, want 1 (LIFO)", rq3.CID)
	}

	rq4, _ := sq.AcquireRequest()
	if rq4.CID != 0 {
		t.Fatalf("last acquired CID = %d, want 0", rq4.CID)
	}

	if _, err := sq.AcquireRequest(); err != ErrNoFreeRequests {
		t.Fatalf("AcquireRequest on exhausted queue err = %v, want ErrNoFreeRequests", err)
	}
}

func TestConfigureSQPerRequestPagesAreDisjoint(t *testing.T) {
	dev := pci.NewMockDevice(0x010802)
	cq, _ := ConfigureCQ(dev, newDoorbells(), 0, 4, 0)
	sq, err := ConfigureSQ(dev, newDoorbells(), 0, 4, cq, 0)
	if err != nil {
		t.Fatalf("ConfigureSQ: %v", err)
	}

	rq0 := sq.RequestByCID(0)
	rq1 := sq.RequestByCID(1)
	if len(rq0.Page) != pageSize || len(rq1.Page) != pageSize {
		t.Fatalf("unexpected page sizes: %d, %d", len(rq0.Page), len(rq1.Page))
	}
	if rq1.PageIOVA-rq0.PageIOVA != pageSize {
		t.Fatalf("page IOVAs not contiguous: %#x, %#x", rq0.PageIOVA, rq1.PageIOVA)
	}
}

func TestDiscardCQAndSQAreIdempotentOnZeroValue(t *testing.T) {
	var cq CQ
	var sq SQ
	dev := pci.NewMockDevice(0x010802)
	if err := DiscardCQ(dev, &cq); err != nil {
		t.Fatalf("DiscardCQ on zero value: %v", err)
	}
	if err := DiscardSQ(dev, &sq); err != nil {
		t.Fatalf("DiscardSQ on zero value: %v", err)
	}
}
