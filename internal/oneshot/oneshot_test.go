package oneshot

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/jwdevantier/go-nvme/internal/pci"
	"github.com/jwdevantier/go-nvme/internal/queue"
	"github.com/jwdevantier/go-nvme/internal/uapi"
)

func newAdminQueue(t *testing.T) (pci.Device, *queue.SQ) {
	t.Helper()
	dev := pci.NewMockDevice(0x010802)
	doorbells := make([]byte, 0x1000)
	cq, err := queue.ConfigureCQ(dev, doorbells, 0, 4, 0)
	if err != nil {
		t.Fatalf("ConfigureCQ: %v", err)
	}
	sq, err := queue.ConfigureSQ(dev, doorbells, 0, 4, cq, 0)
	if err != nil {
		t.Fatalf("ConfigureSQ: %v", err)
	}
	return dev, sq
}

// injectCompletion writes a completion entry at the queue's current
// head, standing in for a controller producing a real completion.
func injectCompletion(sq *queue.SQ, cid uint16, status uint16) {
	cqe := uapi.CQE{CID: cid, Status: (status << 1) | 0x1}
	copy(sq.CQ.Raw()[sq.CQ.Head*16:], uapi.MarshalCQE(&cqe))
}

func TestExecSuccess(t *testing.T) {
	_, sq := newAdminQueue(t)

	done := make(chan struct{})
	go func() {
		// the next acquired request gets the highest free CID (2, for
		// a 4-entry admin queue with no prior acquisitions)
		time.Sleep(time.Millisecond)
		injectCompletion(sq, 2, 0)
		close(done)
	}()

	sqe := uapi.SQE{}
	sqe.SetOpcode(uapi.AdminOpIdentify)
	var cqe uapi.CQE
	dev := pci.NewMockDevice(0x010802)
	if err := Exec(dev, sq, &sqe, nil, &cqe); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	<-done
	if cqe.CID != 2 {
		t.Fatalf("cqe.CID = %d, want 2", cqe.CID)
	}
}

func TestExecWithBufferMapsAndFreesEphemeral(t *testing.T) {
	dev, sq := newAdminQueue(t)

	go func() {
		time.Sleep(time.Millisecond)
		injectCompletion(sq, 2, 0)
	}()

	sqe := uapi.SQE{}
	sqe.SetOpcode(uapi.AdminOpIdentify)
	buf := make([]byte, 4096)
	if err := Exec(dev, sq, &sqe, buf, nil); err != nil {
		t.Fatalf("Exec with buffer: %v", err)
	}
}

func TestExecWithMultiPageBufferBuildsPRPList(t *testing.T) {
	dev, sq := newAdminQueue(t)

	buf := make([]byte, 3*4096+128) // spans 4 pages

	go func() {
		time.Sleep(time.Millisecond)
		injectCompletion(sq, 2, 0)
	}()

	sqe := uapi.SQE{}
	sqe.SetOpcode(uapi.AdminOpIdentify)
	if err := Exec(dev, sq, &sqe, buf, nil); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	rq := sq.RequestByCID(2)
	if sqe.PRP2 != rq.PageIOVA {
		t.Fatalf("PRP2 = %#x, want request scratch page IOVA %#x", sqe.PRP2, rq.PageIOVA)
	}
	for i := 1; i < 4; i++ {
		want := sqe.PRP1 + uint64(i)*4096
		got := binary.LittleEndian.Uint64(rq.Page[(i-1)*8:])
		if got != want {
			t.Fatalf("PRP list entry %d = %#x, want %#x", i-1, got, want)
		}
	}
}

func TestExecWithTwoPageBufferUsesPRP2Directly(t *testing.T) {
	dev, sq := newAdminQueue(t)

	buf := make([]byte, 2*4096)

	go func() {
		time.Sleep(time.Millisecond)
		injectCompletion(sq, 2, 0)
	}()

	sqe := uapi.SQE{}
	sqe.SetOpcode(uapi.AdminOpIdentify)
	if err := Exec(dev, sq, &sqe, buf, nil); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if sqe.PRP2 != sqe.PRP1+4096 {
		t.Fatalf("PRP2 = %#x, want PRP1+4096 = %#x", sqe.PRP2, sqe.PRP1+4096)
	}
}

func TestExecWithoutBufferUsesScratchPageAsPRP1(t *testing.T) {
	dev, sq := newAdminQueue(t)

	go func() {
		time.Sleep(time.Millisecond)
		injectCompletion(sq, 2, 0)
	}()

	sqe := uapi.SQE{}
	sqe.SetOpcode(uapi.AdminOpIdentify)
	if err := Exec(dev, sq, &sqe, nil, nil); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	rq := sq.RequestByCID(2)
	if sqe.PRP1 != rq.PageIOVA {
		t.Fatalf("PRP1 = %#x, want request scratch page IOVA %#x", sqe.PRP1, rq.PageIOVA)
	}
}

func TestExecPreservesCallerSuppliedPRP1WhenNoBuffer(t *testing.T) {
	dev, sq := newAdminQueue(t)

	go func() {
		time.Sleep(time.Millisecond)
		injectCompletion(sq, 2, 0)
	}()

	const queueBaseAddr = 0xdeadbeef000
	sqe := uapi.SQE{PRP1: queueBaseAddr}
	sqe.SetOpcode(uapi.AdminOpCreateCQ)
	if err := Exec(dev, sq, &sqe, nil, nil); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if sqe.PRP1 != queueBaseAddr {
		t.Fatalf("PRP1 = %#x, want caller-supplied %#x to be preserved", sqe.PRP1, queueBaseAddr)
	}
}

func TestAENEnableAndSpuriousDispatch(t *testing.T) {
	_, sq := newAdminQueue(t)

	delivered := make(chan *uapi.CQE, 1)
	if err := AENEnable(sq, func(cqe *uapi.CQE) {
		delivered <- cqe
	}); err != nil {
		t.Fatalf("AENEnable: %v", err)
	}

	// AENEnable acquired CID 2 (highest free slot); the oneshot command
	// below acquires the next-highest, CID 1.
	go func() {
		time.Sleep(time.Millisecond)
		injectCompletion(sq, 2|uapi.CIDAER, 0) // spurious AER completion
		time.Sleep(time.Millisecond)
		injectCompletion(sq, 1, 0) // the oneshot's own completion
	}()

	dev := pci.NewMockDevice(0x010802)
	sqe := uapi.SQE{}
	sqe.SetOpcode(uapi.AdminOpIdentify)
	var cqe uapi.CQE
	if err := Exec(dev, sq, &sqe, nil, &cqe); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if cqe.CID != 1 {
		t.Fatalf("cqe.CID = %d, want 1", cqe.CID)
	}

	select {
	case got := <-delivered:
		if got.RequestCID() != 2 {
			t.Fatalf("delivered AEN cid = %d, want 2", got.RequestCID())
		}
	default:
		t.Fatal("AEN handler was never invoked")
	}
}

func TestExecNoFreeRequestsReturnsBusy(t *testing.T) {
	dev := pci.NewMockDevice(0x010802)
	doorbells := make([]byte, 0x1000)
	cq, _ := queue.ConfigureCQ(dev, doorbells, 0, 2, 0)
	sq, _ := queue.ConfigureSQ(dev, doorbells, 0, 2, cq, 0)

	// qsize=2 -> exactly one request slot; exhaust it with AENEnable.
	if err := AENEnable(sq, func(*uapi.CQE) {}); err != nil {
		t.Fatalf("AENEnable: %v", err)
	}

	sqe := uapi.SQE{}
	if err := Exec(dev, sq, &sqe, nil, nil); err == nil {
		t.Fatal("Exec on exhausted queue succeeded, want error")
	}
}
