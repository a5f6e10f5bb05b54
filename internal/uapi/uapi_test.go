package uapi

import "testing"

func TestMarshalUnmarshalSQE(t *testing.T) {
	sqe := &SQE{
		OpcodeFlags: AdminOpCreateCQ,
		CID:         0x1234,
		NSID:        0,
		PRP1:        0xdeadbeefcafe,
		CDW10:       0x00010001,
		CDW11:       QueuePhysContig,
	}
	data := MarshalSQE(sqe)
	if len(data) != 64 {
		t.Fatalf("marshaled sqe length = %d, want 64", len(data))
	}

	var got SQE
	if err := UnmarshalSQE(data, &got); err != nil {
		t.Fatalf("UnmarshalSQE: %v", err)
	}
	if got != *sqe {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, *sqe)
	}
}

func TestUnmarshalSQEShortBuffer(t *testing.T) {
	var sqe SQE
	if err := UnmarshalSQE(make([]byte, 10), &sqe); err != ErrInsufficientData {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

func TestMarshalUnmarshalCQE(t *testing.T) {
	cqe := &CQE{
		DW0:    0x00020001,
		SQHead: 7,
		SQID:   1,
		CID:    0x8005,
		Status: 0x0003,
	}
	data := MarshalCQE(cqe)
	if len(data) != 16 {
		t.Fatalf("marshaled cqe length = %d, want 16", len(data))
	}

	var got CQE
	if err := UnmarshalCQE(data, &got); err != nil {
		t.Fatalf("UnmarshalCQE: %v", err)
	}
	if got != *cqe {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, *cqe)
	}
}

func TestCQEAccessors(t *testing.T) {
	cqe := &CQE{CID: 0x0005 | CIDAER, Status: 0x0003}
	if !cqe.IsAERCompletion() {
		t.Fatal("IsAERCompletion() = false, want true")
	}
	if got := cqe.RequestCID(); got != 0x0005 {
		t.Fatalf("RequestCID() = %#x, want 0x5", got)
	}
	if !cqe.Phase() {
		t.Fatal("Phase() = false, want true")
	}
	if got := cqe.StatusCode(); got != 0x0001 {
		t.Fatalf("StatusCode() = %#x, want 0x1", got)
	}
}

func TestIsNVMeClassCode(t *testing.T) {
	cases := []struct {
		classCode        uint32
		wantNVMe         bool
		wantAdministrative bool
	}{
		{0x010802, true, false},
		{0x010803, true, true},
		{0x010000, false, false},
		{0x020802, false, false},
	}
	for _, c := range cases {
		gotNVMe, gotAdmin := IsNVMeClassCode(c.classCode)
		if gotNVMe != c.wantNVMe || gotAdmin != c.wantAdministrative {
			t.Errorf("IsNVMeClassCode(%#x) = (%v, %v), want (%v, %v)",
				c.classCode, gotNVMe, gotAdmin, c.wantNVMe, c.wantAdministrative)
		}
	}
}

func TestCAPDecode(t *testing.T) {
	var cap uint64
	cap |= 0xff << CapTOShift
	cap |= 0x6 << CapMPSMinShift
	cap |= CapCSSAdmin << CapCSSShift

	if got := CAPTimeoutMS(cap); got != 500*256 {
		t.Fatalf("CAPTimeoutMS() = %d, want %d", got, 500*256)
	}
	if got := CAPMPSMin(cap); got != 0x6 {
		t.Fatalf("CAPMPSMin() = %d, want 6", got)
	}
	if got := CAPCSS(cap); got != CapCSSAdmin {
		t.Fatalf("CAPCSS() = %#x, want %#x", got, uint8(CapCSSAdmin))
	}
}

func TestEncodeCCAndCSTS(t *testing.T) {
	cc := EncodeCC(0, CCCSSNVM, 6, 4, true)
	if cc&CCEnMask == 0 {
		t.Fatal("EncodeCC: EN bit not set")
	}
	if got := (cc >> CCIOSQESShift) & CCIOSQESMask; got != 6 {
		t.Fatalf("IOSQES = %d, want 6", got)
	}
	if got := (cc >> CCIOCQESShift) & CCIOCQESMask; got != 4 {
		t.Fatalf("IOCQES = %d, want 4", got)
	}

	if !CSTSReady(0x1) {
		t.Fatal("CSTSReady(0x1) = false, want true")
	}
	if CSTSFatal(0x1) {
		t.Fatal("CSTSFatal(0x1) = true, want false")
	}
}

func TestSetFeaturesNumQueuesRoundtrip(t *testing.T) {
	cdw11 := EncodeSetFeaturesNumQueues(7, 7)
	nsqa, ncqa := DecodeSetFeaturesNumQueues(cdw11)
	if nsqa != 7 || ncqa != 7 {
		t.Fatalf("DecodeSetFeaturesNumQueues() = (%d, %d), want (7, 7)", nsqa, ncqa)
	}
}
