package pci

import "testing"

func TestMockDeviceClassCode(t *testing.T) {
	d := NewMockDevice(0x010802)
	cc, err := d.ClassCode()
	if err != nil {
		t.Fatalf("ClassCode: %v", err)
	}
	if cc != 0x010802 {
		t.Fatalf("ClassCode() = %#x, want 0x010802", cc)
	}
}

func TestMockDeviceMapBARPersists(t *testing.T) {
	d := NewMockDevice(0x010802)
	regs, err := d.MapBAR(0, 0, 0x1000)
	if err != nil {
		t.Fatalf("MapBAR: %v", err)
	}
	regs[0x14] = 0x01

	again, err := d.MapBAR(0, 0, 0x1000)
	if err != nil {
		t.Fatalf("MapBAR (again): %v", err)
	}
	if again[0x14] != 0x01 {
		t.Fatalf("second MapBAR does not alias first: got %d", again[0x14])
	}
}

func TestMockDeviceIOVALifecycle(t *testing.T) {
	d := NewMockDevice(0x010802)
	r, err := d.MapIOVA(4096)
	if err != nil {
		t.Fatalf("MapIOVA: %v", err)
	}
	if len(r.Host) != 4096 {
		t.Fatalf("Host length = %d, want 4096", len(r.Host))
	}
	if err := d.UnmapIOVA(r); err != nil {
		t.Fatalf("UnmapIOVA: %v", err)
	}
	if err := d.UnmapIOVA(r); err != ErrNotMapped {
		t.Fatalf("second UnmapIOVA err = %v, want ErrNotMapped", err)
	}
}

func TestMockDeviceEphemeralMapRejectsEmpty(t *testing.T) {
	d := NewMockDevice(0x010802)
	if _, err := d.EphemeralMap(nil); err == nil {
		t.Fatal("EphemeralMap(nil) succeeded, want error")
	}
}

func TestMockDeviceEphemeralMapFreeRoundtrip(t *testing.T) {
	d := NewMockDevice(0x010802)
	buf := make([]byte, 512)
	iova, err := d.EphemeralMap(buf)
	if err != nil {
		t.Fatalf("EphemeralMap: %v", err)
	}
	if err := d.EphemeralFree(iova, buf); err != nil {
		t.Fatalf("EphemeralFree: %v", err)
	}
}
