package pci

import (
	"fmt"
	"sync"
)

// MockDevice is an in-memory Device used by tests and by the
// -mock flag of cmd/nvme-probe to exercise controller bring-up without
// real hardware or VFIO permissions. Register windows are backed by
// plain byte slices, and IOVA allocation is a simple bump allocator
// with no real DMA semantics.
type MockDevice struct {
	mu sync.Mutex

	classCode uint32

	bars map[BAR][]byte

	nextIOVA uint64
	mapped   map[uint64][]byte

	// RegisterHook is stored but never called by MockDevice: writes
	// through a slice returned by MapBAR land directly in the backing
	// array and trigger no callback. Device-side register behavior
	// (e.g. CSTS.RDY following CC.EN) has to be simulated by polling
	// the mapped registers.
	RegisterHook func(bar BAR, mapping []byte)
}

var _ Device = (*MockDevice)(nil)

// NewMockDevice constructs a MockDevice reporting the given PCI class
// code (use uapi's class-code constants to simulate a full or
// admin-only NVMe controller).
func NewMockDevice(classCode uint32) *MockDevice {
	return &MockDevice{
		classCode: classCode,
		bars:      make(map[BAR][]byte),
		nextIOVA:  0x100000,
		mapped:    make(map[uint64][]byte),
	}
}

// Open implements Device; bdf is ignored.
func (m *MockDevice) Open(bdf string) error {
	return nil
}

// ClassCode implements Device.
func (m *MockDevice) ClassCode() (uint32, error) {
	return m.classCode, nil
}

// MapBAR implements Device, returning a zeroed slice for the requested
// window. Repeated calls for the same bar+offset+size return the same
// underlying memory so a test can observe writes made through the
// returned slice.
func (m *MockDevice) MapBAR(bar BAR, offset, size uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A real BAR has a fixed size fixed at device-open time; the mock
	// mirrors that by sizing a bar's backing array once, generously,
	// on first use, so two mappings into the same bar at different
	// offsets always alias the same array instead of one going stale
	// if a later, larger mapping forced a reallocation.
	const barCapacity = 1 << 20

	full, ok := m.bars[bar]
	if !ok {
		full = make([]byte, barCapacity)
		m.bars[bar] = full
	}
	if offset+size > uint64(len(full)) {
		return nil, fmt.Errorf("pci: mock bar%d window [%#x,%#x) exceeds capacity %#x", bar, offset, offset+size, len(full))
	}
	return full[offset : offset+size], nil
}

// UnmapBAR implements Device; mock BAR memory is reclaimed by the
// garbage collector once no longer referenced.
func (m *MockDevice) UnmapBAR(bar BAR, mapping []byte) error {
	return nil
}

// MapIOVA implements Device with a bump allocator over anonymous
// zeroed memory.
func (m *MockDevice) MapIOVA(size uint64) (Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocLocked(size)
}

func (m *MockDevice) allocLocked(size uint64) (Region, error) {
	const pageSize = 0x1000
	aligned := (size + pageSize - 1) &^ (pageSize - 1)
	host := make([]byte, aligned)
	iova := m.nextIOVA
	m.nextIOVA += aligned
	m.mapped[iova] = host
	return Region{Host: host, IOVA: iova}, nil
}

// UnmapIOVA implements Device.
func (m *MockDevice) UnmapIOVA(r Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mapped[r.IOVA]; !ok {
		return ErrNotMapped
	}
	delete(m.mapped, r.IOVA)
	return nil
}

// EphemeralMap implements Device. The returned IOVA is always
// page-aligned, even though buf itself may not be a whole number of
// pages long, so that a multi-page buf's PRP list can be built from
// page-stride offsets off of it.
func (m *MockDevice) EphemeralMap(buf []byte) (uint64, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("pci: ephemeral map of empty buffer")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	const pageSize = 0x1000
	iova := (m.nextIOVA + pageSize - 1) &^ (pageSize - 1)
	aligned := (uint64(len(buf)) + pageSize - 1) &^ (pageSize - 1)
	m.nextIOVA = iova + aligned
	m.mapped[iova] = buf
	return iova, nil
}

// EphemeralFree implements Device.
func (m *MockDevice) EphemeralFree(iova uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mapped[iova]; !ok {
		return ErrNotMapped
	}
	delete(m.mapped, iova)
	return nil
}

// Close implements Device.
func (m *MockDevice) Close() error {
	return nil
}
