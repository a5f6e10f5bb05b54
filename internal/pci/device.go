// Package pci narrows the operations a controller needs from a PCI
// device behind an IOMMU passthrough (VFIO) into a single interface,
// so the NVMe bring-up logic never touches raw mmap/ioctl calls
// directly and can be driven against a mock in tests.
package pci

import "errors"

// ErrNoIOVASpace marks an IOMMU passthrough with no room left in its
// DMA window. Neither MockDevice nor VFIODevice returns it: the mock
// never runs out, and VFIODevice reports the failing mmap or ioctl
// error instead.
var ErrNoIOVASpace = errors.New("pci: no IOVA space available")

// ErrNotMapped is returned by UnmapIOVA/UnmapBAR when the given region
// was not previously mapped.
var ErrNotMapped = errors.New("pci: region not mapped")

// BAR identifies a PCI Base Address Register.
type BAR int

// Region describes a host-memory window mapped for a device, along
// with the IOVA the device sees for it. Host is nil for a pure BAR
// register mapping that is never DMA target.
type Region struct {
	Host []byte
	IOVA uint64
}

// Device is the narrow contract a controller needs from an IOMMU
// passthrough-backed PCI device: open it, learn its class code, map
// register windows and DMA memory, and tear it all down again.
//
// Implementations must be safe for the bring-up/oneshot call pattern
// used by internal/ctrl and internal/oneshot: single-threaded access
// to the control-plane methods, concurrent EphemeralMap/EphemeralFree
// from any goroutine holding an acquired request.
type Device interface {
	// Open acquires the device identified by bdf (PCI "bus:device.function"
	// address, e.g. "0000:01:00.0") for exclusive passthrough access.
	Open(bdf string) error

	// ClassCode returns the device's 24-bit PCI class code.
	ClassCode() (uint32, error)

	// MapBAR maps size bytes of the given BAR starting at offset into
	// host address space for MMIO register access. The returned slice
	// aliases the device's registers; reads/writes to it are real bus
	// cycles.
	MapBAR(bar BAR, offset, size uint64) ([]byte, error)

	// UnmapBAR releases a mapping previously returned by MapBAR.
	UnmapBAR(bar BAR, mapping []byte) error

	// MapIOVA allocates size bytes of host memory, zeroes it, and maps
	// it into the device's DMA address space, returning both the host
	// view and the IOVA for use in PRP/SGL entries. The allocation is
	// page-aligned and physically contiguous from the device's
	// perspective.
	MapIOVA(size uint64) (Region, error)

	// UnmapIOVA tears down a mapping previously returned by MapIOVA,
	// unmapping it from the IOMMU and releasing the host memory.
	UnmapIOVA(r Region) error

	// EphemeralMap maps a short-lived data buffer for a single command,
	// returning the IOVA the device should use as its PRP entry.
	// Implementations may serve this from a pre-reserved scratch window
	// rather than programming the IOMMU on every call.
	EphemeralMap(buf []byte) (uint64, error)

	// EphemeralFree releases a mapping previously returned by
	// EphemeralMap. Its error is surfaced to the caller of Oneshot as
	// that call's own return value, per the NVMe reference driver's
	// convention of reporting teardown failures rather than command
	// status from the oneshot path.
	EphemeralFree(iova uint64, buf []byte) error

	// Close releases the device and any IOMMU group resources it holds.
	Close() error
}
