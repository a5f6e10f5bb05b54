//go:build linux

package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jwdevantier/go-nvme/internal/logging"
)

// pageSize is the host page size DMA regions are rounded up to.
const pageSize = 0x1000

// VFIO ioctl numbers and structures (linux/vfio.h). golang.org/x/sys/unix
// does not expose these directly, so the subset this driver needs is
// declared here, matching the kernel uAPI layout byte for byte.
const (
	vfioType = ';'
	vfioBase = 100

	// _IO(VFIO_TYPE, VFIO_BASE + n): no direction or size bits.
	vfioAPIVersion        = vfioType<<8 | (vfioBase + 0)
	vfioCheckExtension    = vfioType<<8 | (vfioBase + 1)
	vfioSetIOMMU          = vfioType<<8 | (vfioBase + 2)
	vfioGroupGetStatus    = vfioType<<8 | (vfioBase + 3)
	vfioGroupSetContainer = vfioType<<8 | (vfioBase + 4)
	vfioGroupGetDeviceFD  = vfioType<<8 | (vfioBase + 6)
	vfioDeviceGetInfo     = vfioType<<8 | (vfioBase + 7)
	vfioDeviceGetRegionInfo = vfioType<<8 | (vfioBase + 8)
	vfioIOMMUMapDMA       = vfioType<<8 | (vfioBase + 13)
	vfioIOMMUUnmapDMA     = vfioType<<8 | (vfioBase + 14)

	vfioTypeOneIOMMU = 1

	vfioGroupFlagsViable = 1 << 0

	vfioDMAMapFlagRead  = 1 << 0
	vfioDMAMapFlagWrite = 1 << 1

	vfioRegionInfoFlagMmap = 1 << 2
)

type vfioGroupStatus struct {
	ArgSz uint32
	Flags uint32
}

type vfioIOMMUDMAMap struct {
	ArgSz  uint32
	Flags  uint32
	VAddr  uint64
	IOVA   uint64
	Size   uint64
}

type vfioIOMMUDMAUnmap struct {
	ArgSz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

type vfioRegionInfo struct {
	ArgSz  uint32
	Flags  uint32
	Index  uint32
	CapOfs uint32
	Size   uint64
	Offset uint64
}

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// VFIODevice drives a PCI device through the Linux VFIO IOMMU
// passthrough framework: a dedicated container and group file
// descriptor own the device's DMA address space, BAR windows are
// mapped via mmap against the fd obtained from VFIO_GROUP_GET_DEVICE_FD,
// and DMA memory is anonymous mmap'd host memory registered with the
// container through VFIO_IOMMU_MAP_DMA.
type VFIODevice struct {
	mu sync.Mutex

	bdf         string
	containerFd int
	groupFd     int
	deviceFd    int

	nextIOVA uint64

	scratch     []byte
	scratchIOVA uint64

	logger *logging.Logger
}

var _ Device = (*VFIODevice)(nil)

// NewVFIODevice constructs an unopened VFIO-backed device. Call Open
// before using it.
func NewVFIODevice() *VFIODevice {
	return &VFIODevice{
		containerFd: -1,
		groupFd:     -1,
		deviceFd:    -1,
		nextIOVA:    0x100000, // leave the low 1MiB of IOVA space unused
		logger:      logging.Default(),
	}
}

func iommuGroupPath(bdf string) (string, error) {
	link, err := os.Readlink(filepath.Join("/sys/bus/pci/devices", bdf, "iommu_group"))
	if err != nil {
		return "", fmt.Errorf("pci: resolve iommu group for %s: %w", bdf, err)
	}
	return filepath.Base(link), nil
}

// Open implements Device.
func (d *VFIODevice) Open(bdf string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	group, err := iommuGroupPath(bdf)
	if err != nil {
		return err
	}

	container, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("pci: open /dev/vfio/vfio: %w", err)
	}

	groupFd, err := unix.Open(filepath.Join("/dev/vfio", group), unix.O_RDWR, 0)
	if err != nil {
		unix.Close(container)
		return fmt.Errorf("pci: open iommu group %s: %w", group, err)
	}

	var status vfioGroupStatus
	status.ArgSz = uint32(unsafe.Sizeof(status))
	if err := ioctl(groupFd, vfioGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		unix.Close(groupFd)
		unix.Close(container)
		return fmt.Errorf("pci: VFIO_GROUP_GET_STATUS: %w", err)
	}
	if status.Flags&vfioGroupFlagsViable == 0 {
		unix.Close(groupFd)
		unix.Close(container)
		return fmt.Errorf("pci: iommu group %s not viable (device bound to host driver?)", group)
	}

	if err := ioctl(groupFd, vfioGroupSetContainer, unsafe.Pointer(&container)); err != nil {
		unix.Close(groupFd)
		unix.Close(container)
		return fmt.Errorf("pci: VFIO_GROUP_SET_CONTAINER: %w", err)
	}

	iommuType := vfioTypeOneIOMMU
	if err := ioctl(container, vfioSetIOMMU, unsafe.Pointer(&iommuType)); err != nil {
		unix.Close(groupFd)
		unix.Close(container)
		return fmt.Errorf("pci: VFIO_SET_IOMMU: %w", err)
	}

	bdfBytes := append([]byte(bdf), 0)
	deviceFd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(groupFd), uintptr(vfioGroupGetDeviceFD), uintptr(unsafe.Pointer(&bdfBytes[0])))
	if errno != 0 {
		unix.Close(groupFd)
		unix.Close(container)
		return fmt.Errorf("pci: VFIO_GROUP_GET_DEVICE_FD %s: %w", bdf, errno)
	}

	d.bdf = bdf
	d.containerFd = container
	d.groupFd = groupFd
	d.deviceFd = int(deviceFd)

	d.logger.Debug("vfio device opened", "bdf", bdf, "group", group)
	return nil
}

// ClassCode implements Device by reading the PCI config space class
// code directly from sysfs, since VFIO's config-space region requires
// a separate pread path the kernel exposes identically to sysfs.
func (d *VFIODevice) ClassCode() (uint32, error) {
	data, err := os.ReadFile(filepath.Join("/sys/bus/pci/devices", d.bdf, "class"))
	if err != nil {
		return 0, fmt.Errorf("pci: read class code: %w", err)
	}
	var classCode uint32
	if _, err := fmt.Sscanf(string(data), "0x%x", &classCode); err != nil {
		return 0, fmt.Errorf("pci: parse class code %q: %w", data, err)
	}
	return classCode, nil
}

// MapBAR implements Device.
func (d *VFIODevice) MapBAR(bar BAR, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var info vfioRegionInfo
	info.ArgSz = uint32(unsafe.Sizeof(info))
	info.Index = uint32(bar)
	if err := ioctl(d.deviceFd, vfioDeviceGetRegionInfo, unsafe.Pointer(&info)); err != nil {
		return nil, fmt.Errorf("pci: VFIO_DEVICE_GET_REGION_INFO bar%d: %w", bar, err)
	}
	if info.Flags&vfioRegionInfoFlagMmap == 0 {
		return nil, fmt.Errorf("pci: bar%d is not mmap-capable", bar)
	}

	mapping, err := unix.Mmap(d.deviceFd, int64(info.Offset+offset), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pci: mmap bar%d: %w", bar, err)
	}
	return mapping, nil
}

// UnmapBAR implements Device.
func (d *VFIODevice) UnmapBAR(bar BAR, mapping []byte) error {
	if mapping == nil {
		return ErrNotMapped
	}
	return unix.Munmap(mapping)
}

// MapIOVA implements Device.
func (d *VFIODevice) MapIOVA(size uint64) (Region, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapDMA(size)
}

func (d *VFIODevice) mapDMA(size uint64) (Region, error) {
	aligned := (size + pageSize - 1) &^ (pageSize - 1)

	host, err := unix.Mmap(-1, 0, int(aligned), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return Region{}, fmt.Errorf("pci: anonymous mmap %d bytes: %w", aligned, err)
	}

	iova := d.nextIOVA
	var req vfioIOMMUDMAMap
	req.ArgSz = uint32(unsafe.Sizeof(req))
	req.Flags = vfioDMAMapFlagRead | vfioDMAMapFlagWrite
	req.VAddr = uint64(uintptr(unsafe.Pointer(&host[0])))
	req.IOVA = iova
	req.Size = aligned

	if err := ioctl(d.containerFd, vfioIOMMUMapDMA, unsafe.Pointer(&req)); err != nil {
		unix.Munmap(host)
		return Region{}, fmt.Errorf("pci: VFIO_IOMMU_MAP_DMA: %w", err)
	}
	d.nextIOVA += aligned

	return Region{Host: host, IOVA: iova}, nil
}

// UnmapIOVA implements Device.
func (d *VFIODevice) UnmapIOVA(r Region) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unmapDMA(r)
}

func (d *VFIODevice) unmapDMA(r Region) error {
	if r.Host == nil {
		return ErrNotMapped
	}
	var req vfioIOMMUDMAUnmap
	req.ArgSz = uint32(unsafe.Sizeof(req))
	req.IOVA = r.IOVA
	req.Size = uint64(len(r.Host))
	if err := ioctl(d.containerFd, vfioIOMMUUnmapDMA, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("pci: VFIO_IOMMU_UNMAP_DMA: %w", err)
	}
	return unix.Munmap(r.Host)
}

// EphemeralMap implements Device by mapping the caller's buffer
// directly into DMA space for the lifetime of a single command. Unlike
// the admin/IO queue memory allocated through MapIOVA, the backing
// host memory here is supplied by the caller rather than anonymously
// allocated, since it may already be part of a larger data buffer.
func (d *VFIODevice) EphemeralMap(buf []byte) (uint64, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("pci: ephemeral map of empty buffer")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	// PRP1/PRP2 addressing requires each mapped page to fall on a page
	// boundary, so the IOVA handed out here (unlike the buffer length,
	// which is whatever the caller passed in) is always page-aligned.
	iova := (d.nextIOVA + pageSize - 1) &^ (pageSize - 1)
	aligned := (uint64(len(buf)) + pageSize - 1) &^ (pageSize - 1)

	var req vfioIOMMUDMAMap
	req.ArgSz = uint32(unsafe.Sizeof(req))
	req.Flags = vfioDMAMapFlagRead | vfioDMAMapFlagWrite
	req.VAddr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	req.IOVA = iova
	req.Size = uint64(len(buf))

	if err := ioctl(d.containerFd, vfioIOMMUMapDMA, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("pci: VFIO_IOMMU_MAP_DMA (ephemeral): %w", err)
	}
	d.nextIOVA = iova + aligned
	return iova, nil
}

// EphemeralFree implements Device.
func (d *VFIODevice) EphemeralFree(iova uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var req vfioIOMMUDMAUnmap
	req.ArgSz = uint32(unsafe.Sizeof(req))
	req.IOVA = iova
	req.Size = uint64(len(buf))
	if err := ioctl(d.containerFd, vfioIOMMUUnmapDMA, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("pci: VFIO_IOMMU_UNMAP_DMA (ephemeral): %w", err)
	}
	return nil
}

// Close implements Device.
func (d *VFIODevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deviceFd >= 0 {
		unix.Close(d.deviceFd)
		d.deviceFd = -1
	}
	if d.groupFd >= 0 {
		unix.Close(d.groupFd)
		d.groupFd = -1
	}
	if d.containerFd >= 0 {
		unix.Close(d.containerFd)
		d.containerFd = -1
	}
	d.logger.Debug("vfio device closed", "bdf", d.bdf)
	return nil
}
