package nvme

import (
	"encoding/binary"
	"time"

	"github.com/jwdevantier/go-nvme/internal/pci"
	"github.com/jwdevantier/go-nvme/internal/uapi"
)

// NewMockController opens a Controller against an in-memory
// pci.MockDevice reporting classCode, with a background goroutine
// standing in for hardware: it mirrors CC.EN into CSTS.RDY so Open's
// reset and enable steps complete without real VFIO permissions. It
// answers no admin commands, so bring-up finishes only for an
// administrative-only classCode (prog IF 0x03); for any other NVMe
// classCode, Open blocks waiting for the SetFeatures(NUM_QUEUES)
// completion. The
// returned stop function must be called once the controller (and any
// test using it) is done; Close on the returned Controller does not
// stop it.
func NewMockController(classCode uint32, opts Options) (*Controller, func(), error) {
	dev := pci.NewMockDevice(classCode)

	regs, err := dev.MapBAR(0, 0, 0x1000)
	if err != nil {
		return nil, nil, err
	}
	var cap uint64
	cap |= uint64(uapi.CapCSSNVM) << uapi.CapCSSShift
	binary.LittleEndian.PutUint64(regs[uapi.RegCAP:uapi.RegCAP+8], cap)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			cc := binary.LittleEndian.Uint32(regs[uapi.RegCC : uapi.RegCC+4])
			want := uint32(0)
			if cc&uapi.CCEnMask != 0 {
				want = 1
			}
			binary.LittleEndian.PutUint32(regs[uapi.RegCSTS:uapi.RegCSTS+4], want)
			time.Sleep(100 * time.Microsecond)
		}
	}()

	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.AdminQueueSize == 0 {
		opts.AdminQueueSize = 4
	}

	c, err := open("0000:00:00.0", opts, dev)
	if err != nil {
		close(stop)
		return nil, nil, err
	}
	return c, func() { close(stop) }, nil
}
