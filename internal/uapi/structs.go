package uapi

import "unsafe"

// SQE is a 64-byte NVMe Submission Queue Entry (NVMe Base
// Specification, Figure 86). Only the common DWORDs are named; opcode-
// specific CDW10-CDW15 are exposed as raw DWORDs for the caller to
// fill in, since their meaning varies per opcode.
type SQE struct {
	OpcodeFlags uint8  // CDW0[7:0] opcode
	_           uint8  // CDW0[15:8] reserved/flags, folded into helpers
	CID         uint16 // CDW0[31:16] command identifier
	NSID        uint32 // CDW1 namespace identifier
	_           uint64 // CDW2-3 reserved
	MPTR        uint64 // CDW4-5 metadata pointer
	PRP1        uint64 // CDW6-7 data pointer PRP entry 1
	PRP2        uint64 // CDW8-9 data pointer PRP entry 2
	CDW10       uint32
	CDW11       uint32
	CDW12       uint32
	CDW13       uint32
	CDW14       uint32
	CDW15       uint32
}

var _ [64]byte = [unsafe.Sizeof(SQE{})]byte{}

// Opcode returns the command opcode from OpcodeFlags.
func (s *SQE) Opcode() uint8 { return s.OpcodeFlags }

// SetOpcode sets the command opcode.
func (s *SQE) SetOpcode(op uint8) { s.OpcodeFlags = op }

// CQE is a 16-byte NVMe Completion Queue Entry (NVMe Base
// Specification, Figure 88).
type CQE struct {
	DW0    uint32 // command-specific result
	DW1    uint32 // reserved
	SQHead uint16 // SQ head pointer
	SQID   uint16 // SQ identifier
	CID    uint16 // command identifier echoed from the SQE
	Status uint16 // phase tag (bit 0) + status field (bits 15:1)
}

var _ [16]byte = [unsafe.Sizeof(CQE{})]byte{}

// Phase returns the phase tag bit of the completion.
func (c *CQE) Phase() bool {
	return c.Status&0x1 != 0
}

// StatusCode returns the status field (SCT/SC), with the phase tag bit
// masked off.
func (c *CQE) StatusCode() uint16 {
	return c.Status >> 1
}

// IsAERCompletion reports whether this completion's command identifier
// carries the AER tag, meaning it completes a long-lived Asynchronous
// Event Request rather than an ordinary oneshot command.
func (c *CQE) IsAERCompletion() bool {
	return c.CID&CIDAER != 0
}

// RequestCID strips the AER tag, returning the index into the owning
// submission queue's request array.
func (c *CQE) RequestCID() uint16 {
	return c.CID &^ CIDAER
}

// AENTypeInfoLID decodes an Asynchronous Event Request completion's
// DW0 into its event type, information, and log page identifier
// fields (NVMe Base Specification, Figure 146).
func AENTypeInfoLID(dw0 uint32) (eventType uint8, info uint8, logPage uint8) {
	eventType = uint8(dw0 & 0x7)
	info = uint8((dw0 >> 8) & 0xff)
	logPage = uint8((dw0 >> 16) & 0xff)
	return
}
