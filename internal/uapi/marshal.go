package uapi

import (
	"encoding/binary"
)

// MarshalError reports a fixed-size encoding/decoding failure.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

// ErrInsufficientData is returned by Unmarshal functions when the
// input slice is shorter than the wire structure being decoded.
const ErrInsufficientData = MarshalError("uapi: insufficient data")

// MarshalSQE encodes sqe into its 64-byte little-endian wire form.
func MarshalSQE(sqe *SQE) []byte {
	buf := make([]byte, 64)
	buf[0] = sqe.OpcodeFlags
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], sqe.CID)
	binary.LittleEndian.PutUint32(buf[4:8], sqe.NSID)
	binary.LittleEndian.PutUint64(buf[16:24], sqe.MPTR)
	binary.LittleEndian.PutUint64(buf[24:32], sqe.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], sqe.PRP2)
	binary.LittleEndian.PutUint32(buf[40:44], sqe.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], sqe.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], sqe.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], sqe.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], sqe.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], sqe.CDW15)
	return buf
}

// UnmarshalSQE decodes a 64-byte little-endian wire form into sqe.
func UnmarshalSQE(data []byte, sqe *SQE) error {
	if len(data) < 64 {
		return ErrInsufficientData
	}
	sqe.OpcodeFlags = data[0]
	sqe.CID = binary.LittleEndian.Uint16(data[2:4])
	sqe.NSID = binary.LittleEndian.Uint32(data[4:8])
	sqe.MPTR = binary.LittleEndian.Uint64(data[16:24])
	sqe.PRP1 = binary.LittleEndian.Uint64(data[24:32])
	sqe.PRP2 = binary.LittleEndian.Uint64(data[32:40])
	sqe.CDW10 = binary.LittleEndian.Uint32(data[40:44])
	sqe.CDW11 = binary.LittleEndian.Uint32(data[44:48])
	sqe.CDW12 = binary.LittleEndian.Uint32(data[48:52])
	sqe.CDW13 = binary.LittleEndian.Uint32(data[52:56])
	sqe.CDW14 = binary.LittleEndian.Uint32(data[56:60])
	sqe.CDW15 = binary.LittleEndian.Uint32(data[60:64])
	return nil
}

// MarshalCQE encodes cqe into its 16-byte little-endian wire form.
func MarshalCQE(cqe *CQE) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], cqe.DW0)
	binary.LittleEndian.PutUint32(buf[4:8], cqe.DW1)
	binary.LittleEndian.PutUint16(buf[8:10], cqe.SQHead)
	binary.LittleEndian.PutUint16(buf[10:12], cqe.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], cqe.CID)
	binary.LittleEndian.PutUint16(buf[14:16], cqe.Status)
	return buf
}

// UnmarshalCQE decodes a 16-byte little-endian wire form into cqe.
func UnmarshalCQE(data []byte, cqe *CQE) error {
	if len(data) < 16 {
		return ErrInsufficientData
	}
	cqe.DW0 = binary.LittleEndian.Uint32(data[0:4])
	cqe.DW1 = binary.LittleEndian.Uint32(data[4:8])
	cqe.SQHead = binary.LittleEndian.Uint16(data[8:10])
	cqe.SQID = binary.LittleEndian.Uint16(data[10:12])
	cqe.CID = binary.LittleEndian.Uint16(data[12:14])
	cqe.Status = binary.LittleEndian.Uint16(data[14:16])
	return nil
}
