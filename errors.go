// Package nvme drives a userspace NVMe PCIe controller over an IOMMU
// passthrough interface: device bring-up, DMA-mapped admin/I/O queue
// construction, and synchronous command execution interleaved with
// asynchronous event notifications.
package nvme

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/jwdevantier/go-nvme/internal/ctrl"
	"github.com/jwdevantier/go-nvme/internal/oneshot"
	"github.com/jwdevantier/go-nvme/internal/pci"
)

// Error represents a structured nvme error with context and errno
// mapping.
type Error struct {
	Op    string    // Operation that failed (e.g., "Init", "Oneshot")
	DevID string    // PCI BDF address ("" if not applicable)
	Queue int       // Queue id (-1 if not applicable)
	Code  ErrorCode // High-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DevID != "" {
		parts = append(parts, fmt.Sprintf("dev=%s", e.DevID))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvme: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("nvme: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is provides errors.Is support keyed on error category.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents a high-level error category.
type ErrorCode string

const (
	// ErrCodeInvalidArgument marks a caller-supplied argument that
	// violates the command or queue-size constraints the controller
	// or this driver imposes (e.g. a queue id beyond the negotiated
	// count, or a controller minimum page size above the host's). A
	// queue size below 2 is rejected by internal/queue with a plain
	// error, which WrapError classifies as ErrCodeDeviceError.
	ErrCodeInvalidArgument ErrorCode = "invalid argument"

	// ErrCodeUnavailable marks a resource exhaustion condition, such
	// as a submission queue with no free request slots.
	ErrCodeUnavailable ErrorCode = "unavailable"

	// ErrCodeTimeout marks a bring-up wait (wait_rdy) exceeding the
	// controller-advertised timeout in CAP.TO.
	ErrCodeTimeout ErrorCode = "timeout"

	// ErrCodeMappingFailure marks an IOMMU map/unmap failure against
	// the PCI passthrough device.
	ErrCodeMappingFailure ErrorCode = "dma mapping failure"

	// ErrCodeAllocationFailure marks a page or queue-memory allocation
	// failure.
	ErrCodeAllocationFailure ErrorCode = "allocation failure"

	// ErrCodeDeviceError marks a nonzero NVMe command completion
	// status, or a PCI device that failed to identify itself as NVMe.
	ErrCodeDeviceError ErrorCode = "device error"

	// ErrCodeNotSupported marks an ENOSYS or EOPNOTSUPP errno from the
	// kernel. I/O queue creation against an administrative-only
	// controller is ErrCodeInvalidArgument, not this code.
	ErrCodeNotSupported ErrorCode = "not supported"
)

// NewError creates a new structured error with no device/queue
// context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying a kernel
// errno, deriving its category from the errno when code is empty.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	if code == "" {
		code = mapErrnoToCode(errno)
	}
	return &Error{Op: op, Queue: -1, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewDeviceError creates a new device-scoped error.
func NewDeviceError(op, bdf string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: bdf, Queue: -1, Code: code, Msg: msg}
}

// NewQueueError creates a new queue-scoped error.
func NewQueueError(op, bdf string, queue int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: bdf, Queue: queue, Code: code, Msg: msg}
}

// WrapError wraps an existing error with nvme operation context,
// mapping syscall errnos to an ErrorCode and passing structured
// *Error values through with their category preserved.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ne, ok := inner.(*Error); ok {
		return &Error{
			Op: op, DevID: ne.DevID, Queue: ne.Queue,
			Code: ne.Code, Errno: ne.Errno, Msg: ne.Msg, Inner: ne.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op: op, Queue: -1, Code: mapErrnoToCode(errno),
			Errno: errno, Msg: errno.Error(), Inner: inner,
		}
	}

	if code, ok := classifyInternalError(inner); ok {
		return &Error{Op: op, Queue: -1, Code: code, Msg: inner.Error(), Inner: inner}
	}

	return &Error{Op: op, Queue: -1, Code: ErrCodeDeviceError, Msg: inner.Error(), Inner: inner}
}

// classifyInternalError recognizes the sentinel errors internal/ctrl,
// internal/oneshot, and internal/pci wrap their own failures in,
// letting WrapError assign a precise ErrorCode without those packages
// needing to import this one (which would cycle back through them).
func classifyInternalError(err error) (ErrorCode, bool) {
	switch {
	case errors.Is(err, ctrl.ErrTimeout):
		return ErrCodeTimeout, true
	case errors.Is(err, ctrl.ErrInvalidArgument):
		return ErrCodeInvalidArgument, true
	case errors.Is(err, oneshot.ErrBusy):
		return ErrCodeUnavailable, true
	case errors.Is(err, pci.ErrNotMapped):
		return ErrCodeMappingFailure, true
	case errors.Is(err, pci.ErrNoIOVASpace):
		return ErrCodeAllocationFailure, true
	}
	return "", false
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EBUSY, syscall.EAGAIN:
		return ErrCodeUnavailable
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidArgument
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeAllocationFailure
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeDeviceError
	}
}

// IsCode checks whether err is (or wraps) an *Error of the given
// category.
func IsCode(err error, code ErrorCode) bool {
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Code == code
	}
	return false
}

// IsErrno checks whether err is (or wraps) an *Error carrying the
// given kernel errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Errno == errno
	}
	return false
}
