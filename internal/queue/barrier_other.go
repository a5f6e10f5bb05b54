//go:build !linux || !cgo

package queue

import "sync/atomic"

// barrierVar is touched by Sfence/Mfence on builds without cgo, giving
// the Go memory model an atomic operation to order around in place of
// the inline assembly fences used on linux+cgo builds.
var barrierVar int32

// Sfence issues a store fence. See the linux+cgo implementation for
// the real hardware fence used in production.
func Sfence() { atomic.AddInt32(&barrierVar, 1) }

// Mfence issues a full memory fence. See the linux+cgo implementation
// for the real hardware fence used in production.
func Mfence() { atomic.AddInt32(&barrierVar, 1) }
