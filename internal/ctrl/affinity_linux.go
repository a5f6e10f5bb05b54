//go:build linux

package ctrl

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its current OS
// thread and restricts that thread's scheduling affinity to cpus.
// It is meant to be called once, from the goroutine that will go on
// to drive the admin queue's oneshot/AEN poll loop, so doorbell writes
// and completion polling stay on a predictable core.
func PinCurrentThread(cpus []int) error {
	if len(cpus) == 0 {
		return nil
	}
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("ctrl: set cpu affinity to %v: %w", cpus, err)
	}
	return nil
}
