//go:build linux

package engine

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// pinCurrentThread locks the calling goroutine to its OS thread and binds that
// thread to CPU id modulo the CPU count.
func pinCurrentThread(id int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(id % runtime.NumCPU())
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity: %w", err)
	}
	return nil
}
