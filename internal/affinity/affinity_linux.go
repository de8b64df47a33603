//go:build linux

// Package affinity pins hot-path threads to dedicated CPU cores and raises
// them to real-time priority where the kernel permits.
//
// Callers lock their goroutine to an OS thread first (runtime.LockOSThread)
// and then pin that thread. A negative core makes PinCurrentThread a no-op
// and a priority of 0 or less makes SetRealtime a no-op, so unconfigured
// deployments run untouched.
package affinity

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const schedFIFO = 1

// schedParam mirrors the kernel's struct sched_param.
type schedParam struct {
	priority int32
}

// PinCurrentThread restricts the calling OS thread to the given core.
// The caller must hold runtime.LockOSThread for the pin to be meaningful.
func PinCurrentThread(core int) error {
	if core < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("set affinity core %d: %w", core, err)
	}
	return nil
}

// SetRealtime raises the calling thread to SCHED_FIFO at the given priority.
// Returns an error when the process lacks CAP_SYS_NICE; callers treat that
// as a warning, not a failure.
func SetRealtime(priority int) error {
	if priority <= 0 {
		return nil
	}
	param := schedParam{priority: int32(priority)}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0, schedFIFO, uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return fmt.Errorf("sched_setscheduler fifo prio %d: %w", priority, errno)
	}
	return nil
}
