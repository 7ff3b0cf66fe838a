// Package affinity pins the calling OS thread to a single CPU core.
// Unlike the teacher's cgo pthread/libnuma implementation, this is
// built entirely on golang.org/x/sys/unix so the module carries no
// cgo dependency.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its current OS thread and
// restricts that thread's scheduling affinity to cpu. Callers that
// want a whole engine pinned must call Pin from the goroutine that
// will run the engine's receive loop, before entering it.
func Pin(cpu int) error {
	if cpu < 0 {
		return nil
	}
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: SchedSetaffinity(cpu=%d): %w", cpu, err)
	}
	return nil
}

// NumCPU reports the number of logical CPUs usable by the process,
// for validating a configured CPU index before Pin is called.
func NumCPU() int {
	return runtime.NumCPU()
}
