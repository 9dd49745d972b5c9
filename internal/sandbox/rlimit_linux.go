package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyRlimits caps the child's CPU seconds and address space. The limits
// land after Start but before the child can do meaningful work; a child
// that raced past them is killed by the caller on error.
func applyRlimits(pid, cpuSecs, memMiB int) error {
	if cpuSecs > 0 {
		lim := unix.Rlimit{Cur: uint64(cpuSecs), Max: uint64(cpuSecs)}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			return fmt.Errorf("rlimit cpu: %w", err)
		}
	}
	if memMiB > 0 {
		bytes := uint64(memMiB) << 20
		lim := unix.Rlimit{Cur: bytes, Max: bytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			return fmt.Errorf("rlimit as: %w", err)
		}
	}
	return nil
}
