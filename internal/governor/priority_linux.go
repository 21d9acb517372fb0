//go:build linux

package governor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setThreadPriority sets the nice value of the calling OS thread.
func setThreadPriority(nice int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice); err != nil {
		return fmt.Errorf("failed to set nice %d: %w", nice, err)
	}
	return nil
}
