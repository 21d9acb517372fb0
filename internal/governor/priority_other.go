//go:build !linux

package governor

import "errors"

func setThreadPriority(int) error {
	return errors.New("thread priority is only supported on linux")
}
