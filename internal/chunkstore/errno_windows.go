//go:build windows

package chunkstore

import (
	"errors"

	"golang.org/x/sys/windows"
)

// isDiskFull reports whether err ultimately wraps ERROR_DISK_FULL (112),
// Windows's structured analogue of ENOSPC.
func isDiskFull(err error) bool {
	return errors.Is(err, windows.ERROR_DISK_FULL)
}
