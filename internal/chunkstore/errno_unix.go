//go:build !windows

package chunkstore

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isDiskFull reports whether err ultimately wraps ENOSPC (errno 28). The
// os.PathError -> os.SyscallError -> syscall.Errno chain already supports
// errors.Is against the unix.Errno values directly.
func isDiskFull(err error) bool {
	return errors.Is(err, unix.ENOSPC)
}
