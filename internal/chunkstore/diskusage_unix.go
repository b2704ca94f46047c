//go:build !windows

package chunkstore

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// GetVolumeBlockSize returns the filesystem block size for the volume
// containing path, used to round speculative allocations up to what the
// OS will actually reserve on disk.
func GetVolumeBlockSize(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, classify(err, "statfs", path)
	}
	return uint64(stat.Bsize), nil
}

// blocksOnDisk returns the actual allocation (512-byte blocks) reported by
// stat for a single file or directory entry.
func blocksOnDisk(info os.FileInfo) uint64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return uint64(info.Size())
	}
	return uint64(st.Blocks) * 512
}

// GetDiskSpace returns the total and free byte capacity of the volume
// containing path.
func GetDiskSpace(path string) (totalBytes, freeBytes uint64, err error) {
	var stat unix.Statfs_t
	if statErr := unix.Statfs(path, &stat); statErr != nil {
		return 0, 0, classify(statErr, "statfs", path)
	}
	block := uint64(stat.Bsize)
	return stat.Blocks * block, stat.Bavail * block, nil
}
