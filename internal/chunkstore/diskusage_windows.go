//go:build windows

package chunkstore

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// GetVolumeBlockSize returns the filesystem cluster size for the volume
// containing path.
func GetVolumeBlockSize(path string) (uint64, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	root := filepath.VolumeName(abs) + `\`
	var sectorsPerCluster, bytesPerSector, freeClusters, totalClusters uint32
	rootPtr, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpace(rootPtr, &sectorsPerCluster, &bytesPerSector, &freeClusters, &totalClusters); err != nil {
		return 0, err
	}
	return uint64(sectorsPerCluster) * uint64(bytesPerSector), nil
}

// blocksOnDisk has no direct NTFS-allocation equivalent exposed via
// os.FileInfo; the logical file size is used as a best-effort estimate.
func blocksOnDisk(info os.FileInfo) uint64 {
	return uint64(info.Size())
}

// GetDiskSpace returns the total and free byte capacity of the volume
// containing path.
func GetDiskSpace(path string) (totalBytes, freeBytes uint64, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, 0, err
	}
	root := filepath.VolumeName(abs) + `\`
	var freeAvail, total, free uint64
	rootPtr, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return 0, 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(rootPtr, &freeAvail, &total, &free); err != nil {
		return 0, 0, err
	}
	return total, freeAvail, nil
}
