package chunkstore

import (
	"os"
	"path/filepath"
	"strconv"
)

// GetSpeculativeFileSizeOnDisk rounds fileSize up to the nearest multiple
// of blockSize, approximating how much disk space creating a file of that
// size will actually consume, without having to create the file first.
func GetSpeculativeFileSizeOnDisk(fileSize, blockSize uint64) uint64 {
	if fileSize == 0 {
		return 0
	}
	if blockSize == 0 {
		return fileSize
	}
	blocks := (fileSize + blockSize - 1) / blockSize
	return blocks * blockSize
}

// GetSizeOnDisk walks root and sums the actual on-disk allocation
// (512-byte blocks, per stat) of every non-directory entry under it. If
// onlyDirs is true, only directory entries' own allocation is counted
// instead (directory overhead, separate from cached file growth). If
// ignorePermErrors is true, directories that fail
// to stat or read are skipped instead of aborting the walk.
func GetSizeOnDisk(root string, onlyDirs bool, ignorePermErrors bool) (uint64, error) {
	var total uint64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if ignorePermErrors && os.IsPermission(err) {
				return nil
			}
			return err
		}
		if onlyDirs && !info.IsDir() {
			return nil
		}
		if !onlyDirs && info.IsDir() {
			return nil
		}
		total += blocksOnDisk(info)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// RemoveEmptyDirs recursively removes directories under root that contain
// no files (bottom-up), leaving root itself in place.
func RemoveEmptyDirs(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(root, e.Name())
		RemoveEmptyDirs(sub)
		if isEmptyDir(sub) {
			_ = os.Remove(sub)
		}
	}
}

func isEmptyDir(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	return len(entries) == 0
}

// PrettyPrintOf formats n with thousands separators, e.g. 1234567 ->
// "1,234,567", for human-readable log lines and stats output.
func PrettyPrintOf(n uint64) string {
	s := strconv.FormatUint(n, 10)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	for i, c := range s {
		if i != 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, byte(c))
	}
	return string(out)
}
