package main

import (
	"github.com/arsfeld/reelcached/internal/chunkstore"
	"github.com/arsfeld/reelcached/internal/diskpolicy"
)

// osDiskStater reads live total/free capacity for the volume containing
// a cache directory, satisfying internal/downloader.DiskStater.
type osDiskStater struct {
	path string
}

func newOSDiskStater(path string) *osDiskStater {
	return &osDiskStater{path: path}
}

func (d *osDiskStater) Stat() (diskpolicy.DiskStat, error) {
	total, free, err := chunkstore.GetDiskSpace(d.path)
	if err != nil {
		return diskpolicy.DiskStat{}, err
	}
	return diskpolicy.DiskStat{TotalBytes: int64(total), FreeBytes: int64(free)}, nil
}
