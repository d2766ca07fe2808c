//go:build darwin || linux

package main

import (
	"syscall"

	"github.com/avaropoint/stark/internal/protocol"
)

// diskUsage returns usage for the filesystem mounted at path.
func diskUsage(path, fstype string) (protocol.DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return protocol.DiskUsage{}, err
	}
	bsize := uint64(stat.Bsize)
	total := uint64(stat.Blocks) * bsize
	used := (uint64(stat.Blocks) - uint64(stat.Bfree)) * bsize
	free := uint64(stat.Bavail) * bsize
	return protocol.DiskUsage{
		Mountpoint: path,
		FSType:     fstype,
		Total:      total,
		Used:       used,
		Free:       free,
		Percent:    diskPercent(used, free),
	}, nil
}
