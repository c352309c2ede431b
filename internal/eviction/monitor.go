package eviction

import (
	"fmt"
	"syscall"
)

// CapacityMonitor decides how many bytes of cached weight must be shed.
type CapacityMonitor interface {
	// BytesToFree returns the number of bytes that should be evicted given
	// the would-be accounted weight. Returns 0 if no eviction is needed.
	BytesToFree(weight int64) (int64, error)
}

// MaxCacheSizeMonitor sheds weight above a fixed capacity.
type MaxCacheSizeMonitor struct {
	MaxBytes int64
}

func (m *MaxCacheSizeMonitor) BytesToFree(weight int64) (int64, error) {
	if weight > m.MaxBytes {
		return weight - m.MaxBytes, nil
	}
	return 0, nil
}

// MinFreeSpaceMonitor sheds weight while the cache root's volume has less
// free space than the configured floor.
type MinFreeSpaceMonitor struct {
	Path         string
	MinFreeBytes int64
}

func (m *MinFreeSpaceMonitor) BytesToFree(weight int64) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.Path, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}

	freeSpace := int64(stat.Bavail) * int64(stat.Bsize)
	if freeSpace < m.MinFreeBytes {
		return m.MinFreeBytes - freeSpace, nil
	}
	return 0, nil
}
