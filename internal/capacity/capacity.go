// Package capacity derives a node's placement weight from the size of the
// disk its pieces live on.
package capacity

import (
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/disk"
)

// Unit is the number of bytes worth a weight of 1.
const Unit = 1 << 40

// minWeight keeps tiny test volumes in the ring.
const minWeight = 1.0 / 1024

// Disk returns the weight of the filesystem that holds path: its total size
// in TiB.
func Disk(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("capacity: disk usage of %s: %w", path, err)
	}
	return weight(usage.Total), nil
}

func weight(total uint64) float64 {
	w := float64(total) / Unit
	if w < minWeight {
		return minWeight
	}
	return w
}

// Provider returns a function reporting the weight of path. A fixed value
// above zero takes precedence; disk errors fall back to a weight of 1.
func Provider(path string, fixed float64, logger *slog.Logger) func() float64 {
	return func() float64 {
		if fixed > 0 {
			return fixed
		}
		w, err := Disk(path)
		if err != nil {
			logger.Warn("falling back to unit capacity", "path", path, "error", err.Error())
			return 1
		}
		return w
	}
}
