package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// findPartition returns the partition with the longest mount point that
// contains path.
func findPartition(path string) (disk.PartitionStat, bool) {
	parts, err := disk.Partitions(true)
	if err != nil {
		return disk.PartitionStat{}, false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return disk.PartitionStat{}, false
	}

	var best disk.PartitionStat
	found := false
	for _, p := range parts {
		if !strings.HasPrefix(abs, p.Mountpoint) {
			continue
		}
		if !found || len(p.Mountpoint) > len(best.Mountpoint) {
			best = p
			found = true
		}
	}
	return best, found
}

// logDiskUsage logs the disk usage of the ledger paths.
func logDiskUsage(log *logrus.Logger, paths []string) error {
	for _, path := range paths {
		usage, err := disk.Usage(path)
		if err != nil {
			log.WithFields(logrus.Fields{
				"path": path,
			}).Errorf("Error retrieving disk usage stats: %v", err)
			return err
		}

		pathSize, err := calculateDirectorySize(path)
		if err != nil {
			log.WithFields(logrus.Fields{
				"path": path,
			}).Errorf("Error calculating directory size: %v", err)
			return err
		}

		fields := logrus.Fields{
			"Path":            path,
			"Total (GB)":      fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
			"Used (GB)":       fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
			"Free (GB)":       fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
			"Usage by Ledger": fmt.Sprintf("%.2f", float64(pathSize)/1e9),
		}
		if p, ok := findPartition(path); ok {
			fields["Device"] = p.Device
			fields["Mount Point"] = p.Mountpoint
		}
		log.WithFields(fields).Info("Disk Usage")
	}

	return nil
}
