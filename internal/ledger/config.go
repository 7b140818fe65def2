package ledger

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

const defaultMaxConflictRetries = 64

type Config struct {
	Paths              []string // only the first path is used at the moment
	MinimumFreeSpace   int      // in GB
	InMemory           bool     // keep everything in memory, Paths is ignored
	MaxConflictRetries int
	Logger             *logrus.Logger
}

func (c *Config) checkConfig() error {
	if c.MaxConflictRetries < 1 {
		c.MaxConflictRetries = defaultMaxConflictRetries
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}

	if c.InMemory {
		return nil
	}
	if len(c.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}

	path := c.Paths[0]
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", path, err)
	}
	availableSpaceInGB := usage.Free / (1024 * 1024 * 1024)
	if int(availableSpaceInGB) < c.MinimumFreeSpace {
		return errors.New("not enough space available on disk")
	}

	return nil
}
