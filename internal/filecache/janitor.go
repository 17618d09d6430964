package filecache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

const orphanAge = time.Hour

// StartJanitor schedules a periodic sweep for orphaned *.tmp files —
// the leftovers of a download whose producer crashed mid-write, which
// nothing references by key once the process restarts (the entry map
// starts empty on every start, per the crash+restart decision in
// DESIGN.md). schedule is a standard cron spec, e.g. "@every 10m".
// The returned func stops the schedule.
func (c *Cache) StartJanitor(schedule string) (func(), error) {
	sched := cron.New()
	if _, err := sched.AddFunc(schedule, c.sweepOrphans); err != nil {
		return nil, fmt.Errorf("filecache: invalid janitor schedule %q: %w", schedule, err)
	}
	sched.Start()
	return func() { <-sched.Stop().Done() }, nil
}

func (c *Cache) sweepOrphans() {
	if c.budget <= 0 {
		return
	}

	cutoff := time.Now().Add(-orphanAge)
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".tmp" {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			c.logger.Warn().Err(rmErr).Str("path", path).Msg("filecache: janitor failed to remove orphaned temp file")
			return nil
		}
		c.logger.Info().Str("path", path).Msg("filecache: janitor removed orphaned temp file")
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("filecache: janitor sweep failed")
	}
}
