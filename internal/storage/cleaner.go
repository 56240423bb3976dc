package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultCleanSchedule runs the retention purge once a day at midnight.
const DefaultCleanSchedule = "@daily"

// Cleaner removes daily files older than a retention period.
type Cleaner struct {
	dir       string
	retention int // days, 0 keeps everything
	log       *logrus.Logger
	clock     func() time.Time
	cron      *cron.Cron
}

func NewCleaner(dir string, retentionDays int, log *logrus.Logger) *Cleaner {
	return &Cleaner{
		dir:       dir,
		retention: retentionDays,
		log:       log,
		clock:     time.Now,
	}
}

// Start purges once and then on every tick of schedule. It does nothing when
// retention is disabled.
func (c *Cleaner) Start(schedule string) error {
	if c.retention <= 0 {
		return nil
	}

	c.cron = cron.New(cron.WithLocation(time.Local))
	if _, err := c.cron.AddFunc(schedule, c.run); err != nil {
		return err
	}
	c.run()
	c.cron.Start()
	c.log.Infof("Cleaner started. Retention: %d days, Schedule: %s", c.retention, schedule)
	return nil
}

// Stop waits for a running purge to finish.
func (c *Cleaner) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
}

func (c *Cleaner) run() {
	if _, err := c.Purge(); err != nil {
		c.log.WithError(err).Error("Cleaner error: failed to read data dir")
	}
}

// Purge deletes files dated before today minus the retention and returns how
// many were removed.
func (c *Cleaner) Purge() (int, error) {
	if c.retention <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	now := c.clock()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	cutoff := today.AddDate(0, 0, -c.retention)

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		date, ok := ParseFileDate(name)
		if !ok || !date.Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			c.log.WithError(err).WithField("file", name).Error("Cleaner error: failed to delete file")
			continue
		}
		c.log.WithField("file", name).Info("Expired file deleted")
		removed++
	}
	return removed, nil
}

// ParseFileDate extracts the date of a log<date>.jsonl or log<date>.jsonl.zst
// file name.
func ParseFileDate(name string) (time.Time, bool) {
	base := strings.TrimSuffix(name, compressedSuffix)
	if !strings.HasPrefix(base, filePrefix) || !strings.HasSuffix(base, fileSuffix) {
		return time.Time{}, false
	}
	date := strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), fileSuffix)
	t, err := time.ParseInLocation(DateLayout, date, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
