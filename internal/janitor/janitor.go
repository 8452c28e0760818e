// Package janitor reaps expired job workspaces on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"

	"github.com/moonmind-dev/moonmind/internal/metrics"
)

// Janitor removes per-job workspace directories whose last modification is
// older than the TTL. The active job's directory is always spared.
type Janitor struct {
	Root string
	TTL  time.Duration
	Log  logr.Logger

	// ActiveJobID reports the job currently claimed, or "".
	ActiveJobID func() string

	now func() time.Time
}

// New builds a Janitor over the workspace root.
func New(root string, ttl time.Duration, activeJobID func() string, log logr.Logger) *Janitor {
	return &Janitor{
		Root:        root,
		TTL:         ttl,
		Log:         log,
		ActiveJobID: activeJobID,
		now:         time.Now,
	}
}

// Start schedules sweeps until ctx is done. The schedule accepts standard
// cron expressions and descriptors like @hourly.
func (j *Janitor) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := j.Sweep(); err != nil {
			j.Log.Error(err, "Workspace sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("parsing janitor schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// Sweep removes every expired workspace directory once.
func (j *Janitor) Sweep() error {
	entries, err := os.ReadDir(j.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading workspace root: %w", err)
	}

	active := ""
	if j.ActiveJobID != nil {
		active = j.ActiveJobID()
	}
	cutoff := j.now().Add(-j.TTL)

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == active {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(j.Root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			j.Log.Error(err, "Removing expired workspace failed", "dir", dir)
			continue
		}
		metrics.WorkspacesReaped.Inc()
		j.Log.Info("Removed expired workspace", "job", entry.Name(), "age", j.now().Sub(info.ModTime()).Round(time.Minute).String())
	}
	return nil
}
