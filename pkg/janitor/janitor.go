package janitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor periodically removes staging directories that outlived any request,
// e.g. after the process was killed mid-request.
type Janitor struct {
	mu         sync.Mutex
	root       string
	maxAge     time.Duration
	schedule   string
	cronRunner *cron.Cron
	now        func() time.Time
}

// New creates a Janitor sweeping root on schedule (robfig cron syntax, e.g. "@every 10m").
func New(root, schedule string, maxAge time.Duration) *Janitor {
	return &Janitor{
		root:       root,
		maxAge:     maxAge,
		schedule:   schedule,
		cronRunner: cron.New(),
		now:        time.Now,
	}
}

// Start sweeps once, schedules further sweeps and stops the scheduler when ctx ends.
func (j *Janitor) Start(ctx context.Context) error {
	if _, err := j.cronRunner.AddFunc(j.schedule, func() { j.Sweep() }); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}

	// Leftovers from a previous run
	j.Sweep()

	j.cronRunner.Start()
	log.Info().Str("schedule", j.schedule).Dur("max_age", j.maxAge).Msg("🧹 staging janitor started")

	go func() {
		<-ctx.Done()
		<-j.cronRunner.Stop().Done()
		log.Info().Msg("🧹 staging janitor stopped")
	}()
	return nil
}

// Sweep deletes every entry under root older than maxAge and returns how many
// were removed.
func (j *Janitor) Sweep() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := os.ReadDir(j.root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("root", j.root).Msg("🧹 cannot read staging dir")
		}
		return 0
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("🧹 failed to remove orphaned staging entry")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("🧹 swept orphaned staging entries")
	}
	return removed
}
