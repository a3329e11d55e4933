// Package janitor removes finished jobs and abandoned ephemeral assets on a schedule.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/maauso/mediaops-api/internal/asset"
	"github.com/maauso/mediaops-api/internal/job"
)

// DefaultSchedule runs a sweep every five minutes.
const DefaultSchedule = "@every 5m"

// sweepTimeout bounds a single scheduled sweep.
const sweepTimeout = time.Minute

// Report summarizes one sweep.
type Report struct {
	JobsDeleted   int
	AssetsDeleted int
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Janitor) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

// Janitor deletes terminal jobs and unreferenced ephemeral assets once they
// are older than the retention window.
type Janitor struct {
	jobs      job.Repository
	library   *asset.Library
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Janitor.
func New(jobs job.Repository, library *asset.Library, retention time.Duration, opts ...Option) *Janitor {
	j := &Janitor{
		jobs:      jobs,
		library:   library,
		retention: retention,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start schedules sweeps using a cron expression such as "@every 5m" or "0 */10 * * * *".
// A sweep still running when the next one is due is skipped.
func (j *Janitor) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return errors.New("janitor already started")
	}

	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(schedule, j.runScheduled); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	c.Start()
	j.cron = c

	j.logger.Info("janitor started",
		slog.String("schedule", schedule),
		slog.Duration("retention", j.retention),
	)
	return nil
}

// Stop cancels future sweeps and waits for a running one to finish or for ctx to expire.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for janitor sweep: %w", ctx.Err())
	}
}

func (j *Janitor) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Error("janitor sweep failed", slog.String("error", err.Error()))
	}
}

// Sweep performs one retention pass.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var report Report
	cutoff := j.now().Add(-j.retention)

	jobs, err := j.jobs.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list jobs: %w", err)
	}

	referenced := make(map[string]bool)
	for _, jb := range jobs {
		if !jb.IsTerminal() {
			for _, in := range jb.Inputs {
				referenced[in] = true
			}
			continue
		}
		if jb.FinishedAt.IsZero() || jb.FinishedAt.After(cutoff) {
			continue
		}
		if err := j.jobs.Delete(ctx, jb.ID); err != nil && !errors.Is(err, job.ErrJobNotFound) {
			j.logger.Warn("failed to delete expired job",
				slog.String("job_id", jb.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.JobsDeleted++
	}

	assets, err := j.library.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list assets: %w", err)
	}
	for _, a := range assets {
		if !a.Ephemeral || referenced[a.ID] || a.CreatedAt.After(cutoff) {
			continue
		}
		if err := j.library.Delete(ctx, a.ID); err != nil && !errors.Is(err, asset.ErrAssetNotFound) {
			j.logger.Warn("failed to delete expired asset",
				slog.String("asset_id", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.AssetsDeleted++
	}

	if report.JobsDeleted > 0 || report.AssetsDeleted > 0 {
		j.logger.Info("janitor sweep finished",
			slog.Int("jobs_deleted", report.JobsDeleted),
			slog.Int("assets_deleted", report.AssetsDeleted),
		)
	}
	return report, nil
}
