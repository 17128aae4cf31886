package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/you-humble/convhub/internal/domain"
)

type JobStore interface {
	Reap(maxAge time.Duration) []domain.Job
	Purge(maxAge time.Duration) int
}

type FileCleaner interface {
	Delete(ctx context.Context, filename string) error
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

type Config struct {
	Interval time.Duration
	// Retention is how long terminal jobs stay readable. Expired tombstones
	// are purged after another Retention.
	Retention time.Duration
	// OrphanAge removes stored files older than this that no job references
	// anymore. Zero disables the sweep.
	OrphanAge time.Duration
}

type Reaper struct {
	cfg   Config
	store JobStore
	files FileCleaner
}

func New(cfg Config, store JobStore, files FileCleaner) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reaper{cfg: cfg, store: store, files: files}
}

// Start runs the cleanup loop until ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce expires old terminal jobs, deletes the files they referenced and
// purges old tombstones.
func (r *Reaper) RunOnce(ctx context.Context) {
	expired := r.store.Reap(r.cfg.Retention)
	if len(expired) > 0 {
		slog.Info("cleanup", slog.Int("expired_jobs", len(expired)))
	}

	for _, job := range expired {
		for _, name := range jobFiles(job) {
			if err := r.files.Delete(ctx, name); err != nil {
				slog.Warn("cleanup job file",
					slog.String("job_id", job.ID),
					slog.String("filename", name),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if n := r.store.Purge(r.cfg.Retention); n > 0 {
		slog.Info("cleanup tombstones", slog.Int("purged_jobs", n))
	}

	if r.cfg.OrphanAge <= 0 {
		return
	}
	if err := r.files.CleanupOlderThan(ctx, r.cfg.OrphanAge); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("cleanup old files", slog.String("error", err.Error()))
	}
}

func jobFiles(job domain.Job) []string {
	var names []string
	for _, in := range job.Inputs {
		if in.StoredAs != "" {
			names = append(names, in.StoredAs)
		}
	}
	return append(names, job.Result.Artifacts()...)
}
