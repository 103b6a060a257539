// Package worker runs the periodic maintenance jobs of a series store:
// extending every series up to a rolling horizon, dropping instances past
// retention and compacting the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cyp0633/libseries/internal/config"
	"github.com/cyp0633/libseries/series"
	"github.com/cyp0633/libseries/storage"
	"github.com/robfig/cron/v3"
)

// GarbageCollector is implemented by stores that can reclaim space,
// such as the Badger store.
type GarbageCollector interface {
	CollectGarbage(discardRatio float64) error
}

// ExtendResult summarizes one extension pass.
type ExtendResult struct {
	Series  int
	Created int
	// Skipped counts series that were locked by another mutator.
	Skipped int
}

// Worker owns the cron scheduler for the maintenance jobs.
type Worker struct {
	store  storage.Store
	coord  *series.Coordinator
	cfg    config.WorkerConfig
	logger *slog.Logger
	now    func() time.Time

	gc           GarbageCollector
	discardRatio float64

	cron *cron.Cron
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithGarbageCollector enables the GC job.
func WithGarbageCollector(gc GarbageCollector, discardRatio float64) Option {
	return func(w *Worker) {
		w.gc = gc
		w.discardRatio = discardRatio
	}
}

// New creates a worker. Jobs only run after Start.
func New(store storage.Store, coord *series.Coordinator, cfg config.WorkerConfig, opts ...Option) *Worker {
	w := &Worker{
		store:  store,
		coord:  coord,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ExtendOnce materializes every recurring series from where it stopped up to
// the configured horizon.
func (w *Worker) ExtendOnce(ctx context.Context) (ExtendResult, error) {
	var res ExtendResult
	tpls, err := w.store.ListTemplates(ctx)
	if err != nil {
		return res, fmt.Errorf("list templates: %w", err)
	}
	horizon := w.cfg.Horizon(w.now())

	for _, tpl := range tpls {
		if !tpl.IsRecurring() {
			continue
		}
		from := tpl.MaterializedThrough
		if from.IsZero() {
			from = tpl.StartAt
		}
		if !from.Before(horizon) {
			continue
		}

		plan, err := w.coord.Materialize(ctx, tpl.ID, storage.Window{Start: from, End: horizon})
		switch {
		case errors.Is(err, series.ErrConcurrentModification), errors.Is(err, series.ErrTemplateNotFound):
			w.logger.Debug("skipping series", "template_id", tpl.ID, "error", err)
			res.Skipped++
			continue
		case err != nil:
			return res, fmt.Errorf("extend %s: %w", tpl.ID, err)
		}
		res.Series++
		res.Created += len(plan.Create)
	}

	w.logger.Info("extension pass finished",
		"horizon", horizon,
		"series", res.Series,
		"created", res.Created,
		"skipped", res.Skipped)
	return res, nil
}

// CleanupOnce deletes instances that ended before the retention cutoff.
// It is a no-op when retention is disabled.
func (w *Worker) CleanupOnce(ctx context.Context) (int, error) {
	cutoff, ok := w.cfg.Cutoff(w.now())
	if !ok {
		return 0, nil
	}
	return w.coord.CleanupExpired(ctx, cutoff)
}

// CollectGarbageOnce runs the store GC if one was configured.
func (w *Worker) CollectGarbageOnce() error {
	if w.gc == nil {
		return nil
	}
	return w.gc.CollectGarbage(w.discardRatio)
}

type job struct {
	name string
	spec string
	run  func() error
}

// Start schedules the jobs. Every job runs with ctx; cancel it or call Stop
// to end them. Runs of the same job never overlap.
func (w *Worker) Start(ctx context.Context) error {
	if w.cron != nil {
		return errors.New("worker already started")
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	jobs := []job{
		{"extend", w.cfg.ExtendSchedule, func() error {
			_, err := w.ExtendOnce(ctx)
			return err
		}},
		{"cleanup", w.cfg.CleanupSchedule, func() error {
			_, err := w.CleanupOnce(ctx)
			return err
		}},
	}
	if w.gc != nil && w.cfg.GCSchedule != "" {
		jobs = append(jobs, job{"gc", w.cfg.GCSchedule, w.CollectGarbageOnce})
	}

	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, w.wrap(ctx, j.name, j.run)); err != nil {
			return fmt.Errorf("schedule %s job: %w", j.name, err)
		}
	}

	w.cron = c
	c.Start()
	w.logger.Info("worker started",
		"extend_schedule", w.cfg.ExtendSchedule,
		"cleanup_schedule", w.cfg.CleanupSchedule,
		"gc", w.gc != nil)
	return nil
}

// Stop stops scheduling and waits for running jobs to return.
func (w *Worker) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
	w.cron = nil
	w.logger.Info("worker stopped")
}

func (w *Worker) wrap(ctx context.Context, name string, run func() error) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		start := w.now()
		if err := run(); err != nil {
			w.logger.Error("job failed", "job", name, "error", err)
			return
		}
		w.logger.Debug("job finished", "job", name, "took", w.now().Sub(start))
	}
}
