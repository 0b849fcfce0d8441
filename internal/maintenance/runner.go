// Package maintenance runs the periodic state flush and retention trim.
package maintenance

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/courierai/courier/internal/conversation"
	"github.com/courierai/courier/internal/persist"
)

// Runner schedules the flush and trim jobs on a cron.
type Runner struct {
	logger        *slog.Logger
	cron          *cron.Cron
	store         *conversation.Store
	persister     *persist.Store
	retention     time.Duration
	flushInterval time.Duration
	trimInterval  time.Duration
}

// NewRunner creates a Runner. Intervals and retention come from config;
// trimming is opportunistic, never per-write.
func NewRunner(log *slog.Logger, store *conversation.Store, persister *persist.Store, retention, flushInterval, trimInterval time.Duration) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		logger:        log.With(slog.String("service", "maintenance")),
		cron:          cron.New(),
		store:         store,
		persister:     persister,
		retention:     retention,
		flushInterval: flushInterval,
		trimInterval:  trimInterval,
	}
}

// Start registers the jobs and starts the scheduler.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc(every(r.flushInterval), func() {
		if err := r.Flush(); err != nil {
			r.logger.Error("flush failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("schedule flush: %w", err)
	}
	if _, err := r.cron.AddFunc(every(r.trimInterval), func() {
		r.store.TrimAll(r.retention)
		r.logger.Debug("retention trim done")
	}); err != nil {
		return fmt.Errorf("schedule trim: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// Flush writes the current state snapshot to the durable store.
func (r *Runner) Flush() error {
	return r.persister.Save(r.store.Snapshot())
}

func every(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return "@every " + d.String()
}
