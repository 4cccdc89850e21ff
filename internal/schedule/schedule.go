// Package schedule runs the ticket poll on a cron cadence for daemon mode.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one poll iteration. It reports whether another ticket may be
// waiting, so a single tick can drain a backlog.
type Job func(ctx context.Context) (more bool, err error)

// maxDrainPerTick bounds how many tickets one tick may process, so a
// long backlog cannot starve the schedule.
const maxDrainPerTick = 10

// Daemon periodically invokes the job according to a cron expression.
// Overlapping ticks are skipped, not queued: a running pipeline holds
// repo locks and a second concurrent poll would only spin on busy.
type Daemon struct {
	cron *cron.Cron
	log  *zap.Logger
	job  Job
}

// New validates the cron spec and prepares the daemon
func New(spec string, job Job, log *zap.Logger) (*Daemon, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Daemon{log: log, job: job}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DiscardLogger),
	))
	if _, err := c.AddFunc(spec, d.tick); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	d.cron = c
	return d, nil
}

// Run starts the schedule and blocks until the context is cancelled.
// In-flight work gets a grace period to finish.
func (d *Daemon) Run(ctx context.Context) error {
	d.cron.Start()
	d.log.Info("daemon started")
	<-ctx.Done()

	stopCtx := d.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		d.log.Warn("daemon stopped with work still in flight")
	}
	d.log.Info("daemon stopped")
	return ctx.Err()
}

func (d *Daemon) tick() {
	ctx := context.Background()
	for i := 0; i < maxDrainPerTick; i++ {
		more, err := d.job(ctx)
		if err != nil {
			d.log.Error("scheduled run failed", zap.Error(err))
			return
		}
		if !more {
			return
		}
	}
	d.log.Info("drain budget exhausted, deferring to next tick")
}
