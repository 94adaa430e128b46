// Package cron runs the periodic job sequence and applies any restart the
// jobs requested once the tick is over.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blikh/proxyfleet/internal/metrics"
	"github.com/blikh/proxyfleet/internal/service"
)

// Job is one unit of periodic work. Jobs run sequentially within a tick, in
// the order they were registered.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Orchestrator ticks on a fixed interval and awaits the job sequence under
// a timeout. A tick that outlives the timeout is abandoned: the orchestrator
// stops waiting and schedules the next tick, while the in-flight sequence
// keeps running to completion on its own.
type Orchestrator struct {
	jobs     []Job
	interval time.Duration
	timeout  time.Duration
	watchdog time.Duration
	restart  *service.RestartSignal
	svc      service.Controller
	logger   *slog.Logger
}

func New(
	jobs []Job,
	interval, timeout, watchdog time.Duration,
	restart *service.RestartSignal,
	svc service.Controller,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		jobs:     jobs,
		interval: interval,
		timeout:  timeout,
		watchdog: watchdog,
		restart:  restart,
		svc:      svc,
		logger:   logger,
	}
}

// Run ticks until the context is canceled. The first tick fires after one
// full interval.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.interval):
		}
		o.tick(ctx)
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("tick panicked", "panic", fmt.Sprint(r))
			}
		}()
		// Jobs run under the parent context: the timeout below bounds the
		// wait, never the work.
		o.runJobs(ctx)
	}()

	watchdog := time.NewTimer(o.watchdog)
	defer watchdog.Stop()
	timeout := time.NewTimer(o.timeout)
	defer timeout.Stop()

	for {
		select {
		case <-done:
			o.applyRestart(ctx)
			return
		case <-watchdog.C:
			// Informational only.
			o.logger.Info("tick taking longer than expected", "after", o.watchdog)
		case <-timeout.C:
			o.logger.Warn("tick abandoned after timeout", "timeout", o.timeout)
			metrics.TickTimeouts.Inc()
			// Restarts requested before the abandonment still apply now
			// rather than a full interval later.
			o.applyRestart(ctx)
			return
		}
	}
}

func (o *Orchestrator) runJobs(ctx context.Context) {
	for _, job := range o.jobs {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := job.Run(ctx)
		metrics.JobDuration.WithLabelValues(job.Name()).Set(time.Since(start).Seconds())
		if err != nil {
			metrics.JobErrors.WithLabelValues(job.Name()).Inc()
			o.logger.Error("job failed", "job", job.Name(), "err", err)
			continue
		}
		o.logger.Debug("job finished", "job", job.Name(), "took", time.Since(start))
	}
}

// applyRestart restarts the proxy service once per tick if any job asked
// for it. A failed restart is logged; the signal stays consumed so the next
// request re-arms it.
func (o *Orchestrator) applyRestart(ctx context.Context) {
	if !o.restart.TakeIfSet() {
		return
	}
	if err := o.svc.Restart(ctx); err != nil {
		o.logger.Error("service restart failed", "err", err)
	}
}
