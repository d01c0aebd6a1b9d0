package balancer

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
)

// Periodic runs a task after an initial delay and then on a fixed interval.
// Runs never overlap: ticks that arrive while the task is busy are dropped,
// and RunNow refuses to start a second concurrent run.
type Periodic struct {
	name         string
	interval     time.Duration
	initialDelay time.Duration
	task         func(context.Context)
	clock        clockwork.Clock
	running      atomic.Bool
	logger       log.Logger
}

// NewPeriodic returns a Periodic running task every interval, the first
// time after initialDelay. A zero initialDelay runs the task as soon as
// Run is called.
//
// Example:
//
//	fetch := NewPeriodic("fetch", clk, 10*time.Minute, 0, fetcher.FetchAll, logger)
//	go fetch.Run(ctx)
func NewPeriodic(name string, clk clockwork.Clock, interval, initialDelay time.Duration, task func(context.Context), logger log.Logger) *Periodic {
	if interval <= 0 {
		panic("balancer: NewPeriodic called with a non-positive interval")
	}
	return &Periodic{
		name:         name,
		interval:     interval,
		initialDelay: initialDelay,
		task:         task,
		clock:        clk,
		logger:       log.With(logger, "component", "scheduler", "task", name),
	}
}

// Run blocks, running the task on schedule until ctx is done.
func (p *Periodic) Run(ctx context.Context) error {
	if p.initialDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.initialDelay):
		}
	}
	p.RunNow(ctx)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	level.Debug(p.logger).Log("msg", "scheduler started", "interval", p.interval)

	for {
		select {
		case <-ctx.Done():
			level.Debug(p.logger).Log("msg", "scheduler stopping")
			return nil
		case <-ticker.Chan():
			p.RunNow(ctx)
		}
	}
}

// RunNow runs the task immediately unless a run is already in progress.
// It reports whether the task ran.
func (p *Periodic) RunNow(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		level.Debug(p.logger).Log("msg", "previous run still in progress, skipping")
		return false
	}
	defer p.running.Store(false)
	p.task(ctx)
	return true
}
