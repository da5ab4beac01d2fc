package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner fires Loop.TickWindow from a cron trigger. Each fire evaluates the
// time since the previous fire's window end, so a slow or missed fire widens
// the next window instead of leaving a gap. Fires may overlap; the ledger
// decides who dispatches.
type Runner struct {
	loop        *Loop
	cron        *cron.Cron
	granularity time.Duration
	maxCatchUp  time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	lastEnd time.Time

	// ctx is what ticks run under; set by Run
	ctx context.Context
}

// NewRunner creates a runner that ticks loop on the config's trigger
func NewRunner(config Config, loop *Loop, logger *slog.Logger) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cl := cronLogger{logger: logger}
	r := &Runner{
		loop:        loop,
		granularity: config.Granularity,
		maxCatchUp:  config.MaxCatchUp,
		logger:      logger,
		now:         time.Now,
		ctx:         context.Background(),
	}

	r.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)

	if _, err := r.cron.AddFunc(config.Trigger, r.fire); err != nil {
		return nil, fmt.Errorf("invalid trigger %q: %w", config.Trigger, err)
	}

	return r, nil
}

// Run starts the trigger and blocks until ctx is cancelled. Ticks already in
// progress are allowed to finish; in-flight calls are not preempted.
func (r *Runner) Run(ctx context.Context) error {
	// Ticks outlive cancellation so dispatching jobs complete.
	r.ctx = context.WithoutCancel(ctx)

	r.logger.Info("starting scheduler", "granularity", r.granularity)
	r.cron.Start()

	<-ctx.Done()

	r.logger.Info("stopping scheduler, waiting for running ticks")
	<-r.cron.Stop().Done()
	r.logger.Info("scheduler stopped")
	return nil
}

func (r *Runner) fire() {
	start, end, ok := r.nextWindow(TickTime(r.now(), r.granularity))
	if !ok {
		return
	}

	report := r.loop.TickWindow(r.ctx, start, end)
	if report.Errors > 0 {
		r.logger.Warn("tick finished with errors", "report", report.String())
	}
}

// nextWindow claims [start, end) for one fire. The window opens at the previous
// claim's end, or one granularity back on the first fire, and never reaches
// further back than maxCatchUp. ok is false when end is already covered.
func (r *Runner) nextWindow(end time.Time) (time.Time, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := end.Add(-r.granularity)
	if !r.lastEnd.IsZero() {
		if !r.lastEnd.Before(end) {
			return time.Time{}, time.Time{}, false
		}
		start = r.lastEnd
	}

	if floor := end.Add(-r.maxCatchUp); start.Before(floor) {
		r.logger.Warn("tick fell behind; skipping uncovered time",
			"uncovered_start", start,
			"uncovered_end", floor)
		start = floor
	}

	r.lastEnd = end
	return start, end, true
}

// TickTime aligns a trigger's fire time to the granularity grid, so a trigger
// firing a little late or early still ends its window on a grid boundary.
func TickTime(fired time.Time, granularity time.Duration) time.Time {
	return fired.Round(granularity)
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
