// ABOUTME: Background pruning of the parent space on a cron schedule
// ABOUTME: Runs once when the backend becomes ready, then on every tick, never overlapping

// Package sweeper keeps the channel count of the parent space bounded by
// periodically running a full-reset prune.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/clyde-relay/internal/registry"
)

// DefaultSchedule runs a sweep every fifteen minutes.
const DefaultSchedule = "@every 15m"

// defaultTimeout bounds one sweep including every delete call.
const defaultTimeout = 5 * time.Minute

// Pruner is the registry operation the sweeper drives.
type Pruner interface {
	Prune(ctx context.Context, max int) (registry.PruneResult, error)
}

// Options configures a Sweeper.
type Options struct {
	Schedule    string
	MaxChannels int
	Timeout     time.Duration
}

// Sweeper runs Prune on a schedule.
type Sweeper struct {
	pruner  Pruner
	opts    Options
	logger  *slog.Logger
	cron    *cron.Cron
	job     cron.Job
	entryID cron.EntryID

	// ctx is cancelled by Stop and bounds every sweep.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	triggers sync.WaitGroup
}

// New validates the schedule and builds a Sweeper. Nothing runs until Start.
func New(p Pruner, opts Options, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.MaxChannels <= 0 {
		opts.MaxChannels = registry.DefaultMaxChannels
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	sched, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing prune schedule %q: %w", opts.Schedule, err)
	}

	s := &Sweeper{
		pruner: p,
		opts:   opts,
		logger: logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	s.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.sweep))
	s.cron = cron.New(cron.WithLogger(cl))
	s.entryID = s.cron.Schedule(sched, s.job)
	return s, nil
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() {
	s.logger.Info("prune sweeper started", "schedule", s.opts.Schedule, "max_channels", s.opts.MaxChannels)
	s.cron.Start()
}

// Trigger runs a sweep now on its own goroutine. It is skipped if a sweep is
// already running, and does nothing once Stop has been called.
func (s *Sweeper) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.triggers.Add(1)
	go func() {
		defer s.triggers.Done()
		s.job.Run()
	}()
}

// Next returns the time of the next scheduled sweep, or the zero time when
// the sweeper has not been started.
func (s *Sweeper) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Stop halts the schedule and cancels any running sweep. It then waits for
// scheduled and triggered sweeps to return, or for ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.triggers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("prune sweeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sweep to finish: %w", ctx.Err())
	}
}

// RunOnce runs a single sweep synchronously and returns its result.
func (s *Sweeper) RunOnce(ctx context.Context) (registry.PruneResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	return s.pruner.Prune(ctx, s.opts.MaxChannels)
}

func (s *Sweeper) sweep() {
	start := time.Now()
	res, err := s.RunOnce(s.ctx)
	if err != nil && s.ctx.Err() != nil {
		s.logger.Info("prune sweep interrupted by shutdown", "deleted", res.Deleted)
		return
	}
	if err != nil {
		s.logger.Error("prune sweep failed",
			"error", err,
			"count", res.Count,
			"deleted", res.Deleted,
			"failed", res.Failed,
		)
		return
	}
	s.logger.Info("prune sweep finished",
		"count", res.Count,
		"max", res.Max,
		"deleted", res.Deleted,
		"duration", time.Since(start),
	)
}

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
