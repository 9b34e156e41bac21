// Package scheduler runs periodic maintenance jobs such as the reconciler and the warehouse sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = time.Minute

var ErrInvalidJob = errors.New("invalid job")

// Job is one periodic task. Interval is re-read before every wait so dynamic settings apply without a restart.
type Job struct {
	Name     string
	Interval func(ctx context.Context) time.Duration
	Run      func(ctx context.Context) error
}

// Locker grants at most one instance the right to run a job tick.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, func(context.Context) error, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLocker makes every tick conditional on acquiring a lock named after the job.
func WithLocker(locker Locker) Option {
	return func(runner *Runner) {
		runner.locker = locker
	}
}

// WithLogger overrides the runner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(runner *Runner) {
		if logger != nil {
			runner.logger = logger
		}
	}
}

// Runner drives a set of jobs until its context is cancelled.
type Runner struct {
	jobs   []Job
	locker Locker
	logger *zap.Logger
}

func NewRunner(jobs []Job, options ...Option) (*Runner, error) {
	for _, job := range jobs {
		if job.Name == "" || job.Run == nil {
			return nil, fmt.Errorf("%w: name and run are required", ErrInvalidJob)
		}
	}
	runner := &Runner{jobs: jobs, logger: zap.NewNop()}
	for _, option := range options {
		option(runner)
	}
	return runner, nil
}

// Run starts every job immediately and then on its interval. It returns once ctx is done and all jobs have stopped.
func (runner *Runner) Run(ctx context.Context) {
	var waitGroup sync.WaitGroup
	for _, job := range runner.jobs {
		waitGroup.Add(1)
		go func(job Job) {
			defer waitGroup.Done()
			runner.loop(ctx, job)
		}(job)
	}
	waitGroup.Wait()
}

func (runner *Runner) loop(ctx context.Context, job Job) {
	logger := runner.logger.With(zap.String("job", job.Name))
	logger.Info("job started")
	for {
		runner.Tick(ctx, job)
		timer := time.NewTimer(runner.interval(ctx, job))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("job stopped")
			return
		case <-timer.C:
		}
	}
}

// Tick runs job once, honoring the locker. Failures are logged and never propagate.
func (runner *Runner) Tick(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	logger := runner.logger.With(zap.String("job", job.Name))
	if runner.locker != nil {
		acquired, release, err := runner.locker.TryLock(ctx, job.Name, runner.interval(ctx, job))
		if err != nil {
			logger.Warn("job lock unavailable", zap.Error(err))
			return
		}
		if !acquired {
			logger.Debug("job held by another instance")
			return
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("job lock release failed", zap.Error(err))
			}
		}()
	}
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("job panicked", zap.Any("panic", recovered))
		}
	}()
	if err := job.Run(ctx); err != nil {
		logger.Error("job failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return
	}
	logger.Debug("job finished", zap.Duration("elapsed", time.Since(started)))
}

func (runner *Runner) interval(ctx context.Context, job Job) time.Duration {
	if job.Interval == nil {
		return defaultInterval
	}
	if interval := job.Interval(ctx); interval > 0 {
		return interval
	}
	return defaultInterval
}
