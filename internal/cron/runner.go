package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/metrics"
)

var (
	// ErrLeaseHeld is returned when another run owns the lease.
	ErrLeaseHeld = pkgerrors.New(pkgerrors.CodeLeaseHeld, "another run holds the lease")
	// ErrLeaseLost cancels a job whose lease could not be kept alive.
	ErrLeaseLost = pkgerrors.New(pkgerrors.CodeLeaseHeld, "lease lost during the run")
)

// Job is a unit of work executed under the lease.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type jobFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (j jobFunc) Name() string                  { return j.name }
func (j jobFunc) Run(ctx context.Context) error { return j.fn(ctx) }

// JobFunc adapts fn into a Job.
func JobFunc(name string, fn func(ctx context.Context) error) Job {
	return jobFunc{name: name, fn: fn}
}

// RunnerParams configure the runner.
type RunnerParams struct {
	Logger  *logger.Logger
	Lock    Lock
	Metrics *metrics.CronJobMetrics
	Clock   clock.Clock
}

// Runner executes one job at a time under an exclusive lease. Runs are triggered externally;
// the runner keeps no schedule of its own.
type Runner struct {
	logg    *logger.Logger
	lock    Lock
	metrics *metrics.CronJobMetrics
	clock   clock.Clock
}

// NewRunner builds a runner.
func NewRunner(params RunnerParams) (*Runner, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New(time.UTC)
	}
	return &Runner{
		logg:    params.Logger,
		lock:    params.Lock,
		metrics: params.Metrics,
		clock:   clk,
	}, nil
}

// Run acquires the lease, executes job and releases the lease. A held lease skips the run and
// returns ErrLeaseHeld.
func (r *Runner) Run(ctx context.Context, job Job) error {
	jobCtx := r.logg.WithField(ctx, "job", job.Name())
	owner, ok, err := r.lock.Acquire(jobCtx)
	if err != nil {
		r.metrics.IncFailure(job.Name())
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire lease")
	}
	if !ok {
		r.logg.Info(jobCtx, "cron.lease.held")
		r.metrics.IncLeaseHeld(job.Name())
		return ErrLeaseHeld
	}
	defer func() {
		if relErr := r.lock.Release(context.WithoutCancel(jobCtx), owner); relErr != nil {
			r.logg.Error(jobCtx, "cron.lease.release_failed", relErr)
		}
	}()

	runCtx, cancel := context.WithCancelCause(jobCtx)
	defer cancel(nil)
	stop := r.keepAlive(runCtx, cancel, owner)

	r.logg.Info(jobCtx, "cron.job.start")
	start := time.Now()
	err = job.Run(runCtx)
	stop()
	if cause := context.Cause(runCtx); errors.Is(cause, ErrLeaseLost) && err == nil {
		err = ErrLeaseLost
	}
	duration := time.Since(start)
	r.metrics.ObserveDuration(job.Name(), duration)
	jobCtx = r.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		r.logg.Error(jobCtx, "cron.job.failed", err)
		r.metrics.IncFailure(job.Name())
		return err
	}
	r.logg.Info(jobCtx, "cron.job.completed")
	r.metrics.IncSuccess(job.Name(), r.clock.Now())
	return nil
}

// keepAlive extends the lease every third of its TTL until stop is called. The job is
// cancelled with ErrLeaseLost once the lease is taken over or could not be extended for a
// whole TTL.
func (r *Runner) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, owner string) (stop func()) {
	ttl := r.lock.TTL()
	interval := ttl / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		extended := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := r.lock.Extend(ctx, owner)
			switch {
			case err != nil:
				r.logg.Error(ctx, "cron.lease.extend_failed", err)
				if time.Since(extended) < ttl {
					continue
				}
			case ok:
				extended = time.Now()
				continue
			}
			r.logg.Warn(ctx, "cron.lease.lost")
			cancel(ErrLeaseLost)
			return
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
