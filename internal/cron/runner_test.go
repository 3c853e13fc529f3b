package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/metrics"
)

type testJob struct {
	name string
	err  error
	runs int
	hook func()
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	if t.hook != nil {
		t.hook()
	}
	return t.err
}

type failingLock struct{}

func (failingLock) Acquire(context.Context) (string, bool, error) {
	return "", false, errors.New("redis down")
}

func (failingLock) Extend(context.Context, string) (bool, error) { return false, nil }

func (failingLock) Release(context.Context, string) error { return nil }

func (failingLock) TTL() time.Duration { return time.Minute }

func newRunner(t *testing.T, lock Lock) (*Runner, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	runner, err := NewRunner(RunnerParams{
		Logger:  logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		Lock:    lock,
		Metrics: metrics.NewCronJobMetrics(reg),
		Clock:   clock.Fixed(time.Date(2026, time.June, 1, 3, 30, 0, 0, time.UTC), time.UTC),
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return runner, reg
}

func TestRunnerRunsJobAndReleasesLease(t *testing.T) {
	client, mr := newLeaseStore(t)
	lock, _ := NewRedisLock(client, "contratapro:lease:resolver:test", time.Hour)
	runner, reg := newRunner(t, lock)

	job := &testJob{name: "subscription-resolver"}
	job.hook = func() {
		if !mr.Exists(lock.Key()) {
			t.Errorf("lease must be held while the job runs")
		}
	}
	if err := runner.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	if job.runs != 1 {
		t.Fatalf("expected one run, got %d", job.runs)
	}
	if mr.Exists(lock.Key()) {
		t.Fatalf("lease must be released after the run")
	}
	if got := counterValue(t, reg, "contratapro_job_success_total"); got != 1 {
		t.Fatalf("expected success counter 1, got %f", got)
	}
}

func TestRunnerSkipsWhenLeaseHeld(t *testing.T) {
	client, _ := newLeaseStore(t)
	lock, _ := NewRedisLock(client, "contratapro:lease:resolver:test", time.Hour)
	if _, ok, err := lock.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}
	runner, _ := newRunner(t, lock)

	job := &testJob{name: "subscription-resolver"}
	err := runner.Run(context.Background(), job)
	if !errors.Is(err, ErrLeaseHeld) || !pkgerrors.IsCode(err, pkgerrors.CodeLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job must not run without the lease")
	}
}

func TestRunnerReportsJobFailure(t *testing.T) {
	client, mr := newLeaseStore(t)
	lock, _ := NewRedisLock(client, "contratapro:lease:resolver:test", time.Hour)
	runner, _ := newRunner(t, lock)

	boom := errors.New("boom")
	err := runner.Run(context.Background(), JobFunc("subscription-resolver", func(context.Context) error { return boom }))
	if !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
	if mr.Exists(lock.Key()) {
		t.Fatalf("lease must be released after a failed run")
	}
}

func TestRunnerExtendsLeaseDuringLongJob(t *testing.T) {
	client, mr := newLeaseStore(t)
	lock, _ := NewRedisLock(client, "contratapro:lease:resolver:test", 90*time.Millisecond)
	runner, _ := newRunner(t, lock)

	err := runner.Run(context.Background(), JobFunc("subscription-resolver", func(ctx context.Context) error {
		mr.SetTTL(lock.Key(), time.Millisecond)
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if mr.TTL(lock.Key()) == 90*time.Millisecond {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
		return errors.New("lease ttl was never refreshed")
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunnerCancelsJobWhenLeaseIsLost(t *testing.T) {
	client, mr := newLeaseStore(t)
	lock, _ := NewRedisLock(client, "contratapro:lease:resolver:test", 60*time.Millisecond)
	runner, _ := newRunner(t, lock)

	var cancelled bool
	err := runner.Run(context.Background(), JobFunc("subscription-resolver", func(ctx context.Context) error {
		if err := mr.Set(lock.Key(), "another-run"); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			cancelled = true
		case <-time.After(2 * time.Second):
		}
		return nil
	}))
	if !cancelled {
		t.Fatalf("job must be cancelled once the lease is taken over")
	}
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if got, _ := mr.Get(lock.Key()); got != "another-run" {
		t.Fatalf("the new holder's lease must survive, got %q", got)
	}
}

func TestRunnerLockFailureIsDependencyError(t *testing.T) {
	runner, _ := newRunner(t, failingLock{})
	err := runner.Run(context.Background(), &testJob{name: "x"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) == 1 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
