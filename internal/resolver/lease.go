package resolver

import (
	"context"

	"github.com/angelmondragon/contratapro-lifecycle/internal/cron"
)

// LeaseRunner executes a job under an exclusive lease.
type LeaseRunner interface {
	Run(ctx context.Context, job cron.Job) error
}

// Runnable produces a run report.
type Runnable interface {
	Run(ctx context.Context) (Report, error)
}

// RunUnderLease runs res as the resolver job under runner's lease. A held lease returns
// cron.ErrLeaseHeld and an empty report.
func RunUnderLease(ctx context.Context, runner LeaseRunner, res Runnable) (Report, error) {
	var report Report
	err := runner.Run(ctx, cron.JobFunc(JobName, func(ctx context.Context) error {
		var runErr error
		report, runErr = res.Run(ctx)
		return runErr
	}))
	return report, err
}
