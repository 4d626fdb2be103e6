package multipart

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Dispatcher runs a batch of part jobs. Implementations decide the execution
// strategy; they provide no ordering guarantees between jobs. Dispatch
// returns the first job error, or the context error if cancelled.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobs []partJob, run func(context.Context, partJob) error) error
}

// ParallelDispatcher runs jobs across a bounded goroutine pool. The first
// failure cancels the remaining jobs in the batch.
type ParallelDispatcher struct {
	// Workers bounds concurrent transfers. Values below 1 mean 8.
	Workers int
}

func (d ParallelDispatcher) Dispatch(ctx context.Context, jobs []partJob, run func(context.Context, partJob) error) error {
	workers := d.Workers
	if workers < 1 {
		workers = 8
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return run(gctx, job)
		})
	}
	return g.Wait()
}

// SequentialDispatcher runs jobs one at a time on the calling goroutine, for
// environments that must not spawn extra goroutines during transfers.
type SequentialDispatcher struct{}

func (SequentialDispatcher) Dispatch(ctx context.Context, jobs []partJob, run func(context.Context, partJob) error) error {
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := run(ctx, job); err != nil {
			return err
		}
	}
	return nil
}
