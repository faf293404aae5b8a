package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StaleSweeper releases held reservations whose owner never resolved them.
type StaleSweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)
}

const (
	defaultWorkerCount   = 4
	defaultPollInterval  = 5 * time.Second
	defaultSweepInterval = time.Minute
	defaultStaleAge      = 10 * time.Minute
	defaultBatchLimit    = 50
)

type job struct {
	postID    string
	reconcile bool
}

// Runner polls for due work and drives it through a bounded worker pool. One
// runner per process; overlapping pollers would double-claim posts only to
// have the state check reject the loser, wasting attempts.
type Runner struct {
	orchestrator  *Orchestrator
	sweeper       StaleSweeper
	logger        *zap.Logger
	workerCount   int
	pollInterval  time.Duration
	sweepInterval time.Duration
	staleAge      time.Duration
	batchLimit    int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkerCount sets the number of concurrent publish workers.
func WithWorkerCount(count int) RunnerOption {
	return func(runner *Runner) {
		if count > 0 {
			runner.workerCount = count
		}
	}
}

// WithPollInterval sets how often due posts are fetched.
func WithPollInterval(interval time.Duration) RunnerOption {
	return func(runner *Runner) {
		if interval > 0 {
			runner.pollInterval = interval
		}
	}
}

// WithSweepInterval sets how often stale reservations are swept.
func WithSweepInterval(interval time.Duration) RunnerOption {
	return func(runner *Runner) {
		if interval > 0 {
			runner.sweepInterval = interval
		}
	}
}

// WithStaleAge sets the age past which a held reservation is considered
// abandoned. It must comfortably exceed the publish timeout plus the
// reconciliation delay or the sweeper will race live attempts.
func WithStaleAge(age time.Duration) RunnerOption {
	return func(runner *Runner) {
		if age > 0 {
			runner.staleAge = age
		}
	}
}

// NewRunner wires a Runner around an orchestrator and a reservation sweeper.
func NewRunner(orchestrator *Orchestrator, sweeper StaleSweeper, logger *zap.Logger, options ...RunnerOption) (*Runner, error) {
	if orchestrator == nil || sweeper == nil {
		return nil, errors.New("runner requires an orchestrator and a sweeper")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	runner := &Runner{
		orchestrator:  orchestrator,
		sweeper:       sweeper,
		logger:        logger,
		workerCount:   defaultWorkerCount,
		pollInterval:  defaultPollInterval,
		sweepInterval: defaultSweepInterval,
		staleAge:      defaultStaleAge,
		batchLimit:    defaultBatchLimit,
	}
	for _, option := range options {
		if option != nil {
			option(runner)
		}
	}
	return runner, nil
}

// Run blocks until the context is cancelled, then waits for in-flight work
// to drain.
func (runner *Runner) Run(ctx context.Context) {
	jobs := make(chan job)
	var workers sync.WaitGroup
	for index := 0; index < runner.workerCount; index++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			runner.work(ctx, jobs)
		}()
	}

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		runner.dispatch(ctx, jobs)
	}()
	go func() {
		defer loops.Done()
		runner.sweep(ctx)
	}()

	loops.Wait()
	close(jobs)
	workers.Wait()
}

func (runner *Runner) dispatch(ctx context.Context, jobs chan<- job) {
	ticker := time.NewTicker(runner.pollInterval)
	defer ticker.Stop()
	for {
		runner.enqueueDue(ctx, jobs)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (runner *Runner) enqueueDue(ctx context.Context, jobs chan<- job) {
	publishIDs, err := runner.orchestrator.DuePublishes(ctx, runner.batchLimit)
	if err != nil {
		runner.logger.Error("list due publishes", zap.Error(err))
	}
	for _, postID := range publishIDs {
		select {
		case jobs <- job{postID: postID}:
		case <-ctx.Done():
			return
		}
	}

	reconcileIDs, err := runner.orchestrator.DueReconciliations(ctx, runner.batchLimit)
	if err != nil {
		runner.logger.Error("list due reconciliations", zap.Error(err))
	}
	for _, postID := range reconcileIDs {
		select {
		case jobs <- job{postID: postID, reconcile: true}:
		case <-ctx.Done():
			return
		}
	}
}

func (runner *Runner) work(ctx context.Context, jobs <-chan job) {
	for item := range jobs {
		var err error
		if item.reconcile {
			err = runner.orchestrator.Reconcile(ctx, item.postID)
		} else {
			err = runner.orchestrator.Publish(ctx, item.postID)
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrPostNotPublishable), errors.Is(err, ErrPostNotReconcilable):
			// Another worker or an operator got to the post first.
		default:
			runner.logger.Error("process post",
				zap.String("post_id", item.postID),
				zap.Bool("reconcile", item.reconcile),
				zap.Error(err),
			)
		}
	}
}

func (runner *Runner) sweep(ctx context.Context) {
	ticker := time.NewTicker(runner.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		swept, err := runner.sweeper.SweepStale(ctx, runner.staleAge)
		if err != nil {
			runner.logger.Error("sweep stale reservations", zap.Error(err))
			continue
		}
		if swept > 0 {
			runner.logger.Info("released stale reservations", zap.Int("count", swept))
		}
	}
}
