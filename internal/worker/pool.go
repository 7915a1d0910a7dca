package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
	"github.com/fairyhunter13/txn-gateway/internal/observability"
)

// Pool runs a fixed number of worker goroutines that reserve jobs from
// the queue and hand them to the Processor. Shutdown is graceful: the
// reserve loop stops on context cancellation, but a job already in
// flight runs its protocol to the end so no step is torn mid-way.
type Pool struct {
	queue        domain.Queue
	proc         *Processor
	concurrency  int
	pollInterval time.Duration
}

// NewPool wires a Pool.
func NewPool(queue domain.Queue, proc *Processor, concurrency int, pollInterval time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 10
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Pool{
		queue:        queue,
		proc:         proc,
		concurrency:  concurrency,
		pollInterval: pollInterval,
	}
}

// Run blocks until ctx is cancelled and every worker has drained.
func (p *Pool) Run(ctx context.Context) {
	slog.Info("worker pool starting", slog.Int("concurrency", p.concurrency))
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		workerID := "worker-" + uuid.NewString()
		go func() {
			defer wg.Done()
			p.runLoop(ctx, workerID)
		}()
	}
	wg.Wait()
	slog.Info("worker pool drained")
}

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Reserve(ctx, workerID)
		if err != nil {
			slog.Warn("reserve failed", slog.String("worker_id", workerID), slog.Any("error", err))
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}
		bo.Reset()
		if job == nil {
			if !sleepCtx(ctx, p.pollInterval) {
				return
			}
			continue
		}
		p.handle(ctx, workerID, *job)
	}
}

// handle runs one job. The processing context survives pool shutdown
// so the protocol's state writes and the verification GET still run.
func (p *Pool) handle(ctx context.Context, workerID string, job domain.QueueJob) {
	procCtx := context.WithoutCancel(ctx)
	observability.JobsProcessing.Inc()
	defer observability.JobsProcessing.Dec()

	start := time.Now()
	outcome := p.proc.Execute(procCtx, job)
	elapsed := time.Since(start)

	switch outcome.Kind {
	case OutcomeCompleted:
		if err := p.queue.Ack(procCtx, job.ID); err != nil {
			// Redelivery is safe: GET-before-POST finds the record.
			slog.Error("ack failed", slog.String("transaction_id", job.ID), slog.Any("error", err))
		}
		observability.JobsCompletedTotal.Inc()
		slog.Info("job completed",
			slog.String("worker_id", workerID),
			slog.String("transaction_id", job.ID),
			slog.Int("attempt", job.Attempt),
			slog.Duration("elapsed", elapsed))
	case OutcomeRetryPreWrite:
		requeued, err := p.queue.Nack(procCtx, job.ID, true, outcome.Cause)
		if err != nil {
			slog.Error("nack failed", slog.String("transaction_id", job.ID), slog.Any("error", err))
			return
		}
		observability.JobsRetriedTotal.Inc()
		slog.Warn("job retrying",
			slog.String("worker_id", workerID),
			slog.String("transaction_id", job.ID),
			slog.Int("attempt", job.Attempt),
			slog.Bool("requeued", requeued),
			slog.String("cause", outcome.Cause))
	case OutcomeTerminalFailure:
		if _, err := p.queue.Nack(procCtx, job.ID, false, outcome.Cause); err != nil {
			slog.Error("nack failed", slog.String("transaction_id", job.ID), slog.Any("error", err))
		}
		observability.JobsFailedTotal.Inc()
		slog.Error("job failed permanently",
			slog.String("worker_id", workerID),
			slog.String("transaction_id", job.ID),
			slog.Int("attempt", job.Attempt),
			slog.String("cause", outcome.Cause))
	}
}

// sleepCtx sleeps for d or until ctx is done; it reports whether the
// caller should keep running.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
