// Package worker drives reserved jobs through the posting protocol.
//
// The downstream POST is not idempotent, so the protocol brackets it
// with GETs: a GET before the POST catches records written by earlier
// attempts or replays, and a GET after a failed POST distinguishes a
// pre-write failure (safe to retry) from a post-write failure (the
// effect already happened; retrying would duplicate it). That pair of
// reads is what turns at-least-once delivery into exactly-once effect.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
)

// OutcomeKind tags the result of one protocol execution.
type OutcomeKind int

const (
	// OutcomeCompleted: the downstream holds the record exactly once.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeRetryPreWrite: the attempt failed before any downstream
	// write; the job should be redelivered with backoff.
	OutcomeRetryPreWrite
	// OutcomeTerminalFailure: the attempt budget is spent; the job must
	// not be redelivered.
	OutcomeTerminalFailure
)

// Outcome is the tagged result the queue layer acts on.
type Outcome struct {
	Kind  OutcomeKind
	Cause string
}

// Processor executes the posting protocol for a single job. Steps
// within one job are strictly sequential; per-id exclusion across
// workers comes from the queue's leases.
type Processor struct {
	store   domain.StateStore
	posting domain.PostingClient

	baseDelay  time.Duration
	maxRetries int

	// sleep is swapped in tests to avoid real verification waits.
	sleep func(time.Duration)
}

// NewProcessor wires a Processor. maxRetries is the total attempt
// budget including the first attempt.
func NewProcessor(store domain.StateStore, posting domain.PostingClient, baseDelay time.Duration, maxRetries int) *Processor {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Processor{
		store:      store,
		posting:    posting,
		baseDelay:  baseDelay,
		maxRetries: maxRetries,
		sleep:      time.Sleep,
	}
}

// backoffDelay returns baseDelay * 2^attempt, with the shift capped so
// a misconfigured attempt counter cannot overflow the duration.
func (p *Processor) backoffDelay(attempt int) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	return p.baseDelay * time.Duration(1<<attempt)
}

// Execute runs the protocol for one reserved job and returns the tagged
// outcome. All state-store writes happen here; the caller translates
// the outcome into queue ack/nack.
func (p *Processor) Execute(ctx domain.Context, job domain.QueueJob) Outcome {
	tracer := otel.Tracer("worker.posting")
	ctx, span := tracer.Start(ctx, "worker.Execute")
	span.SetAttributes(
		attribute.String("transaction.id", job.ID),
		attribute.Int("job.attempt", job.Attempt),
	)
	defer span.End()

	// A redelivered job whose record already reached a terminal status
	// resolves from the record alone. Terminal states admit no
	// transitions, so none of the writes below may touch them.
	st := p.load(ctx, job)
	switch st.Status {
	case domain.StatusCompleted:
		slog.Info("redelivered job already completed", slog.String("transaction_id", job.ID), slog.Int("attempt", job.Attempt))
		return Outcome{Kind: OutcomeCompleted}
	case domain.StatusFailed:
		return Outcome{Kind: OutcomeTerminalFailure, Cause: st.Error}
	}

	// Step 1: enter processing.
	if err := p.markProcessing(ctx, job); err != nil {
		// Local fault; conservative retry. The attempt counter advances
		// even though the downstream was never touched, bounded by the
		// retry budget.
		return p.settle(ctx, job, fmt.Sprintf("state store write failed: %v", err))
	}

	// Step 2: GET before POST. A record from a prior attempt, a lease
	// replay, or an external seed means the work is already done.
	if _, found, err := p.posting.Get(ctx, job.ID); err != nil {
		return p.settle(ctx, job, fmt.Sprintf("GET failed: %v", err))
	} else if found {
		slog.Info("downstream record already present", slog.String("transaction_id", job.ID), slog.Int("attempt", job.Attempt))
		p.markCompleted(ctx, job)
		return Outcome{Kind: OutcomeCompleted}
	}

	// Step 3: POST.
	postErr := p.posting.Post(ctx, job.Payload)
	if postErr == nil {
		p.markCompleted(ctx, job)
		return Outcome{Kind: OutcomeCompleted}
	}

	// Step 4: the POST error is ambiguous; the downstream may have
	// persisted the record before the error surfaced. Wait out the
	// backoff window, then look.
	p.sleep(p.backoffDelay(job.Attempt))
	if _, found, err := p.posting.Get(ctx, job.ID); err == nil && found {
		slog.Info("post-write failure resolved by verification",
			slog.String("transaction_id", job.ID), slog.Int("attempt", job.Attempt))
		p.markCompleted(ctx, job)
		return Outcome{Kind: OutcomeCompleted}
	} else if err != nil {
		// A failed verification GET is treated as pre-write. Worst case
		// the record exists and the next attempt's GET-before-POST
		// finds it; no duplicate is possible either way.
		slog.Warn("verification GET failed, assuming pre-write failure",
			slog.String("transaction_id", job.ID), slog.Any("error", err))
	}

	// Step 5: confirmed pre-write failure.
	return p.settle(ctx, job, fmt.Sprintf("POST failed: %v", postErr))
}

// settle decides retry vs terminal failure for a pre-write fault.
func (p *Processor) settle(ctx domain.Context, job domain.QueueJob, cause string) Outcome {
	if job.Attempt+1 >= p.maxRetries {
		p.markFailed(ctx, job, cause)
		return Outcome{Kind: OutcomeTerminalFailure, Cause: fmt.Sprintf("max retries exceeded: %s", cause)}
	}
	p.markRetrying(ctx, job, cause)
	return Outcome{Kind: OutcomeRetryPreWrite, Cause: cause}
}

// load fetches the current state record, synthesizing one if the TTL
// already purged it (the job in hand is proof the work was accepted).
func (p *Processor) load(ctx domain.Context, job domain.QueueJob) domain.TransactionState {
	st, err := p.store.Get(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("state load failed", slog.String("transaction_id", job.ID), slog.Any("error", err))
		}
		now := time.Now().UTC()
		return domain.TransactionState{ID: job.ID, Status: domain.StatusPending, SubmittedAt: now, UpdatedAt: now}
	}
	return st
}

func (p *Processor) markProcessing(ctx domain.Context, job domain.QueueJob) error {
	st := p.load(ctx, job)
	if st.Status.Terminal() {
		return nil
	}
	st.Status = domain.StatusProcessing
	st.RetryCount = job.Attempt
	st.UpdatedAt = time.Now().UTC()
	return p.store.Put(ctx, st)
}

func (p *Processor) markCompleted(ctx domain.Context, job domain.QueueJob) {
	st := p.load(ctx, job)
	if st.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	st.Status = domain.StatusCompleted
	st.UpdatedAt = now
	st.CompletedAt = &now
	st.Error = ""
	if err := p.store.Put(ctx, st); err != nil {
		// The downstream record exists; a lost completed write is
		// recovered on redelivery via GET-before-POST.
		slog.Error("completed state write failed", slog.String("transaction_id", job.ID), slog.Any("error", err))
	}
}

func (p *Processor) markRetrying(ctx domain.Context, job domain.QueueJob, cause string) {
	st := p.load(ctx, job)
	if st.Status.Terminal() {
		return
	}
	st.Status = domain.StatusProcessing
	st.RetryCount = job.Attempt + 1
	st.Error = cause
	st.UpdatedAt = time.Now().UTC()
	if err := p.store.Put(ctx, st); err != nil {
		slog.Error("retry state write failed", slog.String("transaction_id", job.ID), slog.Any("error", err))
	}
}

func (p *Processor) markFailed(ctx domain.Context, job domain.QueueJob, cause string) {
	st := p.load(ctx, job)
	if st.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	st.Status = domain.StatusFailed
	st.RetryCount = job.Attempt + 1
	st.Error = fmt.Sprintf("max retries exceeded: %s", cause)
	st.UpdatedAt = now
	st.CompletedAt = &now
	if err := p.store.Put(ctx, st); err != nil {
		slog.Error("failed state write failed", slog.String("transaction_id", job.ID), slog.Any("error", err))
	}
}
