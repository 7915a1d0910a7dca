// Package usecase holds the application services between the HTTP
// surface and the store/queue adapters.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
	"github.com/fairyhunter13/txn-gateway/internal/observability"
)

// SubmitOutcome describes how a submission was handled. Replayed means
// the id already reached a terminal status; AlreadyQueued means an
// earlier submission of the id is still in flight.
type SubmitOutcome struct {
	State         domain.TransactionState
	Replayed      bool
	AlreadyQueued bool
	Message       string
}

// SubmitService accepts transactions: it claims the id in the state
// store, enqueues the work, and answers duplicates from the existing
// record instead of creating new work.
type SubmitService struct {
	store    domain.StateStore
	payloads domain.PayloadStore
	queue    domain.Queue
}

// NewSubmitService wires a SubmitService.
func NewSubmitService(store domain.StateStore, payloads domain.PayloadStore, queue domain.Queue) *SubmitService {
	return &SubmitService{store: store, payloads: payloads, queue: queue}
}

// Submit registers tx for asynchronous posting. The create-if-absent
// claim makes concurrent submissions of one id collapse to a single
// job; the loser reads the winner's record and reports it.
func (s *SubmitService) Submit(ctx domain.Context, tx domain.Transaction) (SubmitOutcome, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "SubmitService.Submit")
	span.SetAttributes(attribute.String("transaction.id", tx.ID))
	defer span.End()

	now := time.Now().UTC()
	fresh := domain.TransactionState{
		ID:          tx.ID,
		Status:      domain.StatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	created, err := s.store.CreateIfAbsent(ctx, fresh)
	if err != nil {
		return SubmitOutcome{}, fmt.Errorf("op=submit: %w", err)
	}
	if !created {
		return s.duplicate(ctx, tx.ID)
	}

	// Best effort: the payload copy only matters if the enqueue below
	// is lost and the sweeper has to rebuild the job.
	if err := s.payloads.PutPayload(ctx, tx); err != nil {
		slog.Warn("payload write failed", slog.String("transaction_id", tx.ID), slog.Any("error", err))
	}

	if _, err := s.queue.Enqueue(ctx, tx); err != nil {
		// The pending record stays behind; the orphan sweeper picks it
		// up once the queue recovers.
		observability.TransactionsSubmittedTotal.WithLabelValues("enqueue_failed").Inc()
		slog.Error("enqueue failed after state claim",
			slog.String("transaction_id", tx.ID), slog.Any("error", err))
		return SubmitOutcome{}, fmt.Errorf("op=submit: %w", err)
	}

	observability.TransactionsSubmittedTotal.WithLabelValues("accepted").Inc()
	observability.JobsEnqueuedTotal.Inc()
	slog.Info("transaction accepted", slog.String("transaction_id", tx.ID))
	return SubmitOutcome{State: fresh, Message: "Transaction accepted for processing"}, nil
}

// duplicate answers a submission whose id is already known.
func (s *SubmitService) duplicate(ctx domain.Context, id string) (SubmitOutcome, error) {
	st, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The record expired between the claim losing and this
			// read. Rare; the caller can simply resubmit.
			return SubmitOutcome{}, fmt.Errorf("op=submit: record vanished: %w", domain.ErrConflict)
		}
		return SubmitOutcome{}, fmt.Errorf("op=submit: %w", err)
	}

	if st.Status.Terminal() {
		observability.TransactionsSubmittedTotal.WithLabelValues("replayed").Inc()
		return SubmitOutcome{
			State:    st,
			Replayed: true,
			Message:  "Transaction already processed",
		}, nil
	}
	observability.TransactionsSubmittedTotal.WithLabelValues("duplicate").Inc()
	return SubmitOutcome{
		State:         st,
		AlreadyQueued: true,
		Message:       "Transaction already queued",
	}, nil
}
