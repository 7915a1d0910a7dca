package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
)

// Sweeper rescues orphaned pending records. A record stays pending
// forever when its enqueue was lost (queue outage right after the state
// claim, or a crash between claim and enqueue); the sweeper re-enqueues
// it from the stored payload. Enqueue deduplicates by id, so sweeping a
// record whose job is merely slow is harmless.
type Sweeper struct {
	store    domain.StateStore
	payloads domain.PayloadStore
	queue    domain.Queue

	pendingAge time.Duration
	interval   time.Duration
	scanLimit  int
}

// NewSweeper wires a Sweeper.
func NewSweeper(store domain.StateStore, payloads domain.PayloadStore, queue domain.Queue, pendingAge, interval time.Duration) *Sweeper {
	if pendingAge <= 0 {
		pendingAge = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:      store,
		payloads:   payloads,
		queue:      queue,
		pendingAge: pendingAge,
		interval:   interval,
		scanLimit:  500,
	}
}

// Run sweeps on the configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	slog.Info("orphan sweeper starting",
		slog.Duration("pending_age", s.pendingAge), slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				slog.Warn("sweep failed", slog.Any("error", err))
			} else if n > 0 {
				slog.Info("sweep re-enqueued orphans", slog.Int("count", n))
			}
		}
	}
}

// Sweep runs a single pass and returns how many records it re-enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "sweeper.Sweep")
	defer span.End()

	states, err := s.store.Scan(ctx, "", s.scanLimit)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-s.pendingAge)
	swept := 0
	for _, st := range states {
		if st.Status != domain.StatusPending || st.UpdatedAt.After(cutoff) {
			continue
		}
		tx, err := s.payloads.GetPayload(ctx, st.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Without the payload the work cannot be rebuilt; fail
				// the record so callers stop polling a dead pending.
				s.failLost(ctx, st)
			}
			continue
		}
		if _, err := s.queue.Enqueue(ctx, tx); err != nil {
			slog.Warn("sweep enqueue failed", slog.String("transaction_id", st.ID), slog.Any("error", err))
			continue
		}
		swept++
	}
	span.SetAttributes(attribute.Int("sweep.reenqueued", swept))
	return swept, nil
}

func (s *Sweeper) failLost(ctx context.Context, st domain.TransactionState) {
	now := time.Now().UTC()
	st.Status = domain.StatusFailed
	st.Error = "submission lost before enqueue"
	st.UpdatedAt = now
	st.CompletedAt = &now
	if err := s.store.Put(ctx, st); err != nil {
		slog.Warn("failed-state write failed", slog.String("transaction_id", st.ID), slog.Any("error", err))
	}
	slog.Error("pending record lost its payload, marked failed", slog.String("transaction_id", st.ID))
}
