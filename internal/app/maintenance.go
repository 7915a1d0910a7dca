package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
	"github.com/fairyhunter13/txn-gateway/internal/observability"
)

// QueueMaintainer is the slice of the Redis queue the maintenance loop
// needs: lease recovery, retention trimming, and depth reporting.
type QueueMaintainer interface {
	RequeueExpired(ctx context.Context) (int, error)
	TrimRetention(ctx context.Context) error
	Metrics(ctx context.Context) (domain.QueueMetrics, error)
}

// Maintenance periodically requeues expired leases, trims terminal
// retention sets, and exports queue depth gauges.
type Maintenance struct {
	queue    QueueMaintainer
	interval time.Duration
}

// NewMaintenance wires a Maintenance loop.
func NewMaintenance(queue QueueMaintainer, interval time.Duration) *Maintenance {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Maintenance{queue: queue, interval: interval}
}

// Run maintains the queue until ctx is done.
func (m *Maintenance) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Maintenance) tick(ctx context.Context) {
	if n, err := m.queue.RequeueExpired(ctx); err != nil {
		slog.Warn("requeue expired failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("requeued expired leases", slog.Int("count", n))
	}
	if err := m.queue.TrimRetention(ctx); err != nil {
		slog.Warn("retention trim failed", slog.Any("error", err))
	}
	if metrics, err := m.queue.Metrics(ctx); err != nil {
		slog.Warn("queue depth read failed", slog.Any("error", err))
	} else {
		observability.SetQueueDepth(metrics.Waiting, metrics.Active, metrics.Completed, metrics.Failed, metrics.Delayed)
	}
}
