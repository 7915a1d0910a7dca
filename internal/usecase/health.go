package usecase

import (
	"time"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
)

// Pinger is the liveness probe an adapter exposes.
type Pinger interface {
	Ping(ctx domain.Context) error
}

// QueueHealth combines liveness with queue depth reporting.
type QueueHealth interface {
	Pinger
	Metrics(ctx domain.Context) (domain.QueueMetrics, error)
}

// ServiceHealth is one dependency's health entry.
type ServiceHealth struct {
	Status  string               `json:"status"`
	Metrics *domain.QueueMetrics `json:"metrics,omitempty"`
}

// HealthReport is the aggregate health of the gateway.
type HealthReport struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Services  map[string]ServiceHealth `json:"services"`
}

// Healthy reports whether the gateway can accept work. The state store
// is load-bearing for submissions, so its failure fails the whole
// report; a queue metrics failure only degrades it.
func (r HealthReport) Healthy() bool { return r.Status == "healthy" }

// HealthService aggregates dependency probes for the health endpoint.
type HealthService struct {
	store Pinger
	queue QueueHealth
}

// NewHealthService wires a HealthService.
func NewHealthService(store Pinger, queue QueueHealth) *HealthService {
	return &HealthService{store: store, queue: queue}
}

// Check probes both dependencies and assembles the report.
func (h *HealthService) Check(ctx domain.Context) HealthReport {
	report := HealthReport{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Services:  map[string]ServiceHealth{},
	}

	if err := h.store.Ping(ctx); err != nil {
		report.Status = "unhealthy"
		report.Services["store"] = ServiceHealth{Status: "down"}
	} else {
		report.Services["store"] = ServiceHealth{Status: "up"}
	}

	if err := h.queue.Ping(ctx); err != nil {
		report.Status = "unhealthy"
		report.Services["queue"] = ServiceHealth{Status: "down"}
	} else {
		entry := ServiceHealth{Status: "up"}
		if m, err := h.queue.Metrics(ctx); err == nil {
			entry.Metrics = &m
		} else if report.Status == "healthy" {
			report.Status = "degraded"
		}
		report.Services["queue"] = entry
	}
	return report
}
