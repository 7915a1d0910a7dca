package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrStoreUnavailable = errors.New("state store unavailable")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrInternal         = errors.New("internal error")
)

// Transaction is a client-submitted intent to record a financial event
// downstream. ID is client-chosen and doubles as the idempotency key.
// Immutable once accepted.
type Transaction struct {
	ID          string         `json:"id" validate:"required"`
	Amount      float64        `json:"amount" validate:"required,gt=0"`
	Currency    string         `json:"currency" validate:"required,len=3"`
	Description string         `json:"description" validate:"required"`
	Timestamp   time.Time      `json:"timestamp" validate:"required"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TxStatus is the lifecycle status of a submitted transaction.
type TxStatus string

const (
	StatusPending    TxStatus = "pending"
	StatusProcessing TxStatus = "processing"
	StatusCompleted  TxStatus = "completed"
	StatusFailed     TxStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s TxStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether the move s -> next is allowed by the
// status DAG: pending -> processing -> {completed, failed}, with
// processing -> processing permitted as the retry loop.
func (s TxStatus) CanTransitionTo(next TxStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	}
	return false
}

// TransactionState is the mutable per-transaction record owned by the
// state store. SubmittedAt is set on creation and never changes;
// CompletedAt is set iff Status is terminal.
type TransactionState struct {
	ID          string     `json:"id"`
	Status      TxStatus   `json:"status"`
	SubmittedAt time.Time  `json:"submittedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RetryCount  int        `json:"retryCount"`
	Error       string     `json:"error,omitempty"`
}

// QueueJob is one unit of work reserved from the queue. Attempt is
// zero-based: 0 for the first execution of the posting protocol.
type QueueJob struct {
	ID      string
	Payload Transaction
	Attempt int
}

// QueueMetrics mirrors the queue's per-state job counts.
type QueueMetrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

// StateStore (port)
//
// Keyed by transaction id. Get returns ErrNotFound when no record
// exists. CreateIfAbsent is the CAS creation primitive of the
// submission path; Put is last-writer-wins. Every write refreshes the
// record TTL. Scan matches ids by prefix ("" matches all) and is for
// operational inspection, not hot paths.
type StateStore interface {
	Get(ctx Context, id string) (TransactionState, error)
	Put(ctx Context, st TransactionState) error
	CreateIfAbsent(ctx Context, st TransactionState) (bool, error)
	Delete(ctx Context, id string) error
	Scan(ctx Context, prefix string, limit int) ([]TransactionState, error)
}

// PayloadStore (port)
//
// Keeps the submitted transaction body next to its state record so a
// pending record whose enqueue was lost can be re-enqueued later.
// GetPayload returns ErrNotFound when no payload exists.
type PayloadStore interface {
	PutPayload(ctx Context, tx Transaction) error
	GetPayload(ctx Context, id string) (Transaction, error)
}

// Queue (port)
//
// Enqueue deduplicates by transaction id: while a job with that id is
// waiting, delayed, or active it returns the existing job untouched.
// Reserve hands out at most one active holder per id; it returns
// (nil, nil) when nothing is due. Nack with retryable=true reschedules
// with exponential backoff until the attempt budget is spent.
type Queue interface {
	Enqueue(ctx Context, tx Transaction) (QueueJob, error)
	Reserve(ctx Context, workerID string) (*QueueJob, error)
	Ack(ctx Context, id string) error
	Nack(ctx Context, id string, retryable bool, cause string) (requeued bool, err error)
	Metrics(ctx Context) (QueueMetrics, error)
}

// PostingClient (port)
//
// Get maps downstream 200 to (tx, true, nil), 404 to (_, false, nil)
// and anything else (timeouts included) to an error. Post returns nil
// only on a 2xx. No client-side retries: retries are the queue's job.
type PostingClient interface {
	Get(ctx Context, id string) (Transaction, bool, error)
	Post(ctx Context, tx Transaction) error
}

// Context is an alias so adapters and usecases share the std context
// without the domain importing adapter packages.
type Context = context.Context
