package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
)

type memStore struct {
	mu        sync.Mutex
	states    map[string]domain.TransactionState
	payloads  map[string]domain.Transaction
	createErr error
	getErr    error
}

func newMemStore() *memStore {
	return &memStore{states: map[string]domain.TransactionState{}}
}

func (m *memStore) Get(_ domain.Context, id string) (domain.TransactionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.TransactionState{}, m.getErr
	}
	st, ok := m.states[id]
	if !ok {
		return domain.TransactionState{}, domain.ErrNotFound
	}
	return st, nil
}

func (m *memStore) Put(_ domain.Context, st domain.TransactionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.ID] = st
	return nil
}

func (m *memStore) CreateIfAbsent(_ domain.Context, st domain.TransactionState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return false, m.createErr
	}
	if _, ok := m.states[st.ID]; ok {
		return false, nil
	}
	m.states[st.ID] = st
	return true, nil
}

func (m *memStore) Delete(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	return nil
}

func (m *memStore) Scan(_ domain.Context, _ string, _ int) ([]domain.TransactionState, error) {
	return nil, nil
}

func (m *memStore) PutPayload(_ domain.Context, tx domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payloads == nil {
		m.payloads = map[string]domain.Transaction{}
	}
	m.payloads[tx.ID] = tx
	return nil
}

func (m *memStore) GetPayload(_ domain.Context, id string) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.payloads[id]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return tx, nil
}

type memQueue struct {
	mu         sync.Mutex
	enqueued   []string
	enqueueErr error
}

func (m *memQueue) Enqueue(_ domain.Context, tx domain.Transaction) (domain.QueueJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return domain.QueueJob{}, m.enqueueErr
	}
	m.enqueued = append(m.enqueued, tx.ID)
	return domain.QueueJob{ID: tx.ID, Payload: tx}, nil
}

func (m *memQueue) Reserve(domain.Context, string) (*domain.QueueJob, error) { return nil, nil }
func (m *memQueue) Ack(domain.Context, string) error                        { return nil }
func (m *memQueue) Nack(domain.Context, string, bool, string) (bool, error) { return false, nil }
func (m *memQueue) Metrics(domain.Context) (domain.QueueMetrics, error) {
	return domain.QueueMetrics{}, nil
}

func tx(id string) domain.Transaction {
	return domain.Transaction{ID: id, Amount: 1, Currency: "USD", Timestamp: time.Now().UTC()}
}

func TestSubmit_Accepts(t *testing.T) {
	store := newMemStore()
	queue := &memQueue{}
	svc := NewSubmitService(store, store, queue)

	out, err := svc.Submit(context.Background(), tx("t1"))
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.False(t, out.AlreadyQueued)
	assert.Equal(t, domain.StatusPending, out.State.Status)
	assert.Equal(t, []string{"t1"}, queue.enqueued)
}

func TestSubmit_DuplicateInFlight(t *testing.T) {
	store := newMemStore()
	queue := &memQueue{}
	svc := NewSubmitService(store, store, queue)

	_, err := svc.Submit(context.Background(), tx("t1"))
	require.NoError(t, err)
	out, err := svc.Submit(context.Background(), tx("t1"))
	require.NoError(t, err)

	assert.True(t, out.AlreadyQueued)
	assert.False(t, out.Replayed)
	assert.Len(t, queue.enqueued, 1, "duplicate must not enqueue again")
}

func TestSubmit_TerminalReplay(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()
	store.states["t1"] = domain.TransactionState{
		ID: "t1", Status: domain.StatusCompleted,
		SubmittedAt: now, UpdatedAt: now, CompletedAt: &now,
	}
	queue := &memQueue{}
	svc := NewSubmitService(store, store, queue)

	out, err := svc.Submit(context.Background(), tx("t1"))
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, domain.StatusCompleted, out.State.Status)
	assert.Empty(t, queue.enqueued)
}

func TestSubmit_FailedReplayDoesNotRequeue(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()
	store.states["t1"] = domain.TransactionState{
		ID: "t1", Status: domain.StatusFailed,
		SubmittedAt: now, UpdatedAt: now, CompletedAt: &now,
		RetryCount: 5, Error: "max retries exceeded: POST failed",
	}
	svc := NewSubmitService(store, store, &memQueue{})

	out, err := svc.Submit(context.Background(), tx("t1"))
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, domain.StatusFailed, out.State.Status)
}

func TestSubmit_EnqueueFailureSurfaces(t *testing.T) {
	store := newMemStore()
	queue := &memQueue{enqueueErr: domain.ErrQueueUnavailable}
	svc := NewSubmitService(store, store, queue)

	_, err := svc.Submit(context.Background(), tx("t1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)

	// The pending claim stays for the sweeper to re-enqueue later.
	st, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, st.Status)
}

func TestSubmit_StoreFailure(t *testing.T) {
	store := newMemStore()
	store.createErr = domain.ErrStoreUnavailable
	svc := NewSubmitService(store, store, &memQueue{})

	_, err := svc.Submit(context.Background(), tx("t1"))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestSubmit_ConcurrentSameID(t *testing.T) {
	store := newMemStore()
	queue := &memQueue{}
	svc := NewSubmitService(store, store, queue)

	const n = 8
	var wg sync.WaitGroup
	accepted := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := svc.Submit(context.Background(), tx("t1"))
			if err == nil && !out.AlreadyQueued && !out.Replayed {
				accepted[i] = true
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range accepted {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one submission wins the claim")
	assert.Len(t, queue.enqueued, 1)
}

func TestStatus_Get(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()
	store.states["t1"] = domain.TransactionState{ID: "t1", Status: domain.StatusProcessing, SubmittedAt: now, UpdatedAt: now, RetryCount: 2}
	svc := NewStatusService(store)

	st, err := svc.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, st.Status)
	assert.Equal(t, 2, st.RetryCount)

	_, err = svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Get(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(domain.Context) error { return s.err }

type stubQueueHealth struct {
	pingErr    error
	metricsErr error
}

func (s stubQueueHealth) Ping(domain.Context) error { return s.pingErr }
func (s stubQueueHealth) Metrics(domain.Context) (domain.QueueMetrics, error) {
	if s.metricsErr != nil {
		return domain.QueueMetrics{}, s.metricsErr
	}
	return domain.QueueMetrics{Waiting: 2, Total: 5}, nil
}

func TestHealth_Check(t *testing.T) {
	t.Run("all up", func(t *testing.T) {
		r := NewHealthService(stubPinger{}, stubQueueHealth{}).Check(context.Background())
		assert.True(t, r.Healthy())
		assert.Equal(t, "up", r.Services["store"].Status)
		require.NotNil(t, r.Services["queue"].Metrics)
		assert.Equal(t, int64(2), r.Services["queue"].Metrics.Waiting)
	})
	t.Run("store down", func(t *testing.T) {
		r := NewHealthService(stubPinger{err: errors.New("refused")}, stubQueueHealth{}).Check(context.Background())
		assert.Equal(t, "unhealthy", r.Status)
		assert.Equal(t, "down", r.Services["store"].Status)
	})
	t.Run("queue down", func(t *testing.T) {
		r := NewHealthService(stubPinger{}, stubQueueHealth{pingErr: errors.New("refused")}).Check(context.Background())
		assert.Equal(t, "unhealthy", r.Status)
		assert.Equal(t, "down", r.Services["queue"].Status)
	})
	t.Run("metrics failure degrades", func(t *testing.T) {
		r := NewHealthService(stubPinger{}, stubQueueHealth{metricsErr: errors.New("boom")}).Check(context.Background())
		assert.Equal(t, "degraded", r.Status)
		assert.Nil(t, r.Services["queue"].Metrics)
	})
}
