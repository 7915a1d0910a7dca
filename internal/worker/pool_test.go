package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
)

// fakeQueue delivers a fixed set of jobs once and records ack/nack.
type fakeQueue struct {
	mu     sync.Mutex
	jobs   []domain.QueueJob
	acked  []string
	nacked map[string]bool // id -> retryable
}

func (f *fakeQueue) Enqueue(_ domain.Context, tx domain.Transaction) (domain.QueueJob, error) {
	return domain.QueueJob{ID: tx.ID, Payload: tx}, nil
}

func (f *fakeQueue) Reserve(_ domain.Context, _ string) (*domain.QueueJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, nil
	}
	j := f.jobs[0]
	f.jobs = f.jobs[1:]
	return &j, nil
}

func (f *fakeQueue) Ack(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeQueue) Nack(_ domain.Context, id string, retryable bool, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nacked == nil {
		f.nacked = map[string]bool{}
	}
	f.nacked[id] = retryable
	return retryable, nil
}

func (f *fakeQueue) Metrics(domain.Context) (domain.QueueMetrics, error) {
	return domain.QueueMetrics{}, nil
}

func (f *fakeQueue) drained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs) == 0
}

func (f *fakeQueue) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	store := newFakeStore()
	posting := newFakePosting()
	q := &fakeQueue{jobs: []domain.QueueJob{job("a", 0), job("b", 0), job("c", 0)}}
	pool := NewPool(q, newTestProcessor(store, posting, 5), 3, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return q.drained() && len(q.ackedIDs()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.ElementsMatch(t, []string{"a", "b", "c"}, q.ackedIDs())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, domain.StatusCompleted, store.state(t, id).Status)
	}
}

func TestPool_NacksRetryableOnPreWriteFailure(t *testing.T) {
	store := newFakeStore()
	posting := newFakePosting()
	posting.postErr = assert.AnError
	q := &fakeQueue{jobs: []domain.QueueJob{job("a", 0)}}
	pool := NewPool(q, newTestProcessor(store, posting, 5), 1, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.nacked) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.True(t, q.nacked["a"], "pre-write failure must be retryable")
}

func TestPool_StopsOnCancel(t *testing.T) {
	q := &fakeQueue{}
	pool := NewPool(q, newTestProcessor(newFakeStore(), newFakePosting(), 5), 2, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
