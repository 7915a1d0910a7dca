package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return New(rdb, ttl), mr
}

func sampleState(id string) domain.TransactionState {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return domain.TransactionState{
		ID:          id,
		Status:      domain.StatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

func TestStore_GetNotFound(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	st := sampleState("t1")
	st.Status = domain.StatusProcessing
	st.RetryCount = 2
	st.Error = "GET failed"
	require.NoError(t, s.Put(ctx, st))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, st.ID, got.ID)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "GET failed", got.Error)
	assert.True(t, st.SubmittedAt.Equal(got.SubmittedAt))
}

func TestStore_CreateIfAbsent(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	created, err := s.CreateIfAbsent(ctx, sampleState("t1"))
	require.NoError(t, err)
	assert.True(t, created)

	// Second create for the same id loses the CAS.
	again := sampleState("t1")
	again.Status = domain.StatusFailed
	created, err = s.CreateIfAbsent(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestStore_TTLExpiry(t *testing.T) {
	s, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleState("t1")))
	mr.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, "t1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleState("t1")))
	require.NoError(t, s.Delete(ctx, "t1"))
	_, err := s.Get(ctx, "t1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	// Deleting a missing record is a no-op.
	require.NoError(t, s.Delete(ctx, "t1"))
}

func TestStore_PayloadRoundTrip(t *testing.T) {
	s, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	_, err := s.GetPayload(ctx, "t1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	tx := domain.Transaction{
		ID:        "t1",
		Amount:    12.5,
		Currency:  "EUR",
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Metadata:  map[string]any{"orderId": "o-7"},
	}
	require.NoError(t, s.PutPayload(ctx, tx))

	got, err := s.GetPayload(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.InDelta(t, tx.Amount, got.Amount, 1e-9)
	assert.Equal(t, "o-7", got.Metadata["orderId"])

	// Payloads share the store TTL.
	mr.FastForward(2 * time.Minute)
	_, err = s.GetPayload(ctx, "t1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStore_Scan(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"ord-a", "ord-b", "ref-c"} {
		require.NoError(t, s.Put(ctx, sampleState(id)))
	}

	states, err := s.Scan(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, states, 3)

	states, err = s.Scan(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	states, err = s.Scan(ctx, "ord-", 10)
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, st := range states {
		assert.Contains(t, st.ID, "ord-")
	}
}
