// Package redisstore persists per-transaction state records in Redis.
//
// The store is the source of truth for externally observable status.
// Records carry a TTL refreshed on every write; creation uses SET NX as
// the first-writer-wins CAS required by the submission path.
package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
)

const (
	keyPrefix     = "transaction:state:"
	payloadPrefix = "transaction:payload:"
)

// Store implements domain.StateStore on a Redis backend.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New constructs a Store. ttl is applied on every write; zero disables
// expiry (used only in tests).
func New(client redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func stateKey(id string) string { return keyPrefix + id }

// Ping checks backend reachability for readiness probes.
func (s *Store) Ping(ctx domain.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get loads the state record for id, or domain.ErrNotFound.
func (s *Store) Get(ctx domain.Context, id string) (domain.TransactionState, error) {
	tracer := otel.Tracer("store.state")
	ctx, span := tracer.Start(ctx, "state.Get")
	defer span.End()
	b, err := s.client.Get(ctx, stateKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TransactionState{}, fmt.Errorf("op=state.get: %w", domain.ErrNotFound)
		}
		return domain.TransactionState{}, fmt.Errorf("op=state.get: %w: %v", domain.ErrStoreUnavailable, err)
	}
	var st domain.TransactionState
	if err := json.Unmarshal(b, &st); err != nil {
		return domain.TransactionState{}, fmt.Errorf("op=state.get: decode: %w", err)
	}
	return st, nil
}

// Put stores the record last-writer-wins and refreshes its TTL.
func (s *Store) Put(ctx domain.Context, st domain.TransactionState) error {
	tracer := otel.Tracer("store.state")
	ctx, span := tracer.Start(ctx, "state.Put")
	defer span.End()
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=state.put: encode: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(st.ID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("op=state.put: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// CreateIfAbsent atomically creates the record iff no record exists for
// the id. Returns false when a record was already present.
func (s *Store) CreateIfAbsent(ctx domain.Context, st domain.TransactionState) (bool, error) {
	tracer := otel.Tracer("store.state")
	ctx, span := tracer.Start(ctx, "state.CreateIfAbsent")
	defer span.End()
	b, err := json.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("op=state.create: encode: %w", err)
	}
	created, err := s.client.SetNX(ctx, stateKey(st.ID), b, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=state.create: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return created, nil
}

// Delete removes the record for id. Deleting a missing record is not an error.
func (s *Store) Delete(ctx domain.Context, id string) error {
	if err := s.client.Del(ctx, stateKey(id)).Err(); err != nil {
		return fmt.Errorf("op=state.delete: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// PutPayload keeps the submitted body beside the state record, same
// TTL, so an orphaned pending record can be re-enqueued.
func (s *Store) PutPayload(ctx domain.Context, tx domain.Transaction) error {
	b, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("op=payload.put: encode: %w", err)
	}
	if err := s.client.Set(ctx, payloadPrefix+tx.ID, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("op=payload.put: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// GetPayload loads the submitted body for id, or domain.ErrNotFound.
func (s *Store) GetPayload(ctx domain.Context, id string) (domain.Transaction, error) {
	b, err := s.client.Get(ctx, payloadPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Transaction{}, fmt.Errorf("op=payload.get: %w", domain.ErrNotFound)
		}
		return domain.Transaction{}, fmt.Errorf("op=payload.get: %w: %v", domain.ErrStoreUnavailable, err)
	}
	var tx domain.Transaction
	if err := json.Unmarshal(b, &tx); err != nil {
		return domain.Transaction{}, fmt.Errorf("op=payload.get: decode: %w", err)
	}
	return tx, nil
}

// Scan returns up to limit state records whose id starts with prefix
// ("" matches all). For operational inspection, not hot paths: it walks
// the keyspace with SCAN.
func (s *Store) Scan(ctx domain.Context, prefix string, limit int) ([]domain.TransactionState, error) {
	tracer := otel.Tracer("store.state")
	ctx, span := tracer.Start(ctx, "state.Scan")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	var (
		out    []domain.TransactionState
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+prefix+"*", int64(limit)).Result()
		if err != nil {
			return nil, fmt.Errorf("op=state.scan: %w: %v", domain.ErrStoreUnavailable, err)
		}
		for _, k := range keys {
			b, err := s.client.Get(ctx, k).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue // expired between scan and get
				}
				return nil, fmt.Errorf("op=state.scan: %w: %v", domain.ErrStoreUnavailable, err)
			}
			var st domain.TransactionState
			if err := json.Unmarshal(b, &st); err != nil {
				continue
			}
			out = append(out, st)
			if len(out) >= limit {
				return out, nil
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
