package usecase

import (
	"fmt"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
)

// StatusService reads transaction state for the status endpoint.
type StatusService struct {
	store domain.StateStore
}

// NewStatusService wires a StatusService.
func NewStatusService(store domain.StateStore) *StatusService {
	return &StatusService{store: store}
}

// Get returns the state record for id. Unknown ids surface
// domain.ErrNotFound; that covers both never-submitted ids and records
// the state TTL has already purged.
func (s *StatusService) Get(ctx domain.Context, id string) (domain.TransactionState, error) {
	if id == "" {
		return domain.TransactionState{}, fmt.Errorf("op=status: empty id: %w", domain.ErrInvalidArgument)
	}
	st, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.TransactionState{}, fmt.Errorf("op=status: %w", err)
	}
	return st, nil
}
