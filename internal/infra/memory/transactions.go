// Package memory provides in-process store implementations with the same
// semantics as the Postgres stores: unique idempotency keys, optimistic
// versioning and lease-based claims. Used in dev mode and service tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
)

// TransactionStore is an in-memory port.TransactionStore.
type TransactionStore struct {
	mu    sync.RWMutex
	byID  map[string]domain.Transaction
	byKey map[string]string
	byRef map[string]string
}

// NewTransactionStore creates an empty TransactionStore.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		byID:  make(map[string]domain.Transaction),
		byKey: make(map[string]string),
		byRef: make(map[string]string),
	}
}

// Create inserts tx, enforcing unique id, reference number and idempotency key.
func (s *TransactionStore) Create(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[tx.ID]; ok {
		return &domain.ErrDuplicate{Key: tx.ID}
	}
	if _, ok := s.byRef[tx.ReferenceNumber]; ok {
		return &domain.ErrDuplicate{Key: tx.ReferenceNumber}
	}
	if tx.IdempotencyKey != nil {
		if _, ok := s.byKey[*tx.IdempotencyKey]; ok {
			return &domain.ErrDuplicate{Key: *tx.IdempotencyKey}
		}
		s.byKey[*tx.IdempotencyKey] = tx.ID
	}

	tx.Version = 1
	s.byID[tx.ID] = *tx
	s.byRef[tx.ReferenceNumber] = tx.ID
	return nil
}

// Update replaces tx when the stored version matches.
func (s *TransactionStore) Update(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[tx.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "transaction", ID: tx.ID}
	}
	if stored.Version != tx.Version {
		return &domain.ErrConflict{Resource: "transaction", ID: tx.ID}
	}

	tx.Version++
	s.byID[tx.ID] = *tx
	return nil
}

// FindByID returns a copy of the transaction.
func (s *TransactionStore) FindByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byID[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: id}
	}
	return &tx, nil
}

// FindByIdempotencyKey returns nil, nil when key was never used.
func (s *TransactionStore) FindByIdempotencyKey(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	tx, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

// FindByAccountID pages through transactions where accountID is sender or recipient, newest first.
func (s *TransactionStore) FindByAccountID(_ context.Context, accountID string, page, pageSize int) (*domain.Page[domain.Transaction], error) {
	s.mu.RLock()
	var matched []domain.Transaction
	for _, tx := range s.byID {
		if tx.SenderAccountID == accountID || (tx.RecipientAccountID != nil && *tx.RecipientAccountID == accountID) {
			matched = append(matched, tx)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	return paginate(matched, page, pageSize), nil
}

// Len reports how many transactions are stored.
func (s *TransactionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// remove deletes ids and their secondary index entries. Caller holds mu.
func (s *TransactionStore) remove(ids []string) int {
	deleted := 0
	for _, id := range ids {
		tx, ok := s.byID[id]
		if !ok {
			continue
		}
		delete(s.byID, id)
		delete(s.byRef, tx.ReferenceNumber)
		if tx.IdempotencyKey != nil {
			delete(s.byKey, *tx.IdempotencyKey)
		}
		deleted++
	}
	return deleted
}

func paginate[T any](items []T, page, pageSize int) *domain.Page[T] {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}

	out := &domain.Page[T]{Items: []T{}, Page: page, PageSize: pageSize, Total: len(items)}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return out
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	out.Items = append(out.Items, items[start:end]...)
	return out
}
