package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
)

// ArchiveStore is an in-memory port.ArchivalStore backed by a TransactionStore.
type ArchiveStore struct {
	txs *TransactionStore

	mu      sync.RWMutex
	archive map[string]domain.TransactionArchive

	// BeforeDelete, when set, runs ahead of every DeleteTransactions call.
	// A non-nil error aborts the delete, simulating a crash between the
	// archive insert and the primary delete.
	BeforeDelete func(ids []string) error
}

// NewArchiveStore creates an ArchiveStore that moves rows out of txs.
func NewArchiveStore(txs *TransactionStore) *ArchiveStore {
	return &ArchiveStore{
		txs:     txs,
		archive: make(map[string]domain.TransactionArchive),
	}
}

func eligible(tx domain.Transaction, cutoff time.Time) bool {
	return tx.Status.Terminal() && tx.CreatedAt.Before(cutoff)
}

// CountEligible counts terminal transactions created before cutoff.
func (s *ArchiveStore) CountEligible(_ context.Context, cutoff time.Time) (int, error) {
	s.txs.mu.RLock()
	defer s.txs.mu.RUnlock()

	n := 0
	for _, tx := range s.txs.byID {
		if eligible(tx, cutoff) {
			n++
		}
	}
	return n, nil
}

// FindEligible returns up to limit eligible transactions ordered by created_at, id.
func (s *ArchiveStore) FindEligible(_ context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	s.txs.mu.RLock()
	var out []domain.Transaction
	for _, tx := range s.txs.byID {
		if eligible(tx, cutoff) {
			out = append(out, tx)
		}
	}
	s.txs.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ArchiveTransactions inserts rows whose id is not archived yet.
func (s *ArchiveStore) ArchiveTransactions(_ context.Context, rows []domain.TransactionArchive) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, row := range rows {
		if _, ok := s.archive[row.ID]; ok {
			continue
		}
		s.archive[row.ID] = row
		inserted++
	}
	return inserted, nil
}

// DeleteTransactions removes ids from the primary store.
func (s *ArchiveStore) DeleteTransactions(_ context.Context, ids []string) (int, error) {
	if s.BeforeDelete != nil {
		if err := s.BeforeDelete(ids); err != nil {
			return 0, err
		}
	}

	s.txs.mu.Lock()
	defer s.txs.mu.Unlock()
	return s.txs.remove(ids), nil
}

// FindArchivedByAccountID pages archived rows for accountID, newest first.
func (s *ArchiveStore) FindArchivedByAccountID(_ context.Context, accountID string, page, pageSize int) (*domain.Page[domain.TransactionArchive], error) {
	s.mu.RLock()
	var matched []domain.TransactionArchive
	for _, row := range s.archive {
		if row.SenderAccountID == accountID || (row.RecipientAccountID != nil && *row.RecipientAccountID == accountID) {
			matched = append(matched, row)
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

// FindArchivedByBatchID lists the rows written by one archival run.
func (s *ArchiveStore) FindArchivedByBatchID(_ context.Context, batchID string) ([]domain.TransactionArchive, error) {
	s.mu.RLock()
	var out []domain.TransactionArchive
	for _, row := range s.archive {
		if row.ArchivedBatchID == batchID {
			out = append(out, row)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FindArchivedByIdempotencyKey returns a copy of the archived row carrying key.
func (s *ArchiveStore) FindArchivedByIdempotencyKey(_ context.Context, key string) (*domain.TransactionArchive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.archive {
		if row.IdempotencyKey != nil && *row.IdempotencyKey == key {
			out := row
			return &out, nil
		}
	}
	return nil, nil
}

// ArchivedLen reports how many archive rows exist.
func (s *ArchiveStore) ArchivedLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.archive)
}
