package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
)

// ScheduledTransferStore is an in-memory port.ScheduledTransferStore.
type ScheduledTransferStore struct {
	mu   sync.Mutex
	byID map[string]domain.ScheduledTransfer
}

// NewScheduledTransferStore creates an empty ScheduledTransferStore.
func NewScheduledTransferStore() *ScheduledTransferStore {
	return &ScheduledTransferStore{byID: make(map[string]domain.ScheduledTransfer)}
}

func (s *ScheduledTransferStore) Create(_ context.Context, st *domain.ScheduledTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[st.ID]; ok {
		return &domain.ErrDuplicate{Key: st.ID}
	}
	st.Version = 1
	s.byID[st.ID] = *st
	return nil
}

func (s *ScheduledTransferStore) Update(_ context.Context, st *domain.ScheduledTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[st.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "scheduled transfer", ID: st.ID}
	}
	if stored.Version != st.Version {
		return &domain.ErrConflict{Resource: "scheduled transfer", ID: st.ID}
	}
	st.Version++
	s.byID[st.ID] = *st
	return nil
}

func (s *ScheduledTransferStore) FindByID(_ context.Context, id string) (*domain.ScheduledTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.byID[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "scheduled transfer", ID: id}
	}
	return &st, nil
}

// FindBySenderAccountID lists the sender's schedules, newest first.
func (s *ScheduledTransferStore) FindBySenderAccountID(_ context.Context, accountID string) ([]domain.ScheduledTransfer, error) {
	s.mu.Lock()
	var out []domain.ScheduledTransfer
	for _, st := range s.byID {
		if st.SenderAccountID == accountID {
			out = append(out, st)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ClaimDue leases due ACTIVE schedules, earliest first.
func (s *ScheduledTransferStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]domain.ScheduledTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.ScheduledTransfer
	for _, st := range s.byID {
		if !st.IsDue(now) {
			continue
		}
		if st.ClaimedUntil != nil && st.ClaimedUntil.After(now) {
			continue
		}
		due = append(due, st)
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextExecutionDate.Equal(due[j].NextExecutionDate) {
			return due[i].NextExecutionDate.Before(due[j].NextExecutionDate)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	until := now.Add(lease)
	for i := range due {
		due[i].ClaimedUntil = &until
		due[i].Version++
		s.byID[due[i].ID] = due[i]
	}
	return due, nil
}
