package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
)

// SplitBillStore is an in-memory port.SplitBillStore.
type SplitBillStore struct {
	mu   sync.Mutex
	byID map[string]domain.SplitBill
}

// NewSplitBillStore creates an empty SplitBillStore.
func NewSplitBillStore() *SplitBillStore {
	return &SplitBillStore{byID: make(map[string]domain.SplitBill)}
}

// cloneBill copies the participant slice so callers never alias stored state.
func cloneBill(b domain.SplitBill) domain.SplitBill {
	b.Participants = append([]domain.SplitBillParticipant(nil), b.Participants...)
	return b
}

func (s *SplitBillStore) Create(_ context.Context, bill *domain.SplitBill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[bill.ID]; ok {
		return &domain.ErrDuplicate{Key: bill.ID}
	}
	bill.Version = 1
	s.byID[bill.ID] = cloneBill(*bill)
	return nil
}

func (s *SplitBillStore) Update(_ context.Context, bill *domain.SplitBill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[bill.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "split bill", ID: bill.ID}
	}
	if stored.Version != bill.Version {
		return &domain.ErrConflict{Resource: "split bill", ID: bill.ID}
	}
	bill.Version++
	s.byID[bill.ID] = cloneBill(*bill)
	return nil
}

func (s *SplitBillStore) FindByID(_ context.Context, id string) (*domain.SplitBill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bill, ok := s.byID[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "split bill", ID: id}
	}
	out := cloneBill(bill)
	return &out, nil
}

// FindByCreatorAccountID lists bills created by accountID, newest first.
func (s *SplitBillStore) FindByCreatorAccountID(_ context.Context, accountID string) ([]domain.SplitBill, error) {
	return s.filter(func(b domain.SplitBill) bool { return b.CreatorAccountID == accountID }), nil
}

// FindByParticipantAccountID lists bills where accountID owes a share, newest first.
func (s *SplitBillStore) FindByParticipantAccountID(_ context.Context, accountID string) ([]domain.SplitBill, error) {
	return s.filter(func(b domain.SplitBill) bool {
		for _, p := range b.Participants {
			if p.AccountID == accountID {
				return true
			}
		}
		return false
	}), nil
}

func (s *SplitBillStore) filter(match func(domain.SplitBill) bool) []domain.SplitBill {
	s.mu.Lock()
	var out []domain.SplitBill
	for _, b := range s.byID {
		if match(b) {
			out = append(out, cloneBill(b))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
