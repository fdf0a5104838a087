package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Split Bills
// ============================================================

// SplitType selects how a bill's total is divided.
type SplitType string

const (
	SplitTypeEqual  SplitType = "EQUAL"
	SplitTypeCustom SplitType = "CUSTOM"
)

// SplitBillStatus is the lifecycle state of a split bill.
type SplitBillStatus string

const (
	SplitBillStatusDraft      SplitBillStatus = "DRAFT"
	SplitBillStatusActive     SplitBillStatus = "ACTIVE"
	SplitBillStatusInProgress SplitBillStatus = "IN_PROGRESS"
	SplitBillStatusCompleted  SplitBillStatus = "COMPLETED"
	SplitBillStatusCancelled  SplitBillStatus = "CANCELLED"
)

// Cancellable reports whether the bill is still open (DRAFT, ACTIVE or IN_PROGRESS).
func (s SplitBillStatus) Cancellable() bool {
	switch s {
	case SplitBillStatusDraft, SplitBillStatusActive, SplitBillStatusInProgress:
		return true
	}
	return false
}

// AcceptsPayments reports whether participants may respond or pay.
func (s SplitBillStatus) AcceptsPayments() bool {
	return s == SplitBillStatusActive || s == SplitBillStatusInProgress
}

// ParticipantStatus is the lifecycle state of a participant's obligation.
type ParticipantStatus string

const (
	ParticipantStatusPending       ParticipantStatus = "PENDING"
	ParticipantStatusAccepted      ParticipantStatus = "ACCEPTED"
	ParticipantStatusDeclined      ParticipantStatus = "DECLINED"
	ParticipantStatusPartiallyPaid ParticipantStatus = "PARTIALLY_PAID"
	ParticipantStatusSettled       ParticipantStatus = "SETTLED"
)

// CanPay reports whether a participant in this status may still pay.
func (s ParticipantStatus) CanPay() bool {
	switch s {
	case ParticipantStatusPending, ParticipantStatusAccepted, ParticipantStatusPartiallyPaid:
		return true
	}
	return false
}

// SplitBill is a bill whose total is owed by several participants.
type SplitBill struct {
	ID               string                 `json:"id"`
	ReferenceNumber  string                 `json:"reference_number"`
	CreatorAccountID string                 `json:"creator_account_id"`
	TotalAmount      decimal.Decimal        `json:"total_amount"`
	Currency         string                 `json:"currency"`
	Title            string                 `json:"title"`
	Description      string                 `json:"description,omitempty"`
	SplitType        SplitType              `json:"split_type"`
	Status           SplitBillStatus        `json:"status"`
	DueDate          *time.Time             `json:"due_date,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	Participants     []SplitBillParticipant `json:"participants"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	Version          int                    `json:"-"`
}

// SplitBillParticipant is one party's share of a split bill.
type SplitBillParticipant struct {
	ID            string            `json:"id"`
	SplitBillID   string            `json:"split_bill_id"`
	AccountID     string            `json:"account_id"`
	AccountNumber string            `json:"account_number,omitempty"`
	AccountName   string            `json:"account_name,omitempty"`
	AmountOwed    decimal.Decimal   `json:"amount_owed"`
	AmountPaid    decimal.Decimal   `json:"amount_paid"`
	Status        ParticipantStatus `json:"status"`
	SettledAt     *time.Time        `json:"settled_at,omitempty"`
}

// Participant returns a pointer into the bill's participant slice.
func (b *SplitBill) Participant(id string) *SplitBillParticipant {
	for i := range b.Participants {
		if b.Participants[i].ID == id {
			return &b.Participants[i]
		}
	}
	return nil
}

// AllSettled reports whether every participant is SETTLED.
// A bill without participants is never settled.
func (b *SplitBill) AllSettled() bool {
	if len(b.Participants) == 0 {
		return false
	}
	for _, p := range b.Participants {
		if p.Status != ParticipantStatusSettled {
			return false
		}
	}
	return true
}

// TotalOwed sums every participant's amountOwed.
func (b *SplitBill) TotalOwed() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range b.Participants {
		sum = sum.Add(p.AmountOwed)
	}
	return sum
}

// ParticipantInput describes a participant when creating a bill or adding one.
type ParticipantInput struct {
	AccountID     string           `json:"account_id"`
	AccountNumber string           `json:"account_number,omitempty"`
	AccountName   string           `json:"account_name,omitempty"`
	AmountOwed    *decimal.Decimal `json:"amount_owed,omitempty"`
}

// SplitBillRequest is the payload to create a split bill.
type SplitBillRequest struct {
	CreatorAccountID string             `json:"creator_account_id"`
	TotalAmount      decimal.Decimal    `json:"total_amount"`
	Currency         string             `json:"currency"`
	Title            string             `json:"title"`
	Description      string             `json:"description,omitempty"`
	SplitType        SplitType          `json:"split_type"`
	DueDate          *time.Time         `json:"due_date,omitempty"`
	Participants     []ParticipantInput `json:"participants"`
}
