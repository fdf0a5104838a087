package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Transaction
// ============================================================

// TransactionType identifies the settlement rail a transaction travels on.
type TransactionType string

const (
	TransactionTypeInternal TransactionType = "INTERNAL_TRANSFER"
	TransactionTypeBifast   TransactionType = "BIFAST_TRANSFER"
	TransactionTypeSKN      TransactionType = "SKN_TRANSFER"
	TransactionTypeRTGS     TransactionType = "RTGS_TRANSFER"
	TransactionTypeQRIS     TransactionType = "QRIS_PAYMENT"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeInternal, TransactionTypeBifast, TransactionTypeSKN, TransactionTypeRTGS, TransactionTypeQRIS:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle state of a Transaction.
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "PENDING"
	TransactionStatusValidating TransactionStatus = "VALIDATING"
	TransactionStatusCompleted  TransactionStatus = "COMPLETED"
	TransactionStatusFailed     TransactionStatus = "FAILED"
)

// transactionTransitions lists the forward-only moves allowed from each status.
var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending:    {TransactionStatusValidating, TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusValidating: {TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusCompleted:  nil,
	TransactionStatusFailed:     nil,
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle monotonic.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// Transaction is a single money movement owned by the transfer orchestrator.
type Transaction struct {
	ID                 string            `json:"id"`
	ReferenceNumber    string            `json:"reference_number"`
	SenderAccountID    string            `json:"sender_account_id"`
	RecipientAccountID *string           `json:"recipient_account_id,omitempty"`
	Amount             decimal.Decimal   `json:"amount"`
	Currency           string            `json:"currency"`
	Type               TransactionType   `json:"type"`
	Status             TransactionStatus `json:"status"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	IdempotencyKey     *string           `json:"idempotency_key,omitempty"`
	Description        string            `json:"description,omitempty"`
	BeneficiaryBank    string            `json:"beneficiary_bank,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	Version            int               `json:"-"`
}

// Transition moves the transaction to next, stamping timestamps.
// It returns ErrInvalidState when the move would go backwards.
func (t *Transaction) Transition(next TransactionStatus, now time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return &ErrInvalidState{Resource: "transaction", Status: string(t.Status), Action: "move to " + string(next)}
	}
	t.Status = next
	t.UpdatedAt = now
	if next == TransactionStatusCompleted {
		completed := now
		t.CompletedAt = &completed
	}
	return nil
}

// Fail marks the transaction FAILED with reason.
func (t *Transaction) Fail(reason string, now time.Time) error {
	if err := t.Transition(TransactionStatusFailed, now); err != nil {
		return err
	}
	t.FailureReason = reason
	return nil
}

// TransferRequest is the payload to move money between accounts.
type TransferRequest struct {
	SenderAccountID    string          `json:"sender_account_id"`
	RecipientAccountID string          `json:"recipient_account_id"`
	BeneficiaryBank    string          `json:"beneficiary_bank,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	Type               TransactionType `json:"type"`
	Description        string          `json:"description,omitempty"`
	PurposeCode        string          `json:"purpose_code,omitempty"`
}

// TransferResult is what a caller sees after initiating a transfer.
// A replay with the same idempotency key yields an identical result.
type TransferResult struct {
	TransactionID           string            `json:"transaction_id"`
	ReferenceNumber         string            `json:"reference_number"`
	Status                  TransactionStatus `json:"status"`
	Fee                     decimal.Decimal   `json:"fee"`
	EstimatedCompletionTime string            `json:"estimated_completion_time"`
	FailureReason           string            `json:"failure_reason,omitempty"`
}

// QrisPaymentRequest is the payload to pay a merchant through a QRIS code.
type QrisPaymentRequest struct {
	CustomerAccountID string          `json:"customer_account_id"`
	QrisCode          string          `json:"qris_code"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	MerchantName      string          `json:"merchant_name"`
	CustomerReference string          `json:"customer_reference,omitempty"`
}

// Page is a slice of results plus the pagination window that produced it.
type Page[T any] struct {
	Items    []T `json:"items"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}
