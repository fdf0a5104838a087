package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Transaction Archive
// ============================================================

// ArchivalReasonRetentionExpired marks rows moved because they aged past the retention cutoff.
const ArchivalReasonRetentionExpired = "RETENTION_EXPIRED"

// TransactionArchive is an immutable snapshot of a Transaction moved out of the primary store.
type TransactionArchive struct {
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
	ArchivedAt         time.Time         `json:"archived_at"`
	ArchivalReason     string            `json:"archival_reason"`
	ArchivedBatchID    string            `json:"archived_batch_id"`
}

// NewTransactionArchive snapshots t into an archive row for batchID.
func NewTransactionArchive(t Transaction, batchID, reason string, archivedAt time.Time) TransactionArchive {
	return TransactionArchive{
		ID:                 t.ID,
		ReferenceNumber:    t.ReferenceNumber,
		SenderAccountID:    t.SenderAccountID,
		RecipientAccountID: t.RecipientAccountID,
		Amount:             t.Amount,
		Currency:           t.Currency,
		Type:               t.Type,
		Status:             t.Status,
		FailureReason:      t.FailureReason,
		IdempotencyKey:     t.IdempotencyKey,
		Description:        t.Description,
		BeneficiaryBank:    t.BeneficiaryBank,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		CompletedAt:        t.CompletedAt,
		ArchivedAt:         archivedAt,
		ArchivalReason:     reason,
		ArchivedBatchID:    batchID,
	}
}

// ArchivalStatus is the outcome of one archival run.
type ArchivalStatus string

const (
	ArchivalStatusDisabled       ArchivalStatus = "DISABLED"
	ArchivalStatusAlreadyRunning ArchivalStatus = "ALREADY_RUNNING"
	ArchivalStatusNoTransactions ArchivalStatus = "NO_TRANSACTIONS"
	ArchivalStatusCompleted      ArchivalStatus = "COMPLETED"
)

// ArchivalResult summarises one archival run.
type ArchivalResult struct {
	Status        ArchivalStatus `json:"status"`
	ArchivedCount int            `json:"archived_count"`
	BatchID       string         `json:"batch_id,omitempty"`
	CutoffDate    time.Time      `json:"cutoff_date"`
	Batches       int            `json:"batches"`
}
