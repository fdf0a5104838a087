package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Scheduled Transfers
// ============================================================

// ScheduleType selects the recurrence rule of a scheduled transfer.
type ScheduleType string

const (
	ScheduleOneTime          ScheduleType = "ONE_TIME"
	ScheduleRecurringDaily   ScheduleType = "RECURRING_DAILY"
	ScheduleRecurringWeekly  ScheduleType = "RECURRING_WEEKLY"
	ScheduleRecurringMonthly ScheduleType = "RECURRING_MONTHLY"
	ScheduleRecurringCustom  ScheduleType = "RECURRING_CUSTOM"
)

// Valid reports whether t is a known schedule type.
func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleOneTime, ScheduleRecurringDaily, ScheduleRecurringWeekly, ScheduleRecurringMonthly, ScheduleRecurringCustom:
		return true
	}
	return false
}

// ScheduleStatus is the lifecycle state of a scheduled transfer.
type ScheduleStatus string

const (
	ScheduleStatusActive    ScheduleStatus = "ACTIVE"
	ScheduleStatusPaused    ScheduleStatus = "PAUSED"
	ScheduleStatusCancelled ScheduleStatus = "CANCELLED"
	ScheduleStatusCompleted ScheduleStatus = "COMPLETED"
	ScheduleStatusFailed    ScheduleStatus = "FAILED"
)

// Terminal reports whether the schedule accepts no more changes.
func (s ScheduleStatus) Terminal() bool {
	switch s {
	case ScheduleStatusCancelled, ScheduleStatusCompleted, ScheduleStatusFailed:
		return true
	}
	return false
}

// ScheduledTransfer is a transfer that fires on one or more future dates.
type ScheduledTransfer struct {
	ID                     string          `json:"id"`
	ReferenceNumber        string          `json:"reference_number"`
	SenderAccountID        string          `json:"sender_account_id"`
	RecipientAccountNumber string          `json:"recipient_account_number"`
	BeneficiaryBank        string          `json:"beneficiary_bank,omitempty"`
	TransferType           TransactionType `json:"transfer_type"`
	Amount                 decimal.Decimal `json:"amount"`
	Currency               string          `json:"currency"`
	Description            string          `json:"description,omitempty"`
	ScheduleType           ScheduleType    `json:"schedule_type"`
	StartDate              time.Time       `json:"start_date"`
	EndDate                *time.Time      `json:"end_date,omitempty"`
	NextExecutionDate      time.Time       `json:"next_execution_date"`
	FrequencyDays          *int            `json:"frequency_days,omitempty"`
	DayOfMonth             *int            `json:"day_of_month,omitempty"`
	OccurrenceCount        *int            `json:"occurrence_count,omitempty"`
	ExecutedCount          int             `json:"executed_count"`
	Status                 ScheduleStatus  `json:"status"`
	FailureReason          string          `json:"failure_reason,omitempty"`
	LastTransactionID      string          `json:"last_transaction_id,omitempty"`
	LastExecutedAt         *time.Time      `json:"last_executed_at,omitempty"`
	ClaimedUntil           *time.Time      `json:"-"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	Version                int             `json:"-"`
}

// IsDue reports whether the schedule should run at now.
func (st *ScheduledTransfer) IsDue(now time.Time) bool {
	return st.Status == ScheduleStatusActive && !now.Before(st.NextExecutionDate)
}

// OccurrencesExhausted reports whether executedCount reached the configured limit.
func (st *ScheduledTransfer) OccurrencesExhausted() bool {
	return st.OccurrenceCount != nil && st.ExecutedCount >= *st.OccurrenceCount
}

// ScheduledTransferRequest is the payload to create a scheduled transfer.
type ScheduledTransferRequest struct {
	SenderAccountID        string          `json:"sender_account_id"`
	RecipientAccountNumber string          `json:"recipient_account_number"`
	BeneficiaryBank        string          `json:"beneficiary_bank,omitempty"`
	TransferType           TransactionType `json:"transfer_type"`
	Amount                 decimal.Decimal `json:"amount"`
	Currency               string          `json:"currency"`
	Description            string          `json:"description,omitempty"`
	ScheduleType           ScheduleType    `json:"schedule_type"`
	StartDate              time.Time       `json:"start_date"`
	EndDate                *time.Time      `json:"end_date,omitempty"`
	FrequencyDays          *int            `json:"frequency_days,omitempty"`
	DayOfMonth             *int            `json:"day_of_month,omitempty"`
	OccurrenceCount        *int            `json:"occurrence_count,omitempty"`
}

// ScheduledTransferUpdate carries the fields an active schedule may change.
// Nil fields are left untouched.
type ScheduledTransferUpdate struct {
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Description     *string          `json:"description,omitempty"`
	EndDate         *time.Time       `json:"end_date,omitempty"`
	OccurrenceCount *int             `json:"occurrence_count,omitempty"`
}

// SweepResult summarises one pass over due scheduled transfers.
type SweepResult struct {
	Claimed   int `json:"claimed"`
	Executed  int `json:"executed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
