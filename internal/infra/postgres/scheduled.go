package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

const scheduledColumns = `id, reference_number, sender_account_id, recipient_account_number, beneficiary_bank,
	transfer_type, amount, currency, description, schedule_type, start_date, end_date,
	next_execution_date, frequency_days, day_of_month, occurrence_count, executed_count,
	status, failure_reason, last_transaction_id, last_executed_at, claimed_until,
	created_at, updated_at, version`

// ScheduledTransferStore is the Postgres port.ScheduledTransferStore.
type ScheduledTransferStore struct {
	db *sql.DB
}

// NewScheduledTransferStore creates a ScheduledTransferStore.
func NewScheduledTransferStore(db *sql.DB) *ScheduledTransferStore {
	return &ScheduledTransferStore{db: db}
}

func scanScheduled(s scanner) (*domain.ScheduledTransfer, error) {
	var st domain.ScheduledTransfer
	err := s.Scan(
		&st.ID, &st.ReferenceNumber, &st.SenderAccountID, &st.RecipientAccountNumber, &st.BeneficiaryBank,
		&st.TransferType, &st.Amount, &st.Currency, &st.Description, &st.ScheduleType, &st.StartDate, &st.EndDate,
		&st.NextExecutionDate, &st.FrequencyDays, &st.DayOfMonth, &st.OccurrenceCount, &st.ExecutedCount,
		&st.Status, &st.FailureReason, &st.LastTransactionID, &st.LastExecutedAt, &st.ClaimedUntil,
		&st.CreatedAt, &st.UpdatedAt, &st.Version,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *ScheduledTransferStore) Create(ctx context.Context, st *domain.ScheduledTransfer) error {
	ctx, span := tracer.Start(ctx, "ScheduledTransferStore.Create")
	defer span.End()
	span.SetAttributes(attribute.String("scheduled.id", st.ID))

	query := `INSERT INTO scheduled_transfers (` + scheduledColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, 1)`

	_, err := s.db.ExecContext(ctx, query,
		st.ID, st.ReferenceNumber, st.SenderAccountID, st.RecipientAccountNumber, st.BeneficiaryBank,
		st.TransferType, st.Amount, st.Currency, st.Description, st.ScheduleType, st.StartDate, st.EndDate,
		st.NextExecutionDate, st.FrequencyDays, st.DayOfMonth, st.OccurrenceCount, st.ExecutedCount,
		st.Status, st.FailureReason, st.LastTransactionID, st.LastExecutedAt, st.ClaimedUntil,
		st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrDuplicate{Key: st.ReferenceNumber}
		}
		return fmt.Errorf("failed to create scheduled transfer: %w", err)
	}

	st.Version = 1
	return nil
}

func (s *ScheduledTransferStore) Update(ctx context.Context, st *domain.ScheduledTransfer) error {
	ctx, span := tracer.Start(ctx, "ScheduledTransferStore.Update")
	defer span.End()
	span.SetAttributes(attribute.String("scheduled.id", st.ID), attribute.String("scheduled.status", string(st.Status)))

	query := `UPDATE scheduled_transfers SET
			amount = $2, description = $3, end_date = $4, next_execution_date = $5,
			occurrence_count = $6, executed_count = $7, status = $8, failure_reason = $9,
			last_transaction_id = $10, last_executed_at = $11, claimed_until = $12,
			updated_at = $13, version = version + 1
		WHERE id = $1 AND version = $14`

	res, err := s.db.ExecContext(ctx, query,
		st.ID, st.Amount, st.Description, st.EndDate, st.NextExecutionDate,
		st.OccurrenceCount, st.ExecutedCount, st.Status, st.FailureReason,
		st.LastTransactionID, st.LastExecutedAt, st.ClaimedUntil,
		st.UpdatedAt, st.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update scheduled transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update scheduled transfer: %w", err)
	}
	if n == 0 {
		return &domain.ErrConflict{Resource: "scheduled transfer", ID: st.ID}
	}

	st.Version++
	return nil
}

func (s *ScheduledTransferStore) FindByID(ctx context.Context, id string) (*domain.ScheduledTransfer, error) {
	ctx, span := tracer.Start(ctx, "ScheduledTransferStore.FindByID")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_transfers WHERE id = $1`, id)
	st, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "scheduled transfer", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled transfer: %w", err)
	}
	return st, nil
}

func (s *ScheduledTransferStore) FindBySenderAccountID(ctx context.Context, accountID string) ([]domain.ScheduledTransfer, error) {
	ctx, span := tracer.Start(ctx, "ScheduledTransferStore.FindBySenderAccountID")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_transfers WHERE sender_account_id = $1 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled transfers: %w", err)
	}
	return collectScheduled(rows)
}

// ClaimDue leases due rows in one statement. SKIP LOCKED keeps concurrent
// sweepers from blocking on, or double-claiming, the same rows.
func (s *ScheduledTransferStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.ScheduledTransfer, error) {
	ctx, span := tracer.Start(ctx, "ScheduledTransferStore.ClaimDue")
	defer span.End()

	query := `UPDATE scheduled_transfers SET claimed_until = $2, version = version + 1
		WHERE id IN (
			SELECT id FROM scheduled_transfers
			WHERE status = $3 AND next_execution_date <= $1
				AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY next_execution_date, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + scheduledColumns

	rows, err := s.db.QueryContext(ctx, query, now, now.Add(lease), domain.ScheduleStatusActive, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due scheduled transfers: %w", err)
	}
	claimed, err := collectScheduled(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("scheduled.claimed", len(claimed)))
	return claimed, nil
}

func collectScheduled(rows *sql.Rows) ([]domain.ScheduledTransfer, error) {
	defer rows.Close()

	var out []domain.ScheduledTransfer
	for rows.Next() {
		st, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled transfer: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scheduled transfers: %w", err)
	}
	return out, nil
}
