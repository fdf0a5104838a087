package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/boddenberg/pj-transfer-core/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

const transactionColumns = `id, reference_number, sender_account_id, recipient_account_id, amount, currency,
	type, status, failure_reason, idempotency_key, description, beneficiary_bank,
	created_at, updated_at, completed_at, version`

// TransactionStore is the Postgres port.TransactionStore.
type TransactionStore struct {
	db *sql.DB
}

// NewTransactionStore creates a TransactionStore.
func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := s.Scan(
		&tx.ID, &tx.ReferenceNumber, &tx.SenderAccountID, &tx.RecipientAccountID, &tx.Amount, &tx.Currency,
		&tx.Type, &tx.Status, &tx.FailureReason, &tx.IdempotencyKey, &tx.Description, &tx.BeneficiaryBank,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.CompletedAt, &tx.Version,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *TransactionStore) Create(ctx context.Context, tx *domain.Transaction) error {
	ctx, span := tracer.Start(ctx, "TransactionStore.Create")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", tx.ID))

	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)`

	_, err := s.db.ExecContext(ctx, query,
		tx.ID, tx.ReferenceNumber, tx.SenderAccountID, tx.RecipientAccountID, tx.Amount, tx.Currency,
		tx.Type, tx.Status, tx.FailureReason, tx.IdempotencyKey, tx.Description, tx.BeneficiaryBank,
		tx.CreatedAt, tx.UpdatedAt, tx.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			key := tx.ReferenceNumber
			if tx.IdempotencyKey != nil {
				key = *tx.IdempotencyKey
			}
			return &domain.ErrDuplicate{Key: key}
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	tx.Version = 1
	return nil
}

// Update persists the lifecycle fields. Amount and parties are immutable
// and never written here.
func (s *TransactionStore) Update(ctx context.Context, tx *domain.Transaction) error {
	ctx, span := tracer.Start(ctx, "TransactionStore.Update")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", tx.ID), attribute.String("transaction.status", string(tx.Status)))

	query := `UPDATE transactions
		SET status = $2, failure_reason = $3, updated_at = $4, completed_at = $5, version = version + 1
		WHERE id = $1 AND version = $6`

	res, err := s.db.ExecContext(ctx, query, tx.ID, tx.Status, tx.FailureReason, tx.UpdatedAt, tx.CompletedAt, tx.Version)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n == 0 {
		return &domain.ErrConflict{Resource: "transaction", ID: tx.ID}
	}

	tx.Version++
	return nil
}

func (s *TransactionStore) FindByID(ctx context.Context, id string) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "TransactionStore.FindByID")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by id: %w", err)
	}
	return tx, nil
}

func (s *TransactionStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "TransactionStore.FindByIdempotencyKey")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by idempotency key: %w", err)
	}
	return tx, nil
}

func (s *TransactionStore) FindByAccountID(ctx context.Context, accountID string, page, pageSize int) (*domain.Page[domain.Transaction], error) {
	ctx, span := tracer.Start(ctx, "TransactionStore.FindByAccountID")
	defer span.End()

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE sender_account_id = $1 OR recipient_account_id = $1`,
		accountID,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count account transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE sender_account_id = $1 OR recipient_account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		accountID, pageSize, offset(page, pageSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list account transactions: %w", err)
	}
	defer rows.Close()

	out := &domain.Page[domain.Transaction]{Items: []domain.Transaction{}, Page: page, PageSize: pageSize, Total: total}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out.Items = append(out.Items, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}
