package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

const archiveColumns = `id, reference_number, sender_account_id, recipient_account_id, amount, currency,
	type, status, failure_reason, idempotency_key, description, beneficiary_bank,
	created_at, updated_at, completed_at, archived_at, archival_reason, archived_batch_id`

const eligibleFilter = `status IN ('COMPLETED', 'FAILED') AND created_at < $1`

// ArchiveStore is the Postgres port.ArchivalStore.
type ArchiveStore struct {
	db *sql.DB
}

// NewArchiveStore creates an ArchiveStore.
func NewArchiveStore(db *sql.DB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

func (s *ArchiveStore) CountEligible(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "ArchiveStore.CountEligible")
	defer span.End()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE `+eligibleFilter, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count eligible transactions: %w", err)
	}
	return n, nil
}

func (s *ArchiveStore) FindEligible(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "ArchiveStore.FindEligible")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE `+eligibleFilter+`
		ORDER BY created_at, id
		LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find eligible transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

// ArchiveTransactions inserts rows in one transaction. Ids that are already
// archived are skipped, so re-archiving after a crash is harmless.
func (s *ArchiveStore) ArchiveTransactions(ctx context.Context, rows []domain.TransactionArchive) (int, error) {
	ctx, span := tracer.Start(ctx, "ArchiveStore.ArchiveTransactions")
	defer span.End()
	span.SetAttributes(attribute.Int("archive.rows", len(rows)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transaction_archive (`+archiveColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare archive insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx,
			r.ID, r.ReferenceNumber, r.SenderAccountID, r.RecipientAccountID, r.Amount, r.Currency,
			r.Type, r.Status, r.FailureReason, r.IdempotencyKey, r.Description, r.BeneficiaryBank,
			r.CreatedAt, r.UpdatedAt, r.CompletedAt, r.ArchivedAt, r.ArchivalReason, r.ArchivedBatchID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to archive transaction %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to archive transaction %s: %w", r.ID, err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive batch: %w", err)
	}
	return inserted, nil
}

func (s *ArchiveStore) DeleteTransactions(ctx context.Context, ids []string) (int, error) {
	ctx, span := tracer.Start(ctx, "ArchiveStore.DeleteTransactions")
	defer span.End()
	span.SetAttributes(attribute.Int("archive.ids", len(ids)))

	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived transactions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived transactions: %w", err)
	}
	return int(n), nil
}

func (s *ArchiveStore) FindArchivedByAccountID(ctx context.Context, accountID string, page, pageSize int) (*domain.Page[domain.TransactionArchive], error) {
	ctx, span := tracer.Start(ctx, "ArchiveStore.FindArchivedByAccountID")
	defer span.End()

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transaction_archive WHERE sender_account_id = $1 OR recipient_account_id = $1`,
		accountID,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count archived transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+archiveColumns+` FROM transaction_archive
		WHERE sender_account_id = $1 OR recipient_account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		accountID, pageSize, offset(page, pageSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived transactions: %w", err)
	}

	items, err := collectArchive(rows)
	if err != nil {
		return nil, err
	}
	return &domain.Page[domain.TransactionArchive]{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
}

func (s *ArchiveStore) FindArchivedByBatchID(ctx context.Context, batchID string) ([]domain.TransactionArchive, error) {
	ctx, span := tracer.Start(ctx, "ArchiveStore.FindArchivedByBatchID")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+archiveColumns+` FROM transaction_archive WHERE archived_batch_id = $1 ORDER BY created_at, id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive batch: %w", err)
	}
	return collectArchive(rows)
}

func (s *ArchiveStore) FindArchivedByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionArchive, error) {
	ctx, span := tracer.Start(ctx, "ArchiveStore.FindArchivedByIdempotencyKey")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+archiveColumns+` FROM transaction_archive WHERE idempotency_key = $1 LIMIT 1`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get archived transaction by idempotency key: %w", err)
	}
	found, err := collectArchive(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func collectArchive(rows *sql.Rows) ([]domain.TransactionArchive, error) {
	defer rows.Close()

	out := []domain.TransactionArchive{}
	for rows.Next() {
		var r domain.TransactionArchive
		if err := rows.Scan(
			&r.ID, &r.ReferenceNumber, &r.SenderAccountID, &r.RecipientAccountID, &r.Amount, &r.Currency,
			&r.Type, &r.Status, &r.FailureReason, &r.IdempotencyKey, &r.Description, &r.BeneficiaryBank,
			&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt, &r.ArchivedAt, &r.ArchivalReason, &r.ArchivedBatchID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan archived transaction: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate archived transactions: %w", err)
	}
	return out, nil
}
