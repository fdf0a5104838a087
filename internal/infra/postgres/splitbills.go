package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/boddenberg/pj-transfer-core/internal/domain"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

const splitBillColumns = `id, reference_number, creator_account_id, total_amount, currency, title, description,
	split_type, status, due_date, completed_at, created_at, updated_at, version`

const participantColumns = `id, split_bill_id, account_id, account_number, account_name,
	amount_owed, amount_paid, status, settled_at`

// SplitBillStore is the Postgres port.SplitBillStore. A bill and its
// participants are always written in one transaction.
type SplitBillStore struct {
	db *sql.DB
}

// NewSplitBillStore creates a SplitBillStore.
func NewSplitBillStore(db *sql.DB) *SplitBillStore {
	return &SplitBillStore{db: db}
}

func scanSplitBill(s scanner) (*domain.SplitBill, error) {
	var b domain.SplitBill
	err := s.Scan(
		&b.ID, &b.ReferenceNumber, &b.CreatorAccountID, &b.TotalAmount, &b.Currency, &b.Title, &b.Description,
		&b.SplitType, &b.Status, &b.DueDate, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	b.Participants = []domain.SplitBillParticipant{}
	return &b, nil
}

func (s *SplitBillStore) Create(ctx context.Context, bill *domain.SplitBill) error {
	ctx, span := tracer.Start(ctx, "SplitBillStore.Create")
	defer span.End()
	span.SetAttributes(attribute.String("split_bill.id", bill.ID), attribute.Int("split_bill.participants", len(bill.Participants)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO split_bills (`+splitBillColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`,
		bill.ID, bill.ReferenceNumber, bill.CreatorAccountID, bill.TotalAmount, bill.Currency, bill.Title, bill.Description,
		bill.SplitType, bill.Status, bill.DueDate, bill.CompletedAt, bill.CreatedAt, bill.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ErrDuplicate{Key: bill.ReferenceNumber}
		}
		return fmt.Errorf("failed to create split bill: %w", err)
	}

	if err := upsertParticipants(ctx, tx, bill.Participants); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit split bill: %w", err)
	}
	bill.Version = 1
	return nil
}

func (s *SplitBillStore) Update(ctx context.Context, bill *domain.SplitBill) error {
	ctx, span := tracer.Start(ctx, "SplitBillStore.Update")
	defer span.End()
	span.SetAttributes(attribute.String("split_bill.id", bill.ID), attribute.String("split_bill.status", string(bill.Status)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE split_bills
		SET total_amount = $2, status = $3, completed_at = $4, updated_at = $5, version = version + 1
		WHERE id = $1 AND version = $6`,
		bill.ID, bill.TotalAmount, bill.Status, bill.CompletedAt, bill.UpdatedAt, bill.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update split bill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update split bill: %w", err)
	}
	if n == 0 {
		return &domain.ErrConflict{Resource: "split bill", ID: bill.ID}
	}

	if err := upsertParticipants(ctx, tx, bill.Participants); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit split bill: %w", err)
	}
	bill.Version++
	return nil
}

func upsertParticipants(ctx context.Context, tx *sql.Tx, participants []domain.SplitBillParticipant) error {
	query := `INSERT INTO split_bill_participants (position, ` + participantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			amount_owed = EXCLUDED.amount_owed,
			amount_paid = EXCLUDED.amount_paid,
			status = EXCLUDED.status,
			settled_at = EXCLUDED.settled_at`

	for i, p := range participants {
		_, err := tx.ExecContext(ctx, query,
			i, p.ID, p.SplitBillID, p.AccountID, p.AccountNumber, p.AccountName,
			p.AmountOwed, p.AmountPaid, p.Status, p.SettledAt,
		)
		if err != nil {
			return fmt.Errorf("failed to write split bill participant: %w", err)
		}
	}
	return nil
}

func (s *SplitBillStore) FindByID(ctx context.Context, id string) (*domain.SplitBill, error) {
	ctx, span := tracer.Start(ctx, "SplitBillStore.FindByID")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `SELECT `+splitBillColumns+` FROM split_bills WHERE id = $1`, id)
	bill, err := scanSplitBill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "split bill", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get split bill: %w", err)
	}

	bills := []domain.SplitBill{*bill}
	if err := s.loadParticipants(ctx, bills); err != nil {
		return nil, err
	}
	return &bills[0], nil
}

func (s *SplitBillStore) FindByCreatorAccountID(ctx context.Context, accountID string) ([]domain.SplitBill, error) {
	ctx, span := tracer.Start(ctx, "SplitBillStore.FindByCreatorAccountID")
	defer span.End()

	return s.list(ctx,
		`SELECT `+splitBillColumns+` FROM split_bills WHERE creator_account_id = $1 ORDER BY created_at DESC`,
		accountID,
	)
}

func (s *SplitBillStore) FindByParticipantAccountID(ctx context.Context, accountID string) ([]domain.SplitBill, error) {
	ctx, span := tracer.Start(ctx, "SplitBillStore.FindByParticipantAccountID")
	defer span.End()

	return s.list(ctx,
		`SELECT `+splitBillColumns+` FROM split_bills
		WHERE id IN (SELECT split_bill_id FROM split_bill_participants WHERE account_id = $1)
		ORDER BY created_at DESC`,
		accountID,
	)
}

func (s *SplitBillStore) list(ctx context.Context, query string, args ...any) ([]domain.SplitBill, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list split bills: %w", err)
	}
	defer rows.Close()

	var bills []domain.SplitBill
	for rows.Next() {
		b, err := scanSplitBill(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan split bill: %w", err)
		}
		bills = append(bills, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate split bills: %w", err)
	}

	if err := s.loadParticipants(ctx, bills); err != nil {
		return nil, err
	}
	return bills, nil
}

// loadParticipants fills Participants for every bill with a single query.
func (s *SplitBillStore) loadParticipants(ctx context.Context, bills []domain.SplitBill) error {
	if len(bills) == 0 {
		return nil
	}

	ids := make([]string, len(bills))
	index := make(map[string]int, len(bills))
	for i, b := range bills {
		ids[i] = b.ID
		index[b.ID] = i
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM split_bill_participants
		WHERE split_bill_id = ANY($1)
		ORDER BY split_bill_id, position`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to load split bill participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.SplitBillParticipant
		if err := rows.Scan(
			&p.ID, &p.SplitBillID, &p.AccountID, &p.AccountNumber, &p.AccountName,
			&p.AmountOwed, &p.AmountPaid, &p.Status, &p.SettledAt,
		); err != nil {
			return fmt.Errorf("failed to scan split bill participant: %w", err)
		}
		if i, ok := index[p.SplitBillID]; ok {
			bills[i].Participants = append(bills[i].Participants, p)
		}
	}
	return rows.Err()
}
