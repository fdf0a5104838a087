// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the service
// layer from concrete persistence, rail and messaging implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"

	"github.com/shopspring/decimal"
)

// TransactionStore persists transactions.
type TransactionStore interface {
	// Create inserts a new transaction. A taken idempotency key or
	// reference number yields *domain.ErrDuplicate.
	Create(ctx context.Context, tx *domain.Transaction) error
	// Update writes tx when its Version matches the stored one and bumps
	// Version, otherwise it returns *domain.ErrConflict.
	Update(ctx context.Context, tx *domain.Transaction) error
	FindByID(ctx context.Context, id string) (*domain.Transaction, error)
	// FindByIdempotencyKey returns nil, nil when the key is unused.
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	FindByAccountID(ctx context.Context, accountID string, page, pageSize int) (*domain.Page[domain.Transaction], error)
}

// ScheduledTransferStore persists scheduled transfers.
type ScheduledTransferStore interface {
	Create(ctx context.Context, st *domain.ScheduledTransfer) error
	Update(ctx context.Context, st *domain.ScheduledTransfer) error
	FindByID(ctx context.Context, id string) (*domain.ScheduledTransfer, error)
	FindBySenderAccountID(ctx context.Context, accountID string) ([]domain.ScheduledTransfer, error)
	// ClaimDue leases up to limit ACTIVE schedules due at now that are not
	// leased by another worker. Claimed rows carry ClaimedUntil = now+lease.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.ScheduledTransfer, error)
}

// SplitBillStore persists split bills together with their participants.
type SplitBillStore interface {
	Create(ctx context.Context, bill *domain.SplitBill) error
	// Update writes the bill and its participants atomically under the
	// bill's Version.
	Update(ctx context.Context, bill *domain.SplitBill) error
	FindByID(ctx context.Context, id string) (*domain.SplitBill, error)
	FindByCreatorAccountID(ctx context.Context, accountID string) ([]domain.SplitBill, error)
	FindByParticipantAccountID(ctx context.Context, accountID string) ([]domain.SplitBill, error)
}

// ArchivalStore moves aged transactions into the retention archive.
type ArchivalStore interface {
	CountEligible(ctx context.Context, cutoff time.Time) (int, error)
	// FindEligible returns terminal transactions created before cutoff,
	// ordered by created_at then id.
	FindEligible(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error)
	// ArchiveTransactions inserts archive rows; rows whose id is already
	// archived are skipped.
	ArchiveTransactions(ctx context.Context, rows []domain.TransactionArchive) (int, error)
	DeleteTransactions(ctx context.Context, ids []string) (int, error)
	FindArchivedByAccountID(ctx context.Context, accountID string, page, pageSize int) (*domain.Page[domain.TransactionArchive], error)
	FindArchivedByBatchID(ctx context.Context, batchID string) ([]domain.TransactionArchive, error)
	// FindArchivedByIdempotencyKey returns nil, nil when no archived row carries key.
	FindArchivedByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionArchive, error)
}

// BalanceReserver holds funds on a sender account for a transaction.
type BalanceReserver interface {
	ReserveBalance(ctx context.Context, accountID, transactionID string, amount decimal.Decimal) (*domain.Reservation, error)
	ReleaseBalance(ctx context.Context, accountID, transactionID string) error
}

// BifastRail submits transfers to the BI-FAST network.
type BifastRail interface {
	InitiateTransfer(ctx context.Context, req domain.BifastTransferRequest) (*domain.RailAck, error)
}

// QrisRail submits merchant payments to the QRIS network.
type QrisRail interface {
	ProcessPayment(ctx context.Context, req domain.QrisNetworkRequest) (*domain.QrisNetworkResponse, error)
}

// EventPublisher emits domain events downstream. Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, key string, payload any) error
}

// AccountResolver maps an authenticated user to the account it owns.
type AccountResolver interface {
	ResolveAccountID(ctx context.Context, userID string) (string, error)
}

// Locker grants mutual exclusion across processes.
type Locker interface {
	// TryLock returns acquired=false without error when the lock is busy.
	TryLock(ctx context.Context, key string, ttl time.Duration) (lease Lease, acquired bool, err error)
}

// Lease is a lock held through Locker.TryLock.
type Lease interface {
	// Extend pushes the expiry a full ttl past now. It fails once the
	// lease has expired or been taken over.
	Extend(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
