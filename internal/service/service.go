// Package service provides the business logic layer (use cases) of the
// transfer core: the transfer orchestrator, the scheduled transfer engine,
// the split bill engine, the archival batch processor and the
// authorization guard that fronts them.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/observability"
	"github.com/boddenberg/pj-transfer-core/internal/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultCurrency = "IDR"
	defaultPageSize = 20
	maxPageSize     = 100
)

// Core bundles the use cases the embedding API layer and the worker call.
type Core struct {
	Guard      *AuthorizationGuard
	Transfers  *TransferService
	Scheduled  *ScheduledTransferService
	SplitBills *SplitBillService
	Archival   *ArchivalService
}

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID attaches the authenticated caller to ctx. Entry points that
// find a user id verify ownership through the AuthorizationGuard; contexts
// without one (scheduler, callbacks) are trusted system calls.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the caller set by WithUserID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

// ============================================================
// Fees
// ============================================================

var fees = map[domain.TransactionType]decimal.Decimal{
	domain.TransactionTypeInternal: decimal.Zero,
	domain.TransactionTypeBifast:   decimal.NewFromInt(2500),
	domain.TransactionTypeSKN:      decimal.NewFromInt(5000),
	domain.TransactionTypeRTGS:     decimal.NewFromInt(25000),
	domain.TransactionTypeQRIS:     decimal.Zero,
}

var estimates = map[domain.TransactionType]string{
	domain.TransactionTypeInternal: "Instant",
	domain.TransactionTypeBifast:   "Real-time",
	domain.TransactionTypeSKN:      "Same day",
	domain.TransactionTypeRTGS:     "Real-time",
	domain.TransactionTypeQRIS:     "Instant",
}

// Fee returns the fixed fee charged for a transfer of type t.
func Fee(t domain.TransactionType) decimal.Decimal {
	return fees[t]
}

// EstimatedCompletion returns the advertised completion time for type t.
func EstimatedCompletion(t domain.TransactionType) string {
	return estimates[t]
}

// ============================================================
// Helpers
// ============================================================

// newReference builds prefix + yyyyMMddHHmmss + 6 random characters.
func newReference(prefix string, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return prefix + now.UTC().Format("20060102150405") + suffix
}

// amountScale is the number of decimal places money columns keep.
const amountScale = 2

// validateAmount rejects non-positive amounts and amounts the store would
// have to round.
func validateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &domain.ErrValidation{Field: field, Message: "must be positive"}
	}
	if !amount.Equal(amount.Round(amountScale)) {
		return &domain.ErrValidation{Field: field, Message: "must have at most 2 decimal places"}
	}
	return nil
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

// eventSink wraps a publisher so delivery failures are logged and counted
// but never reach the caller.
type eventSink struct {
	publisher port.EventPublisher
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func (e eventSink) emit(ctx context.Context, eventType, key string, payload any) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), eventType, key, payload); err != nil {
		e.metrics.IncrEventPublishError(eventType)
		e.logger.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
