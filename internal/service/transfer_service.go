package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/observability"
	"github.com/boddenberg/pj-transfer-core/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var transferTracer = otel.Tracer("service/transfer")

// TransferService is the transfer orchestrator: it owns the Transaction
// lifecycle from the idempotency check through balance reservation to
// rail submission.
type TransferService struct {
	txs         port.TransactionStore
	archive     port.ArchivalStore
	reserver    port.BalanceReserver
	bifast      port.BifastRail
	qris        port.QrisRail
	guard       *AuthorizationGuard
	events      eventSink
	railTimeout time.Duration
	now         func() time.Time
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewTransferService creates a new transfer orchestrator.
func NewTransferService(
	txs port.TransactionStore,
	archive port.ArchivalStore,
	reserver port.BalanceReserver,
	bifast port.BifastRail,
	qris port.QrisRail,
	guard *AuthorizationGuard,
	publisher port.EventPublisher,
	railTimeout time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *TransferService {
	return &TransferService{
		txs:         txs,
		archive:     archive,
		reserver:    reserver,
		bifast:      bifast,
		qris:        qris,
		guard:       guard,
		events:      eventSink{publisher: publisher, metrics: metrics, logger: logger},
		railTimeout: railTimeout,
		now:         time.Now,
		metrics:     metrics,
		logger:      logger,
	}
}

// ============================================================
// Transfers
// ============================================================

// InitiateTransfer moves req.Amount from the sender to the recipient.
// A non-empty idempotencyKey that was seen before returns the stored
// outcome without reserving funds or contacting a rail again.
func (s *TransferService) InitiateTransfer(ctx context.Context, req *domain.TransferRequest, idempotencyKey string) (*domain.TransferResult, error) {
	ctx, span := transferTracer.Start(ctx, "TransferService.InitiateTransfer")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordDuration("initiate_transfer", time.Since(start)) }()

	if err := validateTransfer(req); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("transfer.type", string(req.Type)))

	if userID, ok := UserIDFromContext(ctx); ok {
		if err := s.guard.VerifySenderAccountOwnership(ctx, req.SenderAccountID, userID); err != nil {
			return nil, err
		}
	}

	if replay, err := s.replay(ctx, idempotencyKey); replay != nil || err != nil {
		return replay, err
	}

	now := s.now()
	recipient := req.RecipientAccountID
	currency := req.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	tx := &domain.Transaction{
		ID:                 uuid.NewString(),
		ReferenceNumber:    newReference("TRX", now),
		SenderAccountID:    req.SenderAccountID,
		RecipientAccountID: &recipient,
		Amount:             req.Amount,
		Currency:           currency,
		Type:               req.Type,
		Status:             domain.TransactionStatusPending,
		Description:        req.Description,
		BeneficiaryBank:    req.BeneficiaryBank,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		tx.IdempotencyKey = &key
	}

	if err := s.txs.Create(ctx, tx); err != nil {
		// Lost the race for this key: serve whatever the winner stored.
		if replay, replayErr := s.replayDuplicate(ctx, err, idempotencyKey); replay != nil || replayErr != nil {
			return replay, replayErr
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	span.SetAttributes(attribute.String("transaction.id", tx.ID))
	s.events.emit(ctx, domain.EventTransactionInitiated, tx.ID, *tx)

	reservation, err := s.reserver.ReserveBalance(ctx, tx.SenderAccountID, tx.ID, tx.Amount)
	if err != nil || reservation == nil || !reservation.Success {
		reason := reservationFailure(reservation, err)
		if err != nil {
			s.metrics.IncrExternalError("wallet")
		}
		s.fail(ctx, tx, "Balance reservation denied: "+reason)
		return nil, &domain.ErrReservationDenied{TransactionID: tx.ID, Reason: reason}
	}

	if err := s.markReserved(ctx, tx); err != nil {
		return nil, err
	}

	if tx.Type == domain.TransactionTypeBifast {
		if err := s.submitBifast(ctx, tx, req.PurposeCode); err != nil {
			return nil, err
		}
	}

	s.metrics.IncrTransfer(string(tx.Type), string(tx.Status))
	s.logger.Info("transfer initiated",
		zap.String("transaction_id", tx.ID),
		zap.String("reference_number", tx.ReferenceNumber),
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.String()),
	)

	return resultFrom(tx), nil
}

// markReserved records the hold. Funds are held from here on, so the write
// ignores caller cancellation, and a write that still fails gives the hold
// back and leaves the transaction FAILED.
func (s *TransferService) markReserved(ctx context.Context, tx *domain.Transaction) error {
	persistCtx := context.WithoutCancel(ctx)

	previous := *tx
	if err := tx.Transition(domain.TransactionStatusValidating, s.now()); err != nil {
		return err
	}
	if err := s.txs.Update(persistCtx, tx); err != nil {
		s.logger.Error("failed to persist reserved transaction",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
		s.release(ctx, tx)
		*tx = previous
		s.failStored(persistCtx, tx, "Reservation could not be recorded")
		return fmt.Errorf("failed to persist reserved transaction: %w", err)
	}
	return nil
}

// failStored fails tx from a fresh read, since the copy in hand may be stale.
func (s *TransferService) failStored(ctx context.Context, tx *domain.Transaction, reason string) {
	if stored, err := s.txs.FindByID(ctx, tx.ID); err == nil {
		*tx = *stored
	}
	if tx.Status.Terminal() {
		return
	}
	s.fail(ctx, tx, reason)
}

func (s *TransferService) submitBifast(ctx context.Context, tx *domain.Transaction, purposeCode string) error {
	railCtx, cancel := context.WithTimeout(ctx, s.railTimeout)
	defer cancel()

	ack, err := s.bifast.InitiateTransfer(railCtx, domain.BifastTransferRequest{
		ReferenceNumber:    tx.ReferenceNumber,
		Amount:             tx.Amount,
		Currency:           tx.Currency,
		BeneficiaryAccount: *tx.RecipientAccountID,
		BeneficiaryBank:    tx.BeneficiaryBank,
		SenderAccount:      tx.SenderAccountID,
		PurposeCode:        purposeCode,
	})
	if err != nil {
		timeout := errors.Is(err, domain.ErrRailTimeout) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(railCtx.Err(), context.DeadlineExceeded)

		reason, outcome := err.Error(), "error"
		if timeout {
			reason, outcome = "BI-FAST Timeout", "timeout"
		}
		s.metrics.IncrRailCall("BIFAST", outcome)

		s.fail(ctx, tx, reason)
		s.release(ctx, tx)
		return &domain.ErrRail{Rail: "BIFAST", Timeout: timeout, Err: err}
	}

	s.metrics.IncrRailCall("BIFAST", "ok")
	if ack != nil {
		s.logger.Info("BI-FAST submission acknowledged",
			zap.String("transaction_id", tx.ID),
			zap.String("external_reference", ack.ExternalReference),
		)
	}
	return nil
}

// ============================================================
// QRIS
// ============================================================

// ProcessQrisPayment pays a merchant through the QRIS network. The network
// answers synchronously, so the transaction ends COMPLETED or FAILED here.
func (s *TransferService) ProcessQrisPayment(ctx context.Context, req *domain.QrisPaymentRequest, idempotencyKey string) (*domain.TransferResult, error) {
	ctx, span := transferTracer.Start(ctx, "TransferService.ProcessQrisPayment")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordDuration("process_qris_payment", time.Since(start)) }()

	if err := validateQris(req); err != nil {
		return nil, err
	}

	if userID, ok := UserIDFromContext(ctx); ok {
		if err := s.guard.VerifySenderAccountOwnership(ctx, req.CustomerAccountID, userID); err != nil {
			return nil, err
		}
	}

	if replay, err := s.replay(ctx, idempotencyKey); replay != nil || err != nil {
		return replay, err
	}

	now := s.now()
	currency := req.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	tx := &domain.Transaction{
		ID:              uuid.NewString(),
		ReferenceNumber: newReference("QRS", now),
		SenderAccountID: req.CustomerAccountID,
		Amount:          req.Amount,
		Currency:        currency,
		Type:            domain.TransactionTypeQRIS,
		Status:          domain.TransactionStatusPending,
		Description:     "QRIS payment to " + req.MerchantName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		tx.IdempotencyKey = &key
	}

	if err := s.txs.Create(ctx, tx); err != nil {
		if replay, replayErr := s.replayDuplicate(ctx, err, idempotencyKey); replay != nil || replayErr != nil {
			return replay, replayErr
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	s.events.emit(ctx, domain.EventTransactionInitiated, tx.ID, *tx)

	railCtx, cancel := context.WithTimeout(ctx, s.railTimeout)
	defer cancel()

	resp, err := s.qris.ProcessPayment(railCtx, domain.QrisNetworkRequest{
		QrisCode:          req.QrisCode,
		Amount:            tx.Amount,
		Currency:          tx.Currency,
		MerchantName:      req.MerchantName,
		CustomerReference: req.CustomerReference,
	})
	if err == nil && resp == nil {
		err = errors.New("empty QRIS network response")
	}
	if err != nil {
		s.metrics.IncrRailCall("QRIS", "error")
		s.fail(ctx, tx, err.Error())
		return nil, &domain.ErrRail{Rail: "QRIS", Err: err}
	}
	s.metrics.IncrRailCall("QRIS", "ok")

	if resp.Status != domain.QrisStatusSuccess {
		reason := resp.Message
		if reason == "" {
			reason = "QRIS payment rejected"
		}
		s.fail(ctx, tx, reason)
		return resultFrom(tx), nil
	}

	// the network has already taken the money
	if err := s.complete(context.WithoutCancel(ctx), tx); err != nil {
		return nil, err
	}

	s.logger.Info("QRIS payment completed",
		zap.String("transaction_id", tx.ID),
		zap.String("merchant", req.MerchantName),
		zap.String("amount", tx.Amount.String()),
	)
	return resultFrom(tx), nil
}

// ============================================================
// Queries
// ============================================================

func (s *TransferService) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	ctx, span := transferTracer.Start(ctx, "TransferService.GetTransaction")
	defer span.End()

	if userID, ok := UserIDFromContext(ctx); ok {
		return s.guard.VerifyTransactionAccess(ctx, id, userID)
	}
	return s.txs.FindByID(ctx, id)
}

// GetAccountTransactions lists transactions where accountID is sender or
// recipient, newest first. page is 1-based.
func (s *TransferService) GetAccountTransactions(ctx context.Context, accountID string, page, pageSize int) (*domain.Page[domain.Transaction], error) {
	ctx, span := transferTracer.Start(ctx, "TransferService.GetAccountTransactions")
	defer span.End()

	if userID, ok := UserIDFromContext(ctx); ok {
		if err := s.guard.VerifyAccountOwnership(ctx, accountID, userID); err != nil {
			return nil, err
		}
	}

	page, pageSize = clampPage(page, pageSize)
	return s.txs.FindByAccountID(ctx, accountID, page, pageSize)
}

// ============================================================
// Rail / ledger callbacks
// ============================================================

// CompleteTransaction records the downstream confirmation of a transfer.
func (s *TransferService) CompleteTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	ctx, span := transferTracer.Start(ctx, "TransferService.CompleteTransaction")
	defer span.End()

	tx, err := s.txs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.complete(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// FailTransaction records a downstream rejection and releases the hold.
func (s *TransferService) FailTransaction(ctx context.Context, id, reason string) (*domain.Transaction, error) {
	ctx, span := transferTracer.Start(ctx, "TransferService.FailTransaction")
	defer span.End()

	tx, err := s.txs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	reserved := tx.Status == domain.TransactionStatusValidating
	if err := tx.Fail(reason, s.now()); err != nil {
		return nil, err
	}
	if err := s.txs.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to persist transaction failure: %w", err)
	}
	s.events.emit(ctx, domain.EventTransactionFailed, tx.ID, *tx)
	s.metrics.IncrTransfer(string(tx.Type), string(tx.Status))

	if reserved && tx.Type != domain.TransactionTypeQRIS {
		s.release(ctx, tx)
	}
	return tx, nil
}

// ============================================================
// Internals
// ============================================================

func (s *TransferService) replay(ctx context.Context, idempotencyKey string) (*domain.TransferResult, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	existing, err := s.txs.FindByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if existing == nil {
		return s.replayArchived(ctx, idempotencyKey)
	}
	s.logger.Debug("idempotent replay",
		zap.String("transaction_id", existing.ID),
		zap.String("status", string(existing.Status)),
	)
	return resultFrom(existing), nil
}

// replayArchived answers keys whose transaction has already been moved to
// the retention archive.
func (s *TransferService) replayArchived(ctx context.Context, idempotencyKey string) (*domain.TransferResult, error) {
	if s.archive == nil {
		return nil, nil
	}
	archived, err := s.archive.FindArchivedByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check archived idempotency key: %w", err)
	}
	if archived == nil {
		return nil, nil
	}
	s.logger.Debug("idempotent replay from archive",
		zap.String("transaction_id", archived.ID),
		zap.String("status", string(archived.Status)),
	)
	return &domain.TransferResult{
		TransactionID:           archived.ID,
		ReferenceNumber:         archived.ReferenceNumber,
		Status:                  archived.Status,
		Fee:                     Fee(archived.Type),
		EstimatedCompletionTime: EstimatedCompletion(archived.Type),
		FailureReason:           archived.FailureReason,
	}, nil
}

func (s *TransferService) replayDuplicate(ctx context.Context, createErr error, idempotencyKey string) (*domain.TransferResult, error) {
	var dup *domain.ErrDuplicate
	if idempotencyKey == "" || !errors.As(createErr, &dup) {
		return nil, nil
	}
	return s.replay(ctx, idempotencyKey)
}

func (s *TransferService) complete(ctx context.Context, tx *domain.Transaction) error {
	if err := tx.Transition(domain.TransactionStatusCompleted, s.now()); err != nil {
		return err
	}
	if err := s.txs.Update(ctx, tx); err != nil {
		return fmt.Errorf("failed to persist transaction completion: %w", err)
	}
	s.events.emit(ctx, domain.EventTransactionCompleted, tx.ID, *tx)
	s.metrics.IncrTransfer(string(tx.Type), string(tx.Status))
	return nil
}

// fail drives tx to FAILED even when the caller's context is already gone.
func (s *TransferService) fail(ctx context.Context, tx *domain.Transaction, reason string) {
	ctx = context.WithoutCancel(ctx)

	if err := tx.Fail(reason, s.now()); err != nil {
		s.logger.Error("cannot fail transaction", zap.String("transaction_id", tx.ID), zap.Error(err))
		return
	}
	if err := s.txs.Update(ctx, tx); err != nil {
		s.logger.Error("failed to persist transaction failure",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
	s.events.emit(ctx, domain.EventTransactionFailed, tx.ID, *tx)
	s.metrics.IncrTransfer(string(tx.Type), string(tx.Status))

	s.logger.Warn("transaction failed",
		zap.String("transaction_id", tx.ID),
		zap.String("type", string(tx.Type)),
		zap.String("reason", reason),
	)
}

func (s *TransferService) release(ctx context.Context, tx *domain.Transaction) {
	if err := s.reserver.ReleaseBalance(context.WithoutCancel(ctx), tx.SenderAccountID, tx.ID); err != nil {
		s.metrics.IncrExternalError("wallet")
		s.logger.Warn("failed to release balance reservation",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
}

func resultFrom(tx *domain.Transaction) *domain.TransferResult {
	return &domain.TransferResult{
		TransactionID:           tx.ID,
		ReferenceNumber:         tx.ReferenceNumber,
		Status:                  tx.Status,
		Fee:                     Fee(tx.Type),
		EstimatedCompletionTime: EstimatedCompletion(tx.Type),
		FailureReason:           tx.FailureReason,
	}
}

func reservationFailure(reservation *domain.Reservation, err error) string {
	if err != nil {
		return err.Error()
	}
	if reservation == nil || reservation.Message == "" {
		return "insufficient balance"
	}
	return reservation.Message
}

func validateTransfer(req *domain.TransferRequest) error {
	if req == nil {
		return &domain.ErrValidation{Field: "request", Message: "required"}
	}
	if err := validateAmount("amount", req.Amount); err != nil {
		return err
	}
	if req.SenderAccountID == "" {
		return &domain.ErrValidation{Field: "sender_account_id", Message: "required"}
	}
	if req.RecipientAccountID == "" {
		return &domain.ErrValidation{Field: "recipient_account_id", Message: "required"}
	}
	switch req.Type {
	case domain.TransactionTypeInternal, domain.TransactionTypeBifast, domain.TransactionTypeSKN, domain.TransactionTypeRTGS:
	case domain.TransactionTypeQRIS:
		return &domain.ErrValidation{Field: "type", Message: "QRIS payments go through ProcessQrisPayment"}
	default:
		return &domain.ErrValidation{Field: "type", Message: fmt.Sprintf("unsupported transfer type %q", req.Type)}
	}
	return nil
}

func validateQris(req *domain.QrisPaymentRequest) error {
	if req == nil {
		return &domain.ErrValidation{Field: "request", Message: "required"}
	}
	if req.CustomerAccountID == "" {
		return &domain.ErrValidation{Field: "customer_account_id", Message: "required"}
	}
	if req.QrisCode == "" {
		return &domain.ErrValidation{Field: "qris_code", Message: "required"}
	}
	if err := validateAmount("amount", req.Amount); err != nil {
		return err
	}
	return nil
}
