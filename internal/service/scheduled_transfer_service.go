package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/observability"
	"github.com/boddenberg/pj-transfer-core/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var scheduledTracer = otel.Tracer("service/scheduled")

// TransferInitiator is the slice of the orchestrator the scheduler drives.
type TransferInitiator interface {
	InitiateTransfer(ctx context.Context, req *domain.TransferRequest, idempotencyKey string) (*domain.TransferResult, error)
}

// SchedulerConfig tunes the due-transfer sweep.
type SchedulerConfig struct {
	BatchSize   int
	ClaimTTL    time.Duration
	Concurrency int
}

type sweepOutcome int

const (
	outcomeSkipped sweepOutcome = iota
	outcomeExecuted
	outcomeCompleted
	outcomeFailed
)

// ScheduledTransferService manages recurring and future-dated transfers
// and executes them through the transfer orchestrator when due.
type ScheduledTransferService struct {
	store     port.ScheduledTransferStore
	transfers TransferInitiator
	guard     *AuthorizationGuard
	events    eventSink
	cfg       SchedulerConfig
	now       func() time.Time
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewScheduledTransferService creates a new scheduled transfer engine.
func NewScheduledTransferService(
	store port.ScheduledTransferStore,
	transfers TransferInitiator,
	guard *AuthorizationGuard,
	publisher port.EventPublisher,
	cfg SchedulerConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ScheduledTransferService {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	return &ScheduledTransferService{
		store:     store,
		transfers: transfers,
		guard:     guard,
		events:    eventSink{publisher: publisher, metrics: metrics, logger: logger},
		cfg:       cfg,
		now:       time.Now,
		metrics:   metrics,
		logger:    logger,
	}
}

// ============================================================
// Lifecycle
// ============================================================

func (s *ScheduledTransferService) CreateScheduledTransfer(ctx context.Context, req *domain.ScheduledTransferRequest) (*domain.ScheduledTransfer, error) {
	ctx, span := scheduledTracer.Start(ctx, "ScheduledTransferService.CreateScheduledTransfer")
	defer span.End()

	if err := validateSchedule(req); err != nil {
		return nil, err
	}

	if userID, ok := UserIDFromContext(ctx); ok {
		if err := s.guard.VerifySenderAccountOwnership(ctx, req.SenderAccountID, userID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	transferType := req.TransferType
	if transferType == "" {
		transferType = domain.TransactionTypeInternal
	}
	currency := req.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	st := &domain.ScheduledTransfer{
		ID:                     uuid.NewString(),
		ReferenceNumber:        newReference("SCH", now),
		SenderAccountID:        req.SenderAccountID,
		RecipientAccountNumber: req.RecipientAccountNumber,
		BeneficiaryBank:        req.BeneficiaryBank,
		TransferType:           transferType,
		Amount:                 req.Amount,
		Currency:               currency,
		Description:            req.Description,
		ScheduleType:           req.ScheduleType,
		StartDate:              req.StartDate,
		EndDate:                req.EndDate,
		NextExecutionDate:      FirstExecutionDate(req.ScheduleType, req.StartDate, req.DayOfMonth),
		FrequencyDays:          req.FrequencyDays,
		DayOfMonth:             req.DayOfMonth,
		OccurrenceCount:        req.OccurrenceCount,
		Status:                 domain.ScheduleStatusActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := s.store.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to create scheduled transfer: %w", err)
	}
	s.events.emit(ctx, domain.EventScheduledCreated, st.ID, *st)

	s.logger.Info("scheduled transfer created",
		zap.String("scheduled_transfer_id", st.ID),
		zap.String("schedule_type", string(st.ScheduleType)),
		zap.Time("next_execution_date", st.NextExecutionDate),
	)
	return st, nil
}

func (s *ScheduledTransferService) PauseScheduledTransfer(ctx context.Context, id string) (*domain.ScheduledTransfer, error) {
	ctx, span := scheduledTracer.Start(ctx, "ScheduledTransferService.PauseScheduledTransfer")
	defer span.End()

	return s.transition(ctx, id, "pause", domain.ScheduleStatusPaused, domain.EventScheduledPaused,
		domain.ScheduleStatusActive)
}

func (s *ScheduledTransferService) ResumeScheduledTransfer(ctx context.Context, id string) (*domain.ScheduledTransfer, error) {
	ctx, span := scheduledTracer.Start(ctx, "ScheduledTransferService.ResumeScheduledTransfer")
	defer span.End()

	return s.transition(ctx, id, "resume", domain.ScheduleStatusActive, domain.EventScheduledResumed,
		domain.ScheduleStatusPaused)
}

func (s *ScheduledTransferService) CancelScheduledTransfer(ctx context.Context, id string) (*domain.ScheduledTransfer, error) {
	ctx, span := scheduledTracer.Start(ctx, "ScheduledTransferService.CancelScheduledTransfer")
	defer span.End()

	return s.transition(ctx, id, "cancel", domain.ScheduleStatusCancelled, domain.EventScheduledCancelled,
		domain.ScheduleStatusActive, domain.ScheduleStatusPaused)
}

// UpdateScheduledTransfer changes the mutable fields of an ACTIVE schedule.
// Lowering the occurrence count to the executed count, or moving the end
// date before the next run, completes the schedule.
func (s *ScheduledTransferService) UpdateScheduledTransfer(ctx context.Context, id string, upd *domain.ScheduledTransferUpdate) (*domain.ScheduledTransfer, error) {
	ctx, span := scheduledTracer.Start(ctx, "ScheduledTransferService.UpdateScheduledTransfer")
	defer span.End()

	st, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != domain.ScheduleStatusActive {
		return nil, &domain.ErrInvalidState{Resource: "scheduled transfer", Status: string(st.Status), Action: "update"}
	}
	if upd == nil {
		return st, nil
	}

	if upd.Amount != nil {
		if err := validateAmount("amount", *upd.Amount); err != nil {
			return nil, err
		}
		st.Amount = *upd.Amount
	}
	if upd.Description != nil {
		st.Description = *upd.Description
	}
	if upd.EndDate != nil {
		if upd.EndDate.Before(st.StartDate) {
			return nil, &domain.ErrValidation{Field: "end_date", Message: "must not be before start_date"}
		}
		end := *upd.EndDate
		st.EndDate = &end
	}
	if upd.OccurrenceCount != nil {
		if *upd.OccurrenceCount < 1 || *upd.OccurrenceCount < st.ExecutedCount {
			return nil, &domain.ErrValidation{Field: "occurrence_count", Message: "must be at least the executed count"}
		}
		count := *upd.OccurrenceCount
		st.OccurrenceCount = &count
	}

	event := domain.EventScheduledUpdated
	if st.OccurrencesExhausted() || (st.EndDate != nil && st.NextExecutionDate.After(*st.EndDate)) {
		st.Status = domain.ScheduleStatusCompleted
		event = domain.EventScheduledCompleted
	}
	st.UpdatedAt = s.now()

	if err := s.store.Update(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to update scheduled transfer: %w", err)
	}
	s.events.emit(ctx, event, st.ID, *st)
	return st, nil
}

func (s *ScheduledTransferService) GetScheduledTransfer(ctx context.Context, id string) (*domain.ScheduledTransfer, error) {
	ctx, span := scheduledTracer.Start(ctx, "ScheduledTransferService.GetScheduledTransfer")
	defer span.End()

	return s.load(ctx, id)
}

func (s *ScheduledTransferService) ListScheduledTransfers(ctx context.Context, senderAccountID string) ([]domain.ScheduledTransfer, error) {
	ctx, span := scheduledTracer.Start(ctx, "ScheduledTransferService.ListScheduledTransfers")
	defer span.End()

	if userID, ok := UserIDFromContext(ctx); ok {
		if err := s.guard.VerifyAccountOwnership(ctx, senderAccountID, userID); err != nil {
			return nil, err
		}
	}
	return s.store.FindBySenderAccountID(ctx, senderAccountID)
}

// ============================================================
// Execution
// ============================================================

// ProcessDueTransfers claims every schedule due at now and executes it.
// Claims are leased, so concurrent sweeps never run the same schedule.
func (s *ScheduledTransferService) ProcessDueTransfers(ctx context.Context, now time.Time) (*domain.SweepResult, error) {
	ctx, span := scheduledTracer.Start(ctx, "ScheduledTransferService.ProcessDueTransfers")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordDuration("process_due_transfers", time.Since(start)) }()

	result := &domain.SweepResult{}
	var mu sync.Mutex

	for {
		batch, err := s.store.ClaimDue(ctx, now, s.cfg.BatchSize, s.cfg.ClaimTTL)
		if err != nil {
			return result, fmt.Errorf("failed to claim due transfers: %w", err)
		}
		result.Claimed += len(batch)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)

		for i := range batch {
			st := &batch[i]
			g.Go(func() error {
				outcome, err := s.process(gctx, st, now)
				if err != nil {
					s.logger.Error("scheduled transfer processing failed",
						zap.String("scheduled_transfer_id", st.ID),
						zap.Error(err),
					)
				}

				mu.Lock()
				defer mu.Unlock()
				switch outcome {
				case outcomeExecuted:
					result.Executed++
				case outcomeCompleted:
					result.Executed++
					result.Completed++
				case outcomeFailed:
					result.Failed++
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(batch) < s.cfg.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.claimed", result.Claimed),
		attribute.Int("sweep.executed", result.Executed),
		attribute.Int("sweep.failed", result.Failed),
	)
	if result.Claimed > 0 {
		s.logger.Info("scheduled transfer sweep finished",
			zap.Int("claimed", result.Claimed),
			zap.Int("executed", result.Executed),
			zap.Int("completed", result.Completed),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

// ProcessDueScheduledTransfer executes one cycle of st if it is due at now.
// A failed transfer moves the schedule to FAILED; it is not retried.
func (s *ScheduledTransferService) ProcessDueScheduledTransfer(ctx context.Context, st *domain.ScheduledTransfer, now time.Time) (*domain.ScheduledTransfer, error) {
	ctx, span := scheduledTracer.Start(ctx, "ScheduledTransferService.ProcessDueScheduledTransfer")
	defer span.End()

	if _, err := s.process(ctx, st, now); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *ScheduledTransferService) process(ctx context.Context, st *domain.ScheduledTransfer, now time.Time) (sweepOutcome, error) {
	if !st.IsDue(now) {
		return outcomeSkipped, nil
	}

	// One key per cycle: a crash between the transfer and the schedule save
	// replays the same transaction instead of paying twice.
	key := fmt.Sprintf("scheduled:%s:%d", st.ID, st.ExecutedCount+1)

	result, err := s.transfers.InitiateTransfer(ctx, &domain.TransferRequest{
		SenderAccountID:    st.SenderAccountID,
		RecipientAccountID: st.RecipientAccountNumber,
		BeneficiaryBank:    st.BeneficiaryBank,
		Amount:             st.Amount,
		Currency:           st.Currency,
		Type:               st.TransferType,
		Description:        st.Description,
	}, key)
	if err == nil && result.Status == domain.TransactionStatusFailed {
		err = errors.New(result.FailureReason)
	}

	saveCtx := context.WithoutCancel(ctx)
	st.ClaimedUntil = nil
	st.UpdatedAt = now

	if err != nil {
		st.Status = domain.ScheduleStatusFailed
		st.FailureReason = err.Error()
		if saveErr := s.store.Update(saveCtx, st); saveErr != nil {
			return outcomeFailed, fmt.Errorf("failed to persist schedule failure: %w", saveErr)
		}
		s.events.emit(ctx, domain.EventScheduledFailed, st.ID, *st)
		s.metrics.IncrScheduledRun("failed")
		s.logger.Warn("scheduled transfer failed",
			zap.String("scheduled_transfer_id", st.ID),
			zap.String("reason", st.FailureReason),
		)
		return outcomeFailed, nil
	}

	executedAt := now
	st.ExecutedCount++
	st.LastTransactionID = result.TransactionID
	st.LastExecutedAt = &executedAt

	next := NextExecutionDate(st.ScheduleType, st.NextExecutionDate, st.FrequencyDays, st.DayOfMonth)
	outcome := outcomeExecuted
	switch {
	case st.ScheduleType == domain.ScheduleOneTime,
		st.OccurrencesExhausted(),
		st.EndDate != nil && next.After(*st.EndDate):
		st.Status = domain.ScheduleStatusCompleted
		outcome = outcomeCompleted
	default:
		st.NextExecutionDate = next
	}

	if err := s.store.Update(saveCtx, st); err != nil {
		return outcome, fmt.Errorf("failed to persist schedule progress: %w", err)
	}

	s.events.emit(ctx, domain.EventScheduledExecuted, st.ID, *st)
	s.metrics.IncrScheduledRun("executed")
	if outcome == outcomeCompleted {
		s.events.emit(ctx, domain.EventScheduledCompleted, st.ID, *st)
		s.metrics.IncrScheduledRun("completed")
	}

	s.logger.Info("scheduled transfer executed",
		zap.String("scheduled_transfer_id", st.ID),
		zap.String("transaction_id", result.TransactionID),
		zap.Int("executed_count", st.ExecutedCount),
		zap.String("status", string(st.Status)),
	)
	return outcome, nil
}

// ============================================================
// Internals
// ============================================================

func (s *ScheduledTransferService) load(ctx context.Context, id string) (*domain.ScheduledTransfer, error) {
	st, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID, ok := UserIDFromContext(ctx); ok {
		if err := s.guard.VerifySenderAccountOwnership(ctx, st.SenderAccountID, userID); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *ScheduledTransferService) transition(ctx context.Context, id, action string, to domain.ScheduleStatus, event string, from ...domain.ScheduleStatus) (*domain.ScheduledTransfer, error) {
	st, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, status := range from {
		if st.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &domain.ErrInvalidState{Resource: "scheduled transfer", Status: string(st.Status), Action: action}
	}

	st.Status = to
	st.UpdatedAt = s.now()
	if err := s.store.Update(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to %s scheduled transfer: %w", action, err)
	}
	s.events.emit(ctx, event, st.ID, *st)

	s.logger.Info("scheduled transfer "+string(to),
		zap.String("scheduled_transfer_id", st.ID),
	)
	return st, nil
}

func validateSchedule(req *domain.ScheduledTransferRequest) error {
	if req == nil {
		return &domain.ErrValidation{Field: "request", Message: "required"}
	}
	if err := validateAmount("amount", req.Amount); err != nil {
		return err
	}
	if req.SenderAccountID == "" {
		return &domain.ErrValidation{Field: "sender_account_id", Message: "required"}
	}
	if req.RecipientAccountNumber == "" {
		return &domain.ErrValidation{Field: "recipient_account_number", Message: "required"}
	}
	if !req.ScheduleType.Valid() {
		return &domain.ErrValidation{Field: "schedule_type", Message: fmt.Sprintf("unsupported schedule type %q", req.ScheduleType)}
	}
	switch req.TransferType {
	case "", domain.TransactionTypeInternal, domain.TransactionTypeBifast, domain.TransactionTypeSKN, domain.TransactionTypeRTGS:
	default:
		return &domain.ErrValidation{Field: "transfer_type", Message: fmt.Sprintf("unsupported transfer type %q", req.TransferType)}
	}
	if req.StartDate.IsZero() {
		return &domain.ErrValidation{Field: "start_date", Message: "required"}
	}
	if req.EndDate != nil && req.EndDate.Before(req.StartDate) {
		return &domain.ErrValidation{Field: "end_date", Message: "must not be before start_date"}
	}
	if req.FrequencyDays != nil && *req.FrequencyDays < 1 {
		return &domain.ErrValidation{Field: "frequency_days", Message: "must be at least 1"}
	}
	if req.DayOfMonth != nil && (*req.DayOfMonth < 1 || *req.DayOfMonth > 31) {
		return &domain.ErrValidation{Field: "day_of_month", Message: "must be between 1 and 31"}
	}
	if req.OccurrenceCount != nil && *req.OccurrenceCount < 1 {
		return &domain.ErrValidation{Field: "occurrence_count", Message: "must be at least 1"}
	}
	return nil
}
