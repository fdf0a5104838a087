package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/observability"
	"github.com/boddenberg/pj-transfer-core/internal/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var splitTracer = otel.Tracer("service/splitbill")

// SplitBillService tracks who owes what on a shared bill. It records
// obligations and payments; it does not move money itself.
type SplitBillService struct {
	store   port.SplitBillStore
	guard   *AuthorizationGuard
	events  eventSink
	now     func() time.Time
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewSplitBillService creates a new split bill engine.
func NewSplitBillService(store port.SplitBillStore, guard *AuthorizationGuard, publisher port.EventPublisher, metrics *observability.Metrics, logger *zap.Logger) *SplitBillService {
	return &SplitBillService{
		store:   store,
		guard:   guard,
		events:  eventSink{publisher: publisher, metrics: metrics, logger: logger},
		now:     time.Now,
		metrics: metrics,
		logger:  logger,
	}
}

// ============================================================
// Bill lifecycle
// ============================================================

// CreateSplitBill creates a DRAFT bill. EQUAL bills divide the total so
// the shares add up to it exactly; CUSTOM shares must already do so.
func (s *SplitBillService) CreateSplitBill(ctx context.Context, req *domain.SplitBillRequest) (*domain.SplitBill, error) {
	ctx, span := splitTracer.Start(ctx, "SplitBillService.CreateSplitBill")
	defer span.End()

	if err := validateSplitBill(req); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, req.CreatorAccountID); err != nil {
		return nil, err
	}

	now := s.now()
	splitType := req.SplitType
	if splitType == "" {
		splitType = domain.SplitTypeEqual
	}
	currency := req.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	bill := &domain.SplitBill{
		ID:               uuid.NewString(),
		ReferenceNumber:  newReference("SPL", now),
		CreatorAccountID: req.CreatorAccountID,
		TotalAmount:      req.TotalAmount,
		Currency:         currency,
		Title:            req.Title,
		Description:      req.Description,
		SplitType:        splitType,
		Status:           domain.SplitBillStatusDraft,
		DueDate:          req.DueDate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, in := range req.Participants {
		bill.Participants = append(bill.Participants, newParticipant(bill.ID, in))
	}

	switch splitType {
	case domain.SplitTypeEqual:
		shares := equalShares(bill.TotalAmount, len(bill.Participants))
		for i := range bill.Participants {
			bill.Participants[i].AmountOwed = shares[i]
		}
	case domain.SplitTypeCustom:
		if !bill.TotalOwed().Equal(bill.TotalAmount) {
			return nil, &domain.ErrValidation{
				Field:   "participants",
				Message: fmt.Sprintf("custom amounts sum to %s, expected %s", bill.TotalOwed(), bill.TotalAmount),
			}
		}
	}
	settleZeroShares(bill, now)

	if err := s.store.Create(ctx, bill); err != nil {
		return nil, fmt.Errorf("failed to create split bill: %w", err)
	}
	s.events.emit(ctx, domain.EventSplitBillCreated, bill.ID, *bill)

	s.logger.Info("split bill created",
		zap.String("split_bill_id", bill.ID),
		zap.String("split_type", string(bill.SplitType)),
		zap.Int("participants", len(bill.Participants)),
		zap.String("total_amount", bill.TotalAmount.String()),
	)
	return bill, nil
}

func (s *SplitBillService) ActivateSplitBill(ctx context.Context, billID string) (*domain.SplitBill, error) {
	ctx, span := splitTracer.Start(ctx, "SplitBillService.ActivateSplitBill")
	defer span.End()

	bill, err := s.store.FindByID(ctx, billID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, bill.CreatorAccountID); err != nil {
		return nil, err
	}
	if bill.Status != domain.SplitBillStatusDraft {
		return nil, &domain.ErrInvalidState{Resource: "split bill", Status: string(bill.Status), Action: "activate"}
	}

	bill.Status = domain.SplitBillStatusActive
	if err := s.save(ctx, bill); err != nil {
		return nil, err
	}
	s.events.emit(ctx, domain.EventSplitBillActivated, bill.ID, *bill)
	return bill, nil
}

// AddParticipant adds a participant to an open bill. An EQUAL bill is
// re-split across everyone; a CUSTOM bill grows by the new share.
func (s *SplitBillService) AddParticipant(ctx context.Context, billID string, in domain.ParticipantInput) (*domain.SplitBill, error) {
	ctx, span := splitTracer.Start(ctx, "SplitBillService.AddParticipant")
	defer span.End()

	if in.AccountID == "" {
		return nil, &domain.ErrValidation{Field: "account_id", Message: "required"}
	}
	if in.AmountOwed != nil && (in.AmountOwed.IsNegative() || !in.AmountOwed.Equal(in.AmountOwed.Round(amountScale))) {
		return nil, &domain.ErrValidation{Field: "amount_owed", Message: "must be a non-negative amount with at most 2 decimal places"}
	}

	bill, err := s.store.FindByID(ctx, billID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, bill.CreatorAccountID); err != nil {
		return nil, err
	}
	if !bill.Status.Cancellable() {
		return nil, &domain.ErrInvalidState{Resource: "split bill", Status: string(bill.Status), Action: "add participant to"}
	}
	for _, p := range bill.Participants {
		if p.AccountID == in.AccountID {
			return nil, &domain.ErrValidation{Field: "account_id", Message: "account already participates in this bill"}
		}
	}

	participant := newParticipant(bill.ID, in)
	bill.Participants = append(bill.Participants, participant)

	switch bill.SplitType {
	case domain.SplitTypeEqual:
		if err := s.resplit(bill); err != nil {
			return nil, err
		}
	default:
		bill.TotalAmount = bill.TotalAmount.Add(participant.AmountOwed)
	}
	settleZeroShares(bill, s.now())

	if err := s.save(ctx, bill); err != nil {
		return nil, err
	}
	s.events.emit(ctx, domain.EventSplitBillParticipantAdded, bill.ID, participant)
	return bill, nil
}

// resplit recomputes EQUAL shares after a participant joined. It refuses
// when someone already paid more than their new share.
func (s *SplitBillService) resplit(bill *domain.SplitBill) error {
	shares := equalShares(bill.TotalAmount, len(bill.Participants))
	for i, p := range bill.Participants {
		if p.AmountPaid.GreaterThan(shares[i]) {
			return &domain.ErrValidation{
				Field:   "participants",
				Message: "a participant already paid more than the new equal share",
			}
		}
	}

	now := s.now()
	for i := range bill.Participants {
		p := &bill.Participants[i]
		p.AmountOwed = shares[i]
		switch {
		case p.Status == domain.ParticipantStatusDeclined:
		case p.AmountPaid.Equal(p.AmountOwed):
			p.Status = domain.ParticipantStatusSettled
			if p.SettledAt == nil {
				p.SettledAt = &now
			}
		case p.AmountPaid.IsPositive():
			p.Status = domain.ParticipantStatusPartiallyPaid
			p.SettledAt = nil
		case p.Status == domain.ParticipantStatusSettled:
			// a zero share that now owes something
			p.Status = domain.ParticipantStatusPending
			p.SettledAt = nil
		}
	}
	return nil
}

// settleZeroShares marks participants owing nothing as SETTLED. MakePayment
// only takes positive amounts, so nothing else could ever settle them.
func settleZeroShares(bill *domain.SplitBill, now time.Time) {
	for i := range bill.Participants {
		p := &bill.Participants[i]
		if p.AmountOwed.IsZero() && p.Status.CanPay() {
			p.Status = domain.ParticipantStatusSettled
			p.SettledAt = &now
		}
	}
}

func (s *SplitBillService) SettleSplitBill(ctx context.Context, billID string) (*domain.SplitBill, error) {
	ctx, span := splitTracer.Start(ctx, "SplitBillService.SettleSplitBill")
	defer span.End()

	bill, err := s.store.FindByID(ctx, billID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, bill.CreatorAccountID); err != nil {
		return nil, err
	}
	if bill.Status == domain.SplitBillStatusCompleted || bill.Status == domain.SplitBillStatusCancelled {
		return nil, &domain.ErrInvalidState{Resource: "split bill", Status: string(bill.Status), Action: "settle"}
	}

	now := s.now()
	for i := range bill.Participants {
		p := &bill.Participants[i]
		p.Status = domain.ParticipantStatusSettled
		if p.SettledAt == nil {
			p.SettledAt = &now
		}
	}
	bill.Status = domain.SplitBillStatusCompleted
	bill.CompletedAt = &now

	if err := s.save(ctx, bill); err != nil {
		return nil, err
	}
	s.events.emit(ctx, domain.EventSplitBillCompleted, bill.ID, *bill)

	s.logger.Info("split bill settled manually", zap.String("split_bill_id", bill.ID))
	return bill, nil
}

func (s *SplitBillService) CancelSplitBill(ctx context.Context, billID string) (*domain.SplitBill, error) {
	ctx, span := splitTracer.Start(ctx, "SplitBillService.CancelSplitBill")
	defer span.End()

	bill, err := s.store.FindByID(ctx, billID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, bill.CreatorAccountID); err != nil {
		return nil, err
	}
	if !bill.Status.Cancellable() {
		return nil, &domain.ErrInvalidState{Resource: "split bill", Status: string(bill.Status), Action: "cancel"}
	}

	bill.Status = domain.SplitBillStatusCancelled
	if err := s.save(ctx, bill); err != nil {
		return nil, err
	}
	s.events.emit(ctx, domain.EventSplitBillCancelled, bill.ID, *bill)
	return bill, nil
}

// ============================================================
// Participant actions
// ============================================================

func (s *SplitBillService) AcceptSplitBill(ctx context.Context, billID, participantID string) (*domain.SplitBill, error) {
	ctx, span := splitTracer.Start(ctx, "SplitBillService.AcceptSplitBill")
	defer span.End()

	return s.respond(ctx, billID, participantID, domain.ParticipantStatusAccepted, "accept", domain.EventSplitBillParticipantAccepted)
}

func (s *SplitBillService) DeclineSplitBill(ctx context.Context, billID, participantID string) (*domain.SplitBill, error) {
	ctx, span := splitTracer.Start(ctx, "SplitBillService.DeclineSplitBill")
	defer span.End()

	return s.respond(ctx, billID, participantID, domain.ParticipantStatusDeclined, "decline", domain.EventSplitBillParticipantDeclined)
}

func (s *SplitBillService) respond(ctx context.Context, billID, participantID string, to domain.ParticipantStatus, action, event string) (*domain.SplitBill, error) {
	bill, p, err := s.loadParticipant(ctx, billID, participantID)
	if err != nil {
		return nil, err
	}
	if !bill.Status.AcceptsPayments() {
		return nil, &domain.ErrInvalidState{Resource: "split bill", Status: string(bill.Status), Action: action}
	}
	if p.Status != domain.ParticipantStatusPending {
		return nil, &domain.ErrInvalidState{Resource: "participant", Status: string(p.Status), Action: action}
	}

	p.Status = to
	if to == domain.ParticipantStatusAccepted && bill.Status == domain.SplitBillStatusActive {
		bill.Status = domain.SplitBillStatusInProgress
	}
	snapshot := *p

	if err := s.save(ctx, bill); err != nil {
		return nil, err
	}
	s.events.emit(ctx, event, bill.ID, snapshot)
	return bill, nil
}

// MakePayment records amount against the participant's share. Paying more
// than is owed is rejected without changing anything.
func (s *SplitBillService) MakePayment(ctx context.Context, billID, participantID string, amount decimal.Decimal) (*domain.SplitBill, error) {
	ctx, span := splitTracer.Start(ctx, "SplitBillService.MakePayment")
	defer span.End()

	if err := validateAmount("amount", amount); err != nil {
		return nil, err
	}

	bill, p, err := s.loadParticipant(ctx, billID, participantID)
	if err != nil {
		return nil, err
	}
	if !bill.Status.AcceptsPayments() {
		return nil, &domain.ErrInvalidState{Resource: "split bill", Status: string(bill.Status), Action: "pay"}
	}
	if !p.Status.CanPay() {
		return nil, &domain.ErrInvalidState{Resource: "participant", Status: string(p.Status), Action: "pay"}
	}

	paid := p.AmountPaid.Add(amount)
	if paid.GreaterThan(p.AmountOwed) {
		return nil, &domain.ErrValidation{
			Field:   "amount",
			Message: fmt.Sprintf("payment exceeds remaining balance of %s", p.AmountOwed.Sub(p.AmountPaid)),
		}
	}

	now := s.now()
	p.AmountPaid = paid
	if paid.Equal(p.AmountOwed) {
		p.Status = domain.ParticipantStatusSettled
		p.SettledAt = &now
	} else {
		p.Status = domain.ParticipantStatusPartiallyPaid
	}
	snapshot := *p

	if bill.AllSettled() {
		bill.Status = domain.SplitBillStatusCompleted
		bill.CompletedAt = &now
	} else {
		bill.Status = domain.SplitBillStatusInProgress
	}

	if err := s.save(ctx, bill); err != nil {
		return nil, err
	}

	s.metrics.IncrSplitBillPayment(string(snapshot.Status))
	s.events.emit(ctx, domain.EventSplitBillPaymentMade, bill.ID, snapshot)
	if bill.Status == domain.SplitBillStatusCompleted {
		s.events.emit(ctx, domain.EventSplitBillCompleted, bill.ID, *bill)
	}

	s.logger.Info("split bill payment recorded",
		zap.String("split_bill_id", bill.ID),
		zap.String("participant_id", snapshot.ID),
		zap.String("amount", amount.String()),
		zap.String("participant_status", string(snapshot.Status)),
	)
	return bill, nil
}

// ============================================================
// Queries
// ============================================================

// GetSplitBill returns a bill to its creator or any of its participants.
func (s *SplitBillService) GetSplitBill(ctx context.Context, billID string) (*domain.SplitBill, error) {
	ctx, span := splitTracer.Start(ctx, "SplitBillService.GetSplitBill")
	defer span.End()

	bill, err := s.store.FindByID(ctx, billID)
	if err != nil {
		return nil, err
	}
	if userID, ok := UserIDFromContext(ctx); ok {
		accounts := []string{bill.CreatorAccountID}
		for _, p := range bill.Participants {
			accounts = append(accounts, p.AccountID)
		}
		if err := s.guard.ownsAny(ctx, userID, accounts...); err != nil {
			return nil, err
		}
	}
	return bill, nil
}

func (s *SplitBillService) ListSplitBillsByCreator(ctx context.Context, accountID string) ([]domain.SplitBill, error) {
	ctx, span := splitTracer.Start(ctx, "SplitBillService.ListSplitBillsByCreator")
	defer span.End()

	if err := s.authorize(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.FindByCreatorAccountID(ctx, accountID)
}

func (s *SplitBillService) ListSplitBillsByParticipant(ctx context.Context, accountID string) ([]domain.SplitBill, error) {
	ctx, span := splitTracer.Start(ctx, "SplitBillService.ListSplitBillsByParticipant")
	defer span.End()

	if err := s.authorize(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.FindByParticipantAccountID(ctx, accountID)
}

// ============================================================
// Internals
// ============================================================

func (s *SplitBillService) authorize(ctx context.Context, accountID string) error {
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		return nil
	}
	return s.guard.VerifyAccountOwnership(ctx, accountID, userID)
}

func (s *SplitBillService) loadParticipant(ctx context.Context, billID, participantID string) (*domain.SplitBill, *domain.SplitBillParticipant, error) {
	bill, err := s.store.FindByID(ctx, billID)
	if err != nil {
		return nil, nil, err
	}
	p := bill.Participant(participantID)
	if p == nil {
		return nil, nil, &domain.ErrNotFound{Resource: "participant", ID: participantID}
	}
	if err := s.authorize(ctx, p.AccountID); err != nil {
		return nil, nil, err
	}
	return bill, p, nil
}

func (s *SplitBillService) save(ctx context.Context, bill *domain.SplitBill) error {
	bill.UpdatedAt = s.now()
	if err := s.store.Update(ctx, bill); err != nil {
		return fmt.Errorf("failed to update split bill: %w", err)
	}
	return nil
}

func newParticipant(billID string, in domain.ParticipantInput) domain.SplitBillParticipant {
	owed := decimal.Zero
	if in.AmountOwed != nil {
		owed = *in.AmountOwed
	}
	return domain.SplitBillParticipant{
		ID:            uuid.NewString(),
		SplitBillID:   billID,
		AccountID:     in.AccountID,
		AccountNumber: in.AccountNumber,
		AccountName:   in.AccountName,
		AmountOwed:    owed,
		AmountPaid:    decimal.Zero,
		Status:        domain.ParticipantStatusPending,
	}
}

// equalShares splits total into n shares rounded half-up to cents, with
// the last share absorbing the remainder so the sum is exactly total.
func equalShares(total decimal.Decimal, n int) []decimal.Decimal {
	shares := make([]decimal.Decimal, n)
	if n == 0 {
		return shares
	}
	count := decimal.NewFromInt(int64(n))
	share := total.Div(count).Round(2)
	last := total.Sub(share.Mul(count.Sub(decimal.NewFromInt(1))))
	if last.IsNegative() {
		// Rounding up left nothing for the last share; round down instead.
		share = total.Div(count).Truncate(2)
		last = total.Sub(share.Mul(count.Sub(decimal.NewFromInt(1))))
	}
	for i := 0; i < n-1; i++ {
		shares[i] = share
	}
	shares[n-1] = last
	return shares
}

func validateSplitBill(req *domain.SplitBillRequest) error {
	if req == nil {
		return &domain.ErrValidation{Field: "request", Message: "required"}
	}
	if req.CreatorAccountID == "" {
		return &domain.ErrValidation{Field: "creator_account_id", Message: "required"}
	}
	if err := validateAmount("total_amount", req.TotalAmount); err != nil {
		return err
	}
	if req.Title == "" {
		return &domain.ErrValidation{Field: "title", Message: "required"}
	}
	switch req.SplitType {
	case "", domain.SplitTypeEqual, domain.SplitTypeCustom:
	default:
		return &domain.ErrValidation{Field: "split_type", Message: fmt.Sprintf("unsupported split type %q", req.SplitType)}
	}
	if len(req.Participants) == 0 {
		return &domain.ErrValidation{Field: "participants", Message: "at least one participant is required"}
	}
	seen := make(map[string]bool, len(req.Participants))
	for _, p := range req.Participants {
		if p.AccountID == "" {
			return &domain.ErrValidation{Field: "participants.account_id", Message: "required"}
		}
		if seen[p.AccountID] {
			return &domain.ErrValidation{Field: "participants.account_id", Message: "duplicate participant account"}
		}
		seen[p.AccountID] = true
		if p.AmountOwed != nil && p.AmountOwed.IsNegative() {
			return &domain.ErrValidation{Field: "participants.amount_owed", Message: "must not be negative"}
		}
		if p.AmountOwed != nil && !p.AmountOwed.Equal(p.AmountOwed.Round(amountScale)) {
			return &domain.ErrValidation{Field: "participants.amount_owed", Message: "must have at most 2 decimal places"}
		}
	}
	return nil
}
