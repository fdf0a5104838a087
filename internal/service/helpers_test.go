package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/memory"
	"github.com/boddenberg/pj-transfer-core/internal/infra/observability"
	"github.com/boddenberg/pj-transfer-core/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// --- Mocks ---

type fakeReserver struct {
	mu       sync.Mutex
	calls    int
	deny     string
	err      error
	released []string
}

func (f *fakeReserver) ReserveBalance(_ context.Context, _, _ string, _ decimal.Decimal) (*domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.deny != "" {
		return &domain.Reservation{Success: false, Message: f.deny}, nil
	}
	return &domain.Reservation{Success: true, ReservationID: "rsv"}, nil
}

func (f *fakeReserver) ReleaseBalance(_ context.Context, _, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, transactionID)
	return nil
}

func (f *fakeReserver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type mockBifast struct {
	mock.Mock
}

func (m *mockBifast) InitiateTransfer(ctx context.Context, req domain.BifastTransferRequest) (*domain.RailAck, error) {
	args := m.Called(ctx, req)
	ack, _ := args.Get(0).(*domain.RailAck)
	return ack, args.Error(1)
}

type fakeQris struct {
	resp  *domain.QrisNetworkResponse
	err   error
	calls int
}

func (f *fakeQris) ProcessPayment(_ context.Context, _ domain.QrisNetworkRequest) (*domain.QrisNetworkResponse, error) {
	f.calls++
	return f.resp, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, eventType, _ string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return p.err
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type staticResolver map[string]string

func (r staticResolver) ResolveAccountID(_ context.Context, userID string) (string, error) {
	accountID, ok := r[userID]
	if !ok {
		return "", &domain.ErrNotFound{Resource: "account", ID: "user"}
	}
	return accountID, nil
}

var errBoom = errors.New("boom")

// --- Harness ---

type harness struct {
	txs       *memory.TransactionStore
	archive   *memory.ArchiveStore
	reserver  *fakeReserver
	bifast    *mockBifast
	qris      *fakeQris
	publisher *recordingPublisher
	guard     *service.AuthorizationGuard
	metrics   *observability.Metrics
	transfers *service.TransferService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithLogger(t, zap.NewNop())
}

func newHarnessWithLogger(t *testing.T, logger *zap.Logger) *harness {
	t.Helper()

	h := &harness{
		txs:       memory.NewTransactionStore(),
		reserver:  &fakeReserver{},
		bifast:    &mockBifast{},
		qris:      &fakeQris{resp: &domain.QrisNetworkResponse{Status: domain.QrisStatusSuccess}},
		publisher: &recordingPublisher{},
		metrics:   observability.NewMetrics(),
	}
	h.archive = memory.NewArchiveStore(h.txs)
	h.guard = service.NewAuthorizationGuard(h.txs, staticResolver{
		"user-alice": "acc-alice",
		"user-bob":   "acc-bob",
	}, logger)
	h.transfers = service.NewTransferService(
		h.txs, h.archive, h.reserver, h.bifast, h.qris, h.guard, h.publisher,
		50*time.Millisecond, h.metrics, logger,
	)
	return h
}

func transferRequest(txType domain.TransactionType) *domain.TransferRequest {
	return &domain.TransferRequest{
		SenderAccountID:    "acc-alice",
		RecipientAccountID: "acc-bob",
		BeneficiaryBank:    "BANK-XYZ",
		Amount:             decimal.NewFromInt(150000),
		Type:               txType,
		Description:        "rent",
	}
}

func intPtr(v int) *int { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
