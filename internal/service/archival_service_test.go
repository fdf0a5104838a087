package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/lock"
	"github.com/boddenberg/pj-transfer-core/internal/infra/memory"
	"github.com/boddenberg/pj-transfer-core/internal/infra/observability"
	"github.com/boddenberg/pj-transfer-core/internal/port"
	"github.com/boddenberg/pj-transfer-core/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var archivalNow = time.Date(2026, 6, 15, 2, 0, 0, 0, time.UTC)

type archivalFixture struct {
	txs     *memory.TransactionStore
	store   *memory.ArchiveStore
	locker  *lock.LocalLocker
	metrics *observability.Metrics
	svc     *service.ArchivalService
}

func newArchival(t *testing.T, cfg service.ArchivalConfig) *archivalFixture {
	t.Helper()
	f := &archivalFixture{
		txs:     memory.NewTransactionStore(),
		locker:  lock.NewLocalLocker(),
		metrics: observability.NewMetrics(),
	}
	f.store = memory.NewArchiveStore(f.txs)
	guard := service.NewAuthorizationGuard(f.txs, staticResolver{"user-alice": "acc-alice"}, zap.NewNop())
	f.svc = service.NewArchivalService(f.store, f.locker, guard, &recordingPublisher{}, cfg, f.metrics, zap.NewNop()).
		WithClock(func() time.Time { return archivalNow })
	return f
}

func (f *archivalFixture) seed(t *testing.T, n int, created time.Time, status domain.TransactionStatus) {
	t.Helper()
	for i := 0; i < n; i++ {
		recipient := "acc-bob"
		id := fmt.Sprintf("%s-%s-%03d", status, created.Format("20060102"), i)
		require.NoError(t, f.txs.Create(context.Background(), &domain.Transaction{
			ID:                 id,
			ReferenceNumber:    "TRX-" + id,
			SenderAccountID:    "acc-alice",
			RecipientAccountID: &recipient,
			Amount:             decimal.NewFromInt(1000),
			Currency:           "IDR",
			Type:               domain.TransactionTypeInternal,
			Status:             status,
			CreatedAt:          created.Add(time.Duration(i) * time.Minute),
			UpdatedAt:          created,
		}))
	}
}

var archivalConfig = service.ArchivalConfig{Enabled: true, RetentionMonths: 6, BatchSize: 10, LockTTL: time.Minute}

func TestRunArchival_MovesEveryEligibleTransaction(t *testing.T) {
	f := newArchival(t, archivalConfig)
	old := archivalNow.AddDate(-1, 0, 0)

	f.seed(t, 15, old, domain.TransactionStatusCompleted)
	f.seed(t, 10, old, domain.TransactionStatusFailed)
	f.seed(t, 4, old, domain.TransactionStatusValidating)
	f.seed(t, 5, archivalNow.AddDate(0, -1, 0), domain.TransactionStatusCompleted)

	result, err := f.svc.RunArchival(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.ArchivalStatusCompleted, result.Status)
	assert.Equal(t, 25, result.ArchivedCount)
	assert.Equal(t, 3, result.Batches)
	assert.True(t, time.Date(2025, 12, 15, 2, 0, 0, 0, time.UTC).Equal(result.CutoffDate))
	assert.NotEmpty(t, result.BatchID)

	assert.Equal(t, 9, f.txs.Len(), "non-terminal and recent rows stay")
	assert.Equal(t, 25, f.store.ArchivedLen())

	remaining, err := f.store.CountEligible(context.Background(), result.CutoffDate)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	rows, err := f.svc.GetArchivedTransactionsByBatch(context.Background(), result.BatchID)
	require.NoError(t, err)
	require.Len(t, rows, 25)
	for _, row := range rows {
		assert.Equal(t, domain.ArchivalReasonRetentionExpired, row.ArchivalReason)
		assert.True(t, archivalNow.Equal(row.ArchivedAt))
	}
	assert.EqualValues(t, 25, f.metrics.Snapshot().ArchivedTotal)
}

func TestRunArchival_ExactMultipleOfBatchSize(t *testing.T) {
	f := newArchival(t, archivalConfig)
	f.seed(t, 20, archivalNow.AddDate(-1, 0, 0), domain.TransactionStatusCompleted)

	result, err := f.svc.RunArchival(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, result.ArchivedCount)
	assert.Equal(t, 2, result.Batches)
	assert.Zero(t, f.txs.Len())
}

func TestRunArchival_Disabled(t *testing.T) {
	cfg := archivalConfig
	cfg.Enabled = false
	f := newArchival(t, cfg)
	f.seed(t, 3, archivalNow.AddDate(-1, 0, 0), domain.TransactionStatusCompleted)

	result, err := f.svc.RunArchival(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ArchivalStatusDisabled, result.Status)
	assert.Equal(t, 3, f.txs.Len())
}

func TestRunArchival_NoTransactions(t *testing.T) {
	f := newArchival(t, archivalConfig)
	f.seed(t, 3, archivalNow.AddDate(0, -2, 0), domain.TransactionStatusCompleted)

	result, err := f.svc.RunArchival(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ArchivalStatusNoTransactions, result.Status)
	assert.Empty(t, result.BatchID)
}

func TestRunArchival_AlreadyRunning(t *testing.T) {
	f := newArchival(t, archivalConfig)
	f.seed(t, 3, archivalNow.AddDate(-1, 0, 0), domain.TransactionStatusCompleted)

	lease, acquired, err := f.locker.TryLock(context.Background(), "transfer-core:archival", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	result, err := f.svc.RunArchival(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ArchivalStatusAlreadyRunning, result.Status)
	assert.Equal(t, 3, f.txs.Len())

	require.NoError(t, lease.Unlock(context.Background()))

	result, err = f.svc.RunArchival(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ArchivalStatusCompleted, result.Status)
}

func TestRunArchival_CrashBetweenInsertAndDeleteLosesNothing(t *testing.T) {
	f := newArchival(t, archivalConfig)
	f.seed(t, 25, archivalNow.AddDate(-1, 0, 0), domain.TransactionStatusCompleted)

	crashes := 1
	f.store.BeforeDelete = func([]string) error {
		if crashes > 0 {
			crashes--
			return errBoom
		}
		return nil
	}

	_, err := f.svc.RunArchival(context.Background())
	require.Error(t, err)
	assert.Equal(t, 25, f.txs.Len(), "nothing deleted")
	assert.Equal(t, 10, f.store.ArchivedLen(), "first batch duplicated in the archive")

	result, err := f.svc.RunArchival(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ArchivalStatusCompleted, result.Status)
	assert.Equal(t, 25, result.ArchivedCount)
	assert.Zero(t, f.txs.Len())
	assert.Equal(t, 25, f.store.ArchivedLen(), "one archive row per transaction")

	_, acquired, err := f.locker.TryLock(context.Background(), "transfer-core:archival", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "a failed run releases the lock")
}

func TestGetArchivedTransactions(t *testing.T) {
	f := newArchival(t, archivalConfig)
	f.seed(t, 12, archivalNow.AddDate(-1, 0, 0), domain.TransactionStatusCompleted)

	_, err := f.svc.RunArchival(context.Background())
	require.NoError(t, err)

	page, err := f.svc.GetArchivedTransactions(context.Background(), "acc-bob", 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 12, page.Total)
	assert.Len(t, page.Items, 5)
	assert.True(t, page.Items[0].CreatedAt.After(page.Items[4].CreatedAt), "newest first")

	_, err = f.svc.GetArchivedTransactions(service.WithUserID(context.Background(), "user-alice"), "acc-bob", 1, 5)
	var denied *domain.ErrAccessDenied
	assert.ErrorAs(t, err, &denied)
}

func TestRunArchival_ExtendsLockAcrossBatches(t *testing.T) {
	lockNow := archivalNow
	f := newArchival(t, archivalConfig)
	locker := lock.NewLocalLocker().WithClock(func() time.Time { return lockNow })
	guard := service.NewAuthorizationGuard(f.txs, staticResolver{}, zap.NewNop())
	svc := service.NewArchivalService(f.store, locker, guard, &recordingPublisher{}, archivalConfig, f.metrics, zap.NewNop()).
		WithClock(func() time.Time { return archivalNow })
	f.seed(t, 35, archivalNow.AddDate(-1, 0, 0), domain.TransactionStatusCompleted)

	// Each batch takes 40s against a one minute lease, so the run outlasts the ttl.
	var contended []bool
	f.store.BeforeDelete = func([]string) error {
		lockNow = lockNow.Add(40 * time.Second)
		_, acquired, err := locker.TryLock(context.Background(), "transfer-core:archival", time.Minute)
		if err != nil {
			return err
		}
		contended = append(contended, acquired)
		return nil
	}

	result, err := svc.RunArchival(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ArchivalStatusCompleted, result.Status)
	assert.Equal(t, 35, result.ArchivedCount)
	assert.Equal(t, []bool{false, false, false, false}, contended, "no second runner gets in mid-run")
}

type lapsingLocker struct {
	extendErr error
}

func (l lapsingLocker) TryLock(context.Context, string, time.Duration) (port.Lease, bool, error) {
	return lapsingLease{extendErr: l.extendErr}, true, nil
}

type lapsingLease struct {
	extendErr error
}

func (l lapsingLease) Extend(context.Context) error { return l.extendErr }
func (lapsingLease) Unlock(context.Context) error { return nil }

func TestRunArchival_AbortsWhenLockIsLost(t *testing.T) {
	f := newArchival(t, archivalConfig)
	guard := service.NewAuthorizationGuard(f.txs, staticResolver{}, zap.NewNop())
	svc := service.NewArchivalService(f.store, lapsingLocker{extendErr: errBoom}, guard, &recordingPublisher{}, archivalConfig, f.metrics, zap.NewNop()).
		WithClock(func() time.Time { return archivalNow })
	f.seed(t, 25, archivalNow.AddDate(-1, 0, 0), domain.TransactionStatusCompleted)

	result, err := svc.RunArchival(context.Background())
	require.ErrorIs(t, err, errBoom)
	require.NotNil(t, result)
	assert.Equal(t, 10, result.ArchivedCount, "stops after the batch that was covered by the lock")
	assert.Equal(t, 15, f.txs.Len())
	assert.EqualValues(t, 10, f.metrics.Snapshot().ArchivedTotal)
	assert.EqualValues(t, 1, f.metrics.Snapshot().ArchivalRuns)
}
