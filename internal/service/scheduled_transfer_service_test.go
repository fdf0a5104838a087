package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/memory"
	"github.com/boddenberg/pj-transfer-core/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var scheduleBase = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func newScheduler(h *harness) (*service.ScheduledTransferService, *memory.ScheduledTransferStore) {
	store := memory.NewScheduledTransferStore()
	svc := service.NewScheduledTransferService(store, h.transfers, h.guard, h.publisher,
		service.SchedulerConfig{BatchSize: 10, ClaimTTL: time.Minute, Concurrency: 4},
		h.metrics, zap.NewNop())
	return svc, store
}

func scheduleRequest(scheduleType domain.ScheduleType) *domain.ScheduledTransferRequest {
	return &domain.ScheduledTransferRequest{
		SenderAccountID:        "acc-alice",
		RecipientAccountNumber: "acc-bob",
		Amount:                 decimal.NewFromInt(100000),
		ScheduleType:           scheduleType,
		StartDate:              scheduleBase,
	}
}

func TestCreateScheduledTransfer(t *testing.T) {
	h := newHarness(t)
	sched, _ := newScheduler(h)

	req := scheduleRequest(domain.ScheduleRecurringMonthly)
	req.StartDate = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	req.DayOfMonth = intPtr(31)

	st, err := sched.CreateScheduledTransfer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStatusActive, st.Status)
	assert.Equal(t, domain.TransactionTypeInternal, st.TransferType)
	assert.Equal(t, "IDR", st.Currency)
	assert.True(t, time.Date(2026, 4, 30, 9, 0, 0, 0, time.UTC).Equal(st.NextExecutionDate))
	assert.Contains(t, h.publisher.Types(), domain.EventScheduledCreated)
}

func TestCreateScheduledTransfer_Validation(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*domain.ScheduledTransferRequest)
		field string
	}{
		{"amount", func(r *domain.ScheduledTransferRequest) { r.Amount = decimal.Zero }, "amount"},
		{"amount precision", func(r *domain.ScheduledTransferRequest) { r.Amount = dec("10.125") }, "amount"},
		{"recipient", func(r *domain.ScheduledTransferRequest) { r.RecipientAccountNumber = "" }, "recipient_account_number"},
		{"start date", func(r *domain.ScheduledTransferRequest) { r.StartDate = time.Time{} }, "start_date"},
		{"schedule type", func(r *domain.ScheduledTransferRequest) { r.ScheduleType = "HOURLY" }, "schedule_type"},
		{"day of month", func(r *domain.ScheduledTransferRequest) { r.DayOfMonth = intPtr(32) }, "day_of_month"},
		{"frequency", func(r *domain.ScheduledTransferRequest) { r.FrequencyDays = intPtr(0) }, "frequency_days"},
		{"occurrences", func(r *domain.ScheduledTransferRequest) { r.OccurrenceCount = intPtr(0) }, "occurrence_count"},
		{"qris", func(r *domain.ScheduledTransferRequest) { r.TransferType = domain.TransactionTypeQRIS }, "transfer_type"},
		{"end before start", func(r *domain.ScheduledTransferRequest) {
			end := scheduleBase.AddDate(0, 0, -1)
			r.EndDate = &end
		}, "end_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, _ := newScheduler(newHarness(t))
			req := scheduleRequest(domain.ScheduleRecurringDaily)
			tt.mod(req)

			_, err := sched.CreateScheduledTransfer(context.Background(), req)
			var vErr *domain.ErrValidation
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestProcessDueTransfers_TerminatesAfterOccurrences(t *testing.T) {
	h := newHarness(t)
	sched, _ := newScheduler(h)
	ctx := context.Background()

	req := scheduleRequest(domain.ScheduleRecurringDaily)
	req.OccurrenceCount = intPtr(3)
	st, err := sched.CreateScheduledTransfer(ctx, req)
	require.NoError(t, err)

	executed := 0
	for day := 0; day < 6; day++ {
		result, err := sched.ProcessDueTransfers(ctx, scheduleBase.AddDate(0, 0, day))
		require.NoError(t, err)
		executed += result.Executed
	}

	got, err := sched.GetScheduledTransfer(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, executed)
	assert.Equal(t, 3, got.ExecutedCount)
	assert.Equal(t, domain.ScheduleStatusCompleted, got.Status)
	assert.Nil(t, got.ClaimedUntil)
	assert.Equal(t, 3, h.reserver.Calls())
	assert.Equal(t, 3, h.txs.Len())
	assert.NotEmpty(t, got.LastTransactionID)
	assert.EqualValues(t, 1, h.metrics.Snapshot().ScheduledCompleted)
}

func TestProcessDueTransfers_OneTime(t *testing.T) {
	h := newHarness(t)
	sched, _ := newScheduler(h)
	ctx := context.Background()

	st, err := sched.CreateScheduledTransfer(ctx, scheduleRequest(domain.ScheduleOneTime))
	require.NoError(t, err)

	result, err := sched.ProcessDueTransfers(ctx, scheduleBase.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.SweepResult{Claimed: 1, Executed: 1, Completed: 1}, *result)

	got, _ := sched.GetScheduledTransfer(ctx, st.ID)
	assert.Equal(t, domain.ScheduleStatusCompleted, got.Status)
	assert.True(t, scheduleBase.Equal(got.NextExecutionDate), "completed one-time schedules keep their date")
}

func TestProcessDueTransfers_EndDate(t *testing.T) {
	h := newHarness(t)
	sched, _ := newScheduler(h)
	ctx := context.Background()

	req := scheduleRequest(domain.ScheduleRecurringDaily)
	end := scheduleBase.AddDate(0, 0, 1)
	req.EndDate = &end
	st, err := sched.CreateScheduledTransfer(ctx, req)
	require.NoError(t, err)

	_, err = sched.ProcessDueTransfers(ctx, scheduleBase)
	require.NoError(t, err)
	got, _ := sched.GetScheduledTransfer(ctx, st.ID)
	assert.Equal(t, domain.ScheduleStatusActive, got.Status)

	_, err = sched.ProcessDueTransfers(ctx, end)
	require.NoError(t, err)
	got, _ = sched.GetScheduledTransfer(ctx, st.ID)
	assert.Equal(t, domain.ScheduleStatusCompleted, got.Status)
	assert.Equal(t, 2, got.ExecutedCount)
}

func TestProcessDueTransfers_FailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.reserver.deny = "Insufficient balance"
	sched, _ := newScheduler(h)
	ctx := context.Background()

	st, err := sched.CreateScheduledTransfer(ctx, scheduleRequest(domain.ScheduleRecurringDaily))
	require.NoError(t, err)

	result, err := sched.ProcessDueTransfers(ctx, scheduleBase)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, _ := sched.GetScheduledTransfer(ctx, st.ID)
	assert.Equal(t, domain.ScheduleStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "Insufficient balance")
	assert.Equal(t, 0, got.ExecutedCount)
	assert.True(t, scheduleBase.Equal(got.NextExecutionDate), "failed schedules are not rescheduled")

	result, err = sched.ProcessDueTransfers(ctx, scheduleBase.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
	assert.Contains(t, h.publisher.Types(), domain.EventScheduledFailed)
}

func TestProcessDueTransfers_ReplaysCycleAfterCrash(t *testing.T) {
	h := newHarness(t)
	sched, _ := newScheduler(h)
	ctx := context.Background()

	st, err := sched.CreateScheduledTransfer(ctx, scheduleRequest(domain.ScheduleOneTime))
	require.NoError(t, err)

	// The transfer for cycle 1 went through but the schedule was never saved.
	earlier, err := h.transfers.InitiateTransfer(ctx, transferRequest(domain.TransactionTypeInternal), "scheduled:"+st.ID+":1")
	require.NoError(t, err)

	result, err := sched.ProcessDueTransfers(ctx, scheduleBase)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Executed)
	assert.Equal(t, 1, h.reserver.Calls(), "the cycle must not pay twice")

	got, _ := sched.GetScheduledTransfer(ctx, st.ID)
	assert.Equal(t, earlier.TransactionID, got.LastTransactionID)
}

func TestProcessDueTransfers_ConcurrentSweepsDoNotDoubleExecute(t *testing.T) {
	h := newHarness(t)
	sched, _ := newScheduler(h)
	ctx := context.Background()

	const schedules = 25
	for i := 0; i < schedules; i++ {
		_, err := sched.CreateScheduledTransfer(ctx, scheduleRequest(domain.ScheduleOneTime))
		require.NoError(t, err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		executed int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := sched.ProcessDueTransfers(ctx, scheduleBase)
			if assert.NoError(t, err) {
				mu.Lock()
				executed += result.Executed
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, schedules, executed)
	assert.Equal(t, schedules, h.reserver.Calls())
}

func TestProcessDueScheduledTransfer_NotDue(t *testing.T) {
	h := newHarness(t)
	sched, _ := newScheduler(h)
	ctx := context.Background()

	st, err := sched.CreateScheduledTransfer(ctx, scheduleRequest(domain.ScheduleRecurringWeekly))
	require.NoError(t, err)

	got, err := sched.ProcessDueScheduledTransfer(ctx, st, scheduleBase.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, got.ExecutedCount)
	assert.Equal(t, 0, h.reserver.Calls())

	got, err = sched.ProcessDueScheduledTransfer(ctx, st, scheduleBase)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExecutedCount)
	assert.True(t, scheduleBase.AddDate(0, 0, 7).Equal(got.NextExecutionDate))
}

func TestScheduledTransfer_Lifecycle(t *testing.T) {
	h := newHarness(t)
	sched, _ := newScheduler(h)
	ctx := context.Background()

	st, err := sched.CreateScheduledTransfer(ctx, scheduleRequest(domain.ScheduleRecurringDaily))
	require.NoError(t, err)

	_, err = sched.ResumeScheduledTransfer(ctx, st.ID)
	var invalid *domain.ErrInvalidState
	require.ErrorAs(t, err, &invalid, "only paused schedules resume")

	paused, err := sched.PauseScheduledTransfer(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStatusPaused, paused.Status)

	result, err := sched.ProcessDueTransfers(ctx, scheduleBase)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed, "paused schedules are not due")

	_, err = sched.UpdateScheduledTransfer(ctx, st.ID, &domain.ScheduledTransferUpdate{Description: new(string)})
	require.ErrorAs(t, err, &invalid, "only active schedules update")

	resumed, err := sched.ResumeScheduledTransfer(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStatusActive, resumed.Status)

	cancelled, err := sched.CancelScheduledTransfer(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStatusCancelled, cancelled.Status)

	_, err = sched.PauseScheduledTransfer(ctx, st.ID)
	require.ErrorAs(t, err, &invalid)
	_, err = sched.CancelScheduledTransfer(ctx, st.ID)
	require.ErrorAs(t, err, &invalid)

	assert.Subset(t, h.publisher.Types(), []string{
		domain.EventScheduledPaused, domain.EventScheduledResumed, domain.EventScheduledCancelled,
	})
}

func TestUpdateScheduledTransfer(t *testing.T) {
	h := newHarness(t)
	sched, _ := newScheduler(h)
	ctx := context.Background()

	req := scheduleRequest(domain.ScheduleRecurringDaily)
	req.OccurrenceCount = intPtr(5)
	st, err := sched.CreateScheduledTransfer(ctx, req)
	require.NoError(t, err)

	_, err = sched.ProcessDueTransfers(ctx, scheduleBase)
	require.NoError(t, err)

	var vErr *domain.ErrValidation
	_, err = sched.UpdateScheduledTransfer(ctx, st.ID, &domain.ScheduledTransferUpdate{OccurrenceCount: intPtr(0)})
	require.ErrorAs(t, err, &vErr)

	negative := decimal.NewFromInt(-5)
	_, err = sched.UpdateScheduledTransfer(ctx, st.ID, &domain.ScheduledTransferUpdate{Amount: &negative})
	require.ErrorAs(t, err, &vErr)

	fractional := dec("75000.555")
	_, err = sched.UpdateScheduledTransfer(ctx, st.ID, &domain.ScheduledTransferUpdate{Amount: &fractional})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "amount", vErr.Field)

	amount := decimal.NewFromInt(75000)
	updated, err := sched.UpdateScheduledTransfer(ctx, st.ID, &domain.ScheduledTransferUpdate{Amount: &amount})
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(amount))
	assert.Equal(t, domain.ScheduleStatusActive, updated.Status)

	updated, err = sched.UpdateScheduledTransfer(ctx, st.ID, &domain.ScheduledTransferUpdate{OccurrenceCount: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStatusCompleted, updated.Status, "no occurrences left")
}

func TestScheduledTransfer_Ownership(t *testing.T) {
	h := newHarness(t)
	sched, _ := newScheduler(h)

	st, err := sched.CreateScheduledTransfer(service.WithUserID(context.Background(), "user-alice"), scheduleRequest(domain.ScheduleOneTime))
	require.NoError(t, err)

	var denied *domain.ErrAccessDenied
	_, err = sched.GetScheduledTransfer(service.WithUserID(context.Background(), "user-bob"), st.ID)
	require.ErrorAs(t, err, &denied)

	_, err = sched.CancelScheduledTransfer(service.WithUserID(context.Background(), "user-bob"), st.ID)
	require.ErrorAs(t, err, &denied)

	list, err := sched.ListScheduledTransfers(service.WithUserID(context.Background(), "user-alice"), "acc-alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
