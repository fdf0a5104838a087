package service_test

import (
	"testing"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/service"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func TestNextExecutionDate(t *testing.T) {
	tests := []struct {
		name          string
		scheduleType  domain.ScheduleType
		current       time.Time
		frequencyDays *int
		dayOfMonth    *int
		want          time.Time
	}{
		{"one time is unchanged", domain.ScheduleOneTime, date(2026, 3, 1), nil, nil, date(2026, 3, 1)},
		{"daily", domain.ScheduleRecurringDaily, date(2026, 2, 28), nil, nil, date(2026, 3, 1)},
		{"weekly", domain.ScheduleRecurringWeekly, date(2026, 12, 29), nil, nil, date(2027, 1, 5)},
		{"monthly clamps to february", domain.ScheduleRecurringMonthly, date(2025, 1, 31), nil, intPtr(31), date(2025, 2, 28)},
		{"monthly clamps to leap day", domain.ScheduleRecurringMonthly, date(2024, 1, 31), nil, intPtr(31), date(2024, 2, 29)},
		{"monthly restores pinned day", domain.ScheduleRecurringMonthly, date(2025, 2, 28), nil, intPtr(31), date(2025, 3, 31)},
		{"monthly clamps to 30-day month", domain.ScheduleRecurringMonthly, date(2026, 3, 31), nil, intPtr(31), date(2026, 4, 30)},
		{"monthly crosses year", domain.ScheduleRecurringMonthly, date(2026, 12, 15), nil, intPtr(15), date(2027, 1, 15)},
		{"monthly without day falls back to 30 days", domain.ScheduleRecurringMonthly, date(2026, 1, 1), nil, nil, date(2026, 1, 31)},
		{"custom", domain.ScheduleRecurringCustom, date(2026, 1, 1), intPtr(10), nil, date(2026, 1, 11)},
		{"custom without frequency falls back to 30 days", domain.ScheduleRecurringCustom, date(2026, 1, 1), nil, nil, date(2026, 1, 31)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := service.NextExecutionDate(tt.scheduleType, tt.current, tt.frequencyDays, tt.dayOfMonth)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestNextExecutionDate_MonthlyNeverExceedsMonthLength(t *testing.T) {
	for day := 1; day <= 31; day++ {
		current := date(2025, 1, 1)
		for i := 0; i < 24; i++ {
			next := service.NextExecutionDate(domain.ScheduleRecurringMonthly, current, nil, intPtr(day))
			assert.Equal(t, current.Month()%12+1, next.Month(), "day %d from %s", day, current)

			lastDay := time.Date(next.Year(), next.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
			assert.Equal(t, min(day, lastDay), next.Day())
			current = next
		}
	}
}

func TestFirstExecutionDate(t *testing.T) {
	tests := []struct {
		name       string
		start      time.Time
		dayOfMonth *int
		want       time.Time
	}{
		{"pinned day later this month", date(2026, 3, 1), intPtr(31), date(2026, 3, 31)},
		{"pinned day already passed", date(2026, 3, 20), intPtr(5), date(2026, 4, 5)},
		{"pinned day clamped in start month", date(2026, 4, 10), intPtr(31), date(2026, 4, 30)},
		{"pinned day is start day", date(2026, 3, 5), intPtr(5), date(2026, 3, 5)},
		{"no pinned day", date(2026, 3, 20), nil, date(2026, 3, 20)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := service.FirstExecutionDate(domain.ScheduleRecurringMonthly, tt.start, tt.dayOfMonth)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}

	daily := service.FirstExecutionDate(domain.ScheduleRecurringDaily, date(2026, 3, 20), intPtr(5))
	assert.True(t, date(2026, 3, 20).Equal(daily))
}
