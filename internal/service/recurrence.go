package service

import (
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
)

const fallbackIntervalDays = 30

// NextExecutionDate computes the execution date that follows current.
//
// MONTHLY schedules land on dayOfMonth of the next calendar month, clamped
// to that month's last day, so day 31 yields Feb 28/29 and then Mar 31.
// MONTHLY without dayOfMonth and CUSTOM without frequencyDays advance 30 days.
func NextExecutionDate(scheduleType domain.ScheduleType, current time.Time, frequencyDays, dayOfMonth *int) time.Time {
	switch scheduleType {
	case domain.ScheduleOneTime:
		return current
	case domain.ScheduleRecurringDaily:
		return current.AddDate(0, 0, 1)
	case domain.ScheduleRecurringWeekly:
		return current.AddDate(0, 0, 7)
	case domain.ScheduleRecurringMonthly:
		if dayOfMonth == nil {
			return current.AddDate(0, 0, fallbackIntervalDays)
		}
		return pinDay(current.Year(), current.Month()+1, *dayOfMonth, current)
	case domain.ScheduleRecurringCustom:
		if frequencyDays == nil || *frequencyDays < 1 {
			return current.AddDate(0, 0, fallbackIntervalDays)
		}
		return current.AddDate(0, 0, *frequencyDays)
	}
	return current.AddDate(0, 0, fallbackIntervalDays)
}

// FirstExecutionDate is startDate, except for MONTHLY schedules pinned to a
// day: the first run is that day in the start month, or in the following
// month when it would fall before startDate.
func FirstExecutionDate(scheduleType domain.ScheduleType, startDate time.Time, dayOfMonth *int) time.Time {
	if scheduleType != domain.ScheduleRecurringMonthly || dayOfMonth == nil {
		return startDate
	}
	first := pinDay(startDate.Year(), startDate.Month(), *dayOfMonth, startDate)
	if first.Before(startDate) {
		first = pinDay(startDate.Year(), startDate.Month()+1, *dayOfMonth, startDate)
	}
	return first
}

// pinDay returns day of (year, month) clamped to the month's length,
// keeping ref's clock time and location. month may overflow into the next year.
func pinDay(year int, month time.Month, day int, ref time.Time) time.Time {
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, ref.Location())
	lastDay := firstOfMonth.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	if day < 1 {
		day = 1
	}
	return time.Date(firstOfMonth.Year(), firstOfMonth.Month(), day,
		ref.Hour(), ref.Minute(), ref.Second(), ref.Nanosecond(), ref.Location())
}
