// Package recurrence materializes fresh task instances from recurring
// schedules. The task a schedule points at acts as a template and is never
// worked on directly.
package recurrence

import (
	"fmt"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
)

// ValidateConfig checks the schedule configuration for a recurrence type.
func ValidateConfig(recType models.RecurrenceType, config models.RecurrenceConfig) error {
	if !recType.Valid() {
		return apperrors.ValidationError("recurrence_type", fmt.Sprintf("unknown type '%s'", recType))
	}
	if config.DayOfWeek != nil && (*config.DayOfWeek < 0 || *config.DayOfWeek > 6) {
		return apperrors.ValidationError("day_of_week", "must be between 0 (Sunday) and 6 (Saturday)")
	}
	if config.DayOfMonth != nil && (*config.DayOfMonth < 1 || *config.DayOfMonth > 31) {
		return apperrors.ValidationError("day_of_month", "must be between 1 and 31")
	}
	return nil
}

// Next computes the occurrence after "from" for a schedule.
//
// Daily advances one day. Weekly jumps to the configured weekday, a full week
// ahead when "from" already falls on it. Monthly targets the configured day
// of the next month, clamped to that month's length (the 31st becomes the
// 28th in February).
func Next(recType models.RecurrenceType, config models.RecurrenceConfig, from time.Time) time.Time {
	from = from.UTC()
	switch recType {
	case models.RecurrenceDaily:
		return from.AddDate(0, 0, 1)

	case models.RecurrenceWeekly:
		if config.DayOfWeek == nil {
			return from.AddDate(0, 0, 7)
		}
		days := (*config.DayOfWeek - int(from.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return from.AddDate(0, 0, days)

	case models.RecurrenceMonthly:
		day := from.Day()
		if config.DayOfMonth != nil {
			day = *config.DayOfMonth
		}
		year, month := from.Year(), from.Month()+1
		if month > time.December {
			year, month = year+1, time.January
		}
		if last := daysInMonth(year, month); day > last {
			day = last
		}
		return time.Date(year, month, day, from.Hour(), from.Minute(), from.Second(), 0, time.UTC)
	}
	return from.AddDate(0, 0, 1)
}

// NextAfter advances a schedule until the occurrence lies after "now".
// Missed occurrences are skipped rather than materialized as a backlog.
func NextAfter(recType models.RecurrenceType, config models.RecurrenceConfig, from, now time.Time) time.Time {
	next := Next(recType, config, from)
	for !next.After(now) {
		next = Next(recType, config, next)
	}
	return next
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
