package lifecycle

import (
	"time"

	"content-allocator/internal/models"
)

// AccountPolicy holds the thresholds driving the account maturity machine.
type AccountPolicy struct {
	MinWarmupDays            int
	MinWarmupReputation      int
	MaxConsecutiveActiveDays int
	RestDurationDays         int
	RemovalBurnPct           float64
}

// EvaluateAccount advances the account's maturity phase in place and reports
// whether anything changed. The burn check runs first and is absorbing; a
// burned account never leaves that phase.
func (p AccountPolicy) EvaluateAccount(acc *models.Account, stats models.OutcomeStats, now time.Time) bool {
	if acc.Phase == models.PhaseBurned {
		return false
	}

	if acc.Suspended || (stats.Samples > 0 && stats.RemovalRate()*100 > p.RemovalBurnPct) {
		return transition(acc, models.PhaseBurned, now)
	}

	switch acc.Phase {
	case models.PhaseWarming:
		if acc.AgeDays(now) >= p.MinWarmupDays && acc.Reputation >= p.MinWarmupReputation {
			return transition(acc, models.PhaseReady, now)
		}
	case models.PhaseActive:
		if acc.ConsecutiveActiveDays >= p.MaxConsecutiveActiveDays {
			acc.ConsecutiveActiveDays = 0
			rest := now.AddDate(0, 0, p.RestDurationDays)
			acc.RestUntil = &rest
			return transition(acc, models.PhaseResting, now)
		}
	case models.PhaseResting:
		if acc.RestUntil == nil || !now.Before(*acc.RestUntil) {
			acc.RestUntil = nil
			return transition(acc, models.PhaseReady, now)
		}
	}
	return false
}

// MarkActiveToday records that the account received work for the given day,
// maintaining the consecutive-active-day streak and promoting ready
// accounts to active. This is the only path into the active phase.
func MarkActiveToday(acc *models.Account, day time.Time) bool {
	day = day.Truncate(24 * time.Hour)
	changed := false
	switch {
	case acc.LastActiveDate != nil && acc.LastActiveDate.Equal(day):
		// already counted today
	case acc.LastActiveDate != nil && acc.LastActiveDate.Equal(day.AddDate(0, 0, -1)):
		acc.ConsecutiveActiveDays++
		changed = true
	default:
		acc.ConsecutiveActiveDays = 1
		changed = true
	}
	if acc.LastActiveDate == nil || !acc.LastActiveDate.Equal(day) {
		d := day
		acc.LastActiveDate = &d
		changed = true
	}
	if acc.Phase == models.PhaseReady {
		transition(acc, models.PhaseActive, day)
		changed = true
	}
	return changed
}

func transition(acc *models.Account, phase string, now time.Time) bool {
	if acc.Phase == phase {
		return false
	}
	acc.Phase = phase
	acc.PhaseChangedAt = now
	acc.UpdatedAt = now
	return true
}
