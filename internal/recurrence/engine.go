// Package recurrence computes candidate due instants for schedule rules.
//
// Everything here is a pure function of its inputs: no clocks, no I/O. Calendar
// arithmetic is done in the rule's timezone so that a 09:00 inspection stays
// at 09:00 local time across daylight-saving transitions.
package recurrence

import (
	"time"
	_ "time/tzdata"

	"inspectflow/internal/domain"
)

// RunContext carries what the individual modes need to evaluate a rule.
type RunContext struct {
	Now               time.Time
	GenerateAheadDays int

	// RollingAfterCompletion
	LastCompletion *time.Time

	// UsageBased
	CurrentMeter       *float64
	LastGeneratedMeter *float64

	// EventDriven
	Event *domain.SchedulingEvent
}

// Candidates returns every due instant the rule yields for rc. Instants are
// sorted ascending; deduplication is left to the caller.
func Candidates(rule domain.Rule, rc RunContext) ([]time.Time, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	switch rule.Mode {
	case domain.ModeFixedTime:
		p, err := newFixedPlan(*rule.Fixed)
		if err != nil {
			return nil, err
		}
		from := rc.Now.In(p.loc)
		return p.between(from, from.AddDate(0, 0, rc.GenerateAheadDays)), nil

	case domain.ModeRollingAfterCompletion:
		due, err := rollingDue(*rule.Rolling, rc.LastCompletion)
		if err != nil {
			return nil, err
		}
		end := rc.Now.In(due.Location()).AddDate(0, 0, rc.GenerateAheadDays)
		if due.After(end) {
			return nil, nil
		}
		return []time.Time{due}, nil

	case domain.ModeUsageBased:
		if rc.CurrentMeter == nil {
			return nil, nil
		}
		var baseline float64
		if rc.LastGeneratedMeter != nil {
			baseline = *rc.LastGeneratedMeter
		}
		if *rc.CurrentMeter-baseline >= rule.Usage.ThresholdValue {
			return []time.Time{rc.Now}, nil
		}
		return nil, nil

	case domain.ModeEventDriven:
		if rc.Event == nil || !rule.Event.Matches(rc.Event.Type) {
			return nil, nil
		}
		return []time.Time{rc.Event.CreatedAt}, nil
	}
	return nil, &domain.InvalidRuleError{Field: "rule.mode", Reason: "unsupported mode"}
}

// NextAfter returns the first fixed-time instant strictly after t. The second
// return is false for modes whose next due depends on external state.
func NextAfter(rule domain.Rule, t time.Time) (time.Time, bool, error) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, false, err
	}
	if rule.Mode != domain.ModeFixedTime {
		return time.Time{}, false, nil
	}
	p, err := newFixedPlan(*rule.Fixed)
	if err != nil {
		return time.Time{}, false, err
	}

	from := t.In(p.loc).Add(time.Nanosecond)
	if p.start.After(from) {
		from = p.start
	}
	next := p.between(from, from.AddDate(0, 0, p.periodDays()+1))
	if len(next) == 0 {
		return time.Time{}, false, nil
	}
	return next[0], true, nil
}

// NextWake returns when a run must next happen so that no fixed-time instant
// is skipped: the first instant past the window [now, now+aheadDays] enters
// the window aheadDays before it is due. The second return is false for
// modes without a fixed cadence.
func NextWake(rule domain.Rule, now time.Time, aheadDays int) (time.Time, bool, error) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, false, err
	}
	if rule.Mode != domain.ModeFixedTime {
		return time.Time{}, false, nil
	}
	p, err := newFixedPlan(*rule.Fixed)
	if err != nil {
		return time.Time{}, false, err
	}

	end := now.In(p.loc).AddDate(0, 0, aheadDays)
	next, ok, err := NextAfter(rule, end)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return next.In(p.loc).AddDate(0, 0, -aheadDays), true, nil
}

// Preview lists the instants a rule would produce over the next horizonDays
// without any per-asset context.
func Preview(rule domain.Rule, now time.Time, horizonDays int) ([]time.Time, error) {
	return Candidates(rule, RunContext{Now: now, GenerateAheadDays: horizonDays})
}

func rollingDue(r domain.RollingRule, lastCompletion *time.Time) (time.Time, error) {
	loc, err := domain.LoadLocation(r.Timezone)
	if err != nil {
		return time.Time{}, &domain.InvalidRuleError{Field: "rule.rolling.timezone", Reason: err.Error()}
	}

	var anchor time.Time
	if lastCompletion != nil {
		anchor = lastCompletion.In(loc)
	} else {
		// No completion yet: anchor on the start date.
		day, err := domain.ParseDate(r.StartDate, loc)
		if err != nil {
			return time.Time{}, &domain.InvalidRuleError{Field: "rule.rolling.start_date", Reason: err.Error()}
		}
		h, m, _ := domain.ParseClock(r.TimeOfDay)
		anchor = time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc)
	}
	return addInterval(anchor, r.Unit, r.Value), nil
}

func addInterval(t time.Time, unit domain.IntervalUnit, n int) time.Time {
	switch unit {
	case domain.UnitWeek:
		return t.AddDate(0, 0, 7*n)
	case domain.UnitMonth:
		return addMonthsClamped(t, n)
	default:
		return t.AddDate(0, 0, n)
	}
}

// addMonthsClamped adds n months keeping the day of month, clamped to the
// last day of the target month (Jan 31 + 1 month = Feb 28/29).
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
