package recurrence

import (
	"time"

	"inspectflow/internal/domain"
)

type fixedPlan struct {
	loc          *time.Location
	start        time.Time // first possible instant: start date at time of day
	unit         domain.IntervalUnit
	interval     int
	weekdays     map[time.Weekday]struct{}
	dayOfMonth   int
	hour, minute int
}

func newFixedPlan(f domain.FixedTimeRule) (*fixedPlan, error) {
	loc, err := domain.LoadLocation(f.Timezone)
	if err != nil {
		return nil, &domain.InvalidRuleError{Field: "rule.fixed.timezone", Reason: err.Error()}
	}
	day, err := domain.ParseDate(f.StartDate, loc)
	if err != nil {
		return nil, &domain.InvalidRuleError{Field: "rule.fixed.start_date", Reason: err.Error()}
	}
	h, m, err := domain.ParseClock(f.TimeOfDay)
	if err != nil {
		return nil, &domain.InvalidRuleError{Field: "rule.fixed.time_of_day", Reason: err.Error()}
	}

	p := &fixedPlan{
		loc:        loc,
		start:      time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc),
		unit:       f.IntervalUnit,
		interval:   f.IntervalValue,
		weekdays:   make(map[time.Weekday]struct{}, len(f.DaysOfWeek)),
		dayOfMonth: day.Day(),
		hour:       h,
		minute:     m,
	}
	for _, d := range f.DaysOfWeek {
		p.weekdays[d] = struct{}{}
	}
	if f.DayOfMonth != nil {
		p.dayOfMonth = *f.DayOfMonth
	}
	return p, nil
}

func (p *fixedPlan) periodDays() int {
	switch p.unit {
	case domain.UnitWeek:
		return 7 * p.interval
	case domain.UnitMonth:
		return 31 * p.interval
	default:
		return p.interval
	}
}

// at builds the instant for a civil date offset from the start date. Using
// time.Date in the plan location keeps the wall clock fixed across DST.
func (p *fixedPlan) at(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, p.hour, p.minute, 0, 0, p.loc)
}

// between returns all instants in [from, to], ascending.
func (p *fixedPlan) between(from, to time.Time) []time.Time {
	if to.Before(from) || to.Before(p.start) {
		return nil
	}
	var out []time.Time
	keep := func(t time.Time) {
		if !t.Before(from) && !t.After(to) && !t.Before(p.start) {
			out = append(out, t)
		}
	}
	sy, sm, sd := p.start.Date()

	switch p.unit {
	case domain.UnitDay:
		for k := skipPeriods(civilDays(p.start, from), p.interval); ; k++ {
			t := p.at(sy, sm, sd+k*p.interval)
			if t.After(to) {
				break
			}
			keep(t)
		}

	case domain.UnitWeek:
		step := 7 * p.interval
		for k := skipPeriods(civilDays(p.start, from), step); ; k++ {
			first := p.at(sy, sm, sd+k*step)
			if first.After(to) {
				break
			}
			for off := 0; off < 7; off++ {
				t := p.at(sy, sm, sd+k*step+off)
				if _, ok := p.weekdays[t.Weekday()]; ok {
					keep(t)
				}
			}
		}

	case domain.UnitMonth:
		fy, fm, _ := from.In(p.loc).Date()
		months := (fy-sy)*12 + int(fm-sm)
		for k := skipPeriods(months, p.interval); ; k++ {
			first := time.Date(sy, sm+time.Month(k*p.interval), 1, 0, 0, 0, 0, p.loc)
			d := p.dayOfMonth
			if last := daysIn(first.Year(), first.Month()); d > last {
				d = last
			}
			t := p.at(first.Year(), first.Month(), d)
			if t.After(to) {
				break
			}
			keep(t)
		}
	}
	return out
}

// skipPeriods returns the first period index worth evaluating given an
// elapsed count. It backs off one period so nothing near from is missed.
func skipPeriods(elapsed, per int) int {
	if elapsed <= 0 || per <= 0 {
		return 0
	}
	k := elapsed/per - 1
	if k < 0 {
		return 0
	}
	return k
}

// civilDays counts calendar days between the dates of a and b, ignoring
// wall-clock offsets.
func civilDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
