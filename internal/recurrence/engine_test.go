package recurrence

import (
	"errors"
	"testing"
	"time"

	"inspectflow/internal/domain"
)

func fixed(f domain.FixedTimeRule) domain.Rule {
	return domain.Rule{Mode: domain.ModeFixedTime, Fixed: &f}
}

func ptr[T any](v T) *T { return &v }

func TestCandidates_FixedTime(t *testing.T) {
	t.Parallel()

	t.Run("weekly rule yields both Mondays in a fourteen day window", func(t *testing.T) {
		t.Parallel()
		rule := fixed(domain.FixedTimeRule{
			StartDate: "2025-01-01", IntervalUnit: domain.UnitWeek, IntervalValue: 1,
			DaysOfWeek: []time.Weekday{time.Monday}, TimeOfDay: "09:00", Timezone: "UTC",
		})
		now := time.Date(2025, time.March, 5, 10, 0, 0, 0, time.UTC)

		got, err := Candidates(rule, RunContext{Now: now, GenerateAheadDays: 14})
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		want := []time.Time{
			time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC),
			time.Date(2025, time.March, 17, 9, 0, 0, 0, time.UTC),
		}
		assertInstants(t, got, want)
	})

	t.Run("daily rule emits every instant in the window", func(t *testing.T) {
		t.Parallel()
		rule := fixed(domain.FixedTimeRule{
			StartDate: "2025-01-01", IntervalUnit: domain.UnitDay, IntervalValue: 1,
			TimeOfDay: "08:30", Timezone: "UTC",
		})
		now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

		got, err := Candidates(rule, RunContext{Now: now, GenerateAheadDays: 7})
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		if len(got) != 7 {
			t.Fatalf("got %d instants, want 7: %v", len(got), got)
		}
		if !got[0].Equal(time.Date(2025, time.June, 1, 8, 30, 0, 0, time.UTC)) {
			t.Fatalf("first instant = %v", got[0])
		}
	})

	t.Run("every third day stays on the start date cadence", func(t *testing.T) {
		t.Parallel()
		rule := fixed(domain.FixedTimeRule{
			StartDate: "2025-01-01", IntervalUnit: domain.UnitDay, IntervalValue: 3,
			TimeOfDay: "00:00", Timezone: "UTC",
		})
		now := time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC)

		got, err := Candidates(rule, RunContext{Now: now, GenerateAheadDays: 6})
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		assertInstants(t, got, []time.Time{
			time.Date(2025, time.January, 4, 0, 0, 0, 0, time.UTC),
			time.Date(2025, time.January, 7, 0, 0, 0, 0, time.UTC),
		})
	})

	t.Run("day 31 clamps to the end of February", func(t *testing.T) {
		t.Parallel()
		rule := fixed(domain.FixedTimeRule{
			StartDate: "2025-01-01", IntervalUnit: domain.UnitMonth, IntervalValue: 1,
			DayOfMonth: ptr(31), TimeOfDay: "09:00", Timezone: "UTC",
		})

		got, err := Candidates(rule, RunContext{Now: time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), GenerateAheadDays: 30})
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		assertInstants(t, got, []time.Time{time.Date(2025, time.February, 28, 9, 0, 0, 0, time.UTC)})

		leap, err := Candidates(rule, RunContext{Now: time.Date(2028, time.February, 1, 0, 0, 0, 0, time.UTC), GenerateAheadDays: 30})
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		assertInstants(t, leap, []time.Time{time.Date(2028, time.February, 29, 9, 0, 0, 0, time.UTC)})
	})

	t.Run("keeps local time of day across daylight saving", func(t *testing.T) {
		t.Parallel()
		rule := fixed(domain.FixedTimeRule{
			StartDate: "2025-03-01", IntervalUnit: domain.UnitDay, IntervalValue: 1,
			TimeOfDay: "09:00", Timezone: "Europe/Berlin",
		})
		berlin, err := time.LoadLocation("Europe/Berlin")
		if err != nil {
			t.Fatalf("load location: %v", err)
		}
		now := time.Date(2025, time.March, 29, 0, 0, 0, 0, berlin)

		got, err := Candidates(rule, RunContext{Now: now, GenerateAheadDays: 3})
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d instants, want 3", len(got))
		}
		for _, inst := range got {
			if local := inst.In(berlin); local.Hour() != 9 || local.Minute() != 0 {
				t.Fatalf("instant %v is not 09:00 local", local)
			}
		}
		if d := got[2].Sub(got[1]); d != 24*time.Hour {
			t.Fatalf("post-transition spacing = %v, want 24h", d)
		}
		if d := got[1].Sub(got[0]); d != 23*time.Hour {
			t.Fatalf("transition spacing = %v, want 23h", d)
		}
	})

	t.Run("nothing before the start date", func(t *testing.T) {
		t.Parallel()
		rule := fixed(domain.FixedTimeRule{
			StartDate: "2030-01-01", IntervalUnit: domain.UnitDay, IntervalValue: 1,
			TimeOfDay: "09:00", Timezone: "UTC",
		})
		got, err := Candidates(rule, RunContext{Now: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), GenerateAheadDays: 30})
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no instants, got %v", got)
		}
	})

	t.Run("weekly without weekdays is an invalid configuration", func(t *testing.T) {
		t.Parallel()
		rule := fixed(domain.FixedTimeRule{
			StartDate: "2025-01-01", IntervalUnit: domain.UnitWeek, IntervalValue: 1, Timezone: "UTC",
		})
		_, err := Candidates(rule, RunContext{Now: time.Now(), GenerateAheadDays: 7})
		var ruleErr *domain.InvalidRuleError
		if !errors.As(err, &ruleErr) {
			t.Fatalf("expected InvalidRuleError, got %v", err)
		}
	})
}

func TestCandidates_Rolling(t *testing.T) {
	t.Parallel()
	rule := domain.Rule{Mode: domain.ModeRollingAfterCompletion, Rolling: &domain.RollingRule{
		Unit: domain.UnitWeek, Value: 2, StartDate: "2025-01-06", TimeOfDay: "07:00", Timezone: "UTC",
	}}

	t.Run("anchors on the last completion", func(t *testing.T) {
		t.Parallel()
		done := time.Date(2025, time.March, 3, 15, 4, 0, 0, time.UTC)
		got, err := Candidates(rule, RunContext{Now: done, GenerateAheadDays: 30, LastCompletion: &done})
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		assertInstants(t, got, []time.Time{done.AddDate(0, 0, 14)})
	})

	t.Run("falls back to the start date without a completion", func(t *testing.T) {
		t.Parallel()
		now := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
		got, err := Candidates(rule, RunContext{Now: now, GenerateAheadDays: 30})
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		assertInstants(t, got, []time.Time{time.Date(2025, time.January, 20, 7, 0, 0, 0, time.UTC)})
	})

	t.Run("holds back a due beyond the look-ahead", func(t *testing.T) {
		t.Parallel()
		now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
		got, err := Candidates(rule, RunContext{Now: now, GenerateAheadDays: 7})
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no instants, got %v", got)
		}
	})

	t.Run("month steps clamp to the last day", func(t *testing.T) {
		t.Parallel()
		monthly := domain.Rule{Mode: domain.ModeRollingAfterCompletion, Rolling: &domain.RollingRule{
			Unit: domain.UnitMonth, Value: 1, StartDate: "2025-01-01", Timezone: "UTC",
		}}
		done := time.Date(2025, time.January, 31, 12, 0, 0, 0, time.UTC)
		got, err := Candidates(monthly, RunContext{Now: done, GenerateAheadDays: 60, LastCompletion: &done})
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		assertInstants(t, got, []time.Time{time.Date(2025, time.February, 28, 12, 0, 0, 0, time.UTC)})
	})
}

func TestCandidates_UsageThreshold(t *testing.T) {
	t.Parallel()
	rule := domain.Rule{Mode: domain.ModeUsageBased, Usage: &domain.UsageRule{MeterType: domain.MeterHours, ThresholdValue: 250}}
	now := time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		current *float64
		last    *float64
		want    int
	}{
		{"just below", ptr(249.9), ptr(0.0), 0},
		{"exactly at threshold", ptr(250.0), ptr(0.0), 1},
		{"delta from baseline", ptr(1250.0), ptr(1000.0), 1},
		{"never generated uses zero baseline", ptr(300.0), nil, 1},
		{"no reading", nil, ptr(0.0), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Candidates(rule, RunContext{Now: now, CurrentMeter: tc.current, LastGeneratedMeter: tc.last})
			if err != nil {
				t.Fatalf("Candidates: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("got %d instants, want %d", len(got), tc.want)
			}
			if tc.want == 1 && !got[0].Equal(now) {
				t.Fatalf("instant = %v, want now", got[0])
			}
		})
	}
}

func TestCandidates_EventDriven(t *testing.T) {
	t.Parallel()
	rule := domain.Rule{Mode: domain.ModeEventDriven, Event: &domain.EventRule{
		Triggers: []domain.EventType{domain.EventDefectMarkedUnsafe},
	}}
	received := time.Date(2025, time.April, 2, 11, 0, 0, 0, time.UTC)

	got, err := Candidates(rule, RunContext{Now: received.Add(time.Hour), Event: &domain.SchedulingEvent{
		Type: domain.EventDefectMarkedUnsafe, CreatedAt: received,
	}})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	assertInstants(t, got, []time.Time{received})

	got, err = Candidates(rule, RunContext{Now: received, Event: &domain.SchedulingEvent{
		Type: domain.EventComplianceExpiring, CreatedAt: received,
	}})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unmatched event produced %v", got)
	}
}

func TestNextAfter(t *testing.T) {
	t.Parallel()
	rule := fixed(domain.FixedTimeRule{
		StartDate: "2025-01-01", IntervalUnit: domain.UnitMonth, IntervalValue: 1,
		DayOfMonth: ptr(31), TimeOfDay: "09:00", Timezone: "UTC",
	})

	next, ok, err := NextAfter(rule, time.Date(2025, time.January, 31, 9, 0, 0, 0, time.UTC))
	if err != nil || !ok {
		t.Fatalf("NextAfter: ok=%v err=%v", ok, err)
	}
	if want := time.Date(2025, time.February, 28, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	usage := domain.Rule{Mode: domain.ModeUsageBased, Usage: &domain.UsageRule{MeterType: domain.MeterKm, ThresholdValue: 10}}
	if _, ok, err := NextAfter(usage, time.Now()); err != nil || ok {
		t.Fatalf("usage rule should have no calendar next: ok=%v err=%v", ok, err)
	}
}

func TestNextWake(t *testing.T) {
	t.Parallel()
	monthly := fixed(domain.FixedTimeRule{
		StartDate: "2025-01-01", IntervalUnit: domain.UnitMonth, IntervalValue: 1,
		DayOfMonth: ptr(31), TimeOfDay: "09:00", Timezone: "UTC",
	})

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"next instant beyond the window", time.Date(2025, time.February, 1, 10, 0, 0, 0, time.UTC), time.Date(2025, time.February, 14, 9, 0, 0, 0, time.UTC)},
		{"instant inside the window is skipped", time.Date(2025, time.February, 14, 9, 0, 30, 0, time.UTC), time.Date(2025, time.March, 17, 9, 0, 0, 0, time.UTC)},
		{"window end on an instant", time.Date(2025, time.March, 17, 9, 0, 0, 0, time.UTC), time.Date(2025, time.April, 16, 9, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok, err := NextWake(monthly, tc.now, 14)
			if err != nil || !ok {
				t.Fatalf("NextWake: ok=%v err=%v", ok, err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("wake = %v, want %v", got, tc.want)
			}
			// The instant that triggered the wake must fall inside the window
			// of the run at the wake time.
			in, err := Candidates(monthly, RunContext{Now: got, GenerateAheadDays: 14})
			if err != nil || len(in) != 1 {
				t.Fatalf("candidates at wake = %v err=%v", in, err)
			}
		})
	}

	rolling := domain.Rule{Mode: domain.ModeRollingAfterCompletion, Rolling: &domain.RollingRule{
		Unit: domain.UnitDay, Value: 7, StartDate: "2025-01-01", TimeOfDay: "08:00", Timezone: "UTC",
	}}
	if _, ok, err := NextWake(rolling, time.Now(), 14); err != nil || ok {
		t.Fatalf("rolling rule should have no fixed wake: ok=%v err=%v", ok, err)
	}
}

func assertInstants(t *testing.T, got, want []time.Time) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d instants %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("instant %d = %v, want %v", i, got[i], want[i])
		}
	}
}
