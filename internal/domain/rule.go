package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Mode string

const (
	ModeFixedTime              Mode = "fixed_time"
	ModeRollingAfterCompletion Mode = "rolling_after_completion"
	ModeUsageBased             Mode = "usage_based"
	ModeEventDriven            Mode = "event_driven"
)

type IntervalUnit string

const (
	UnitDay   IntervalUnit = "day"
	UnitWeek  IntervalUnit = "week"
	UnitMonth IntervalUnit = "month"
)

type MeterType string

const (
	MeterHours  MeterType = "hours"
	MeterKm     MeterType = "km"
	MeterCycles MeterType = "cycles"
)

func (t MeterType) Valid() bool {
	return t == MeterHours || t == MeterKm || t == MeterCycles
}

// Rule is the recurrence variant of a schedule. Exactly one payload matching
// Mode is set.
type Rule struct {
	Mode    Mode           `json:"mode"`
	Fixed   *FixedTimeRule `json:"fixed,omitempty"`
	Rolling *RollingRule   `json:"rolling,omitempty"`
	Usage   *UsageRule     `json:"usage,omitempty"`
	Event   *EventRule     `json:"event,omitempty"`
}

type FixedTimeRule struct {
	StartDate     string         `json:"start_date"` // YYYY-MM-DD in Timezone
	IntervalUnit  IntervalUnit   `json:"interval_unit"`
	IntervalValue int            `json:"interval_value"`
	DaysOfWeek    []time.Weekday `json:"days_of_week,omitempty"`
	DayOfMonth    *int           `json:"day_of_month,omitempty"`
	TimeOfDay     string         `json:"time_of_day"` // HH:MM
	Timezone      string         `json:"timezone"`
}

type RollingRule struct {
	Unit      IntervalUnit `json:"unit"`
	Value     int          `json:"value"`
	StartDate string       `json:"start_date"`
	TimeOfDay string       `json:"time_of_day,omitempty"`
	Timezone  string       `json:"timezone,omitempty"`
}

type UsageRule struct {
	MeterType      MeterType `json:"meter_type"`
	ThresholdValue float64   `json:"threshold_value"`
}

type EventRule struct {
	Triggers []EventType `json:"triggers"`
}

func (r EventRule) Matches(t EventType) bool {
	for _, tr := range r.Triggers {
		if tr == t {
			return true
		}
	}
	return false
}

const dateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date at midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateLayout, strings.TrimSpace(s), loc)
}

// ParseClock parses HH:MM into hour and minute. An empty string is midnight.
func ParseClock(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, nil
	}
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("time of day %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("time of day %q: invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time of day %q: invalid minute", s)
	}
	return h, m, nil
}

// LoadLocation resolves a timezone name, defaulting to UTC.
func LoadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func validUnit(u IntervalUnit) bool {
	return u == UnitDay || u == UnitWeek || u == UnitMonth
}

// Validate checks the rule variant and the invariants of its payload.
func (r Rule) Validate() error {
	set := 0
	for _, p := range []bool{r.Fixed != nil, r.Rolling != nil, r.Usage != nil, r.Event != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return invalid("rule", "exactly one mode payload must be set")
	}

	switch r.Mode {
	case ModeFixedTime:
		if r.Fixed == nil {
			return invalid("rule.fixed", "required for fixed_time")
		}
		return r.Fixed.validate()
	case ModeRollingAfterCompletion:
		if r.Rolling == nil {
			return invalid("rule.rolling", "required for rolling_after_completion")
		}
		return r.Rolling.validate()
	case ModeUsageBased:
		if r.Usage == nil {
			return invalid("rule.usage", "required for usage_based")
		}
		if !r.Usage.MeterType.Valid() {
			return invalid("rule.usage.meter_type", fmt.Sprintf("unknown meter type %q", r.Usage.MeterType))
		}
		if r.Usage.ThresholdValue <= 0 {
			return invalid("rule.usage.threshold_value", "must be > 0")
		}
		return nil
	case ModeEventDriven:
		if r.Event == nil {
			return invalid("rule.event", "required for event_driven")
		}
		if len(r.Event.Triggers) == 0 {
			return invalid("rule.event.triggers", "at least one trigger is required")
		}
		for _, t := range r.Event.Triggers {
			if !t.Valid() {
				return invalid("rule.event.triggers", fmt.Sprintf("unknown event type %q", t))
			}
		}
		return nil
	default:
		return invalid("rule.mode", fmt.Sprintf("unknown mode %q", r.Mode))
	}
}

func (f FixedTimeRule) validate() error {
	loc, err := LoadLocation(f.Timezone)
	if err != nil {
		return invalid("rule.fixed.timezone", err.Error())
	}
	if _, err := ParseDate(f.StartDate, loc); err != nil {
		return invalid("rule.fixed.start_date", "expected YYYY-MM-DD")
	}
	if _, _, err := ParseClock(f.TimeOfDay); err != nil {
		return invalid("rule.fixed.time_of_day", err.Error())
	}
	if !validUnit(f.IntervalUnit) {
		return invalid("rule.fixed.interval_unit", fmt.Sprintf("unknown unit %q", f.IntervalUnit))
	}
	if f.IntervalValue < 1 {
		return invalid("rule.fixed.interval_value", "must be >= 1")
	}
	if f.IntervalUnit == UnitWeek {
		if len(f.DaysOfWeek) == 0 {
			return invalid("rule.fixed.days_of_week", "weekly rules need at least one weekday")
		}
		for _, d := range f.DaysOfWeek {
			if d < time.Sunday || d > time.Saturday {
				return invalid("rule.fixed.days_of_week", fmt.Sprintf("invalid weekday %d", d))
			}
		}
	} else if len(f.DaysOfWeek) > 0 {
		return invalid("rule.fixed.days_of_week", "only allowed for weekly rules")
	}
	if f.DayOfMonth != nil {
		if f.IntervalUnit != UnitMonth {
			return invalid("rule.fixed.day_of_month", "only allowed for monthly rules")
		}
		if *f.DayOfMonth < 1 || *f.DayOfMonth > 31 {
			return invalid("rule.fixed.day_of_month", "must be between 1 and 31")
		}
	}
	return nil
}

func (r RollingRule) validate() error {
	loc, err := LoadLocation(r.Timezone)
	if err != nil {
		return invalid("rule.rolling.timezone", err.Error())
	}
	if _, err := ParseDate(r.StartDate, loc); err != nil {
		return invalid("rule.rolling.start_date", "expected YYYY-MM-DD")
	}
	if _, _, err := ParseClock(r.TimeOfDay); err != nil {
		return invalid("rule.rolling.time_of_day", err.Error())
	}
	if !validUnit(r.Unit) {
		return invalid("rule.rolling.unit", fmt.Sprintf("unknown unit %q", r.Unit))
	}
	if r.Value < 1 {
		return invalid("rule.rolling.value", "must be >= 1")
	}
	return nil
}

// Validate checks the schedule definition as a whole.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return invalid("name", "is required")
	}
	if strings.TrimSpace(s.SiteID) == "" {
		return invalid("site_id", "is required")
	}
	if strings.TrimSpace(s.TemplateID) == "" {
		return invalid("template_id", "is required")
	}
	switch s.Scope.Kind {
	case ScopeAllAssets:
	case ScopeAssetIDs:
		if len(s.Scope.AssetIDs) == 0 {
			return invalid("scope.asset_ids", "must not be empty")
		}
	case ScopeAssetType:
		if strings.TrimSpace(s.Scope.AssetTypeID) == "" {
			return invalid("scope.asset_type_id", "must not be empty")
		}
	case ScopeTags:
		if len(s.Scope.Tags) == 0 {
			return invalid("scope.tags", "must not be empty")
		}
	default:
		return invalid("scope.kind", fmt.Sprintf("unknown scope kind %q", s.Scope.Kind))
	}
	switch s.Assignment.Mode {
	case "", AssignUnassigned:
	case AssignUser:
		if s.Assignment.AssigneeID == "" {
			return invalid("assignment.assignee_id", "required for user assignment")
		}
	case AssignRole:
		if s.Assignment.Role == "" {
			return invalid("assignment.role", "required for role assignment")
		}
	default:
		return invalid("assignment.mode", fmt.Sprintf("unknown mode %q", s.Assignment.Mode))
	}
	if s.DueRules.DueOffsetDays < 0 {
		return invalid("due_rules.due_offset_days", "must be >= 0")
	}
	if s.DueRules.OverdueAfterDays < 0 {
		return invalid("due_rules.overdue_after_days", "must be >= 0")
	}
	if s.Constraints.AvoidDuplicatesWindowHours < 0 {
		return invalid("constraints.avoid_duplicates_window_hours", "must be >= 0")
	}
	if s.Constraints.MaxOpenPerAssetPerTemplate < 1 {
		return invalid("constraints.max_open_per_asset_per_template", "must be >= 1")
	}
	if s.GenerateAheadDays < 0 {
		return invalid("generate_ahead_days", "must be >= 0")
	}
	switch s.Status {
	case StatusActive, StatusPaused:
	default:
		return invalid("status", fmt.Sprintf("unknown status %q", s.Status))
	}
	return s.Rule.Validate()
}
