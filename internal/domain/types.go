package domain

import (
	"encoding/json"
	"time"
)

type ScheduleStatus string

const (
	StatusActive ScheduleStatus = "active"
	StatusPaused ScheduleStatus = "paused"
)

type Schedule struct {
	ID                string         `json:"id"`
	Code              string         `json:"code"`
	Name              string         `json:"name"`
	SiteID            string         `json:"site_id"`
	Scope             Scope          `json:"scope"`
	TemplateID        string         `json:"template_id"`
	Rule              Rule           `json:"rule"`
	Assignment        Assignment     `json:"assignment"`
	DueRules          DueRules       `json:"due_rules"`
	Constraints       Constraints    `json:"constraints"`
	Notifications     Notifications  `json:"notifications"`
	GenerateAheadDays int            `json:"generate_ahead_days,omitempty"` // 0 uses the engine default
	Status            ScheduleStatus `json:"status"`
	CreatedBy         string         `json:"created_by"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	LastRunAt         *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time     `json:"next_run_at,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	DeletedAt         *time.Time     `json:"deleted_at,omitempty"`
}

// Polled reports whether the runner evaluates the schedule on its own cadence.
// Event-driven schedules are only reached through the event processor.
func (s Schedule) Polled() bool {
	return s.Rule.Mode != ModeEventDriven
}

type ScopeKind string

const (
	ScopeAllAssets ScopeKind = "all_assets"
	ScopeAssetIDs  ScopeKind = "asset_ids"
	ScopeAssetType ScopeKind = "asset_type"
	ScopeTags      ScopeKind = "tags"
)

// Scope is a tagged variant: only the selector matching Kind is populated.
type Scope struct {
	Kind             ScopeKind `json:"kind"`
	AssetIDs         []string  `json:"asset_ids,omitempty"`
	AssetTypeID      string    `json:"asset_type_id,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	IncludeNewAssets bool      `json:"include_new_assets,omitempty"`
}

type AssignmentMode string

const (
	AssignUnassigned AssignmentMode = "unassigned"
	AssignUser       AssignmentMode = "user"
	AssignRole       AssignmentMode = "role"
)

type Assignment struct {
	Mode       AssignmentMode `json:"mode"`
	AssigneeID string         `json:"assignee_id,omitempty"`
	Role       string         `json:"role,omitempty"`
}

type DueRules struct {
	DueOffsetDays    int `json:"due_offset_days"`
	OverdueAfterDays int `json:"overdue_after_days"`
}

type Constraints struct {
	AvoidDuplicatesWindowHours int `json:"avoid_duplicates_window_hours"`
	MaxOpenPerAssetPerTemplate int `json:"max_open_per_asset_per_template"`
}

type Notifications struct {
	OnCreate  bool `json:"on_create"`
	OnOverdue bool `json:"on_overdue"`
}

type EventType string

const (
	EventDefectMarkedUnsafe    EventType = "DEFECT_MARKED_UNSAFE"
	EventComplianceExpiring    EventType = "COMPLIANCE_EXPIRING"
	EventAssetOnboarded        EventType = "ASSET_ONBOARDED"
	EventIncidentReported      EventType = "INCIDENT_REPORTED"
	EventMeterThresholdReached EventType = "METER_THRESHOLD_REACHED"
)

var eventTypes = map[EventType]struct{}{
	EventDefectMarkedUnsafe:    {},
	EventComplianceExpiring:    {},
	EventAssetOnboarded:        {},
	EventIncidentReported:      {},
	EventMeterThresholdReached: {},
}

func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

type SchedulingEvent struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	AssetID     string          `json:"asset_id,omitempty"`
	SiteID      string          `json:"site_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Attempts    int             `json:"attempts,omitempty"` // passes that left it pending
}

type Origin string

const (
	OriginSchedule Origin = "schedule"
	OriginEvent    Origin = "event"
)

type OccurrenceStatus string

const (
	OccurrenceOpen      OccurrenceStatus = "open"
	OccurrenceCompleted OccurrenceStatus = "completed"
	OccurrenceCancelled OccurrenceStatus = "cancelled"
)

type Occurrence struct {
	ID               string           `json:"id"`
	ScheduleID       string           `json:"schedule_id"`
	AssetID          string           `json:"asset_id"`
	TemplateID       string           `json:"template_id"`
	ScheduledFor     time.Time        `json:"scheduled_for"`
	DueAt            time.Time        `json:"due_at"`
	OverdueAt        time.Time        `json:"overdue_at"`
	RecurrenceKey    string           `json:"recurrence_key"`
	Origin           Origin           `json:"origin"`
	EventID          string           `json:"event_id,omitempty"`
	MeterReading     *float64         `json:"meter_reading,omitempty"`
	AssigneeID       string           `json:"assignee_id,omitempty"`
	AssigneeRole     string           `json:"assignee_role,omitempty"`
	Status           OccurrenceStatus `json:"status"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	OverdueFlaggedAt *time.Time       `json:"overdue_flagged_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

type Asset struct {
	ID          string     `json:"id"`
	SiteID      string     `json:"site_id"`
	TypeID      string     `json:"type_id"`
	Tags        []string   `json:"tags,omitempty"`
	OnboardedAt time.Time  `json:"onboarded_at"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
}

type MeterReading struct {
	AssetID    string    `json:"asset_id"`
	MeterType  MeterType `json:"meter_type"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// AssetSelector narrows a site-scoped directory lookup. Zero values match
// everything on the site.
type AssetSelector struct {
	TypeID string
	Tags   []string
}
