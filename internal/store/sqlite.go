package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"inspectflow/internal/domain"
	_ "modernc.org/sqlite"
)

// EnsureSchema creates tables if they don't exist.
//
// Timestamps are stored as Unix milliseconds (UTC) so range comparisons in SQL
// are numeric rather than string based.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  code TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL,
  site_id TEXT NOT NULL,
  template_id TEXT NOT NULL,
  mode TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('active','paused')) DEFAULT 'active',
  definition BLOB NOT NULL,
  created_by TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  last_run_at INTEGER,
  next_run_at INTEGER,
  last_error TEXT NOT NULL DEFAULT '',
  deleted_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, mode, next_run_at) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_schedules_site ON schedules(site_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_code ON schedules(code) WHERE code <> '' AND deleted_at IS NULL;
CREATE TABLE IF NOT EXISTS scheduling_events (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  asset_id TEXT NOT NULL DEFAULT '',
  site_id TEXT NOT NULL DEFAULT '',
  payload BLOB,
  created_at INTEGER NOT NULL,
  processed_at INTEGER,
  attempts INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_pending ON scheduling_events(attempts, created_at) WHERE processed_at IS NULL;
CREATE TABLE IF NOT EXISTS occurrences (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  template_id TEXT NOT NULL,
  scheduled_for INTEGER NOT NULL,
  due_at INTEGER NOT NULL,
  overdue_at INTEGER NOT NULL,
  recurrence_key TEXT NOT NULL,
  origin TEXT NOT NULL CHECK(origin IN ('schedule','event')),
  event_id TEXT NOT NULL DEFAULT '',
  meter_reading REAL,
  assignee_id TEXT NOT NULL DEFAULT '',
  assignee_role TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('open','completed','cancelled')) DEFAULT 'open',
  completed_at INTEGER,
  overdue_flagged_at INTEGER,
  created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_occurrences_key ON occurrences(recurrence_key);
CREATE INDEX IF NOT EXISTS idx_occurrences_open ON occurrences(asset_id, template_id, status);
CREATE INDEX IF NOT EXISTS idx_occurrences_schedule ON occurrences(schedule_id, asset_id, scheduled_for);
CREATE INDEX IF NOT EXISTS idx_occurrences_overdue ON occurrences(status, overdue_at) WHERE overdue_flagged_at IS NULL;
CREATE TABLE IF NOT EXISTS assets (
  id TEXT PRIMARY KEY,
  site_id TEXT NOT NULL,
  type_id TEXT NOT NULL DEFAULT '',
  tags BLOB,
  onboarded_at INTEGER NOT NULL,
  retired_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_assets_site ON assets(site_id, type_id);
CREATE TABLE IF NOT EXISTS meter_readings (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  asset_id TEXT NOT NULL,
  meter_type TEXT NOT NULL,
  value REAL NOT NULL,
  recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_meter_latest ON meter_readings(asset_id, meter_type, recorded_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the keyed store behind the engine.
type Repository interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	SetScheduleStatus(ctx context.Context, id string, status domain.ScheduleStatus) error
	DeleteSchedule(ctx context.Context, id string, at time.Time) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	ListEventSchedules(ctx context.Context, t domain.EventType) ([]domain.Schedule, error)
	FinishScheduleRun(ctx context.Context, id string, run RunUpdate) error

	CreateEvent(ctx context.Context, e domain.SchedulingEvent) (string, error)
	GetEvent(ctx context.Context, id string) (domain.SchedulingEvent, error)
	ListUnprocessedEvents(ctx context.Context, limit int) ([]domain.SchedulingEvent, error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time) (bool, error)
	RecordEventAttempt(ctx context.Context, id string) error

	AdmitOccurrence(ctx context.Context, o domain.Occurrence, c Admission) (domain.RejectReason, error)
	GetOccurrence(ctx context.Context, id string) (domain.Occurrence, error)
	ListOccurrences(ctx context.Context, f OccurrenceFilter) ([]domain.Occurrence, error)
	CompleteOccurrence(ctx context.Context, id string, at time.Time) error
	LastCompletion(ctx context.Context, scheduleID, assetID string) (*time.Time, error)
	LastGeneratedMeter(ctx context.Context, scheduleID, assetID string) (*float64, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Occurrence, error)
	FlagOverdue(ctx context.Context, id string, at time.Time) (bool, error)

	UpsertAsset(ctx context.Context, a domain.Asset) error
	LookupAssets(ctx context.Context, siteID string, sel domain.AssetSelector) ([]domain.Asset, error)
	AssetExists(ctx context.Context, id string) (bool, error)
	RecordMeter(ctx context.Context, m domain.MeterReading) error
	LatestMeter(ctx context.Context, assetID string, t domain.MeterType) (*float64, error)
}

type SQLiteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo { return &SQLiteRepo{db: db} }

// Open opens (or creates) the database at path and ensures the schema.
// Transactions take the write lock up front so admit checks run serialized
// even across processes sharing the file.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// DB returns the underlying database connection.
func (r *SQLiteRepo) DB() *sql.DB { return r.db }

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ms(*t), Valid: true}
}

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}
