package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"inspectflow/internal/domain"
)

var _ Repository = (*SQLiteRepo)(nil)

// definition is the JSON blob holding the rule-shaped parts of a schedule.
type definition struct {
	Scope             domain.Scope         `json:"scope"`
	Rule              domain.Rule          `json:"rule"`
	Assignment        domain.Assignment    `json:"assignment"`
	DueRules          domain.DueRules      `json:"due_rules"`
	Constraints       domain.Constraints   `json:"constraints"`
	Notifications     domain.Notifications `json:"notifications"`
	GenerateAheadDays int                  `json:"generate_ahead_days,omitempty"`
}

type ScheduleFilter struct {
	SiteID string
	Status domain.ScheduleStatus
	Mode   domain.Mode
}

// RunUpdate is the bookkeeping written when a run finishes with a schedule.
// A nil NextRunAt leaves the stored value untouched.
type RunUpdate struct {
	LastRunAt *time.Time
	NextRunAt *time.Time
	LastError string
}

const scheduleColumns = `id,code,name,site_id,template_id,status,definition,created_by,created_at,updated_at,last_run_at,next_run_at,last_error,deleted_at`

func marshalDefinition(s domain.Schedule) ([]byte, error) {
	return json.Marshal(definition{
		Scope:             s.Scope,
		Rule:              s.Rule,
		Assignment:        s.Assignment,
		DueRules:          s.DueRules,
		Constraints:       s.Constraints,
		Notifications:     s.Notifications,
		GenerateAheadDays: s.GenerateAheadDays,
	})
}

func scanSchedule(row scanner) (domain.Schedule, error) {
	var (
		s                     domain.Schedule
		def                   []byte
		createdAt, updatedAt  int64
		lastRun, nextRun, del sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Code, &s.Name, &s.SiteID, &s.TemplateID, &s.Status, &def, &s.CreatedBy,
		&createdAt, &updatedAt, &lastRun, &nextRun, &s.LastError, &del); err != nil {
		return domain.Schedule{}, err
	}
	var d definition
	if err := json.Unmarshal(def, &d); err != nil {
		return domain.Schedule{}, fmt.Errorf("schedule %s: decode definition: %w", s.ID, err)
	}
	s.Scope, s.Rule, s.Assignment = d.Scope, d.Rule, d.Assignment
	s.DueRules, s.Constraints, s.Notifications = d.DueRules, d.Constraints, d.Notifications
	s.GenerateAheadDays = d.GenerateAheadDays
	s.CreatedAt, s.UpdatedAt = fromMs(createdAt), fromMs(updatedAt)
	s.LastRunAt, s.NextRunAt, s.DeletedAt = fromNullMs(lastRun), fromNullMs(nextRun), fromNullMs(del)
	return s, nil
}

func (r *SQLiteRepo) querySchedules(ctx context.Context, where string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *SQLiteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.Status == "" {
		s.Status = domain.StatusActive
	}
	def, err := marshalDefinition(s)
	if err != nil {
		return "", err
	}
	now := time.Now()
	if !s.CreatedAt.IsZero() {
		now = s.CreatedAt
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO schedules (id,code,name,site_id,template_id,mode,status,definition,created_by,created_at,updated_at,last_run_at,next_run_at,last_error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,'')
`, id, s.Code, s.Name, s.SiteID, s.TemplateID, s.Rule.Mode, s.Status, def, s.CreatedBy, ms(now), ms(now), nullMs(s.LastRunAt), nullMs(s.NextRunAt))
	return id, err
}

func (r *SQLiteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=? AND deleted_at IS NULL`, id)
	s, err := scanSchedule(row)
	if err != nil {
		return domain.Schedule{}, notFound(err)
	}
	return s, nil
}

func (r *SQLiteRepo) ListSchedules(ctx context.Context, f ScheduleFilter) ([]domain.Schedule, error) {
	where := []string{"deleted_at IS NULL"}
	var args []any
	if f.SiteID != "" {
		where = append(where, "site_id=?")
		args = append(args, f.SiteID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.Mode != "" {
		where = append(where, "mode=?")
		args = append(args, f.Mode)
	}
	return r.querySchedules(ctx, strings.Join(where, " AND ")+" ORDER BY name", args...)
}

// UpdateSchedule rewrites the definition. Run bookkeeping is owned by
// FinishScheduleRun, except that NextRunAt is cleared so the next run
// re-evaluates the changed rule.
func (r *SQLiteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	def, err := marshalDefinition(s)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET code=?,name=?,site_id=?,template_id=?,mode=?,status=?,definition=?,next_run_at=NULL,last_error='',updated_at=?
WHERE id=? AND deleted_at IS NULL`, s.Code, s.Name, s.SiteID, s.TemplateID, s.Rule.Mode, s.Status, def, ms(time.Now()), s.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *SQLiteRepo) SetScheduleStatus(ctx context.Context, id string, status domain.ScheduleStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE schedules SET status=?,updated_at=? WHERE id=? AND deleted_at IS NULL`, status, ms(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteSchedule is a logical delete; generated occurrences are kept.
func (r *SQLiteRepo) DeleteSchedule(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE schedules SET deleted_at=?,updated_at=? WHERE id=? AND deleted_at IS NULL`, ms(at), ms(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetDueSchedules returns active polled schedules whose next run has come, or
// that have never been evaluated.
func (r *SQLiteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `deleted_at IS NULL AND status='active' AND mode<>? AND (next_run_at IS NULL OR next_run_at <= ?) ORDER BY next_run_at`,
		domain.ModeEventDriven, ms(now))
}

// ListEventSchedules returns active event-driven schedules listening for t.
func (r *SQLiteRepo) ListEventSchedules(ctx context.Context, t domain.EventType) ([]domain.Schedule, error) {
	all, err := r.querySchedules(ctx, `deleted_at IS NULL AND status='active' AND mode=? ORDER BY created_at`, domain.ModeEventDriven)
	if err != nil {
		return nil, err
	}
	var out []domain.Schedule
	for _, s := range all {
		if s.Rule.Event != nil && s.Rule.Event.Matches(t) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *SQLiteRepo) FinishScheduleRun(ctx context.Context, id string, run RunUpdate) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run_at=COALESCE(?, last_run_at), next_run_at=COALESCE(?, next_run_at), last_error=?, updated_at=?
WHERE id=?`, nullMs(run.LastRunAt), nullMs(run.NextRunAt), run.LastError, ms(time.Now()), id)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
