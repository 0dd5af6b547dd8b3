package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"inspectflow/internal/domain"
)

// Admission carries the constraint values checked inside the admit
// transaction.
type Admission struct {
	Window  time.Duration
	MaxOpen int
}

type OccurrenceFilter struct {
	ScheduleID string
	AssetID    string
	Status     domain.OccurrenceStatus
	Limit      int
}

const occurrenceColumns = `id,schedule_id,asset_id,template_id,scheduled_for,due_at,overdue_at,recurrence_key,origin,event_id,meter_reading,assignee_id,assignee_role,status,completed_at,overdue_flagged_at,created_at`

func scanOccurrence(row scanner) (domain.Occurrence, error) {
	var (
		o                         domain.Occurrence
		scheduled, due, overdue   int64
		createdAt                 int64
		meter                     sql.NullFloat64
		completed, overdueFlagged sql.NullInt64
	)
	if err := row.Scan(&o.ID, &o.ScheduleID, &o.AssetID, &o.TemplateID, &scheduled, &due, &overdue, &o.RecurrenceKey,
		&o.Origin, &o.EventID, &meter, &o.AssigneeID, &o.AssigneeRole, &o.Status, &completed, &overdueFlagged, &createdAt); err != nil {
		return domain.Occurrence{}, err
	}
	o.ScheduledFor, o.DueAt, o.OverdueAt, o.CreatedAt = fromMs(scheduled), fromMs(due), fromMs(overdue), fromMs(createdAt)
	if meter.Valid {
		v := meter.Float64
		o.MeterReading = &v
	}
	o.CompletedAt, o.OverdueFlaggedAt = fromNullMs(completed), fromNullMs(overdueFlagged)
	return o, nil
}

// AdmitOccurrence checks the duplicate key, the duplicate window and the open
// cap, then inserts, all inside one transaction. The unique index on
// recurrence_key backs the key check for writers outside this process. An
// empty reason means the occurrence was inserted.
func (r *SQLiteRepo) AdmitOccurrence(ctx context.Context, o domain.Occurrence, c Admission) (reason domain.RejectReason, err error) {
	if o.ID == "" {
		o.ID = "occ_" + uuid.NewString()
	}
	if o.Status == "" {
		o.Status = domain.OccurrenceOpen
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil || reason != "" {
			_ = tx.Rollback()
		}
	}()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM occurrences WHERE recurrence_key=?`, o.RecurrenceKey).Scan(&one)
	switch {
	case err == nil:
		return domain.RejectDuplicateKey, nil
	case err != sql.ErrNoRows:
		return "", err
	}
	err = nil

	if c.Window > 0 {
		sf := ms(o.ScheduledFor)
		w := c.Window.Milliseconds()
		err = tx.QueryRowContext(ctx, `
SELECT 1 FROM occurrences
WHERE schedule_id=? AND asset_id=? AND template_id=? AND status<>'cancelled'
  AND scheduled_for > ? AND scheduled_for < ?
LIMIT 1`, o.ScheduleID, o.AssetID, o.TemplateID, sf-w, sf+w).Scan(&one)
		switch {
		case err == nil:
			return domain.RejectDuplicateWindow, nil
		case err != sql.ErrNoRows:
			return "", err
		}
		err = nil
	}

	var open int
	if err = tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM occurrences WHERE asset_id=? AND template_id=? AND status='open'`, o.AssetID, o.TemplateID).Scan(&open); err != nil {
		return "", err
	}
	if c.MaxOpen > 0 && open >= c.MaxOpen {
		return domain.RejectMaxOpenReached, nil
	}

	var meter sql.NullFloat64
	if o.MeterReading != nil {
		meter = sql.NullFloat64{Float64: *o.MeterReading, Valid: true}
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO occurrences (id,schedule_id,asset_id,template_id,scheduled_for,due_at,overdue_at,recurrence_key,origin,event_id,meter_reading,assignee_id,assignee_role,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(recurrence_key) DO NOTHING`,
		o.ID, o.ScheduleID, o.AssetID, o.TemplateID, ms(o.ScheduledFor), ms(o.DueAt), ms(o.OverdueAt), o.RecurrenceKey,
		o.Origin, o.EventID, meter, o.AssigneeID, o.AssigneeRole, o.Status, ms(created))
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return domain.RejectDuplicateKey, nil
	}
	return "", tx.Commit()
}

func (r *SQLiteRepo) GetOccurrence(ctx context.Context, id string) (domain.Occurrence, error) {
	o, err := scanOccurrence(r.db.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id=?`, id))
	if err != nil {
		return domain.Occurrence{}, notFound(err)
	}
	return o, nil
}

func (r *SQLiteRepo) ListOccurrences(ctx context.Context, f OccurrenceFilter) ([]domain.Occurrence, error) {
	where := []string{"1=1"}
	var args []any
	if f.ScheduleID != "" {
		where = append(where, "schedule_id=?")
		args = append(args, f.ScheduleID)
	}
	if f.AssetID != "" {
		where = append(where, "asset_id=?")
		args = append(args, f.AssetID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	return r.queryOccurrences(ctx, strings.Join(where, " AND ")+" ORDER BY scheduled_for, asset_id LIMIT ?", args...)
}

func (r *SQLiteRepo) queryOccurrences(ctx context.Context, where string, args ...any) ([]domain.Occurrence, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CompleteOccurrence records the execution subsystem's completion of an open
// occurrence.
func (r *SQLiteRepo) CompleteOccurrence(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE occurrences SET status='completed', completed_at=? WHERE id=? AND status='open'`, ms(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *SQLiteRepo) LastCompletion(ctx context.Context, scheduleID, assetID string) (*time.Time, error) {
	var v sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
SELECT MAX(completed_at) FROM occurrences WHERE schedule_id=? AND asset_id=? AND status='completed'`, scheduleID, assetID).Scan(&v)
	if err != nil {
		return nil, err
	}
	return fromNullMs(v), nil
}

// LastGeneratedMeter returns the meter reading recorded on the most recent
// occurrence generated for the pair, or nil if none carried one.
func (r *SQLiteRepo) LastGeneratedMeter(ctx context.Context, scheduleID, assetID string) (*float64, error) {
	var v sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
SELECT meter_reading FROM occurrences
WHERE schedule_id=? AND asset_id=? AND meter_reading IS NOT NULL
ORDER BY created_at DESC, scheduled_for DESC LIMIT 1`, scheduleID, assetID).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v.Float64, nil
}

// ListOverdue returns open occurrences past their overdue threshold that have
// not been flagged yet.
func (r *SQLiteRepo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Occurrence, error) {
	return r.queryOccurrences(ctx, `status='open' AND overdue_flagged_at IS NULL AND overdue_at <= ? ORDER BY overdue_at LIMIT ?`, ms(now), limit)
}

func (r *SQLiteRepo) FlagOverdue(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE occurrences SET overdue_flagged_at=? WHERE id=? AND overdue_flagged_at IS NULL`, ms(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
