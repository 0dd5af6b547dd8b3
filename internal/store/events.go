package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"inspectflow/internal/domain"
)

const eventColumns = `id,type,asset_id,site_id,payload,created_at,processed_at,attempts`

func scanEvent(row scanner) (domain.SchedulingEvent, error) {
	var (
		e         domain.SchedulingEvent
		createdAt int64
		processed sql.NullInt64
		payload   []byte
	)
	if err := row.Scan(&e.ID, &e.Type, &e.AssetID, &e.SiteID, &payload, &createdAt, &processed, &e.Attempts); err != nil {
		return domain.SchedulingEvent{}, err
	}
	if len(payload) > 0 {
		e.Payload = payload
	}
	e.CreatedAt = fromMs(createdAt)
	e.ProcessedAt = fromNullMs(processed)
	return e, nil
}

func (r *SQLiteRepo) CreateEvent(ctx context.Context, e domain.SchedulingEvent) (string, error) {
	id := e.ID
	if id == "" {
		id = "evt_" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO scheduling_events (id,type,asset_id,site_id,payload,created_at) VALUES (?,?,?,?,?,?)`,
		id, e.Type, e.AssetID, e.SiteID, []byte(e.Payload), ms(e.CreatedAt))
	return id, err
}

func (r *SQLiteRepo) GetEvent(ctx context.Context, id string) (domain.SchedulingEvent, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM scheduling_events WHERE id=?`, id))
	if err != nil {
		return domain.SchedulingEvent{}, notFound(err)
	}
	return e, nil
}

// ListUnprocessedEvents returns pending events, fewest failed attempts first
// and oldest first within that, so events that keep failing do not hold back
// newer ones.
func (r *SQLiteRepo) ListUnprocessedEvents(ctx context.Context, limit int) ([]domain.SchedulingEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+eventColumns+` FROM scheduling_events WHERE processed_at IS NULL ORDER BY attempts, created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.SchedulingEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventProcessed sets processed_at once. It reports false when the event
// was already processed (or does not exist); the timestamp is never moved.
func (r *SQLiteRepo) MarkEventProcessed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE scheduling_events SET processed_at=? WHERE id=? AND processed_at IS NULL`, ms(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecordEventAttempt counts a pass that left the event pending. Processed
// events are left alone.
func (r *SQLiteRepo) RecordEventAttempt(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scheduling_events SET attempts=attempts+1 WHERE id=? AND processed_at IS NULL`, id)
	return err
}
