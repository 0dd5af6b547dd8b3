package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"inspectflow/internal/domain"
)

// The assets table is a local mirror of the external asset directory; it is
// fed through the API and read through the scope resolver.

func (r *SQLiteRepo) UpsertAsset(ctx context.Context, a domain.Asset) error {
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO assets (id,site_id,type_id,tags,onboarded_at,retired_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET site_id=excluded.site_id, type_id=excluded.type_id, tags=excluded.tags,
  onboarded_at=excluded.onboarded_at, retired_at=excluded.retired_at`,
		a.ID, a.SiteID, a.TypeID, tags, ms(a.OnboardedAt), nullMs(a.RetiredAt))
	return err
}

// LookupAssets returns live assets on a site matching the selector. Tags
// match when the asset carries any of the requested tags.
func (r *SQLiteRepo) LookupAssets(ctx context.Context, siteID string, sel domain.AssetSelector) ([]domain.Asset, error) {
	query := `SELECT id,site_id,type_id,tags,onboarded_at,retired_at FROM assets WHERE site_id=? AND retired_at IS NULL`
	args := []any{siteID}
	if sel.TypeID != "" {
		query += ` AND type_id=?`
		args = append(args, sel.TypeID)
	}
	rows, err := r.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	want := make(map[string]struct{}, len(sel.Tags))
	for _, t := range sel.Tags {
		want[t] = struct{}{}
	}

	var out []domain.Asset
	for rows.Next() {
		var (
			a         domain.Asset
			tags      []byte
			onboarded int64
			retired   sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.SiteID, &a.TypeID, &tags, &onboarded, &retired); err != nil {
			return nil, err
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &a.Tags); err != nil {
				return nil, err
			}
		}
		a.OnboardedAt, a.RetiredAt = fromMs(onboarded), fromNullMs(retired)
		if len(want) > 0 && !hasAnyTag(a.Tags, want) {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func hasAnyTag(tags []string, want map[string]struct{}) bool {
	for _, t := range tags {
		if _, ok := want[t]; ok {
			return true
		}
	}
	return false
}

func (r *SQLiteRepo) AssetExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM assets WHERE id=? AND retired_at IS NULL`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r *SQLiteRepo) RecordMeter(ctx context.Context, m domain.MeterReading) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO meter_readings (asset_id,meter_type,value,recorded_at) VALUES (?,?,?,?)`,
		m.AssetID, m.MeterType, m.Value, ms(m.RecordedAt))
	return err
}

func (r *SQLiteRepo) LatestMeter(ctx context.Context, assetID string, t domain.MeterType) (*float64, error) {
	var v float64
	err := r.db.QueryRowContext(ctx, `
SELECT value FROM meter_readings WHERE asset_id=? AND meter_type=? ORDER BY recorded_at DESC, id DESC LIMIT 1`, assetID, t).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
