package generator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inspectflow/internal/domain"
	"inspectflow/internal/generator"
	"inspectflow/internal/guard"
	"inspectflow/internal/notify"
	"inspectflow/internal/scope"
	"inspectflow/internal/store"
	"inspectflow/internal/store/storetest"
	"inspectflow/internal/worker"
)

var now = time.Date(2025, time.March, 5, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

// flakyStore fails completion lookups for one asset.
type flakyStore struct {
	*store.SQLiteRepo
	failAsset string
	err       error
}

func (f flakyStore) LastCompletion(ctx context.Context, scheduleID, assetID string) (*time.Time, error) {
	if assetID == f.failAsset {
		if f.err != nil {
			return nil, f.err
		}
		return nil, errors.New("execution subsystem unavailable")
	}
	return f.SQLiteRepo.LastCompletion(ctx, scheduleID, assetID)
}

func seed(t *testing.T, repo *store.SQLiteRepo, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := repo.UpsertAsset(context.Background(), domain.Asset{ID: id, SiteID: "site-1", TypeID: "forklift", OnboardedAt: now.AddDate(-1, 0, 0)}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func newGenerator(repo *store.SQLiteRepo, st generator.Store, n notify.Dispatcher) *generator.Generator {
	return generator.New(
		scope.NewResolver(repo, time.Second),
		guard.New(repo, time.Second),
		st,
		worker.NewPool(4),
		generator.Options{GenerateAheadDays: 14, StoreTimeout: time.Second, Notifier: n},
	)
}

func weekly() domain.Schedule {
	return domain.Schedule{
		ID: "sch-weekly", Name: "weekly", SiteID: "site-1", TemplateID: "tpl-1",
		Scope: domain.Scope{Kind: domain.ScopeAllAssets},
		Rule: domain.Rule{Mode: domain.ModeFixedTime, Fixed: &domain.FixedTimeRule{
			StartDate: "2025-01-01", IntervalUnit: domain.UnitWeek, IntervalValue: 1,
			DaysOfWeek: []time.Weekday{time.Monday}, TimeOfDay: "09:00", Timezone: "UTC",
		}},
		DueRules:      domain.DueRules{DueOffsetDays: 1},
		Constraints:   domain.Constraints{MaxOpenPerAssetPerTemplate: 10},
		Notifications: domain.Notifications{OnCreate: true},
		Status:        domain.StatusActive,
	}
}

func TestGenerate_Idempotent(t *testing.T) {
	repo := storetest.Open(t)
	seed(t, repo, "fork-1", "fork-2")
	rec := &recorder{}
	gen := newGenerator(repo, repo, rec)
	s := weekly()

	first := gen.Generate(context.Background(), s, generator.Request{Now: now})
	if first.Failed || len(first.Errors) > 0 {
		t.Fatalf("first run errors: %+v", first.Errors)
	}
	// Two Mondays in the window for each of two assets.
	if first.Generated != 4 || first.Rejected != 0 {
		t.Fatalf("first run generated=%d rejected=%d", first.Generated, first.Rejected)
	}
	if len(rec.got) != 4 {
		t.Fatalf("notifications = %d, want 4", len(rec.got))
	}

	second := gen.Generate(context.Background(), s, generator.Request{Now: now})
	if second.Generated != 0 || second.Rejected != 4 {
		t.Fatalf("second run generated=%d rejected=%d", second.Generated, second.Rejected)
	}
	for _, r := range second.Rejections {
		if r.Reason != domain.RejectDuplicateKey {
			t.Fatalf("rejection reason = %q", r.Reason)
		}
	}

	stored, err := repo.ListOccurrences(context.Background(), store.OccurrenceFilter{ScheduleID: s.ID})
	if err != nil || len(stored) != 4 {
		t.Fatalf("stored = %d err=%v", len(stored), err)
	}
}

func TestGenerate_UsageThreshold(t *testing.T) {
	ctx := context.Background()
	repo := storetest.Open(t)
	seed(t, repo, "truck-1")
	gen := newGenerator(repo, repo, nil)

	s := domain.Schedule{
		ID: "sch-usage", Name: "250h service", SiteID: "site-1", TemplateID: "tpl-service",
		Scope:       domain.Scope{Kind: domain.ScopeAssetIDs, AssetIDs: []string{"truck-1"}},
		Rule:        domain.Rule{Mode: domain.ModeUsageBased, Usage: &domain.UsageRule{MeterType: domain.MeterHours, ThresholdValue: 250}},
		Constraints: domain.Constraints{MaxOpenPerAssetPerTemplate: 5},
		Status:      domain.StatusActive,
	}
	record := func(v float64, at time.Time) {
		if err := repo.RecordMeter(ctx, domain.MeterReading{AssetID: "truck-1", MeterType: domain.MeterHours, Value: v, RecordedAt: at}); err != nil {
			t.Fatalf("record meter: %v", err)
		}
	}

	record(249.9, now.Add(-time.Hour))
	if res := gen.Generate(ctx, s, generator.Request{Now: now}); res.Generated != 0 {
		t.Fatalf("below threshold generated %d", res.Generated)
	}

	record(250.0, now)
	res := gen.Generate(ctx, s, generator.Request{Now: now.Add(time.Minute)})
	if res.Generated != 1 {
		t.Fatalf("at threshold generated %d (errors %+v)", res.Generated, res.Errors)
	}
	if m := res.Occurrences[0].MeterReading; m == nil || *m != 250.0 {
		t.Fatalf("meter baseline not recorded: %v", m)
	}

	// The new baseline is 250, so the same reading yields nothing.
	if res := gen.Generate(ctx, s, generator.Request{Now: now.Add(2 * time.Minute)}); res.Generated != 0 || res.Rejected != 0 {
		t.Fatalf("re-run generated=%d rejected=%d", res.Generated, res.Rejected)
	}
}

func TestGenerate_IsolatesAssetFailures(t *testing.T) {
	repo := storetest.Open(t)
	seed(t, repo, "fork-1", "fork-2")
	gen := newGenerator(repo, flakyStore{SQLiteRepo: repo, failAsset: "fork-1"}, nil)

	res := gen.Generate(context.Background(), rollingForklifts(), generator.Request{Now: now})
	if res.Failed {
		t.Fatalf("schedule failed as a whole: %+v", res.Errors)
	}
	if res.Generated != 1 || res.Occurrences[0].AssetID != "fork-2" {
		t.Fatalf("generated = %d %+v", res.Generated, res.Occurrences)
	}
	if len(res.Errors) != 1 || res.Errors[0].AssetID != "fork-1" {
		t.Fatalf("errors = %+v", res.Errors)
	}
}

func rollingForklifts() domain.Schedule {
	return domain.Schedule{
		ID: "sch-rolling", Name: "rolling", SiteID: "site-1", TemplateID: "tpl-1",
		Scope: domain.Scope{Kind: domain.ScopeAssetType, AssetTypeID: "forklift"},
		Rule: domain.Rule{Mode: domain.ModeRollingAfterCompletion, Rolling: &domain.RollingRule{
			Unit: domain.UnitDay, Value: 7, StartDate: "2025-03-01", TimeOfDay: "08:00", Timezone: "UTC",
		}},
		Constraints: domain.Constraints{MaxOpenPerAssetPerTemplate: 1},
		Status:      domain.StatusActive,
	}
}

func TestGenerate_AssetTimeoutFailsRun(t *testing.T) {
	repo := storetest.Open(t)
	seed(t, repo, "fork-1", "fork-2")
	gen := newGenerator(repo, flakyStore{SQLiteRepo: repo, failAsset: "fork-1", err: context.DeadlineExceeded}, nil)

	res := gen.Generate(context.Background(), rollingForklifts(), generator.Request{Now: now})
	if !res.Failed || res.Kind != "external_timeout" {
		t.Fatalf("failed=%v kind=%q, want external_timeout failure", res.Failed, res.Kind)
	}
	// The other asset is still generated.
	if res.Generated != 1 || res.Occurrences[0].AssetID != "fork-2" {
		t.Fatalf("generated = %d %+v", res.Generated, res.Occurrences)
	}
	if len(res.Errors) != 1 || res.Errors[0].AssetID != "fork-1" || res.Errors[0].Kind != "external_timeout" {
		t.Fatalf("errors = %+v", res.Errors)
	}
}

func TestGenerate_ExcludesAssetsOnboardedSinceLastRun(t *testing.T) {
	ctx := context.Background()
	repo := storetest.Open(t)
	seed(t, repo, "fork-1")
	lastRun := now.Add(-24 * time.Hour)
	if err := repo.UpsertAsset(ctx, domain.Asset{ID: "fork-new", SiteID: "site-1", TypeID: "forklift", OnboardedAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("seed fork-new: %v", err)
	}
	gen := newGenerator(repo, repo, nil)

	s := weekly()
	s.CreatedAt = now.AddDate(0, -1, 0)
	s.LastRunAt = &lastRun
	res := gen.Generate(ctx, s, generator.Request{Now: now})
	for _, o := range res.Occurrences {
		if o.AssetID == "fork-new" {
			t.Fatalf("asset onboarded after the last run was included: %+v", o)
		}
	}
	if res.Generated != 2 {
		t.Fatalf("generated = %d, want 2 for fork-1", res.Generated)
	}

	s.ID = "sch-open"
	s.Scope.IncludeNewAssets = true
	res = gen.Generate(ctx, s, generator.Request{Now: now})
	if res.Generated != 4 {
		t.Fatalf("with new assets generated = %d, want 4", res.Generated)
	}
}

func TestGenerate_ScheduleLevelOutcomes(t *testing.T) {
	repo := storetest.Open(t)
	seed(t, repo, "fork-1")
	gen := newGenerator(repo, repo, nil)

	t.Run("empty selector is skipped, not failed", func(t *testing.T) {
		s := weekly()
		s.Scope = domain.Scope{Kind: domain.ScopeTags, Tags: []string{"nowhere"}}
		res := gen.Generate(context.Background(), s, generator.Request{Now: now})
		if res.Failed || len(res.Errors) != 1 || res.Errors[0].Kind != "scope_resolution" {
			t.Fatalf("result = %+v", res)
		}
	})

	t.Run("invalid rule fails the schedule", func(t *testing.T) {
		s := weekly()
		s.Rule.Fixed.DaysOfWeek = nil
		res := gen.Generate(context.Background(), s, generator.Request{Now: now})
		if !res.Failed || res.Kind != "invalid_rule_configuration" {
			t.Fatalf("result = %+v", res)
		}
	})

	t.Run("single asset outside scope is a no-op", func(t *testing.T) {
		s := weekly()
		s.ID = "sch-single"
		s.Scope = domain.Scope{Kind: domain.ScopeAssetIDs, AssetIDs: []string{"fork-1"}}
		res := gen.Generate(context.Background(), s, generator.Request{Now: now, AssetID: "fork-9"})
		if res.Failed || res.Generated != 0 || len(res.Errors) != 0 {
			t.Fatalf("result = %+v", res)
		}
	})
}
