package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inspectflow/internal/domain"
	"inspectflow/internal/events"
	"inspectflow/internal/generator"
	"inspectflow/internal/guard"
	"inspectflow/internal/notify"
	"inspectflow/internal/scope"
	"inspectflow/internal/store"
	"inspectflow/internal/store/storetest"
	"inspectflow/internal/worker"
)

// Wednesday.
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

type harness struct {
	repo *store.SQLiteRepo
	svc  *Service
	note *recorder
}

func newHarness(t *testing.T) harness {
	t.Helper()
	repo := storetest.Open(t)
	if err := repo.UpsertAsset(context.Background(), domain.Asset{ID: "lift-1", SiteID: "site-1", TypeID: "lift", OnboardedAt: now.AddDate(-1, 0, 0)}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	note := &recorder{}
	gen := generator.New(scope.NewResolver(repo, time.Second), guard.New(repo, time.Second), repo, worker.NewPool(2),
		generator.Options{StoreTimeout: time.Second, Notifier: note})
	svc := NewService(repo, gen, events.NewProcessor(repo, gen, 10), note, Config{PollInterval: time.Hour}).
		WithClock(func() time.Time { return now })
	return harness{repo: repo, svc: svc, note: note}
}

func weekly(name string) domain.Schedule {
	return domain.Schedule{
		Name: name, SiteID: "site-1", TemplateID: "tpl-" + name,
		Scope: domain.Scope{Kind: domain.ScopeAssetIDs, AssetIDs: []string{"lift-1"}},
		Rule: domain.Rule{Mode: domain.ModeFixedTime, Fixed: &domain.FixedTimeRule{
			StartDate: "2025-01-01", IntervalUnit: domain.UnitWeek, IntervalValue: 1,
			DaysOfWeek: []time.Weekday{time.Monday}, TimeOfDay: "09:00", Timezone: "UTC",
		}},
		Constraints: domain.Constraints{MaxOpenPerAssetPerTemplate: 10},
		Status:      domain.StatusActive,
	}
}

func (h harness) create(t *testing.T, s domain.Schedule) string {
	t.Helper()
	id, err := h.repo.CreateSchedule(context.Background(), s)
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return id
}

func TestRunAllDueFinalizesSchedules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.create(t, weekly("weekly"))
	paused := weekly("paused")
	paused.Status = domain.StatusPaused
	h.create(t, paused)
	h.create(t, domain.Schedule{
		Name: "on defect", SiteID: "site-1", TemplateID: "tpl-defect",
		Scope:  domain.Scope{Kind: domain.ScopeAllAssets},
		Rule:   domain.Rule{Mode: domain.ModeEventDriven, Event: &domain.EventRule{Triggers: []domain.EventType{domain.EventDefectMarkedUnsafe}}},
		Status: domain.StatusActive,
	})

	results, err := h.svc.RunAllDue(ctx, now)
	if err != nil {
		t.Fatalf("RunAllDue: %v", err)
	}
	if len(results) != 1 || results[0].ScheduleID != id || results[0].Generated != 2 {
		t.Fatalf("results = %+v", results)
	}
	if h.svc.State() != StateIdle {
		t.Fatalf("state = %s after run", h.svc.State())
	}

	got, err := h.repo.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	// Mar 10 and 17 are generated; Mar 24 enters the window on Mar 10.
	nextMonday := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Fatalf("last_run_at = %v", got.LastRunAt)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(nextMonday) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, nextMonday)
	}

	// Nothing is due again until next Monday.
	results, err = h.svc.RunAllDue(ctx, now.Add(time.Hour))
	if err != nil || len(results) != 0 {
		t.Fatalf("second run = %+v err=%v", results, err)
	}
}

func TestRunScheduleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, weekly("weekly"))

	first, err := h.svc.RunSchedule(ctx, id)
	if err != nil || first.Generated != 2 {
		t.Fatalf("first = %+v err=%v", first, err)
	}
	second, err := h.svc.RunSchedule(ctx, id)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Generated != 0 || second.Rejected != 2 {
		t.Fatalf("second generated=%d rejected=%d", second.Generated, second.Rejected)
	}
}

func TestRunScheduleRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	paused := weekly("paused")
	paused.Status = domain.StatusPaused
	if _, err := h.svc.RunSchedule(ctx, h.create(t, paused)); !errors.Is(err, ErrSchedulePaused) {
		t.Fatalf("paused: err = %v", err)
	}

	evID := h.create(t, domain.Schedule{
		Name: "on incident", SiteID: "site-1", TemplateID: "tpl-incident",
		Scope:  domain.Scope{Kind: domain.ScopeAllAssets},
		Rule:   domain.Rule{Mode: domain.ModeEventDriven, Event: &domain.EventRule{Triggers: []domain.EventType{domain.EventIncidentReported}}},
		Status: domain.StatusActive,
	})
	if _, err := h.svc.RunSchedule(ctx, evID); !errors.Is(err, ErrEventDriven) {
		t.Fatalf("event-driven: err = %v", err)
	}

	if _, err := h.svc.RunSchedule(ctx, "sch_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing: err = %v", err)
	}
}

func TestInvalidRuleIsFlaggedNotPaused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	bad := weekly("bad")
	bad.Rule.Fixed.DaysOfWeek = nil
	id := h.create(t, bad)

	results, err := h.svc.RunAllDue(ctx, now)
	if err != nil || len(results) != 1 || !results[0].Failed {
		t.Fatalf("results = %+v err=%v", results, err)
	}

	got, _ := h.repo.GetSchedule(ctx, id)
	if got.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.LastError == "" {
		t.Fatalf("last_error not set")
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("next_run_at = %v", got.NextRunAt)
	}
}

func TestRunAllDueKeepsMonthlyCadence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	s := weekly("monthly")
	s.Rule.Fixed = &domain.FixedTimeRule{
		StartDate: "2025-01-01", IntervalUnit: domain.UnitMonth, IntervalValue: 1,
		DayOfMonth: ptr(31), TimeOfDay: "09:00", Timezone: "UTC",
	}
	id := h.create(t, s)

	at := time.Date(2025, time.February, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if _, err := h.svc.RunAllDue(ctx, at); err != nil {
			t.Fatalf("run %d at %v: %v", i, at, err)
		}
		got, err := h.repo.GetSchedule(ctx, id)
		if err != nil || got.NextRunAt == nil {
			t.Fatalf("run %d: next_run_at = %v err=%v", i, got.NextRunAt, err)
		}
		at = got.NextRunAt.Add(30 * time.Second)
	}

	occs, err := h.repo.ListOccurrences(ctx, store.OccurrenceFilter{ScheduleID: id})
	if err != nil {
		t.Fatalf("ListOccurrences: %v", err)
	}
	want := map[string]bool{"2025-02-28T09:00:00Z": true, "2025-03-31T09:00:00Z": true, "2025-04-30T09:00:00Z": true}
	if len(occs) != len(want) {
		t.Fatalf("occurrences = %d, want %d", len(occs), len(want))
	}
	for _, o := range occs {
		if !want[o.ScheduledFor.UTC().Format(time.RFC3339)] {
			t.Fatalf("unexpected occurrence at %v", o.ScheduledFor)
		}
	}
}

// slowStore times out completion lookups.
type slowStore struct{ *store.SQLiteRepo }

func (slowStore) LastCompletion(context.Context, string, string) (*time.Time, error) {
	return nil, context.DeadlineExceeded
}

func TestTimeoutKeepsNextRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gen := generator.New(scope.NewResolver(h.repo, time.Second), guard.New(h.repo, time.Second), slowStore{h.repo}, worker.NewPool(2),
		generator.Options{StoreTimeout: time.Second})
	svc := NewService(h.repo, gen, nil, nil, Config{PollInterval: time.Hour})

	previous := now.Add(-time.Minute)
	s := weekly("rolling")
	s.Rule = domain.Rule{Mode: domain.ModeRollingAfterCompletion, Rolling: &domain.RollingRule{
		Unit: domain.UnitDay, Value: 7, StartDate: "2025-03-01", TimeOfDay: "08:00", Timezone: "UTC",
	}}
	s.NextRunAt = &previous
	id := h.create(t, s)

	results, err := svc.RunAllDue(ctx, now)
	if err != nil || len(results) != 1 {
		t.Fatalf("results = %+v err=%v", results, err)
	}
	if !results[0].Failed || results[0].Kind != "external_timeout" {
		t.Fatalf("failed=%v kind=%q", results[0].Failed, results[0].Kind)
	}

	got, err := h.repo.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(previous) {
		t.Fatalf("next_run_at = %v, want unchanged %v", got.NextRunAt, previous)
	}
	if got.LastError == "" {
		t.Fatalf("last_error not set")
	}
}

type cancellingGenerator struct {
	cancel context.CancelFunc
	calls  int
}

func (g *cancellingGenerator) Generate(_ context.Context, s domain.Schedule, req generator.Request) domain.RunResult {
	g.calls++
	g.cancel()
	return domain.RunResult{ScheduleID: s.ID, StartedAt: req.Now}
}

func TestRunAllDueStopsBetweenSchedulesOnCancel(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"a", "b", "c"} {
		h.create(t, weekly(name))
	}

	ctx, cancel := context.WithCancel(context.Background())
	gen := &cancellingGenerator{cancel: cancel}
	svc := NewService(h.repo, gen, nil, nil, Config{ScheduleWorkers: 1}).WithClock(func() time.Time { return now })

	results, err := svc.RunAllDue(ctx, now)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(results) != 1 || gen.calls != 1 {
		t.Fatalf("results = %d calls = %d, want 1", len(results), gen.calls)
	}

	// The finalized schedule keeps its update; the others are still due.
	due, err := h.repo.GetDueSchedules(context.Background(), now)
	if err != nil || len(due) != 2 {
		t.Fatalf("still due = %d err=%v", len(due), err)
	}
}

func TestFlagOverdueNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	s := weekly("overdue")
	s.DueRules = domain.DueRules{DueOffsetDays: 0, OverdueAfterDays: 0}
	s.Notifications = domain.Notifications{OnOverdue: true}
	id := h.create(t, s)
	if _, err := h.svc.RunSchedule(ctx, id); err != nil {
		t.Fatalf("RunSchedule: %v", err)
	}

	// Only the Mar 10 occurrence is past due on Mar 11.
	at := time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC)
	n, err := h.svc.FlagOverdue(ctx, at)
	if err != nil || n != 1 {
		t.Fatalf("flagged = %d err=%v", n, err)
	}
	if n, _ := h.svc.FlagOverdue(ctx, at.Add(time.Hour)); n != 0 {
		t.Fatalf("re-flagged %d occurrences", n)
	}
	if len(h.note.got) != 1 || h.note.got[0].Kind != notify.KindOverdue {
		t.Fatalf("notifications = %+v", h.note.got)
	}
}

func TestPreviewNextOccurrences(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, weekly("weekly"))

	got, err := h.svc.PreviewNextOccurrences(ctx, id, 14)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	want := []time.Time{
		time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC),
		time.Date(2025, time.March, 17, 9, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("preview = %v", got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("preview[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	occs, _ := h.repo.ListOccurrences(ctx, store.OccurrenceFilter{ScheduleID: id})
	if len(occs) != 0 {
		t.Fatalf("preview persisted %d occurrences", len(occs))
	}
}

func TestValidateCronExpression(t *testing.T) {
	for _, expr := range []string{"@every 1m", "*/5 * * * *", "0 */10 * * * *"} {
		if err := ValidateCronExpression(expr); err != nil {
			t.Errorf("%q: %v", expr, err)
		}
	}
	if err := ValidateCronExpression("every minute"); err == nil {
		t.Errorf("expected error for malformed expression")
	}
}
