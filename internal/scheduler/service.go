package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"inspectflow/internal/domain"
	"inspectflow/internal/generator"
	"inspectflow/internal/notify"
	"inspectflow/internal/recurrence"
	"inspectflow/internal/store"
)

// State is the phase of the periodic run.
type State int32

const (
	StateIdle State = iota
	StateSelecting
	StateGenerating
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateGenerating:
		return "generating"
	case StateFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

var (
	ErrSchedulePaused = errors.New("schedule is paused")
	ErrEventDriven    = errors.New("event-driven schedules run only from events")
)

type Store interface {
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	FinishScheduleRun(ctx context.Context, id string, run store.RunUpdate) error
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Occurrence, error)
	FlagOverdue(ctx context.Context, id string, at time.Time) (bool, error)
}

type Generator interface {
	Generate(ctx context.Context, s domain.Schedule, req generator.Request) domain.RunResult
}

type EventDrainer interface {
	Drain(ctx context.Context, now time.Time) ([]domain.RunResult, error)
}

type Config struct {
	RunCron          string
	ScheduleWorkers  int
	PollInterval     time.Duration
	OverdueBatchSize int
	// GenerateAheadDays is the look-ahead used for schedules that do not set
	// their own. It must match the generator's default.
	GenerateAheadDays int
}

type Service struct {
	store    Store
	gen      Generator
	events   EventDrainer
	notifier notify.Dispatcher
	cfg      Config
	now      func() time.Time

	state atomic.Int32
}

func NewService(st Store, gen Generator, events EventDrainer, n notify.Dispatcher, cfg Config) *Service {
	if cfg.RunCron == "" {
		cfg.RunCron = "@every 1m"
	}
	if cfg.ScheduleWorkers <= 0 {
		cfg.ScheduleWorkers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Hour
	}
	if cfg.OverdueBatchSize <= 0 {
		cfg.OverdueBatchSize = 200
	}
	if cfg.GenerateAheadDays <= 0 {
		cfg.GenerateAheadDays = 14
	}
	return &Service{store: st, gen: gen, events: events, notifier: n, cfg: cfg, now: time.Now}
}

// WithClock replaces the wall clock used by Tick and RunSchedule.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) State() State { return State(s.state.Load()) }

func (s *Service) setState(st State) { s.state.Store(int32(st)) }

// Start runs Tick on the configured cron spec until ctx is done. A tick that
// is still running when the next one fires causes that one to be skipped.
func (s *Service) Start(ctx context.Context) error {
	logger := log.With().Str("component", "scheduler").Logger()
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&logger))),
	)
	if _, err := c.AddFunc(s.cfg.RunCron, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("run cron %q: %w", s.cfg.RunCron, err)
	}
	c.Start()
	logger.Info().Str("spec", s.cfg.RunCron).Msg("schedule service started")

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info().Msg("schedule service stopped")
	return nil
}

// Tick is one full pass: due schedules, pending events, overdue sweep.
func (s *Service) Tick(ctx context.Context) {
	now := s.now()
	results, err := s.RunAllDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("run all due")
	}
	evResults, err := s.ProcessEvents(ctx)
	if err != nil {
		log.Error().Err(err).Msg("process events")
	}
	flagged, err := s.FlagOverdue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("flag overdue")
	}

	generated := 0
	for _, r := range append(results, evResults...) {
		generated += r.Generated
	}
	log.Info().Int("schedules", len(results)).Int("event_runs", len(evResults)).Int("generated", generated).
		Int("overdue_flagged", flagged).Msg("scheduler tick")
}

// RunAllDue evaluates every active polled schedule whose next run has come.
// Cancelling ctx stops further schedules from starting; those already
// generated are still finalized.
func (s *Service) RunAllDue(ctx context.Context, now time.Time) ([]domain.RunResult, error) {
	defer s.setState(StateIdle)

	s.setState(StateSelecting)
	due, err := s.store.GetDueSchedules(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}

	s.setState(StateGenerating)
	results := make([]domain.RunResult, len(due))
	ran := make([]bool, len(due))
	var g errgroup.Group
	g.SetLimit(s.cfg.ScheduleWorkers)
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = s.gen.Generate(ctx, due[i], generator.Request{Now: now})
			ran[i] = true
			return nil
		})
	}
	_ = g.Wait()

	s.setState(StateFinalizing)
	out := make([]domain.RunResult, 0, len(due))
	for i, sch := range due {
		if !ran[i] {
			continue
		}
		s.finalize(context.WithoutCancel(ctx), sch, results[i], now)
		out = append(out, results[i])
	}
	if len(out) < len(due) {
		log.Warn().Int("skipped", len(due)-len(out)).Msg("run cancelled before all schedules started")
		return out, ctx.Err()
	}
	return out, nil
}

// RunSchedule evaluates one schedule immediately, ignoring its next run
// time. Admission still goes through the guard, so repeated runs are safe.
func (s *Service) RunSchedule(ctx context.Context, id string) (domain.RunResult, error) {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return domain.RunResult{}, err
	}
	switch {
	case sch.Status == domain.StatusPaused:
		return domain.RunResult{}, ErrSchedulePaused
	case !sch.Polled():
		return domain.RunResult{}, ErrEventDriven
	}

	now := s.now()
	res := s.gen.Generate(ctx, sch, generator.Request{Now: now})
	s.finalize(context.WithoutCancel(ctx), sch, res, now)
	return res, nil
}

func (s *Service) ProcessEvents(ctx context.Context) ([]domain.RunResult, error) {
	if s.events == nil {
		return nil, nil
	}
	return s.events.Drain(ctx, s.now())
}

// PreviewNextOccurrences lists the instants the schedule's rule yields over
// the horizon. Nothing is persisted.
func (s *Service) PreviewNextOccurrences(ctx context.Context, id string, horizonDays int) ([]time.Time, error) {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if horizonDays <= 0 {
		horizonDays = sch.GenerateAheadDays
	}
	if horizonDays <= 0 {
		horizonDays = 14
	}
	return recurrence.Preview(sch.Rule, s.now(), horizonDays)
}

// FlagOverdue marks open occurrences past their overdue threshold, once each,
// and signals the ones whose schedule asks for it.
func (s *Service) FlagOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.store.ListOverdue(ctx, now, s.cfg.OverdueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list overdue: %w", err)
	}

	schedules := map[string]*domain.Schedule{}
	flagged := 0
	for _, o := range overdue {
		ok, err := s.store.FlagOverdue(ctx, o.ID, now)
		if err != nil {
			return flagged, fmt.Errorf("flag overdue %s: %w", o.ID, err)
		}
		if !ok {
			continue
		}
		flagged++

		sch, seen := schedules[o.ScheduleID]
		if !seen {
			if got, err := s.store.GetSchedule(ctx, o.ScheduleID); err == nil {
				sch = &got
			} else if !errors.Is(err, domain.ErrNotFound) {
				log.Warn().Err(err).Str("schedule_id", o.ScheduleID).Msg("load schedule for overdue notice")
			}
			schedules[o.ScheduleID] = sch
		}
		if sch == nil || !sch.Notifications.OnOverdue || s.notifier == nil {
			continue
		}
		s.notifier.Notify(notify.Notification{
			Kind:         notify.KindOverdue,
			ScheduleID:   o.ScheduleID,
			OccurrenceID: o.ID,
			AssetID:      o.AssetID,
			TemplateID:   o.TemplateID,
			AssigneeID:   o.AssigneeID,
			AssigneeRole: o.AssigneeRole,
			DueAt:        o.DueAt,
			At:           now,
		})
	}
	return flagged, nil
}

// finalize writes run bookkeeping. A clean run advances NextRunAt; an
// invalid rule is flagged and backed off by the poll interval; any other
// schedule-level failure keeps NextRunAt so the next run retries.
func (s *Service) finalize(ctx context.Context, sch domain.Schedule, res domain.RunResult, now time.Time) {
	logger := log.With().Str("schedule_id", sch.ID).Logger()
	upd := store.RunUpdate{LastRunAt: &now}

	switch {
	case res.Kind == "invalid_rule_configuration":
		upd.LastError = firstError(res)
		upd.NextRunAt = ptr(now.Add(s.cfg.PollInterval))
		logger.Warn().Str("error", upd.LastError).Msg("schedule flagged for invalid rule configuration")
	case res.Failed || hasScopeError(res):
		upd.LastError = firstError(res)
		logger.Warn().Str("kind", res.Kind).Str("error", upd.LastError).Msg("schedule run failed, will retry")
	default:
		next, err := s.nextRun(sch, now)
		if err != nil {
			logger.Error().Err(err).Msg("compute next run")
			next = now.Add(s.cfg.PollInterval)
		}
		upd.NextRunAt = &next
		if len(res.Errors) > 0 {
			upd.LastError = fmt.Sprintf("%d asset errors, first: %s", len(res.Errors), firstError(res))
		}
	}

	if err := s.store.FinishScheduleRun(ctx, sch.ID, upd); err != nil {
		logger.Error().Err(err).Msg("failed to update schedule run times")
		return
	}
	ev := logger.Info().Int("generated", res.Generated).Int("rejected", res.Rejected).Int("errors", len(res.Errors))
	if upd.NextRunAt != nil {
		ev = ev.Time("next_run", *upd.NextRunAt)
	}
	ev.Msg("schedule run finished")
}

// nextRun wakes a fixed-time schedule when its first instant past this run's
// window comes into range. Other modes poll.
func (s *Service) nextRun(sch domain.Schedule, now time.Time) (time.Time, error) {
	ahead := sch.GenerateAheadDays
	if ahead <= 0 {
		ahead = s.cfg.GenerateAheadDays
	}
	wake, ok, err := recurrence.NextWake(sch.Rule, now, ahead)
	if err != nil {
		return time.Time{}, err
	}
	if !ok || !wake.After(now) {
		return now.Add(s.cfg.PollInterval), nil
	}
	return wake, nil
}

func hasScopeError(res domain.RunResult) bool {
	for _, e := range res.Errors {
		if e.Kind == "scope_resolution" {
			return true
		}
	}
	return false
}

func firstError(res domain.RunResult) string {
	for _, e := range res.Errors {
		if e.AssetID == "" {
			return e.Message
		}
	}
	if len(res.Errors) > 0 {
		return res.Errors[0].Message
	}
	return res.Kind
}

func ptr[T any](v T) *T { return &v }

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCronExpression validates a run trigger expression
func ValidateCronExpression(expr string) error {
	_, err := parser.Parse(expr)
	return err
}
