// Package generator turns one schedule into concrete occurrences: scope
// resolution, candidate computation and admission, per asset.
package generator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"inspectflow/internal/domain"
	"inspectflow/internal/guard"
	"inspectflow/internal/notify"
	"inspectflow/internal/recurrence"
	"inspectflow/internal/scope"
	"inspectflow/internal/worker"
)

// Store supplies the per-asset inputs the recurrence modes depend on.
type Store interface {
	LastCompletion(ctx context.Context, scheduleID, assetID string) (*time.Time, error)
	LastGeneratedMeter(ctx context.Context, scheduleID, assetID string) (*float64, error)
	LatestMeter(ctx context.Context, assetID string, t domain.MeterType) (*float64, error)
}

type Options struct {
	GenerateAheadDays int
	StoreTimeout      time.Duration
	Notifier          notify.Dispatcher
}

type Generator struct {
	resolver *scope.Resolver
	guard    *guard.Guard
	store    Store
	pool     *worker.Pool
	opts     Options
}

func New(resolver *scope.Resolver, g *guard.Guard, st Store, pool *worker.Pool, opts Options) *Generator {
	if opts.GenerateAheadDays <= 0 {
		opts.GenerateAheadDays = 14
	}
	return &Generator{resolver: resolver, guard: g, store: st, pool: pool, opts: opts}
}

// Request describes one generation pass. AssetID restricts the pass to a
// single asset, which must still be inside the schedule's scope.
type Request struct {
	Now     time.Time
	Origin  domain.Origin
	Event   *domain.SchedulingEvent
	AssetID string
}

// Generate evaluates s for every asset in scope. It never returns an error:
// failures are recorded in the result, per asset where possible.
func (g *Generator) Generate(ctx context.Context, s domain.Schedule, req Request) domain.RunResult {
	res := domain.RunResult{ScheduleID: s.ID, StartedAt: req.Now}
	if req.Event != nil {
		res.EventID = req.Event.ID
	}
	if req.Origin == "" {
		req.Origin = domain.OriginSchedule
	}
	defer func() { res.FinishedAt = time.Now() }()

	logger := log.With().Str("schedule_id", s.ID).Logger()

	if err := s.Validate(); err != nil {
		logger.Warn().Err(err).Msg("schedule has an invalid rule configuration")
		res.Fail(err)
		return res
	}

	assets, err := g.assets(ctx, s, req)
	if err != nil {
		var scopeErr *domain.ScopeResolutionError
		if errors.As(err, &scopeErr) {
			logger.Warn().Err(err).Msg("skipping schedule with empty scope")
			res.AddError("", err)
			return res
		}
		logger.Error().Err(err).Msg("scope resolution failed")
		res.Fail(err)
		return res
	}

	partials := make([]domain.RunResult, len(assets))
	started := make([]bool, len(assets))
	err = g.pool.Run(ctx, len(assets), func(ctx context.Context, i int) {
		started[i] = true
		partials[i] = g.generateForAsset(ctx, s, req, assets[i])
	})
	for i := range partials {
		res.Merge(partials[i])
	}
	if err != nil {
		for i, ok := range started {
			if !ok {
				res.AddError(assets[i], err)
			}
		}
		res.Fail(err)
	}

	logger.Debug().Int("assets", len(assets)).Int("generated", res.Generated).Int("rejected", res.Rejected).
		Int("errors", len(res.Errors)).Msg("schedule generated")
	return res
}

func (g *Generator) assets(ctx context.Context, s domain.Schedule, req Request) ([]string, error) {
	site := scope.SiteContext{SiteID: s.SiteID, Snapshot: snapshot(s, req.Now)}
	if req.AssetID == "" {
		return g.resolver.Resolve(ctx, s.Scope, site)
	}
	ok, err := g.resolver.Contains(ctx, s.Scope, site, req.AssetID)
	if err != nil || !ok {
		return nil, err
	}
	return []string{req.AssetID}, nil
}

// snapshot is the cut-off for assets onboarded too late to join a schedule
// that excludes new assets: the previous run, or creation before any run.
func snapshot(s domain.Schedule, now time.Time) time.Time {
	switch {
	case s.LastRunAt != nil:
		return *s.LastRunAt
	case !s.CreatedAt.IsZero():
		return s.CreatedAt
	}
	return now
}

func (g *Generator) generateForAsset(ctx context.Context, s domain.Schedule, req Request, assetID string) domain.RunResult {
	var res domain.RunResult

	ahead := s.GenerateAheadDays
	if ahead <= 0 {
		ahead = g.opts.GenerateAheadDays
	}
	rc := recurrence.RunContext{Now: req.Now, GenerateAheadDays: ahead, Event: req.Event}

	switch s.Rule.Mode {
	case domain.ModeRollingAfterCompletion:
		err := g.withTimeout(ctx, func(ctx context.Context) (err error) {
			rc.LastCompletion, err = g.store.LastCompletion(ctx, s.ID, assetID)
			return err
		})
		if err != nil {
			res.AddError(assetID, domain.WrapTimeout("last completion", err))
			return res
		}
	case domain.ModeUsageBased:
		err := g.withTimeout(ctx, func(ctx context.Context) (err error) {
			if rc.CurrentMeter, err = g.store.LatestMeter(ctx, assetID, s.Rule.Usage.MeterType); err != nil {
				return err
			}
			rc.LastGeneratedMeter, err = g.store.LastGeneratedMeter(ctx, s.ID, assetID)
			return err
		})
		if err != nil {
			res.AddError(assetID, domain.WrapTimeout("meter readings", err))
			return res
		}
	}

	candidates, err := recurrence.Candidates(s.Rule, rc)
	if err != nil {
		res.AddError(assetID, err)
		return res
	}

	for _, at := range candidates {
		c := guard.Candidate{Schedule: s, AssetID: assetID, ScheduledFor: at, Origin: req.Origin}
		if req.Event != nil {
			c.EventID = req.Event.ID
		}
		if s.Rule.Mode == domain.ModeUsageBased {
			c.MeterReading = rc.CurrentMeter
		}

		d, err := g.guard.Admit(ctx, c)
		if err != nil {
			log.Error().Err(err).Str("schedule_id", s.ID).Str("asset_id", assetID).Time("scheduled_for", at).Msg("admit failed")
			res.AddError(assetID, err)
			continue
		}
		if !d.Admitted {
			res.Rejected++
			res.Rejections = append(res.Rejections, domain.Rejection{AssetID: assetID, ScheduledFor: at, Reason: d.Reason})
			continue
		}
		res.Generated++
		res.Occurrences = append(res.Occurrences, d.Occurrence)
		if s.Notifications.OnCreate && g.opts.Notifier != nil {
			g.opts.Notifier.Notify(notify.Notification{
				Kind:         notify.KindCreated,
				ScheduleID:   s.ID,
				OccurrenceID: d.Occurrence.ID,
				AssetID:      assetID,
				TemplateID:   s.TemplateID,
				AssigneeID:   d.Occurrence.AssigneeID,
				AssigneeRole: d.Occurrence.AssigneeRole,
				DueAt:        d.Occurrence.DueAt,
				At:           req.Now,
			})
		}
	}
	return res
}

func (g *Generator) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if g.opts.StoreTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	defer cancel()
	return fn(ctx)
}
