// Package events routes scheduling events to the event-driven schedules that
// listen for them.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"inspectflow/internal/domain"
	"inspectflow/internal/generator"
)

type Store interface {
	ListUnprocessedEvents(ctx context.Context, limit int) ([]domain.SchedulingEvent, error)
	ListEventSchedules(ctx context.Context, t domain.EventType) ([]domain.Schedule, error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time) (bool, error)
	RecordEventAttempt(ctx context.Context, id string) error
}

type Generator interface {
	Generate(ctx context.Context, s domain.Schedule, req generator.Request) domain.RunResult
}

type Processor struct {
	store     Store
	gen       Generator
	batchSize int
}

func NewProcessor(st Store, gen Generator, batchSize int) *Processor {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Processor{store: st, gen: gen, batchSize: batchSize}
}

// Drain handles one batch of unprocessed events, oldest first among those
// with the fewest attempts. An event is marked processed once every matching
// schedule reached a decision for it; events with failed generations stay
// pending with their attempt count raised.
func (p *Processor) Drain(ctx context.Context, now time.Time) ([]domain.RunResult, error) {
	pending, err := p.store.ListUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed events: %w", err)
	}

	var results []domain.RunResult
	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := p.Process(ctx, ev, now)
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Process evaluates one event against every active schedule that triggers
// on its type.
func (p *Processor) Process(ctx context.Context, ev domain.SchedulingEvent, now time.Time) ([]domain.RunResult, error) {
	logger := log.With().Str("event_id", ev.ID).Str("event_type", string(ev.Type)).Logger()

	schedules, err := p.store.ListEventSchedules(ctx, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("list schedules for %s: %w", ev.Type, err)
	}

	var results []domain.RunResult
	settled := true
	for _, s := range schedules {
		if ev.SiteID != "" && s.SiteID != ev.SiteID {
			continue
		}
		evCopy := ev
		res := p.gen.Generate(ctx, s, generator.Request{
			Now:     now,
			Origin:  domain.OriginEvent,
			Event:   &evCopy,
			AssetID: ev.AssetID,
		})
		if !decided(res) {
			settled = false
		}
		results = append(results, res)
	}

	if !settled {
		logger.Warn().Int("schedules", len(results)).Int("attempts", ev.Attempts+1).Msg("event left pending after failed generation")
		if err := p.store.RecordEventAttempt(ctx, ev.ID); err != nil {
			return results, fmt.Errorf("record attempt for event %s: %w", ev.ID, err)
		}
		return results, nil
	}
	marked, err := p.store.MarkEventProcessed(ctx, ev.ID, now)
	if err != nil {
		return results, fmt.Errorf("mark event %s processed: %w", ev.ID, err)
	}
	if !marked {
		logger.Debug().Msg("event already processed elsewhere")
	}
	logger.Info().Int("schedules", len(results)).Msg("event processed")
	return results, nil
}

// decided reports whether every candidate of a generation ended in an
// admission or a rejection. Empty scopes count as decided.
func decided(res domain.RunResult) bool {
	if res.Failed {
		return false
	}
	for _, e := range res.Errors {
		if e.Kind != "scope_resolution" {
			return false
		}
	}
	return true
}
