// Package notify hands notification signals to the external dispatcher.
// Delivery is fire-and-forget: a full queue drops the signal with a warning
// and sink failures are retried a few times, then logged.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Kind string

const (
	KindCreated Kind = "occurrence_created"
	KindOverdue Kind = "occurrence_overdue"
)

type Notification struct {
	Kind         Kind      `json:"kind"`
	ScheduleID   string    `json:"schedule_id"`
	OccurrenceID string    `json:"occurrence_id"`
	AssetID      string    `json:"asset_id"`
	TemplateID   string    `json:"template_id"`
	AssigneeID   string    `json:"assignee_id,omitempty"`
	AssigneeRole string    `json:"assignee_role,omitempty"`
	DueAt        time.Time `json:"due_at"`
	At           time.Time `json:"at"`
}

// Dispatcher receives notification signals without blocking the caller.
type Dispatcher interface {
	Notify(n Notification)
}

// Sink delivers one notification.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

type Config struct {
	QueueSize  int
	RatePerSec int
	RetryMax   int
}

type Service struct {
	sink     Sink
	queue    chan Notification
	limiter  *rate.Limiter
	retryMax int
	dropped  atomic.Int64
}

func NewService(sink Sink, cfg Config) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	return &Service{
		sink:     sink,
		queue:    make(chan Notification, cfg.QueueSize),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		retryMax: cfg.RetryMax,
	}
}

func (s *Service) Notify(n Notification) {
	select {
	case s.queue <- n:
	default:
		s.dropped.Add(1)
		log.Warn().Str("kind", string(n.Kind)).Str("occurrence_id", n.OccurrenceID).Msg("notification queue full, dropping")
	}
}

// Dropped returns how many notifications were discarded on a full queue.
func (s *Service) Dropped() int64 { return s.dropped.Load() }

// Run delivers queued notifications until ctx is done.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	for attempt := 0; ; attempt++ {
		err := s.sink.Send(ctx, n)
		if err == nil {
			return
		}
		if attempt >= s.retryMax {
			log.Error().Err(err).Str("kind", string(n.Kind)).Str("occurrence_id", n.OccurrenceID).Int("attempts", attempt+1).Msg("notification delivery failed")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffExp(attempt + 1)):
		}
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}

// LogSink writes notifications to the structured log.
type LogSink struct{}

func (LogSink) Send(_ context.Context, n Notification) error {
	log.Info().
		Str("kind", string(n.Kind)).
		Str("schedule_id", n.ScheduleID).
		Str("occurrence_id", n.OccurrenceID).
		Str("asset_id", n.AssetID).
		Time("due_at", n.DueAt).
		Msg("notification")
	return nil
}
