// Package guard decides whether a candidate occurrence may be committed.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"inspectflow/internal/domain"
	"inspectflow/internal/store"
)

// Store is the atomic admit primitive of the persistence layer.
type Store interface {
	AdmitOccurrence(ctx context.Context, o domain.Occurrence, c store.Admission) (domain.RejectReason, error)
}

type Candidate struct {
	Schedule     domain.Schedule
	AssetID      string
	ScheduledFor time.Time
	Origin       domain.Origin
	EventID      string
	MeterReading *float64
}

// Decision is the outcome for one candidate. A rejection is a normal result,
// not an error.
type Decision struct {
	Admitted   bool
	Reason     domain.RejectReason
	Occurrence domain.Occurrence
}

type Guard struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

func New(s Store, timeout time.Duration) *Guard {
	return &Guard{store: s, timeout: timeout, now: time.Now}
}

// WithClock overrides the creation timestamp source.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// DateBucket floors t to the start of its dedup window. With no window the
// bucket is the instant itself at millisecond precision.
func DateBucket(t time.Time, windowHours int) int64 {
	if windowHours <= 0 {
		return t.UnixMilli()
	}
	width := int64(windowHours) * 3600
	sec := t.Unix()
	b := sec - sec%width
	if sec < 0 && sec%width != 0 {
		b -= width
	}
	return b
}

// RecurrenceKey is the idempotency key of an occurrence.
func RecurrenceKey(scheduleID, assetID, templateID string, scheduledFor time.Time, windowHours int) string {
	bucket := strconv.FormatInt(DateBucket(scheduledFor, windowHours), 10)
	sum := sha256.Sum256([]byte(strings.Join([]string{scheduleID, assetID, templateID, bucket}, "|")))
	return hex.EncodeToString(sum[:])
}

// Admit computes the recurrence key and asks the store to insert the
// occurrence if no constraint rejects it.
func (g *Guard) Admit(ctx context.Context, c Candidate) (Decision, error) {
	s := c.Schedule
	due := c.ScheduledFor.AddDate(0, 0, s.DueRules.DueOffsetDays)
	occ := domain.Occurrence{
		ID:            "occ_" + uuid.NewString(),
		ScheduleID:    s.ID,
		AssetID:       c.AssetID,
		TemplateID:    s.TemplateID,
		ScheduledFor:  c.ScheduledFor,
		DueAt:         due,
		OverdueAt:     due.AddDate(0, 0, s.DueRules.OverdueAfterDays),
		RecurrenceKey: RecurrenceKey(s.ID, c.AssetID, s.TemplateID, c.ScheduledFor, s.Constraints.AvoidDuplicatesWindowHours),
		Origin:        c.Origin,
		EventID:       c.EventID,
		MeterReading:  c.MeterReading,
		Status:        domain.OccurrenceOpen,
		CreatedAt:     g.now(),
	}
	switch s.Assignment.Mode {
	case domain.AssignUser:
		occ.AssigneeID = s.Assignment.AssigneeID
	case domain.AssignRole:
		occ.AssigneeRole = s.Assignment.Role
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	reason, err := g.store.AdmitOccurrence(ctx, occ, store.Admission{
		Window:  time.Duration(s.Constraints.AvoidDuplicatesWindowHours) * time.Hour,
		MaxOpen: s.Constraints.MaxOpenPerAssetPerTemplate,
	})
	if err != nil {
		return Decision{}, domain.WrapTimeout("admit occurrence", err)
	}
	if reason != "" {
		return Decision{Reason: reason, Occurrence: occ}, nil
	}
	return Decision{Admitted: true, Occurrence: occ}, nil
}
