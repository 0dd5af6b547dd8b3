package domain

import "time"

type RejectReason string

const (
	RejectDuplicateKey    RejectReason = "duplicate_key"
	RejectDuplicateWindow RejectReason = "duplicate_window"
	RejectMaxOpenReached  RejectReason = "max_open_reached"
)

type Rejection struct {
	AssetID      string       `json:"asset_id"`
	ScheduledFor time.Time    `json:"scheduled_for"`
	Reason       RejectReason `json:"reason"`
}

type AssetError struct {
	AssetID string `json:"asset_id,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunResult aggregates one schedule (or one event) evaluation. Every
// candidate ends up in Occurrences, Rejections or Errors.
type RunResult struct {
	ScheduleID  string       `json:"schedule_id,omitempty"`
	EventID     string       `json:"event_id,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Generated   int          `json:"generated_count"`
	Rejected    int          `json:"rejected_count"`
	Occurrences []Occurrence `json:"occurrences,omitempty"`
	Rejections  []Rejection  `json:"rejections,omitempty"`
	Errors      []AssetError `json:"errors,omitempty"`
	// Failed marks a schedule-level failure (timeout, invalid rule) that
	// keeps the schedule from being finalized as a successful run.
	Failed bool   `json:"failed,omitempty"`
	Kind   string `json:"failure_kind,omitempty"`
}

// AddError records an error against one asset. A timeout also fails the run
// so the schedule is retried instead of advanced.
func (r *RunResult) AddError(assetID string, err error) {
	kind := ErrorKind(err)
	r.Errors = append(r.Errors, AssetError{AssetID: assetID, Kind: kind, Message: err.Error()})
	if kind == "external_timeout" && !r.Failed {
		r.Failed = true
		r.Kind = kind
	}
}

// Fail records a schedule-level failure.
func (r *RunResult) Fail(err error) {
	r.Failed = true
	r.Kind = ErrorKind(err)
	r.AddError("", err)
}

func (r *RunResult) Merge(o RunResult) {
	r.Generated += o.Generated
	r.Rejected += o.Rejected
	r.Occurrences = append(r.Occurrences, o.Occurrences...)
	r.Rejections = append(r.Rejections, o.Rejections...)
	r.Errors = append(r.Errors, o.Errors...)
	if o.Failed && !r.Failed {
		r.Failed = true
		r.Kind = o.Kind
	}
}
