package revwatch

import (
	"time"

	"github.com/hazyhaar/revwatch/revwatch/internal/cursor"
	"github.com/hazyhaar/revwatch/revwatch/internal/runlog"
	"github.com/hazyhaar/revwatch/revwatch/review"
)

// Status is the outcome of one entity within a run.
type Status string

const (
	// StatusFailed: the count or the listing was unavailable. Cursor untouched.
	StatusFailed Status = "failed"
	// StatusUnchanged: the count did not grow. Cursor untouched.
	StatusUnchanged Status = "unchanged"
	// StatusPending: the count grew but the listing was empty. Cursor untouched.
	StatusPending Status = "pending"
	// StatusBaseline: first boundary recorded, nothing notified.
	StatusBaseline Status = "baseline"
	// StatusAdvanced: cursor moved to the new count and boundary.
	StatusAdvanced Status = "advanced"
)

// Outcome is the result of visiting one entity.
type Outcome struct {
	Entity     review.Entity
	Status     Status
	FreshCount *int
	Before     cursor.Cursor
	After      cursor.Cursor
	NewItems   int
	Err        error
}

// Run statuses recorded in the history.
const (
	RunOK           = "ok"
	RunPartial      = "partial"
	RunAborted      = "aborted"
	RunCommitFailed = "commit_failed"
)

// Report describes one run.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []Outcome
	Events     []review.Event

	// Heartbeat is set when no entity produced an event.
	Heartbeat bool

	// Undelivered counts messages the sink rejected.
	Undelivered int

	// LoadErr is set when the previous state could not be used and the run
	// started from empty cursors.
	LoadErr error

	CommitErr error
	Aborted   error
}

// Failed lists the entities whose retrieval failed, in processing order.
func (r *Report) Failed() []review.Entity {
	var out []review.Entity
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o.Entity)
		}
	}
	return out
}

// Summary is the notifier view of the report.
func (r *Report) Summary() review.Summary {
	return review.Summary{
		RunID:   r.RunID,
		Checked: len(r.Outcomes),
		Events:  len(r.Events),
		Failed:  r.Failed(),
	}
}

// Status summarises the run: aborted, commit_failed, partial (some entity
// failed or is pending) or ok.
func (r *Report) Status() string {
	switch {
	case r.Aborted != nil:
		return RunAborted
	case r.CommitErr != nil:
		return RunCommitFailed
	}
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed || o.Status == StatusPending {
			return RunPartial
		}
	}
	return RunOK
}

// Record converts the report into a history row.
func (r *Report) Record() *runlog.Run {
	run := &runlog.Run{
		ID:          r.RunID,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Status:      r.Status(),
		Checked:     len(r.Outcomes),
		Failed:      len(r.Failed()),
		Events:      len(r.Events),
		Undelivered: r.Undelivered,
		Heartbeat:   r.Heartbeat,
	}
	switch {
	case r.Aborted != nil:
		run.Error = r.Aborted.Error()
	case r.CommitErr != nil:
		run.Error = r.CommitErr.Error()
	case r.LoadErr != nil:
		run.Error = r.LoadErr.Error()
	}
	for _, o := range r.Outcomes {
		e := runlog.Entity{
			Key:         o.Entity.Key(),
			Status:      string(o.Status),
			FreshCount:  o.FreshCount,
			BeforeCount: o.Before.ObservedCount,
			BeforeID:    o.Before.LastSeenID,
			AfterCount:  o.After.ObservedCount,
			AfterID:     o.After.LastSeenID,
			NewItems:    o.NewItems,
		}
		if o.Err != nil {
			e.Error = o.Err.Error()
		}
		run.Entities = append(run.Entities, e)
	}
	return run
}
