// Package scheduler fires a fixed set of jobs on calendar rules and
// records every run in SQLite.
package scheduler

import (
	"context"
	"time"

	"github.com/nugget/insight-relay/internal/calendar"
)

// RunFunc is a job body. It must honor ctx; the scheduler cancels it
// when the job's run timeout expires.
type RunFunc func(ctx context.Context) error

// Job is a named body bound to a calendar rule.
type Job struct {
	Name       string
	Rule       *calendar.Rule
	RunTimeout time.Duration // zero means DefaultRunTimeout
	Run        RunFunc
}

// DefaultRunTimeout bounds a single run when the job sets none.
const DefaultRunTimeout = 5 * time.Minute

// Trigger records why an execution happened.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule" // calendar match
	TriggerManual   Trigger = "manual"   // operator request
)

// Execution represents a single run of a job.
type Execution struct {
	ID          string          `json:"id"` // UUIDv7
	Job         string          `json:"job"`
	Trigger     Trigger         `json:"trigger"`
	ScheduledAt time.Time       `json:"scheduled_at"` // calendar instant, or request time for manual runs
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // error text on failure
}

// Duration returns how long the run took, or zero if it has not
// completed.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusAbandoned ExecutionStatus = "abandoned" // process exited mid-run
)
