// Package action executes fired schedules. One Executor is registered per
// schedule data type.
package action

import (
	"context"
	"errors"

	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// ErrTimeout marks an execution that ran out of time. Deferred schedules
// with retry_on_timeout are retried once when they fail with it.
var ErrTimeout = errors.New("execution timed out")

// Status is the outcome of one execution.
type Status string

const (
	// StatusFinished counts toward the schedule's limit.
	StatusFinished Status = "finished"
	// StatusAborted returns the schedule to idle without counting.
	StatusAborted Status = "aborted"
	StatusFailed  Status = "failed"
)

// TriggerContext describes the trigger that fired the schedule.
type TriggerContext struct {
	Type  schedule.TriggerType `json:"type"`
	Goal  float64              `json:"goal"`
	Event map[string]any       `json:"event,omitempty"`
}

// Request is one execution of a fired schedule.
type Request struct {
	ExecutionID string
	Schedule    *schedule.Schedule
	Trigger     TriggerContext
}

// Result holds the outcome of executing a schedule.
type Result struct {
	ExecutionID string        `json:"execution_id"`
	ScheduleID  string        `json:"schedule_id"`
	Type        schedule.Type `json:"type"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
}

func newResult(req *Request, status Status, msg string) *Result {
	return &Result{
		ExecutionID: req.ExecutionID,
		ScheduleID:  req.Schedule.ID,
		Type:        req.Schedule.Type(),
		Status:      status,
		Message:     msg,
	}
}

// Executor is the interface every schedule data type implements.
type Executor interface {
	// Type returns the schedule type this executor is registered under.
	Type() schedule.Type
	// Execute runs the schedule's data. A returned error means the
	// execution failed; an aborted execution returns a Result with
	// StatusAborted and a nil error.
	Execute(ctx context.Context, req *Request) (*Result, error)
}
