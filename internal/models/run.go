package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RunStatus enumerates the lifecycle states of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusExecuting RunStatus = "EXECUTING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
	RunStatusTimedOut  RunStatus = "TIMED_OUT"
)

// Terminal reports whether no further transition is permitted from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut:
		return true
	default:
		return false
	}
}

// Retryable reports whether a run in this status may spawn a retry run.
// Completed runs are never retryable.
func (s RunStatus) Retryable() bool {
	switch s {
	case RunStatusFailed, RunStatusCancelled, RunStatusTimedOut:
		return true
	default:
		return false
	}
}

// Run records one invocation attempt of a task, created atomically with its
// steps and initial log entries.
type Run struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	TaskHandler string         `gorm:"type:text;not null;index:idx_runs_task_input,priority:1"`
	Input       datatypes.JSON `gorm:"type:jsonb;default:'{}'::jsonb"`
	InputHash   string         `gorm:"type:text;not null;index:idx_runs_task_input,priority:2"`
	Status      RunStatus      `gorm:"type:text;not null"`
	Output      datatypes.JSON `gorm:"type:jsonb"`
	Error       *string        `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null;index"`
	StartedAt   *time.Time     `gorm:"type:timestamptz"`
	CompletedAt *time.Time     `gorm:"type:timestamptz"`

	Steps []Step     `gorm:"foreignKey:RunID;references:ID;constraint:OnDelete:CASCADE"`
	Logs  []LogEntry `gorm:"foreignKey:RunID;references:ID;constraint:OnDelete:CASCADE"`
}

func (Run) TableName() string { return "runs" }

// Duration returns completed-minus-started in milliseconds, or nil while
// either timestamp is unset.
func (r Run) Duration() *int64 {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return nil
	}
	ms := r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
	return &ms
}
