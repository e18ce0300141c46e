package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// StepStatus enumerates terminal states of a simulated step.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

// Step is one unit of simulated execution belonging to exactly one run.
// In this simulated model end times are always resolved at creation time.
type Step struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey"`
	RunID      uuid.UUID      `gorm:"type:uuid;not null;index"`
	Name       string         `gorm:"type:text;not null"`
	Type       string         `gorm:"type:text;not null"`
	Status     StepStatus     `gorm:"type:text;not null"`
	StartedAt  time.Time      `gorm:"type:timestamptz;not null"`
	EndedAt    *time.Time     `gorm:"type:timestamptz"`
	DurationMS int64          `gorm:"not null"`
	Metadata   datatypes.JSON `gorm:"type:jsonb;default:'{}'::jsonb"`
}

func (Step) TableName() string { return "run_steps" }
