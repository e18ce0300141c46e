package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LogLevel enumerates observability line severities.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// LogEntry is one observability line belonging to exactly one run. Entries
// are ordered by timestamp; the streaming protocol preserves that order.
type LogEntry struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID      `gorm:"type:uuid;not null;index:idx_run_logs_run_ts,priority:1"`
	Level     LogLevel       `gorm:"type:text;not null"`
	Message   string         `gorm:"type:text;not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb;default:'{}'::jsonb"`
	Timestamp time.Time      `gorm:"type:timestamptz;not null;index:idx_run_logs_run_ts,priority:2"`
}

func (LogEntry) TableName() string { return "run_logs" }
