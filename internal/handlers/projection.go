package handlers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"runboard/internal/engine"
	"runboard/internal/models"
	"runboard/internal/registry"
)

// RunView is the external representation of a run aggregate. Every boundary
// operation that returns a run goes through projectRun, so the shape is
// defined exactly once.
type RunView struct {
	ID            uuid.UUID       `json:"id"`
	Task          string          `json:"task"`
	Status        string          `json:"status"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *string         `json:"error,omitempty"`
	Attempt       int             `json:"attempt"`
	OriginalRunID *uuid.UUID      `json:"original_run_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at"`
	DurationMS    *int64          `json:"duration_ms"`
	Steps         []StepView      `json:"steps,omitempty"`
	Logs          []LogView       `json:"logs,omitempty"`
}

// StepView is the external representation of one timeline step.
type StepView struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at"`
	DurationMS int64           `json:"duration_ms"`
	Metadata   json.RawMessage `json:"metadata"`
}

// LogView is the external representation of one observability line.
type LogView struct {
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskView is the external representation of a registered task definition.
type TaskView struct {
	Handler    string                  `json:"handler"`
	Name       string                  `json:"name"`
	RetryLimit int                     `json:"retry_limit"`
	TimeoutMS  int64                   `json:"timeout_ms"`
	Steps      []registry.StepTemplate `json:"steps"`
}

func projectRun(agg *engine.RunAggregate) RunView {
	view := RunView{
		ID:            agg.Run.ID,
		Task:          agg.Run.TaskHandler,
		Status:        string(agg.Run.Status),
		Input:         json.RawMessage(agg.Run.Input),
		Error:         agg.Run.Error,
		Attempt:       agg.Attempt,
		OriginalRunID: agg.OriginalRunID,
		CreatedAt:     agg.Run.CreatedAt,
		StartedAt:     agg.Run.StartedAt,
		CompletedAt:   agg.Run.CompletedAt,
		DurationMS:    agg.Run.Duration(),
	}
	if len(agg.Run.Output) > 0 {
		view.Output = json.RawMessage(agg.Run.Output)
	}
	for _, step := range agg.Steps {
		view.Steps = append(view.Steps, projectStep(step))
	}
	for _, entry := range agg.Logs {
		view.Logs = append(view.Logs, projectLog(entry))
	}
	return view
}

func projectStep(step models.Step) StepView {
	return StepView{
		ID:         step.ID,
		Name:       step.Name,
		Type:       step.Type,
		Status:     string(step.Status),
		StartedAt:  step.StartedAt,
		EndedAt:    step.EndedAt,
		DurationMS: step.DurationMS,
		Metadata:   json.RawMessage(step.Metadata),
	}
}

func projectLog(entry models.LogEntry) LogView {
	return LogView{
		Level:     string(entry.Level),
		Message:   entry.Message,
		Metadata:  json.RawMessage(entry.Metadata),
		Timestamp: entry.Timestamp,
	}
}

func projectTask(task registry.Task) TaskView {
	return TaskView{
		Handler:    task.Handler,
		Name:       task.Name,
		RetryLimit: task.RetryLimit,
		TimeoutMS:  task.Timeout.Milliseconds(),
		Steps:      task.Steps,
	}
}
