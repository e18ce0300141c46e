package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"runboard/internal/models"
	"runboard/internal/registry"
)

// Mode selects the generation flavour.
type Mode string

const (
	ModeTrigger Mode = "trigger"
	ModeRetry   Mode = "retry"
)

// Failure policy constants. The derivations below are deliberately
// deterministic: re-running the generator for the same input and task always
// yields the same durations and the same terminal outcome.
// jitterPercent bounds the seeded deviation from a template's average step
// duration.
const jitterPercent = 10

// RetryContext links a retry-mode timeline back to the run it retries.
type RetryContext struct {
	OriginalRunID  uuid.UUID
	OriginalStatus models.RunStatus
	Attempt        int
}

// Timeline is the materialized result of one generator invocation: a run
// plus its complete set of steps and log entries. Persistence is the
// caller's responsibility.
type Timeline struct {
	Run   models.Run
	Steps []models.Step
	Logs  []models.LogEntry
}

// Outcome is the decided terminal state for a given task and input.
type Outcome struct {
	Status       models.RunStatus
	ErrorMessage string
	// TimedOutAt is the offset of the timeout boundary for TIMED_OUT runs.
	TimedOutAt time.Duration
}

// DecideOutcome determines the terminal state a run of task with the given
// input will reach. Pure: the same input and task configuration always
// produce the same decision, in this order of precedence:
//
//  1. cumulative step time exceeding task.Timeout yields TIMED_OUT;
//  2. a top-level `"fail": true` in the input forces FAILED at the final
//     step;
//  3. everything else completes.
func DecideOutcome(task registry.Task, input []byte) (Outcome, error) {
	hash, err := HashInput(input)
	if err != nil {
		return Outcome{}, err
	}

	durations := stepDurations(task, hash)
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	if total > task.Timeout {
		return Outcome{
			Status:       models.RunStatusTimedOut,
			ErrorMessage: fmt.Sprintf("run exceeded task timeout of %s", task.Timeout),
			TimedOutAt:   task.Timeout,
		}, nil
	}

	fails, err := failRequested(input)
	if err != nil {
		return Outcome{}, err
	}
	if fails {
		lastStep := task.Steps[len(task.Steps)-1]
		return Outcome{
			Status:       models.RunStatusFailed,
			ErrorMessage: fmt.Sprintf("step %q failed: simulated handler error", lastStep.Name),
		}, nil
	}

	return Outcome{Status: models.RunStatusCompleted}, nil
}

// BuildOutput produces the success output for a run. Pure function of the
// input so deferred finalization reproduces the value the generator would
// have written.
func BuildOutput(task registry.Task, input []byte) (datatypes.JSON, error) {
	canonical, err := CanonicalizeInput(input)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"result":          "ok",
		"handler":         task.Handler,
		"steps_completed": len(task.Steps),
		"echo":            json.RawMessage(canonical),
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, Internal(err)
	}
	return datatypes.JSON(out), nil
}

// Generate materializes a run timeline for task and input. The only impure
// input is now, which the caller reads once at invocation start. Generate
// never blocks and never performs I/O.
func Generate(task registry.Task, input []byte, mode Mode, retry *RetryContext, now time.Time) (*Timeline, error) {
	if mode == ModeRetry && retry == nil {
		return nil, Internal(errors.New("retry mode requires a retry context"))
	}

	canonical, err := CanonicalizeInput(input)
	if err != nil {
		return nil, err
	}
	hash, err := HashInput(input)
	if err != nil {
		return nil, err
	}
	outcome, err := DecideOutcome(task, input)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	startedAt := now
	durations := stepDurations(task, hash)

	logs := newLogBuilder(runID)
	logs.add(now, models.LogLevelInfo, "run started", map[string]any{
		"task": task.Handler,
		"mode": string(mode),
	})
	if mode == ModeRetry {
		logs.add(now, models.LogLevelInfo, "run retried", map[string]any{
			"original_run_id": retry.OriginalRunID.String(),
			"original_status": string(retry.OriginalStatus),
			"attempt":         retry.Attempt,
		})
	}

	steps := make([]models.Step, 0, len(task.Steps))
	cursor := startedAt
	deadline := startedAt.Add(task.Timeout)
	timedOut := false

	for i, tpl := range task.Steps {
		stepStart := cursor
		stepEnd := cursor.Add(durations[i])

		if timedOut {
			// Past the timeout boundary nothing executes.
			steps = append(steps, skippedStep(runID, tpl, deadline))
			logs.add(deadline, models.LogLevelWarn, fmt.Sprintf("step %q skipped", tpl.Name), map[string]any{
				"step":   tpl.Name,
				"reason": "timeout",
			})
			continue
		}

		logs.add(stepStart, models.LogLevelDebug, fmt.Sprintf("step %q started", tpl.Name), map[string]any{
			"step": tpl.Name,
		})

		status := models.StepStatusCompleted
		meta := map[string]any{"step": tpl.Name}

		switch {
		case outcome.Status == models.RunStatusTimedOut && stepEnd.After(deadline):
			timedOut = true
			stepEnd = deadline
			status = models.StepStatusFailed
			meta["reason"] = "timeout"
			logs.add(stepEnd, models.LogLevelError, fmt.Sprintf("step %q aborted at timeout", tpl.Name), meta)
		case outcome.Status == models.RunStatusFailed && i == len(task.Steps)-1:
			status = models.StepStatusFailed
			meta["error"] = outcome.ErrorMessage
			logs.add(stepEnd, models.LogLevelError, fmt.Sprintf("step %q failed", tpl.Name), meta)
		default:
			meta["duration_ms"] = stepEnd.Sub(stepStart).Milliseconds()
			logs.add(stepEnd, models.LogLevelInfo, fmt.Sprintf("step %q completed", tpl.Name), meta)
		}

		end := stepEnd
		steps = append(steps, models.Step{
			ID:         uuid.New(),
			RunID:      runID,
			Name:       tpl.Name,
			Type:       "simulated",
			Status:     status,
			StartedAt:  stepStart,
			EndedAt:    &end,
			DurationMS: stepEnd.Sub(stepStart).Milliseconds(),
			Metadata:   mustJSON(meta),
		})
		cursor = stepEnd
	}

	completedAt := cursor
	if outcome.Status == models.RunStatusTimedOut {
		completedAt = deadline
	}

	run := models.Run{
		ID:          runID,
		TaskHandler: task.Handler,
		Input:       datatypes.JSON(canonical),
		InputHash:   hash,
		Status:      outcome.Status,
		CreatedAt:   now,
		StartedAt:   &startedAt,
		CompletedAt: &completedAt,
	}

	switch outcome.Status {
	case models.RunStatusCompleted:
		output, err := BuildOutput(task, input)
		if err != nil {
			return nil, err
		}
		run.Output = output
		logs.add(completedAt, models.LogLevelInfo, "run completed", map[string]any{
			"duration_ms": completedAt.Sub(startedAt).Milliseconds(),
		})
	case models.RunStatusFailed:
		msg := outcome.ErrorMessage
		run.Error = &msg
		logs.add(completedAt, models.LogLevelError, "run failed", map[string]any{
			"error": msg,
		})
	case models.RunStatusTimedOut:
		msg := outcome.ErrorMessage
		run.Error = &msg
		logs.add(completedAt, models.LogLevelError, "run timed out", map[string]any{
			"timeout_ms": task.Timeout.Milliseconds(),
		})
	}

	return &Timeline{Run: run, Steps: steps, Logs: logs.entries}, nil
}

// TotalSimulatedDuration returns the wall-clock span the timeline covers.
func (t *Timeline) TotalSimulatedDuration() time.Duration {
	if t.Run.StartedAt == nil || t.Run.CompletedAt == nil {
		return 0
	}
	return t.Run.CompletedAt.Sub(*t.Run.StartedAt)
}

// stepDurations derives one duration per template: the average plus a seeded
// jitter bounded to jitterPercent. Deterministic for identical input hash,
// task handler, and step index.
func stepDurations(task registry.Task, inputHash string) []time.Duration {
	out := make([]time.Duration, len(task.Steps))
	for i, tpl := range task.Steps {
		avg := time.Duration(tpl.AvgDurationMS) * time.Millisecond
		draw := seedFor(inputHash, task.Handler, fmt.Sprintf("step-%d", i)) % 2001
		fraction := (float64(draw)/1000.0 - 1.0) * float64(jitterPercent) / 100.0
		d := time.Duration(float64(avg) * (1.0 + fraction))
		if d < time.Millisecond {
			d = time.Millisecond
		}
		out[i] = d
	}
	return out
}

func seedFor(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func failRequested(input []byte) (bool, error) {
	canonical, err := CanonicalizeInput(input)
	if err != nil {
		return false, err
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &payload); err != nil {
		// Non-object payloads cannot request failure explicitly.
		return false, nil
	}
	raw, ok := payload["fail"]
	if !ok {
		return false, nil
	}
	var fail bool
	if err := json.Unmarshal(raw, &fail); err != nil {
		return false, nil
	}
	return fail, nil
}

func skippedStep(runID uuid.UUID, tpl registry.StepTemplate, at time.Time) models.Step {
	end := at
	return models.Step{
		ID:         uuid.New(),
		RunID:      runID,
		Name:       tpl.Name,
		Type:       "simulated",
		Status:     models.StepStatusSkipped,
		StartedAt:  at,
		EndedAt:    &end,
		DurationMS: 0,
		Metadata:   mustJSON(map[string]any{"step": tpl.Name, "reason": "timeout"}),
	}
}

// logBuilder appends entries with monotonically non-decreasing timestamps so
// replay ordering is fully deterministic even when step boundaries coincide.
type logBuilder struct {
	runID   uuid.UUID
	entries []models.LogEntry
	last    time.Time
}

func newLogBuilder(runID uuid.UUID) *logBuilder {
	return &logBuilder{runID: runID}
}

func (b *logBuilder) add(ts time.Time, level models.LogLevel, message string, metadata map[string]any) {
	if !b.last.IsZero() && !ts.After(b.last) {
		ts = b.last.Add(time.Microsecond)
	}
	b.last = ts
	b.entries = append(b.entries, models.LogEntry{
		ID:        uuid.New(),
		RunID:     b.runID,
		Level:     level,
		Message:   message,
		Metadata:  mustJSON(metadata),
		Timestamp: ts,
	})
}

func mustJSON(v map[string]any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(data)
}
