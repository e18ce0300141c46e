package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"runboard/internal/models"
	"runboard/internal/registry"
)

// NATS subjects for run lifecycle events.
const (
	SubjectRunStarted   = "runboard.runs.started"
	SubjectRunFinished  = "runboard.runs.finished"
	SubjectRunCancelled = "runboard.runs.cancelled"
)

// cancelledByUser is the stable error message recorded on cancellation.
const cancelledByUser = "Run was cancelled by user"

// DefaultSyncWindow is the longest simulated timeline persisted terminal at
// creation. Longer timelines are stored QUEUED and finalized by the watcher
// when their simulated end arrives, giving cancel a live window.
const DefaultSyncWindow = time.Second

// Publisher is the slice of the event bus the service needs. A nil publisher
// disables lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// RunEvent is the payload published on run lifecycle subjects.
type RunEvent struct {
	RunID       uuid.UUID        `json:"run_id"`
	TaskHandler string           `json:"task_handler"`
	Status      models.RunStatus `json:"status"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletesAt *time.Time       `json:"completes_at,omitempty"`
}

// RunAggregate bundles a run with its ordered timeline and computed attempt
// ordinal. Every boundary operation that returns a run returns this shape.
type RunAggregate struct {
	Run           models.Run
	Steps         []models.Step
	Logs          []models.LogEntry
	Attempt       int
	OriginalRunID *uuid.UUID
}

// Service owns run lifecycle mutations and reads. Mutations run as single
// gorm transactions that re-verify preconditions under a row lock; reads go
// through the pgx pool.
type Service struct {
	orm        *gorm.DB
	pool       *pgxpool.Pool
	registry   *registry.Registry
	accountant *Accountant
	bus        Publisher
	log        zerolog.Logger
	syncWindow time.Duration
	now        func() time.Time
}

// Option tweaks Service construction.
type Option func(*Service)

// WithSyncWindow overrides the deferred-execution threshold.
func WithSyncWindow(d time.Duration) Option {
	return func(s *Service) { s.syncWindow = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the run lifecycle service.
func NewService(orm *gorm.DB, pool *pgxpool.Pool, reg *registry.Registry, bus Publisher, log zerolog.Logger, opts ...Option) (*Service, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	s := &Service{
		orm:        orm,
		pool:       pool,
		registry:   reg,
		accountant: NewAccountant(pool),
		bus:        bus,
		log:        log,
		syncWindow: DefaultSyncWindow,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Tasks lists the registered task definitions.
func (s *Service) Tasks() []registry.Task {
	return s.registry.List()
}

// Task resolves a single task definition.
func (s *Service) Task(handler string) (registry.Task, error) {
	task, ok := s.registry.Get(handler)
	if !ok {
		return registry.Task{}, NotFoundf("task %q not found", handler)
	}
	return task, nil
}

// Trigger materializes and persists a new run of the addressed task.
func (s *Service) Trigger(ctx context.Context, taskHandler string, input []byte) (*RunAggregate, error) {
	task, err := s.Task(taskHandler)
	if err != nil {
		return nil, err
	}

	timeline, err := Generate(task, input, ModeTrigger, nil, s.now())
	if err != nil {
		return nil, err
	}

	agg, err := s.persistTimeline(ctx, nil, timeline)
	if err != nil {
		return nil, err
	}

	runsTriggered.WithLabelValues(task.Handler, string(ModeTrigger)).Inc()
	s.publishLifecycle(ctx, agg.Run)
	return agg, nil
}

// Cancel transitions a QUEUED or EXECUTING run to CANCELLED. The status
// check and the mutation share one transaction over a locked row, so two
// concurrent cancels cannot both succeed.
func (s *Service) Cancel(ctx context.Context, taskHandler string, runID uuid.UUID) (*RunAggregate, error) {
	now := s.now()
	var cancelled models.Run

	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := lockRun(tx, taskHandler, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return InvalidStatef("run %s is %s and cannot be cancelled", runID, run.Status)
		}

		previous := run.Status
		msg := cancelledByUser
		run.Status = models.RunStatusCancelled
		run.CompletedAt = &now
		run.Error = &msg
		run.Output = nil

		if err := tx.Model(&models.Run{}).Where("id = ?", run.ID).Updates(map[string]any{
			"status":       run.Status,
			"completed_at": run.CompletedAt,
			"error":        run.Error,
			"output":       nil,
		}).Error; err != nil {
			return Internal(err)
		}

		entry := models.LogEntry{
			ID:        uuid.New(),
			RunID:     run.ID,
			Level:     models.LogLevelWarn,
			Message:   "run cancelled",
			Metadata:  mustJSON(map[string]any{"previous_status": string(previous)}),
			Timestamp: now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return Internal(err)
		}

		cancelled = *run
		return nil
	})
	if err != nil {
		return nil, err
	}

	runsCancelled.Inc()
	s.publishLifecycle(ctx, cancelled)
	return s.Get(ctx, taskHandler, runID)
}

// Retry spawns a brand-new run for a terminally failed, cancelled, or timed
// out run. The original is left untouched; the linkage lives only in the new
// run's initial log metadata. Eligibility is re-verified inside the
// transaction while the original row is locked.
func (s *Service) Retry(ctx context.Context, taskHandler string, runID uuid.UUID) (*RunAggregate, error) {
	task, err := s.Task(taskHandler)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var agg *RunAggregate

	err = s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		original, err := lockRun(tx, taskHandler, runID)
		if err != nil {
			return err
		}

		// Attempt accounting must observe serialized state: the count runs
		// in the same transaction as the eligibility check, after the row
		// lock was granted, and spans the whole attempt group so a
		// concurrent retry that committed while this transaction waited on
		// the lock is always counted.
		var attempts int64
		if err := attemptGroupQuery(tx, taskHandler, original.InputHash).
			Count(&attempts).Error; err != nil {
			return Internal(err)
		}

		if err := CanRetry(task, int(attempts), original.Status); err != nil {
			switch {
			case errors.Is(err, ErrNotRetryable):
				retryRejections.WithLabelValues("not_retryable").Inc()
				return InvalidStatef("run %s is %s and cannot be retried", runID, original.Status)
			case errors.Is(err, ErrRetryLimitExceeded):
				retryRejections.WithLabelValues("limit_exceeded").Inc()
				return LimitExceededf("retry limit of %d reached for this input", task.RetryLimit)
			default:
				return Internal(err)
			}
		}

		timeline, err := Generate(task, []byte(original.Input), ModeRetry, &RetryContext{
			OriginalRunID:  original.ID,
			OriginalStatus: original.Status,
			Attempt:        int(attempts) + 1,
		}, now)
		if err != nil {
			return err
		}

		agg, err = s.persistTimeline(ctx, tx, timeline)
		if err != nil {
			return err
		}
		originalID := original.ID
		agg.OriginalRunID = &originalID
		return nil
	})
	if err != nil {
		return nil, err
	}

	runsTriggered.WithLabelValues(task.Handler, string(ModeRetry)).Inc()
	s.publishLifecycle(ctx, agg.Run)
	return agg, nil
}

// Get loads a run with its ordered timeline and live-computed attempt
// number. 404s when the run does not belong to the addressed task.
func (s *Service) Get(ctx context.Context, taskHandler string, runID uuid.UUID) (*RunAggregate, error) {
	var run models.Run
	err := s.orm.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("started_at ASC") }).
		Preload("Logs", func(db *gorm.DB) *gorm.DB { return db.Order("timestamp ASC") }).
		First(&run, "id = ?", runID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFoundf("run %s not found", runID)
		}
		return nil, Internal(err)
	}
	if run.TaskHandler != taskHandler {
		return nil, NotFoundf("run %s not found", runID)
	}

	attempt, err := s.accountant.AttemptNumber(ctx, run.TaskHandler, run.InputHash, run.CreatedAt)
	if err != nil {
		return nil, err
	}

	steps := run.Steps
	logs := run.Logs
	run.Steps = nil
	run.Logs = nil
	return &RunAggregate{Run: run, Steps: steps, Logs: logs, Attempt: attempt}, nil
}

// MarkExecuting promotes a QUEUED run to EXECUTING. Safe to call for runs
// that already moved on; only the QUEUED state is mutated.
func (s *Service) MarkExecuting(ctx context.Context, runID uuid.UUID) error {
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run models.Run
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&run, "id = ?", runID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return Internal(err)
		}
		if run.Status != models.RunStatusQueued {
			return nil
		}
		return tx.Model(&models.Run{}).Where("id = ?", run.ID).
			Update("status", models.RunStatusExecuting).Error
	})
}

// FinalizeRun drives a deferred run to its decided terminal outcome once its
// simulated end time has arrived. Idempotent: runs that were cancelled or
// already finalized are left alone, decided under the same row lock used by
// Cancel.
func (s *Service) FinalizeRun(ctx context.Context, runID uuid.UUID) error {
	var finished *models.Run

	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run models.Run
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&run, "id = ?", runID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return Internal(err)
		}
		if run.Status.Terminal() {
			return nil
		}

		task, ok := s.registry.Get(run.TaskHandler)
		if !ok {
			return Internal(errors.New("task definition disappeared from registry"))
		}

		outcome, err := DecideOutcome(task, []byte(run.Input))
		if err != nil {
			return err
		}

		completedAt, err := timelineEnd(tx, &run, task, outcome)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"status":       outcome.Status,
			"completed_at": completedAt,
		}
		switch outcome.Status {
		case models.RunStatusCompleted:
			output, err := BuildOutput(task, []byte(run.Input))
			if err != nil {
				return err
			}
			updates["output"] = output
			updates["error"] = nil
		default:
			updates["error"] = outcome.ErrorMessage
			updates["output"] = nil
		}

		if err := tx.Model(&models.Run{}).Where("id = ?", run.ID).Updates(updates).Error; err != nil {
			return Internal(err)
		}

		run.Status = outcome.Status
		run.CompletedAt = &completedAt
		finished = &run
		return nil
	})
	if err != nil {
		return err
	}

	if finished != nil {
		runsFinalized.WithLabelValues(string(finished.Status)).Inc()
		s.publishLifecycle(ctx, *finished)
	}
	return nil
}

// persistTimeline stores a generated timeline atomically and computes the
// new run's attempt ordinal from its committed attempt group. Timelines
// longer than the sync window are stored QUEUED with their terminal fields
// cleared; the watcher re-derives them at the simulated end time.
func (s *Service) persistTimeline(ctx context.Context, tx *gorm.DB, timeline *Timeline) (*RunAggregate, error) {
	run := timeline.Run
	if timeline.TotalSimulatedDuration() > s.syncWindow {
		run.Status = models.RunStatusQueued
		run.CompletedAt = nil
		run.Output = nil
		run.Error = nil
	}

	attempt := 1
	create := func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return Internal(err)
		}
		if err := tx.Create(&timeline.Steps).Error; err != nil {
			return Internal(err)
		}
		if err := tx.Create(&timeline.Logs).Error; err != nil {
			return Internal(err)
		}

		// The new run is already inserted, so the group size is its
		// attempt ordinal.
		var group int64
		if err := attemptGroupQuery(tx, run.TaskHandler, run.InputHash).
			Count(&group).Error; err != nil {
			return Internal(err)
		}
		attempt = int(group)
		return nil
	}

	var err error
	if tx != nil {
		err = create(tx)
	} else {
		err = s.orm.WithContext(ctx).Transaction(create)
	}
	if err != nil {
		return nil, err
	}

	return &RunAggregate{
		Run:     run,
		Steps:   timeline.Steps,
		Logs:    timeline.Logs,
		Attempt: attempt,
	}, nil
}

func (s *Service) publishLifecycle(ctx context.Context, run models.Run) {
	if s.bus == nil {
		return
	}

	subject := SubjectRunStarted
	switch run.Status {
	case models.RunStatusCancelled:
		subject = SubjectRunCancelled
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusTimedOut:
		subject = SubjectRunFinished
	}

	evt := RunEvent{
		RunID:       run.ID,
		TaskHandler: run.TaskHandler,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
	}
	if !run.Status.Terminal() {
		if end := s.simulatedEnd(run); end != nil {
			evt.CompletesAt = end
		}
	}

	if err := s.bus.Publish(ctx, subject, evt); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Str("run_id", run.ID.String()).
			Msg("publish lifecycle event")
	}
}

// simulatedEnd reads the last step end for a deferred run.
func (s *Service) simulatedEnd(run models.Run) *time.Time {
	task, ok := s.registry.Get(run.TaskHandler)
	if !ok || run.StartedAt == nil {
		return nil
	}
	outcome, err := DecideOutcome(task, []byte(run.Input))
	if err != nil {
		return nil
	}
	durations := stepDurations(task, run.InputHash)
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	if outcome.Status == models.RunStatusTimedOut {
		total = task.Timeout
	}
	end := run.StartedAt.Add(total)
	return &end
}

func timelineEnd(tx *gorm.DB, run *models.Run, task registry.Task, outcome Outcome) (time.Time, error) {
	if outcome.Status == models.RunStatusTimedOut && run.StartedAt != nil {
		return run.StartedAt.Add(task.Timeout), nil
	}

	var last models.Step
	err := tx.Where("run_id = ?", run.ID).Order("ended_at DESC").First(&last).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, Internal(err)
	}
	if err == nil && last.EndedAt != nil {
		return *last.EndedAt, nil
	}
	if run.StartedAt != nil {
		return *run.StartedAt, nil
	}
	return run.CreatedAt, nil
}

// attemptGroupQuery scopes tx to a run's attempt group: every run of the
// task sharing the canonical input hash. Deliberately unbounded in time so
// counts taken under a row lock observe every committed attempt, including
// ones created after the caller first read the clock.
func attemptGroupQuery(tx *gorm.DB, taskHandler, inputHash string) *gorm.DB {
	return tx.Model(&models.Run{}).Where("task_handler = ? AND input_hash = ?", taskHandler, inputHash)
}

func lockRun(tx *gorm.DB, taskHandler string, runID uuid.UUID) (*models.Run, error) {
	var run models.Run
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&run, "id = ?", runID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFoundf("run %s not found", runID)
		}
		return nil, Internal(err)
	}
	if run.TaskHandler != taskHandler {
		return nil, NotFoundf("run %s not found", runID)
	}
	return &run, nil
}
