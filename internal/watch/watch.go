// Package watch drives deferred runs through their lifecycle: it promotes
// queued runs to executing and finalizes them when their simulated end time
// arrives, honoring cancellations that land in between.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"runboard/internal/engine"
	"runboard/internal/models"
	"runboard/pkg/bus"
)

// dispatchDelay is how long a deferred run sits QUEUED before the watcher
// promotes it to EXECUTING.
const dispatchDelay = 250 * time.Millisecond

// Lifecycle is the slice of the run service the watcher drives.
type Lifecycle interface {
	MarkExecuting(ctx context.Context, runID uuid.UUID) error
	FinalizeRun(ctx context.Context, runID uuid.UUID) error
}

// Watcher reacts to run lifecycle events and schedules the promote and
// finalize transitions for deferred runs.
type Watcher struct {
	svc Lifecycle
	orm *gorm.DB
	bus *bus.Bus
	log zerolog.Logger

	// runCtx is the Start context. Timers fire long after the message
	// handler that armed them returned, so they must never inherit a
	// per-message context.
	runCtx context.Context

	timersMu sync.Mutex
	timers   map[uuid.UUID][]*time.Timer

	subsMu sync.Mutex
	subs   []io.Closer
}

// New creates a watcher bound to the provided dependencies.
func New(svc Lifecycle, orm *gorm.DB, b *bus.Bus, log zerolog.Logger) (*Watcher, error) {
	if svc == nil {
		return nil, errors.New("lifecycle service is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}

	return &Watcher{
		svc:    svc,
		orm:    orm,
		bus:    b,
		log:    log,
		timers: make(map[uuid.UUID][]*time.Timer),
	}, nil
}

// Start registers NATS subscriptions and recovers in-flight runs left behind
// by a previous process.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("nil watcher")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	w.runCtx = ctx

	specs := []struct {
		subject string
		durable string
		handler func(context.Context, []byte) error
	}{
		{engine.SubjectRunStarted, "runboard-watch-started", w.handleRunStarted},
		{engine.SubjectRunFinished, "runboard-watch-finished", w.handleRunSettled},
		{engine.SubjectRunCancelled, "runboard-watch-cancelled", w.handleRunSettled},
	}

	for _, spec := range specs {
		closer, err := w.bus.Subscribe(ctx, spec.subject, spec.durable, spec.handler)
		if err != nil {
			w.Close()
			return err
		}
		w.subsMu.Lock()
		w.subs = append(w.subs, closer)
		w.subsMu.Unlock()
	}

	go func() {
		<-ctx.Done()
		w.Close()
	}()

	return w.recover(ctx)
}

// Close tears down subscriptions and stops every pending timer.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}

	w.subsMu.Lock()
	var firstErr error
	for _, sub := range w.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.subs = nil
	w.subsMu.Unlock()

	w.timersMu.Lock()
	for id, timers := range w.timers {
		for _, t := range timers {
			t.Stop()
		}
		delete(w.timers, id)
	}
	w.timersMu.Unlock()

	return firstErr
}

func (w *Watcher) handleRunStarted(_ context.Context, data []byte) error {
	var evt engine.RunEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.RunID == uuid.Nil {
		return errors.New("run_id missing from lifecycle event")
	}
	if evt.Status.Terminal() || evt.CompletesAt == nil {
		// Terminal at creation; nothing to drive.
		return nil
	}

	w.schedule(evt.RunID, *evt.CompletesAt)
	return nil
}

func (w *Watcher) handleRunSettled(_ context.Context, data []byte) error {
	var evt engine.RunEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.RunID == uuid.Nil {
		return nil
	}
	w.stopTimers(evt.RunID)
	return nil
}

// schedule arms the promote and finalize timers for one run. Transitions are
// idempotent on the service side, so a duplicate event at worst re-verifies
// a status under lock.
func (w *Watcher) schedule(runID uuid.UUID, completesAt time.Time) {
	ctx := w.runCtx
	promote := time.AfterFunc(dispatchDelay, func() {
		if err := w.svc.MarkExecuting(ctx, runID); err != nil {
			w.log.Warn().Err(err).Str("run_id", runID.String()).Msg("promote run")
		}
	})

	finalizeIn := time.Until(completesAt)
	if finalizeIn < dispatchDelay {
		finalizeIn = dispatchDelay
	}
	finalize := time.AfterFunc(finalizeIn, func() {
		defer w.stopTimers(runID)
		if err := w.svc.FinalizeRun(ctx, runID); err != nil {
			w.log.Error().Err(err).Str("run_id", runID.String()).Msg("finalize run")
		}
	})

	w.timersMu.Lock()
	w.timers[runID] = append(w.timers[runID], promote, finalize)
	w.timersMu.Unlock()
}

func (w *Watcher) stopTimers(runID uuid.UUID) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()
	for _, t := range w.timers[runID] {
		t.Stop()
	}
	delete(w.timers, runID)
}

// recover reschedules runs that were still in flight when the previous
// process stopped. The simulated end is recovered from the persisted
// timeline's last step.
func (w *Watcher) recover(ctx context.Context) error {
	var pending []models.Run
	err := w.orm.WithContext(ctx).
		Where("status IN ?", []models.RunStatus{models.RunStatusQueued, models.RunStatusExecuting}).
		Find(&pending).Error
	if err != nil {
		return err
	}

	for _, run := range pending {
		var last models.Step
		err := w.orm.WithContext(ctx).
			Where("run_id = ?", run.ID).
			Order("ended_at DESC").
			First(&last).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return err
		}

		completesAt := run.CreatedAt
		if last.EndedAt != nil {
			completesAt = *last.EndedAt
		}

		w.log.Info().Str("run_id", run.ID.String()).Time("completes_at", completesAt).
			Msg("recovering in-flight run")
		w.schedule(run.ID, completesAt)
	}

	return nil
}
