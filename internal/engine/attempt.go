package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"runboard/internal/db"
	"runboard/internal/models"
	"runboard/internal/registry"
)

// Sentinel causes distinguishing retry rejections, wrapped into client-facing
// errors by CanRetry so callers can branch on the reason.
var (
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
	ErrNotRetryable       = errors.New("run is not in a retryable status")
)

// Accountant computes attempt ordinals over run history. Runs sharing a task
// and a canonical input hash form one attempt group; ordering within a group
// is by creation time.
type Accountant struct {
	pool *pgxpool.Pool
}

// NewAccountant binds an Accountant to the read pool.
func NewAccountant(pool *pgxpool.Pool) *Accountant {
	return &Accountant{pool: pool}
}

// AttemptNumber counts runs of taskHandler whose canonical input hash equals
// inputHash and whose creation time is at or before asOf. The count is
// inclusive, so a run counts itself when its own attempt number is computed
// after the fact. Served by the composite (task_handler, input_hash) index.
func (a *Accountant) AttemptNumber(ctx context.Context, taskHandler, inputHash string, asOf time.Time) (int, error) {
	var count int
	err := db.Get(ctx, a.pool, &count,
		`SELECT count(*) FROM runs WHERE task_handler = $1 AND input_hash = $2 AND created_at <= $3`,
		taskHandler, inputHash, asOf)
	if err != nil {
		return 0, Internal(err)
	}
	return count, nil
}

// CanRetry reports whether a further retry is permitted given the attempt
// count so far and the original run's status. The first invocation is
// attempt 1, not a retry, hence the +1 offset against the task retry limit.
func CanRetry(task registry.Task, attemptsSoFar int, originalStatus models.RunStatus) error {
	if !originalStatus.Retryable() {
		return ErrNotRetryable
	}
	if attemptsSoFar >= task.RetryLimit+1 {
		return ErrRetryLimitExceeded
	}
	return nil
}
