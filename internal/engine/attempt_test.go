package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"runboard/internal/models"
	"runboard/internal/registry"
)

func TestCanRetry(t *testing.T) {
	task := registry.Task{Handler: "send-report", RetryLimit: 2}

	cases := []struct {
		name     string
		status   models.RunStatus
		attempts int
		want     error
	}{
		{name: "failed run under the limit", status: models.RunStatusFailed, attempts: 1, want: nil},
		{name: "timed out run under the limit", status: models.RunStatusTimedOut, attempts: 2, want: nil},
		{name: "cancelled run under the limit", status: models.RunStatusCancelled, attempts: 1, want: nil},
		// RetryLimit 2 allows three attempts in total: the original plus
		// two retries.
		{name: "last permitted attempt", status: models.RunStatusFailed, attempts: 2, want: nil},
		{name: "limit reached", status: models.RunStatusFailed, attempts: 3, want: ErrRetryLimitExceeded},
		{name: "limit exceeded", status: models.RunStatusFailed, attempts: 7, want: ErrRetryLimitExceeded},
		{name: "completed runs never retry", status: models.RunStatusCompleted, attempts: 1, want: ErrNotRetryable},
		{name: "queued runs never retry", status: models.RunStatusQueued, attempts: 1, want: ErrNotRetryable},
		{name: "executing runs never retry", status: models.RunStatusExecuting, attempts: 1, want: ErrNotRetryable},
		// Status gates before the limit does.
		{name: "completed over the limit reports not retryable", status: models.RunStatusCompleted, attempts: 9, want: ErrNotRetryable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CanRetry(task, tc.attempts, tc.status)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCanRetryZeroLimitAllowsNoRetries(t *testing.T) {
	task := registry.Task{Handler: "one-shot", RetryLimit: 0}

	assert.ErrorIs(t, CanRetry(task, 1, models.RunStatusFailed), ErrRetryLimitExceeded)
}
