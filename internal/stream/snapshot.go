package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"runboard/internal/db"
	"runboard/internal/engine"
	"runboard/internal/models"
)

// LogRecord is one stored log line in replay order.
type LogRecord struct {
	Level     models.LogLevel `db:"level" json:"level"`
	Message   string          `db:"message" json:"message"`
	Metadata  json.RawMessage `db:"metadata" json:"metadata"`
	Timestamp time.Time       `db:"timestamp" json:"timestamp"`
}

// Snapshot is the read-only view of a run a subscription replays. It is
// fetched once, before any event is emitted, and never refreshed: the stream
// serves the timeline as recorded at attach time.
type Snapshot struct {
	RunID       uuid.UUID        `db:"id"`
	TaskHandler string           `db:"task_handler"`
	Status      models.RunStatus `db:"status"`
	CreatedAt   time.Time        `db:"created_at"`
	StartedAt   *time.Time       `db:"started_at"`
	CompletedAt *time.Time       `db:"completed_at"`

	Logs []LogRecord `db:"-"`
}

// LoadSnapshot reads a run and its logs in timestamp order, scoped to the
// addressed task.
func LoadSnapshot(ctx context.Context, pool *pgxpool.Pool, taskHandler string, runID uuid.UUID) (*Snapshot, error) {
	var snap Snapshot
	err := db.Get(ctx, pool, &snap,
		`SELECT id, task_handler, status, created_at, started_at, completed_at
		 FROM runs WHERE id = $1`, runID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, engine.NotFoundf("run %s not found", runID)
		}
		return nil, engine.Internal(err)
	}
	if snap.TaskHandler != taskHandler {
		return nil, engine.NotFoundf("run %s not found", runID)
	}

	err = db.Select(ctx, pool, &snap.Logs,
		`SELECT level, message, metadata, timestamp
		 FROM run_logs WHERE run_id = $1 ORDER BY timestamp ASC`, runID)
	if err != nil {
		return nil, engine.Internal(err)
	}

	return &snap, nil
}

func (l LogRecord) encode() json.RawMessage {
	data, err := json.Marshal(l)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func (s *Snapshot) encodeStatus() json.RawMessage {
	payload := map[string]any{
		"run_id": s.RunID,
		"status": s.Status,
	}
	if s.StartedAt != nil && s.CompletedAt != nil {
		payload["duration_ms"] = s.CompletedAt.Sub(*s.StartedAt).Milliseconds()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
