package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// dryRunDB builds a gorm handle that assembles SQL without touching a
// database.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  "host=localhost user=runboard dbname=runboard",
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return db
}

func TestAttemptGroupQueryIsUnboundedInTime(t *testing.T) {
	db := dryRunDB(t)

	var n int64
	stmt := attemptGroupQuery(db, "send-report", "cafe").Count(&n).Statement
	sql := stmt.SQL.String()

	assert.Contains(t, sql, "task_handler")
	assert.Contains(t, sql, "input_hash")
	// Bounding the count by a timestamp read before the row lock would let
	// a retry committed while this transaction waited on the lock escape
	// the limit check, admitting two retries of the same run.
	assert.NotContains(t, sql, "created_at")
	assert.Len(t, stmt.Vars, 2)
}
