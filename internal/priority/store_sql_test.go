package priority_test

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"forecast-refresh/internal/priority"
)

// setupPostgresMock returns a Store on a postgres dialect backed by sqlmock.
func setupPostgresMock(t *testing.T) (*priority.Store, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	require.NoError(t, err)
	return priority.NewStore(db), mock
}

func TestRecordFailureStatementLeavesLastHitAlone(t *testing.T) {
	t.Parallel()
	store, mock := setupPostgresMock(t)

	nowMs := baseNow.UnixMilli()
	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE "region_priorities" SET "last_failure_ms"=$1,"next_due_ms"=$2,"updated_at"=$3 WHERE region_code = $4`,
	)).
		WithArgs(nowMs, baseNow.Add(24*time.Hour).UnixMilli(), nowMs, "R1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.RecordFailure(context.Background(), "R1", baseNow, 24*time.Hour))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSuccessStatementIsConditional(t *testing.T) {
	t.Parallel()
	store, mock := setupPostgresMock(t)

	nowMs := baseNow.UnixMilli()
	nextDue := baseNow.Add(3 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE "region_priorities" SET "last_hit_ms"=$1,"next_due_ms"=$2,"updated_at"=$3 WHERE region_code = $4 AND (last_hit_ms IS NULL OR last_hit_ms <= $5)`,
	)).
		WithArgs(nowMs, nextDue.UnixMilli(), nowMs, "R1", baseNow.Add(-time.Hour).UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.RecordSuccess(context.Background(), "R1", baseNow, nextDue, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectNextDueStatement(t *testing.T) {
	t.Parallel()
	store, mock := setupPostgresMock(t)

	mock.ExpectQuery(
		regexp.QuoteMeta(`SELECT "region_code" FROM "region_priorities" WHERE active = $1 AND (next_due_ms IS NULL OR next_due_ms <= $2) AND (last_hit_ms IS NULL OR last_hit_ms <= $3)`) +
			`.*` +
			regexp.QuoteMeta(`ORDER BY priority ASC,CASE WHEN last_hit_ms IS NULL THEN 0 ELSE 1 END ASC,last_hit_ms ASC,region_code ASC LIMIT $4`),
	).
		WithArgs(true, baseNow.UnixMilli(), baseNow.Add(-time.Hour).UnixMilli(), 1).
		WillReturnRows(sqlmock.NewRows([]string{"region_code"}).AddRow("A"))

	got, ok, err := store.SelectNextDue(context.Background(), baseNow, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectNextDuePropagatesDatabaseErrors(t *testing.T) {
	t.Parallel()
	store, mock := setupPostgresMock(t)

	mock.ExpectQuery(`SELECT "region_code" FROM "region_priorities"`).
		WillReturnError(errConnRefused)

	_, _, err := store.SelectNextDue(context.Background(), baseNow, time.Hour)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "select next due region"))
	assert.ErrorIs(t, err, errConnRefused)
}

// connError is a driver error returned by the mock connection.
type connError string

func (e connError) Error() string { return string(e) }

const errConnRefused = connError("dial tcp 127.0.0.1:5432: connect: connection refused")
