package database_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"forecast-refresh/internal/config"
	"forecast-refresh/internal/database"
)

func TestDialectorRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := database.Dialector(config.DBConfig{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported DB_DRIVER")
}

func TestDialectorNames(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"postgres", "mysql", "sqlite"} {
		d, err := database.Dialector(config.DBConfig{Driver: driver, DSN: "x"})
		require.NoError(t, err)
		assert.Equal(t, driver, d.Name())
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	t.Parallel()

	db, err := database.Open(config.DBConfig{Driver: "sqlite", DSN: "file:database_open_test?mode=memory&cache=shared"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	for _, table := range []string{"regions", "region_priorities", "store_operating_hours", "forecast_runs", "forecast_records"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}
