package forecast_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecast-refresh/internal/forecast"
	"forecast-refresh/internal/testutil"
)

// sampleForecast returns a deterministic run with slots predictions (slots > 0).
func sampleForecast(region string, slots int) forecast.Forecast {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	f, _ := (&forecast.MockFetcher{Now: func() time.Time { return now }, Slots: slots}).
		Fetch(context.Background(), forecast.Request{RegionCode: region})
	return f
}

func TestSaveRunIsInsertOrIgnore(t *testing.T) {
	t.Parallel()
	db := testutil.OpenSQLite(t)
	store := forecast.NewStore(db)
	ctx := context.Background()
	f := sampleForecast("R1", 3)
	fetchedAt := time.Date(2026, 3, 2, 12, 5, 0, 0, time.UTC)

	inserted, err := store.SaveRun(ctx, f, fetchedAt)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.SaveRun(ctx, f, fetchedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, inserted)

	var runs []forecast.Run
	require.NoError(t, db.Find(&runs).Error)
	require.Len(t, runs, 1)
	assert.Equal(t, fetchedAt.UnixMilli(), runs[0].FetchedMs, "first write wins")
	assert.Equal(t, "mock", runs[0].Source)
}

func TestSaveRecordsSkipsExistingSlots(t *testing.T) {
	t.Parallel()
	db := testutil.OpenSQLite(t)
	store := forecast.NewStore(db)
	ctx := context.Background()

	n, err := store.SaveRecords(ctx, sampleForecast("R1", 3))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = store.SaveRecords(ctx, sampleForecast("R1", 5))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	empty := forecast.Forecast{RegionCode: "R2", AnalysisAt: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	n, err = store.SaveRecords(ctx, empty)
	require.NoError(t, err)
	assert.Zero(t, n)

	var count int64
	require.NoError(t, db.Model(&forecast.Record{}).Where("region_code = ?", "R1").Count(&count).Error)
	assert.EqualValues(t, 5, count)
}
