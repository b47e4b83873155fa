package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounters(t *testing.T) {
	t.Parallel()
	r := New()

	r.RecordTick("enqueued")
	r.RecordTick("enqueued")
	r.RecordTick("inline")
	r.RecordSelection("fallback")
	r.RecordJobStart()
	r.RecordJobStart()
	r.RecordJobEnd("succeeded", 150*time.Millisecond)
	r.RecordRecordsPersisted(24)
	r.RecordRecordsPersisted(0)
	r.RecordPopError()
	r.RecordDroppedJob()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.ticks.WithLabelValues("enqueued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ticks.WithLabelValues("inline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.selections.WithLabelValues("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobs.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobsInFlight))
	assert.Equal(t, 24.0, testutil.ToFloat64(r.recordsPersisted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.popErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.droppedJobs))
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()
	r := New()
	r.RecordTick("idle")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `forecast_scheduler_ticks_total{result="idle"} 1`)
}
