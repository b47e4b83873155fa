package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFetchJob(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	job := NewFetchJob("R1", OriginFallback, now)
	assert.Equal(t, SchemaVersion, job.SchemaVersion)
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, now.UnixMilli(), job.EnqueuedMs)

	raw, err := job.Encode()
	require.NoError(t, err)
	got, err := DecodeFetchJob(raw)
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestDecodeFetchJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr string
		check   func(t *testing.T, job FetchJob)
	}{
		{name: "empty", raw: "", wantErr: "empty payload"},
		{name: "not json", raw: "{", wantErr: "decode failed"},
		{name: "bad schema", raw: `{"schema_version":"2.0","region_code":"R1"}`, wantErr: "unsupported schema_version"},
		{name: "missing region", raw: `{"schema_version":"1.0","region_code":"  "}`, wantErr: "region_code is required"},
		{name: "unknown origin", raw: `{"region_code":"R1","origin":"manual"}`, wantErr: "unknown origin"},
		{
			name: "normalizes",
			raw:  `{"region_code":" R1 ","origin":" Fallback ","enqueued_ms":5}`,
			check: func(t *testing.T, job FetchJob) {
				assert.Equal(t, "R1", job.RegionCode)
				assert.Equal(t, OriginFallback, job.Origin)
			},
		},
		{
			name: "origin defaults to scheduler",
			raw:  `{"region_code":"R1"}`,
			check: func(t *testing.T, job FetchJob) {
				assert.Equal(t, OriginScheduler, job.Origin)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			job, err := DecodeFetchJob([]byte(tt.raw))
			if tt.wantErr != "" {
				require.ErrorIs(t, err, ErrMalformedJob)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, job)
		})
	}
}
