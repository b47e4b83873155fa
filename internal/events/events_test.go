package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter records written messages and can fail on demand.
type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishRefreshed(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	p := newPublisher(w, "forecast.refreshed.v1")

	err := p.PublishRefreshed(context.Background(), ForecastRefreshed{
		JobID:      "job-1",
		RegionCode: "JKT",
		Origin:     "scheduler",
		AnalysisMs: 1000,
		Records:    24,
		NextDueMs:  2000,
		FetchedAt:  "2026-03-02T12:00:00Z",
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "forecast.refreshed.v1", msg.Topic)
	assert.Equal(t, "JKT", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "application/json", headers["content-type"])
	assert.Equal(t, SchemaVersion, headers["schema-version"])
	assert.Equal(t, TypeRefreshed, headers["event-type"])

	var got ForecastRefreshed
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, SchemaVersion, got.SchemaVersion)
	assert.Equal(t, 24, got.Records)
	assert.EqualValues(t, 2000, got.NextDueMs)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishRefreshedWrapsWriterError(t *testing.T) {
	t.Parallel()
	boom := errors.New("leader not available")
	p := newPublisher(&fakeWriter{err: boom}, "t")

	err := p.PublishRefreshed(context.Background(), ForecastRefreshed{RegionCode: "JKT"})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "region=JKT")
}
