// Package events announces refreshed forecasts on Kafka. Consumers decide what
// to do with them; publishing never influences scheduling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"forecast-refresh/internal/config"
)

// Event envelope constants carried in the message headers.
const (
	SchemaVersion = "1.0"
	TypeRefreshed = "forecast.refreshed"
)

// ForecastRefreshed is emitted after a region's success has been recorded.
type ForecastRefreshed struct {
	SchemaVersion string `json:"schema_version"`
	JobID         string `json:"job_id,omitempty"`
	RegionCode    string `json:"region_code"`
	Origin        string `json:"origin,omitempty"`
	AnalysisMs    int64  `json:"analysis_ms"`
	Records       int    `json:"records"`
	NextDueMs     int64  `json:"next_due_ms"`
	FetchedAt     string `json:"fetched_at"`
}

// messageWriter is the part of kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events keyed by region so a region's events stay ordered.
type Publisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher builds a synchronous writer for cfg.Brokers.
func NewKafkaPublisher(cfg config.KafkaConfig) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			Async:                  false,
			WriteTimeout:           cfg.WriteTimeout,
			ReadTimeout:            cfg.WriteTimeout,
		},
		topic: cfg.Topic,
	}
}

// newPublisher wraps an arbitrary writer; tests pass a fake.
func newPublisher(w messageWriter, topic string) *Publisher {
	return &Publisher{writer: w, topic: topic}
}

// PublishRefreshed sends one event. SchemaVersion and FetchedAt are filled when empty.
func (p *Publisher) PublishRefreshed(ctx context.Context, ev ForecastRefreshed) error {
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = SchemaVersion
	}
	if ev.FetchedAt == "" {
		ev.FetchedAt = time.Now().UTC().Format(time.RFC3339)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode refreshed event region=%s: %w", ev.RegionCode, err)
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(ev.RegionCode),
		Value: body,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "schema-version", Value: []byte(ev.SchemaVersion)},
			{Key: "event-type", Value: []byte(TypeRefreshed)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish refreshed event region=%s topic=%s: %w", ev.RegionCode, p.topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
