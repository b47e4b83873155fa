// Package queue carries fetch jobs between the scheduler and the workers over
// a Redis list, and guards each region with an advisory inflight lock.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the FetchJob envelope version.
const SchemaVersion = "1.0"

// Origin tells how the scheduler found the region.
type Origin string

// Origins of a fetch job.
const (
	OriginScheduler Origin = "scheduler"
	OriginFallback  Origin = "fallback"
)

// ErrMalformedJob marks a payload that cannot be processed. Such jobs are dropped.
var ErrMalformedJob = errors.New("malformed fetch job")

// FetchJob is the queue payload. It is never persisted beyond the queue.
type FetchJob struct {
	SchemaVersion string `json:"schema_version"`
	JobID         string `json:"job_id"`
	RegionCode    string `json:"region_code"`
	Origin        Origin `json:"origin"`
	EnqueuedMs    int64  `json:"enqueued_ms"`
}

// NewFetchJob builds a job with a fresh id, which also serves as its lock token.
func NewFetchJob(region string, origin Origin, now time.Time) FetchJob {
	return FetchJob{
		SchemaVersion: SchemaVersion,
		JobID:         uuid.NewString(),
		RegionCode:    region,
		Origin:        origin,
		EnqueuedMs:    now.UnixMilli(),
	}
}

// Encode serializes the job for the queue.
func (j FetchJob) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeFetchJob validates and parses one queue payload.
func DecodeFetchJob(raw []byte) (FetchJob, error) {
	if len(raw) == 0 {
		return FetchJob{}, fmt.Errorf("%w: empty payload", ErrMalformedJob)
	}

	var job FetchJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return FetchJob{}, fmt.Errorf("%w: decode failed: %v", ErrMalformedJob, err)
	}

	job.SchemaVersion = strings.TrimSpace(job.SchemaVersion)
	job.JobID = strings.TrimSpace(job.JobID)
	job.RegionCode = strings.TrimSpace(job.RegionCode)
	job.Origin = Origin(strings.ToLower(strings.TrimSpace(string(job.Origin))))

	if job.SchemaVersion != "" && job.SchemaVersion != SchemaVersion {
		return FetchJob{}, fmt.Errorf("%w: unsupported schema_version: %s", ErrMalformedJob, job.SchemaVersion)
	}
	if job.RegionCode == "" {
		return FetchJob{}, fmt.Errorf("%w: region_code is required", ErrMalformedJob)
	}
	switch job.Origin {
	case OriginScheduler, OriginFallback:
	case "":
		job.Origin = OriginScheduler
	default:
		return FetchJob{}, fmt.Errorf("%w: unknown origin: %s", ErrMalformedJob, job.Origin)
	}
	if job.EnqueuedMs < 0 {
		return FetchJob{}, fmt.Errorf("%w: enqueued_ms must not be negative", ErrMalformedJob)
	}
	return job, nil
}
