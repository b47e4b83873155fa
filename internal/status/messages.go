package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// States only found in replies.
const (
	StateNotFound = "not_found"
	StateIdle     = "idle"
)

// Request asks for the scheduling state of one region.
type Request struct {
	RegionCode  string `json:"region_code"`
	RequestID   string `json:"request_id"`
	RequestedAt string `json:"requested_at"`
}

// Reply merges the status hash, the priority row and the inflight marker.
type Reply struct {
	RegionCode string `json:"region_code"`
	State      string `json:"state"`
	JobID      string `json:"job_id,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Priority   *int   `json:"priority,omitempty"`
	Active     *bool  `json:"active,omitempty"`
	LastHitMs  *int64 `json:"last_hit_ms,omitempty"`
	NextDueMs  *int64 `json:"next_due_ms,omitempty"`
	Inflight   bool   `json:"inflight"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// DecodeRequest validates and parses a status request body.
func DecodeRequest(raw []byte) (Request, error) {
	var req Request
	if err := decodeJSONObject(raw, &req); err != nil {
		return Request{}, err
	}

	req.RegionCode = strings.TrimSpace(req.RegionCode)
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.RequestedAt = strings.TrimSpace(req.RequestedAt)

	if req.RegionCode == "" {
		return Request{}, errors.New("region_code is required")
	}
	if req.RequestID == "" {
		return Request{}, errors.New("request_id is required")
	}
	if req.RequestedAt == "" {
		return Request{}, errors.New("requested_at is required")
	}
	if _, err := time.Parse(time.RFC3339, req.RequestedAt); err != nil {
		return Request{}, fmt.Errorf("requested_at must be RFC3339: %w", err)
	}
	return req, nil
}

// decodeJSONObject decodes one JSON value and rejects unknown fields and trailing tokens.
func decodeJSONObject(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values are not allowed")
	}
	return nil
}
