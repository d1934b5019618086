// Package handlers implements the job handlers the worker registry serves.
// Weekly processing types call out to the processing subsystem over HTTP and
// record coverage markers; orchestration types (backfill, cache warming) run
// entirely inside this service.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/croplens/croplens/internal/coverage"
	"github.com/croplens/croplens/internal/jobs"
	"github.com/croplens/croplens/internal/worker"
)

// CoverageWriter records week-completion markers after a processing call.
type CoverageWriter interface {
	Upsert(ctx context.Context, m coverage.Marker) error
}

// ProcessingClient calls the external processing subsystem. One endpoint per
// job type, e.g. POST {base}/v1/process/process_week.
type ProcessingClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewProcessingClient(baseURL string, timeout time.Duration) *ProcessingClient {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &ProcessingClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type processRequest struct {
	TenantID uuid.UUID  `json:"tenant_id"`
	AOIID    *uuid.UUID `json:"aoi_id,omitempty"`
	JobID    uuid.UUID  `json:"job_id"`
	Year     int        `json:"year"`
	Week     int        `json:"week"`
}

type processResponse struct {
	Status  string         `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Processing is the handler for all weekly processing job types. It is
// idempotent end to end: the downstream upserts its outputs keyed by
// (tenant, aoi, week) and the coverage marker is an upsert too.
type Processing struct {
	Client   *ProcessingClient
	Coverage CoverageWriter
}

func NewProcessing(client *ProcessingClient, cov CoverageWriter) *Processing {
	return &Processing{Client: client, Coverage: cov}
}

func (h *Processing) Handle(ctx context.Context, job jobs.Job) worker.Outcome {
	week, err := weekFromPayload(job.Payload)
	if err != nil {
		return worker.Fail(err, false)
	}
	if job.AOIID == nil {
		return worker.Fail(fmt.Errorf("processing: job %s has no aoi", job.ID), false)
	}

	resp, oc := h.call(ctx, job, week)
	if oc != nil {
		return *oc
	}

	switch resp.Status {
	case "", "ok", "done":
		if err := h.Coverage.Upsert(ctx, coverage.Marker{
			TenantID:    job.TenantID,
			AOIID:       *job.AOIID,
			Week:        week,
			Kind:        coverage.Present,
			SourceJobID: &job.ID,
		}); err != nil {
			// Marker write is retryable; the downstream output is already durable.
			return worker.Fail(err, true)
		}
		return worker.Done(resp.Metrics)

	case "no_data":
		if err := h.Coverage.Upsert(ctx, coverage.Marker{
			TenantID:    job.TenantID,
			AOIID:       *job.AOIID,
			Week:        week,
			Kind:        coverage.NoData,
			SourceJobID: &job.ID,
		}); err != nil {
			return worker.Fail(err, true)
		}
		return worker.NoData(resp.Reason)

	default:
		return worker.Fail(fmt.Errorf("processing: unknown response status %q", resp.Status), false)
	}
}

// call performs the HTTP exchange and maps transport and status-code classes
// onto outcome semantics: 2xx parses, 429 and 5xx retry, other 4xx are
// permanent.
func (h *Processing) call(ctx context.Context, job jobs.Job, week jobs.Week) (processResponse, *worker.Outcome) {
	body, err := json.Marshal(processRequest{
		TenantID: job.TenantID,
		AOIID:    job.AOIID,
		JobID:    job.ID,
		Year:     week.Year,
		Week:     week.Week,
	})
	if err != nil {
		oc := worker.Fail(fmt.Errorf("processing: marshal request: %w", err), false)
		return processResponse{}, &oc
	}

	url := h.Client.BaseURL + "/v1/process/" + strings.ToLower(string(job.Type))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		oc := worker.Fail(fmt.Errorf("processing: new request: %w", err), false)
		return processResponse{}, &oc
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.HTTP.Do(req)
	if err != nil {
		oc := worker.Fail(fmt.Errorf("processing: %w", err), true)
		return processResponse{}, &oc
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return processResponse{Status: "no_data"}, nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var pr processResponse
		if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
			oc := worker.Fail(fmt.Errorf("processing: decode response: %w", err), true)
			return processResponse{}, &oc
		}
		return pr, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	oc := worker.Fail(fmt.Errorf("processing: status %d: %s", resp.StatusCode, snippet), retryable)
	return processResponse{}, &oc
}

// weekFromPayload extracts the (year, week) coordinate. Numbers arrive as
// float64 after a JSON round trip through the jobs table.
func weekFromPayload(payload map[string]any) (jobs.Week, error) {
	year, ok := asInt(payload["year"])
	if !ok {
		return jobs.Week{}, fmt.Errorf("payload: missing or invalid year")
	}
	week, ok := asInt(payload["week"])
	if !ok {
		return jobs.Week{}, fmt.Errorf("payload: missing or invalid week")
	}
	if week < 1 || week > 53 {
		return jobs.Week{}, fmt.Errorf("payload: week %d out of range", week)
	}
	return jobs.Week{Year: year, Week: week}, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
