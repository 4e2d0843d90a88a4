// Package store hands finished traces to the external trace store.
//
// The store speaks a PostgREST-style API: one POST per job to <base>/execution_traces.
// There is exactly one attempt per call and no local queue of unsent traces.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dontdude/syscore/internal/domain"
)

// ErrNotConfigured is returned when the store URL or key is missing.
var ErrNotConfigured = errors.New("trace store not configured")

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// Client uploads traces.
type Client struct {
	endpoint string
	key      string
	http     *http.Client
}

// Check if Client implements domain.TraceStore
var _ domain.TraceStore = (*Client)(nil)

// traceRecord is the envelope the store expects.
type traceRecord struct {
	JobID     string              `json:"job_id"`
	TraceData []domain.TraceEvent `json:"trace_data"`
}

// New returns a client for baseURL. A zero timeout leaves requests bounded only by their context.
// An empty baseURL or key is accepted here and reported by Upload.
func New(baseURL, key string, timeout time.Duration) *Client {
	endpoint := ""
	if baseURL != "" {
		endpoint = strings.TrimRight(baseURL, "/") + "/execution_traces"
	}
	return &Client{
		endpoint: endpoint,
		key:      key,
		http:     &http.Client{Timeout: timeout},
	}
}

// Configured reports whether Upload can succeed at all.
func (c *Client) Configured() bool {
	return c.endpoint != "" && c.key != ""
}

// Upload posts the trace of jobID. Any transport error or non-2xx status fails the call.
func (c *Client) Upload(ctx context.Context, jobID string, events []domain.TraceEvent) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if events == nil {
		events = []domain.TraceEvent{}
	}

	body, err := json.Marshal(traceRecord{JobID: jobID, TraceData: events})
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload trace: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("upload trace: store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
