// Package finbench is a Go client for the finbench-server HTTP API.
package finbench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides a Go SDK for interacting with the finbench-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new finbench API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("finbench: %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Health returns the server status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &h)
	return h, err
}

// Snapshot returns the latest snapshot of id with its freshness.
func (c *Client) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	var s Snapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/snapshots/"+url.PathEscape(id), nil, nil, &s)
	return s, err
}

// Daily returns the bars of id between from and to inclusive. Zero dates
// leave the range open.
func (c *Client) Daily(ctx context.Context, id string, from, to time.Time) ([]DailyBar, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.Format(time.DateOnly))
	}
	if !to.IsZero() {
		q.Set("to", to.Format(time.DateOnly))
	}
	var out struct {
		Bars []DailyBar `json:"bars"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/daily/"+url.PathEscape(id), q, nil, &out)
	return out.Bars, err
}

// Fundamentals returns the reports of id, newest first.
func (c *Client) Fundamentals(ctx context.Context, id string) ([]Fundamental, error) {
	var out struct {
		Reports []Fundamental `json:"reports"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/fundamentals/"+url.PathEscape(id), nil, nil, &out)
	return out.Reports, err
}

// SyncFundamentals fetches and overlays the reports of id.
func (c *Client) SyncFundamentals(ctx context.Context, id string) (ProcessResult, error) {
	var r ProcessResult
	err := c.do(ctx, http.MethodPost, "/api/v1/fundamentals/"+url.PathEscape(id)+"/sync", nil, nil, &r)
	return r, err
}

// SyncMarket starts a background sync of every asset of market.
func (c *Client) SyncMarket(ctx context.Context, market string) (string, error) {
	return c.sync(ctx, map[string]string{"market": market})
}

// SyncAsset starts a background sync of one asset.
func (c *Client) SyncAsset(ctx context.Context, id string) (string, error) {
	return c.sync(ctx, map[string]string{"canonical_id": id})
}

func (c *Client) sync(ctx context.Context, body map[string]string) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/sync", nil, body, &out)
	return out.JobID, err
}

// Job returns the state of a sync job.
func (c *Client) Job(ctx context.Context, jobID string) (Job, error) {
	var j Job
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, nil, &j)
	return j, err
}

// WaitJob polls a job every interval until it finishes or ctx ends.
func (c *Client) WaitJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		j, err := c.Job(ctx, jobID)
		if err != nil {
			return j, err
		}
		if j.Done() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Backfill fetches days of history for id and returns the record count.
// days <= 0 uses the server default.
func (c *Client) Backfill(ctx context.Context, id string, days int) (int, error) {
	var out struct {
		Records int `json:"records"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/backfill", nil, map[string]any{"canonical_id": id, "days": max(days, 0)}, &out)
	return out.Records, err
}

// ProcessRaw re-runs the ETL over one staged row.
func (c *Client) ProcessRaw(ctx context.Context, rawID int64) (ProcessResult, error) {
	var r ProcessResult
	err := c.do(ctx, http.MethodPost, "/api/v1/raw/"+strconv.FormatInt(rawID, 10)+"/process", nil, nil, &r)
	return r, err
}

// RegisterAsset adds a symbol to the registry.
func (c *Client) RegisterAsset(ctx context.Context, req RegisterRequest) (Asset, error) {
	var a Asset
	err := c.do(ctx, http.MethodPost, "/api/v1/assets", nil, req, &a)
	return a, err
}

// Assets lists the registry, optionally filtered by market.
func (c *Client) Assets(ctx context.Context, market string) ([]Asset, error) {
	q := url.Values{}
	if market != "" {
		q.Set("market", market)
	}
	var out struct {
		Assets []Asset `json:"assets"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/assets", q, nil, &out)
	return out.Assets, err
}

// Canonicalize resolves a raw symbol without registering it.
func (c *Client) Canonicalize(ctx context.Context, symbol, market, assetType string) (Resolution, error) {
	q := url.Values{"symbol": {symbol}}
	if market != "" {
		q.Set("market", market)
	}
	if assetType != "" {
		q.Set("type", assetType)
	}
	var r Resolution
	err := c.do(ctx, http.MethodGet, "/api/v1/canonicalize", q, nil, &r)
	return r, err
}
