// Package httpapi serves the finbench JSON API: snapshots, daily history
// and fundamentals for the UI, plus the sync, backfill and registry
// endpoints that drive ingestion.
package httpapi

import (
	"finbench/internal/domain"
)

// SnapshotResponse is a stored snapshot annotated with its freshness.
type SnapshotResponse struct {
	domain.Snapshot
	Stale      bool   `json:"stale"`
	MarketOpen bool   `json:"market_open"`
	Reason     string `json:"reason"`
}

// DailyResponse holds ordered daily bars of one asset.
type DailyResponse struct {
	CanonicalID domain.CanonicalID `json:"canonical_id"`
	Bars        []domain.DailyBar  `json:"bars"`
}

// FundamentalsResponse holds reports ordered by as_of_date descending.
type FundamentalsResponse struct {
	CanonicalID domain.CanonicalID         `json:"canonical_id"`
	Reports     []domain.FundamentalReport `json:"reports"`
}

// SyncRequest starts a background sync of a market or one asset. Exactly
// one field is set.
type SyncRequest struct {
	Market      string `json:"market" validate:"required_without=CanonicalID,excluded_with=CanonicalID"`
	CanonicalID string `json:"canonical_id"`
}

// SyncResponse carries the id of the started job.
type SyncResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// BackfillRequest asks for days of daily history; zero means the configured
// default.
type BackfillRequest struct {
	CanonicalID string `json:"canonical_id" validate:"required"`
	Days        int    `json:"days" validate:"gte=0,lte=36500"`
}

// BackfillResponse reports how many daily rows the fetch covered.
type BackfillResponse struct {
	CanonicalID domain.CanonicalID `json:"canonical_id"`
	Records     int                `json:"records"`
}

// AssetRequest registers an asset from a raw symbol.
type AssetRequest struct {
	Symbol    string `json:"symbol" validate:"required,max=32"`
	Market    string `json:"market"`
	AssetType string `json:"asset_type"`
	Name      string `json:"name" validate:"max=128"`
	Kind      string `json:"kind" validate:"omitempty,oneof=watchlist index"`
}

// AssetsResponse lists registry entries.
type AssetsResponse struct {
	Assets []domain.Asset `json:"assets"`
}

// HealthResponse reports liveness and the raw table backlog.
type HealthResponse struct {
	Status     string `json:"status"`
	RawTotal   int    `json:"raw_total"`
	RawPending int    `json:"raw_pending"`
	RawFailed  int    `json:"raw_failed"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
