// Package store defines storage interfaces for the asset registry, the raw
// landing table and the canonical market tables, with a SQLite
// implementation and a Parquet archive for daily bars.
package store

import (
	"context"
	"time"

	"finbench/internal/domain"
)

// Registry persists the asset registry and provider symbol mappings.
type Registry interface {
	// UpsertAsset inserts or updates a registry entry. AddedAt is kept from
	// the first insert.
	UpsertAsset(ctx context.Context, a domain.Asset) error

	// GetAsset returns the entry for id or domain.ErrNotFound.
	GetAsset(ctx context.Context, id domain.CanonicalID) (domain.Asset, error)

	// ListAssets returns entries, optionally filtered by market ("" for all).
	ListAssets(ctx context.Context, market domain.Market) ([]domain.Asset, error)

	// PutSourceSymbols replaces the provider symbols recorded for an asset.
	PutSourceSymbols(ctx context.Context, id domain.CanonicalID, symbols map[domain.Provider]string) error

	// SourceSymbols returns the provider symbols recorded for an asset.
	SourceSymbols(ctx context.Context, id domain.CanonicalID) (map[domain.Provider]string, error)
}

// RawLog is the append-only landing table.
type RawLog interface {
	// InsertRaw appends a payload and returns its id.
	InsertRaw(ctx context.Context, p domain.RawPayload) (int64, error)

	// GetRaw returns one payload or domain.ErrNotFound.
	GetRaw(ctx context.Context, id int64) (domain.RawPayload, error)

	// ListPendingRaw returns unprocessed payloads without an error note, in
	// id order.
	ListPendingRaw(ctx context.Context, limit int) ([]domain.RawPayload, error)

	// ListFailedRaw returns unprocessed payloads carrying an error note.
	ListFailedRaw(ctx context.Context, limit int) ([]domain.RawPayload, error)

	// MarkRawProcessed sets processed=1 with an optional note.
	MarkRawProcessed(ctx context.Context, id int64, note string) error

	// SetRawError records a note without touching the processed flag.
	SetRawError(ctx context.Context, id int64, note string) error
}

// DailyBars persists canonical daily rows.
type DailyBars interface {
	GetDaily(ctx context.Context, id domain.CanonicalID, ts time.Time) (domain.DailyBar, error)
	ListDaily(ctx context.Context, id domain.CanonicalID, start, end time.Time) ([]domain.DailyBar, error)
	LatestDaily(ctx context.Context, id domain.CanonicalID) (domain.DailyBar, error)
	CountDaily(ctx context.Context, id domain.CanonicalID) (int, error)
}

// Snapshots persists the latest quote per asset.
type Snapshots interface {
	GetSnapshot(ctx context.Context, id domain.CanonicalID) (domain.Snapshot, error)
	UpsertSnapshot(ctx context.Context, s domain.Snapshot) error
}

// Fundamentals persists financial reports.
type Fundamentals interface {
	GetFundamental(ctx context.Context, id domain.CanonicalID, asOf time.Time, rt domain.ReportType) (domain.FundamentalReport, error)
	UpsertFundamental(ctx context.Context, r domain.FundamentalReport) error
	ListFundamentals(ctx context.Context, id domain.CanonicalID) ([]domain.FundamentalReport, error)
}

// DailyArchive is a columnar copy of canonical daily bars.
type DailyArchive interface {
	WriteDaily(ctx context.Context, bars []domain.DailyBar) error
	ReadDaily(ctx context.Context, id domain.CanonicalID, start, end time.Time) ([]domain.DailyBar, error)
	ListArchived(ctx context.Context, market domain.Market) ([]domain.CanonicalID, error)
}
