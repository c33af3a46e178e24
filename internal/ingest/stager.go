// Package ingest lands provider payloads in the raw table and turns staged
// rows into canonical daily bars, snapshots and fundamentals.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"finbench/internal/domain"
	"finbench/internal/metrics"
	"finbench/internal/source"
	"finbench/internal/store"
)

// FetchFailedPrefix starts the note of a staged failed fetch.
const FetchFailedPrefix = "fetch failed: "

// Stager appends payloads to the raw landing table. It never modifies a
// staged row.
type Stager struct {
	raw     store.RawLog
	metrics *metrics.Recorder
	now     func() time.Time
	log     *slog.Logger
}

// NewStager returns a stager over raw. rec may be nil.
func NewStager(raw store.RawLog, rec *metrics.Recorder, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{raw: raw, metrics: rec, now: time.Now, log: logger.With("component", "stager")}
}

// Stage appends payload verbatim as a pending row and returns its id.
func (s *Stager) Stage(ctx context.Context, id domain.CanonicalID, market domain.Market, provider domain.Provider, period domain.Period, payload json.RawMessage) (int64, error) {
	if market == "" {
		market = id.Market
	}
	if market != id.Market {
		return 0, fmt.Errorf("stage %s: market %s disagrees with canonical id", id, market)
	}
	if !json.Valid(payload) {
		return 0, &domain.PayloadError{Cause: errors.New("payload is not valid JSON")}
	}
	rawID, err := s.raw.InsertRaw(ctx, domain.RawPayload{
		CanonicalID: id,
		Market:      market,
		Provider:    provider,
		Period:      period,
		FetchTime:   s.now().UTC(),
		Payload:     payload,
	})
	if err != nil {
		return 0, err
	}
	s.metrics.Staged(string(provider), string(period), "pending")
	s.log.Debug("staged", "raw_id", rawID, "canonical_id", id, "provider", provider, "period", period, "bytes", len(payload))
	return rawID, nil
}

// StageFailure appends a failed fetch attempt. The row is stored already
// processed with the cause as its note, so it is auditable but never fed to
// the ETL. payload is what the provider returned, if anything.
func (s *Stager) StageFailure(ctx context.Context, provider domain.Provider, req source.Request, payload json.RawMessage, cause error) (int64, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		payload = source.FailedPayload(provider, req, cause)
	}
	rawID, err := s.raw.InsertRaw(ctx, domain.RawPayload{
		CanonicalID: req.ID,
		Market:      req.ID.Market,
		Provider:    provider,
		Period:      req.Period,
		FetchTime:   s.now().UTC(),
		Payload:     payload,
		Processed:   true,
		ErrorNote:   FetchFailedPrefix + cause.Error(),
	})
	if err != nil {
		return 0, err
	}
	s.metrics.Staged(string(provider), string(req.Period), "failed")
	return rawID, nil
}

// StageResult stages the outcome of one fetch: a pending row on success, a
// failure row otherwise. Nothing is staged when ctx is done or the fetch was
// cancelled. Per-call timeouts are staged as failures.
func (s *Stager) StageResult(ctx context.Context, provider domain.Provider, req source.Request, res source.Result, fetchErr error) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if fetchErr != nil {
		if errors.Is(fetchErr, context.Canceled) {
			return 0, fetchErr
		}
		return s.StageFailure(ctx, provider, req, res.Raw, fetchErr)
	}
	return s.Stage(ctx, req.ID, req.ID.Market, provider, req.Period, res.Raw)
}
