package gather

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finbench/internal/domain"
	"finbench/internal/metrics"
	"finbench/internal/source"
)

// Attempt is one provider call made while fetching.
type Attempt struct {
	Provider domain.Provider `json:"provider"`
	RawID    int64           `json:"raw_id"`
	Error    string          `json:"error,omitempty"`
}

// Fetched is the outcome of a provider fallback run: the staged row of the
// winning provider and every attempt made on the way.
type Fetched struct {
	Provider domain.Provider `json:"provider"`
	RawID    int64           `json:"raw_id"`
	Attempts []Attempt       `json:"attempts"`
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCancelled
	case errors.Is(err, domain.ErrEmptyPayload):
		return metrics.OutcomeEmpty
	}
	return metrics.OutcomeError
}

// fetch tries the providers configured for (market, period) in order and
// stops at the first non-empty result. Every attempt is staged; nothing is
// staged once ctx is cancelled.
func (s *Service) fetch(ctx context.Context, id domain.CanonicalID, period domain.Period, window DateRange) (Fetched, error) {
	var out Fetched
	stored, err := s.db.SourceSymbols(ctx, id)
	if err != nil {
		return out, fmt.Errorf("source symbols %s: %w", id, err)
	}
	cal := s.clocks.For(id.Market)

	var errs []error
	for _, p := range s.cfg.ProviderOrder(id.Market, period) {
		if !s.sources.Supports(p, id.Market, period) {
			continue
		}
		sym, ok := stored[p]
		if !ok {
			if sym, ok = s.canon.SourceSymbol(id, p); !ok {
				continue
			}
		}
		req := source.Request{ID: id, Symbol: sym, Period: period, Start: window.Start, End: window.End, Loc: cal.Location()}

		release, err := s.limiter.Acquire(ctx, string(p))
		if err != nil {
			return out, err
		}
		start := time.Now()
		res, fetchErr := s.sources.Fetch(ctx, p, req)
		release()
		s.metrics.Fetch(string(p), string(id.Market), string(period), outcome(fetchErr), time.Since(start))

		rawID, err := s.stager.StageResult(ctx, p, req, res, fetchErr)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			if fetchErr != nil && errors.Is(err, fetchErr) {
				return out, err
			}
			return out, fmt.Errorf("stage %s from %s: %w", id, p, err)
		}

		a := Attempt{Provider: p, RawID: rawID}
		if fetchErr == nil {
			out.Attempts = append(out.Attempts, a)
			out.Provider, out.RawID = p, rawID
			return out, nil
		}
		a.Error = fetchErr.Error()
		out.Attempts = append(out.Attempts, a)
		errs = append(errs, fetchErr)
		s.log.Warn("source unavailable", "provider", p, "canonical_id", id, "period", period, "error", fetchErr)
	}

	if len(errs) == 0 {
		return out, &domain.SourceError{CanonicalID: id, Period: period,
			Cause: fmt.Errorf("no provider configured for %s %s: %w", id.Market, period, domain.ErrUnsupported)}
	}
	return out, errors.Join(errs...)
}
