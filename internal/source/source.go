// Package source defines the provider adapter contract and the plumbing
// shared by adapters: the HTTP client, the payload envelope and the generic
// record decoder.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"finbench/internal/domain"
	"finbench/internal/util"
)

// Request describes one fetch. Start and End are naive market-local dates;
// zero values let the adapter pick its default window.
type Request struct {
	ID     domain.CanonicalID
	Symbol string
	Period domain.Period
	Start  time.Time
	End    time.Time
	// Loc is the market's zone; nil means the default for ID.Market.
	Loc *time.Location
}

// Location returns the zone provider instants are converted into.
func (r Request) Location() *time.Location {
	if r.Loc != nil {
		return r.Loc
	}
	return util.DefaultSpec(r.ID.Market).Location
}

// Result is a decoded frame together with the payload it was decoded from.
// Raw is what gets staged; it is set even when decoding failed.
type Result struct {
	Frame domain.Frame
	Raw   json.RawMessage
}

// Decoder turns a staged payload back into a frame. Adapters decode their
// own fetches with it, and the ETL uses it to re-read staged rows.
type Decoder interface {
	Decode(req Request, raw []byte) (domain.Frame, error)
}

// Source is the common surface of every adapter.
type Source interface {
	Decoder
	Provider() domain.Provider
	Supports(m domain.Market, p domain.Period) bool
}

// DailyFetcher fetches daily history.
type DailyFetcher interface {
	Source
	FetchDaily(ctx context.Context, req Request) (Result, error)
}

// IntradayFetcher fetches 1-minute bars.
type IntradayFetcher interface {
	Source
	FetchIntraday(ctx context.Context, req Request) (Result, error)
}

// SpotFetcher fetches a live quote.
type SpotFetcher interface {
	Source
	FetchSpot(ctx context.Context, req Request) (Result, error)
}

// FundamentalsFetcher fetches financial reports.
type FundamentalsFetcher interface {
	Source
	FetchFundamentals(ctx context.Context, req Request) (Result, error)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry holds the configured adapters keyed by provider.
type Registry struct {
	sources map[domain.Provider]Source
}

// NewRegistry returns a registry holding srcs.
func NewRegistry(srcs ...Source) *Registry {
	r := &Registry{sources: make(map[domain.Provider]Source, len(srcs))}
	for _, s := range srcs {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the adapter for s.Provider().
func (r *Registry) Register(s Source) {
	r.sources[s.Provider()] = s
}

// Get returns the adapter for p.
func (r *Registry) Get(p domain.Provider) (Source, bool) {
	s, ok := r.sources[p]
	return s, ok
}

// Providers lists registered providers in name order.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.sources))
	for p := range r.sources {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Supports reports whether p is registered and covers (m, period).
func (r *Registry) Supports(p domain.Provider, m domain.Market, period domain.Period) bool {
	s, ok := r.sources[p]
	return ok && s.Supports(m, period)
}

// Fetch dispatches req to provider p by period.
func (r *Registry) Fetch(ctx context.Context, p domain.Provider, req Request) (Result, error) {
	s, ok := r.sources[p]
	if !ok || !s.Supports(req.ID.Market, req.Period) {
		return Result{}, Unavailable(p, req, domain.ErrUnsupported)
	}
	var fetch func(context.Context, Request) (Result, error)
	switch req.Period {
	case domain.PeriodDaily:
		if f, ok := s.(DailyFetcher); ok {
			fetch = f.FetchDaily
		}
	case domain.PeriodMinute:
		if f, ok := s.(IntradayFetcher); ok {
			fetch = f.FetchIntraday
		}
	case domain.PeriodSpot:
		if f, ok := s.(SpotFetcher); ok {
			fetch = f.FetchSpot
		}
	case domain.PeriodFundamentals:
		if f, ok := s.(FundamentalsFetcher); ok {
			fetch = f.FetchFundamentals
		}
	}
	if fetch == nil {
		return Result{}, Unavailable(p, req, domain.ErrUnsupported)
	}
	return fetch(ctx, req)
}

// Decode re-decodes a staged payload with provider p's decoder.
func (r *Registry) Decode(p domain.Provider, req Request, raw []byte) (domain.Frame, error) {
	s, ok := r.sources[p]
	if !ok {
		return domain.Frame{}, fmt.Errorf("no decoder for provider %q: %w", p, domain.ErrUnsupported)
	}
	return s.Decode(req, raw)
}

// ---------------------------------------------------------------------------
// Helpers for adapters
// ---------------------------------------------------------------------------

// Unavailable wraps cause as a SourceError for p and req.
func Unavailable(p domain.Provider, req Request, cause error) error {
	var se *domain.SourceError
	if errors.As(cause, &se) {
		return cause
	}
	return &domain.SourceError{Provider: p, CanonicalID: req.ID, Period: req.Period, Cause: cause}
}

// Finish decodes raw with dec and applies the adapter error contract: a
// non-empty frame or a SourceError. The raw payload is returned either way.
func Finish(p domain.Provider, req Request, raw json.RawMessage, dec Decoder) (Result, error) {
	res := Result{Raw: raw}
	if len(raw) == 0 {
		return res, Unavailable(p, req, domain.ErrEmptyPayload)
	}
	frame, err := dec.Decode(req, raw)
	if err != nil {
		return res, Unavailable(p, req, err)
	}
	if frame.Empty() {
		return res, Unavailable(p, req, domain.ErrEmptyPayload)
	}
	frame.Provider = p
	frame.Period = req.Period
	res.Frame = frame
	return res, nil
}

// BarsFrame builds a bars frame from cleaned bars.
func BarsFrame(bars []domain.Bar) domain.Frame {
	return domain.Frame{Kind: domain.FrameBars, Bars: CleanBars(bars)}
}

// SpotFrame builds a spot frame, or an empty frame when s is unusable.
func SpotFrame(s domain.Spot) domain.Frame {
	if !s.Usable() || !finiteBar(s.Bar) {
		return domain.Frame{Kind: domain.FrameSpot}
	}
	return domain.Frame{Kind: domain.FrameSpot, Spot: &s}
}

// FundamentalsFrame builds a fundamentals frame sorted by date.
func FundamentalsFrame(reports []domain.Fundamental) domain.Frame {
	out := reports[:0:0]
	for _, r := range reports {
		if r.AsOfDate.IsZero() || r.ReportType == "" {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AsOfDate.Equal(out[j].AsOfDate) {
			return out[i].ReportType > out[j].ReportType
		}
		return out[i].AsOfDate.Before(out[j].AsOfDate)
	})
	return domain.Frame{Kind: domain.FrameFundamentals, Reports: out}
}

// DefaultStart returns the fallback history window start for a period.
func DefaultStart(p domain.Period, end time.Time) time.Time {
	switch p {
	case domain.PeriodMinute:
		return end.AddDate(0, 0, -5)
	case domain.PeriodDaily:
		return end.AddDate(-10, 0, 0)
	}
	return end.AddDate(-5, 0, 0)
}

// Window resolves req's [Start, End] against today in the market's zone.
func Window(req Request, now time.Time) (time.Time, time.Time) {
	end := req.End
	if end.IsZero() {
		end = domain.DateOf(domain.InLocation(now, req.Location()))
	}
	start := req.Start
	if start.IsZero() {
		start = DefaultStart(req.Period, end)
	}
	return start, end
}
