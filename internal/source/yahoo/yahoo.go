// Package yahoo is the Yahoo Finance adapter: chart history for every
// market, spot quotes from chart metadata and fundamentals from the
// timeseries endpoint.
package yahoo

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/domain"
	"finbench/internal/source"
)

// Default endpoints.
const (
	ChartURL      = "https://query1.finance.yahoo.com"
	TimeseriesURL = "https://query2.finance.yahoo.com"
)

var (
	_ source.DailyFetcher        = (*Adapter)(nil)
	_ source.IntradayFetcher     = (*Adapter)(nil)
	_ source.SpotFetcher         = (*Adapter)(nil)
	_ source.FundamentalsFetcher = (*Adapter)(nil)
)

// Adapter talks to the Yahoo chart and timeseries APIs.
type Adapter struct {
	client     *source.Client
	chart      string
	timeseries string
	now        func() time.Time
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithBaseURLs points the adapter at other hosts.
func WithBaseURLs(chart, timeseries string) Option {
	return func(a *Adapter) {
		if chart != "" {
			a.chart = chart
		}
		if timeseries != "" {
			a.timeseries = timeseries
		}
	}
}

// WithNow overrides the clock used for default windows.
func WithNow(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New returns an adapter using client.
func New(client *source.Client, opts ...Option) *Adapter {
	a := &Adapter{client: client, chart: ChartURL, timeseries: TimeseriesURL, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Provider implements source.Source.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderYahoo }

// Supports implements source.Source. Fundamentals exist for listed
// companies only.
func (a *Adapter) Supports(m domain.Market, p domain.Period) bool {
	if p == domain.PeriodFundamentals {
		return m != domain.MarketCrypto
	}
	return m.Valid()
}

// epoch converts a naive local date to the instant of its midnight in loc.
func epoch(d time.Time, loc *time.Location) int64 {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc).Unix()
}

func (a *Adapter) chartURL(req source.Request, interval string) string {
	q := url.Values{}
	q.Set("interval", interval)
	q.Set("includePrePost", "false")
	if req.Period == domain.PeriodSpot {
		q.Set("range", "1d")
	} else {
		start, end := source.Window(req, a.now())
		if req.Period == domain.PeriodMinute && end.Sub(start) > 7*24*time.Hour {
			// Minute history is limited to the last seven days.
			start = end.AddDate(0, 0, -7)
		}
		q.Set("period1", strconv.FormatInt(epoch(start, req.Location()), 10))
		q.Set("period2", strconv.FormatInt(epoch(end.AddDate(0, 0, 1), req.Location()), 10))
	}
	return a.chart + "/v8/finance/chart/" + url.PathEscape(req.Symbol) + "?" + q.Encode()
}

func (a *Adapter) fetchChart(ctx context.Context, req source.Request, interval string, history bool) (source.Result, error) {
	if req.Symbol == "" {
		return source.Result{}, source.Unavailable(a.Provider(), req, fmt.Errorf("no yahoo symbol"))
	}
	body, err := a.client.Get(ctx, source.Call{URL: a.chartURL(req, interval), History: history})
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, body, a)
}

// FetchDaily fetches daily chart history.
func (a *Adapter) FetchDaily(ctx context.Context, req source.Request) (source.Result, error) {
	return a.fetchChart(ctx, req, "1d", true)
}

// FetchIntraday fetches 1-minute chart bars.
func (a *Adapter) FetchIntraday(ctx context.Context, req source.Request) (source.Result, error) {
	return a.fetchChart(ctx, req, "1m", false)
}

// FetchSpot fetches today's minute chart; the quote comes from its meta.
func (a *Adapter) FetchSpot(ctx context.Context, req source.Request) (source.Result, error) {
	return a.fetchChart(ctx, req, "1m", false)
}

// Decode implements source.Decoder.
func (a *Adapter) Decode(req source.Request, raw []byte) (domain.Frame, error) {
	doc, err := source.ParseJSON(raw)
	if err != nil {
		return domain.Frame{}, err
	}
	switch req.Period {
	case domain.PeriodDaily, domain.PeriodMinute:
		bars, err := decodeChart(doc, req.Location())
		if err != nil {
			return domain.Frame{}, err
		}
		return source.BarsFrame(bars), nil
	case domain.PeriodSpot:
		s, err := decodeSpot(doc, req.Location())
		if err != nil {
			return domain.Frame{}, err
		}
		return source.SpotFrame(s), nil
	case domain.PeriodFundamentals:
		reports, err := decodeTimeseries(doc)
		if err != nil {
			return domain.Frame{}, err
		}
		return source.FundamentalsFrame(reports), nil
	}
	return domain.Frame{}, fmt.Errorf("period %q: %w", req.Period, domain.ErrUnsupported)
}

// chartResult returns chart.result[0], surfacing the provider error
// description when there is no result.
func chartResult(doc any) (map[string]any, error) {
	results, err := source.PathList(doc, "$.chart.result")
	if err != nil || len(results) == 0 {
		if desc, derr := source.Path(doc, "$.chart.error.description"); derr == nil {
			return nil, fmt.Errorf("chart error: %s", source.Text(desc))
		}
		return nil, fmt.Errorf("chart has no result")
	}
	r, ok := results[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("chart result is %T", results[0])
	}
	return r, nil
}

func decodeChart(doc any, loc *time.Location) ([]domain.Bar, error) {
	r, err := chartResult(doc)
	if err != nil {
		return nil, err
	}
	stamps, _ := r["timestamp"].([]any)
	quote, err := source.Path(r, "$.indicators.quote[0]")
	if err != nil {
		return nil, err
	}
	q, ok := quote.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("chart quote is %T", quote)
	}
	col := func(name string) []any {
		v, _ := q[name].([]any)
		return v
	}
	opens, highs, lows, closes, vols := col("open"), col("high"), col("low"), col("close"), col("volume")

	bars := make([]domain.Bar, 0, len(stamps))
	for i, tv := range stamps {
		ts, err := source.ParseTime(tv, loc)
		if err != nil {
			continue
		}
		o, ok1 := at(opens, i)
		h, ok2 := at(highs, i)
		l, ok3 := at(lows, i)
		c, ok4 := at(closes, i)
		if !(ok1 && ok2 && ok3 && ok4) {
			continue
		}
		v, _ := at(vols, i)
		bars = append(bars, domain.Bar{Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: v})
	}
	return bars, nil
}

func at(col []any, i int) (float64, bool) {
	if i >= len(col) {
		return 0, false
	}
	return source.ParseNumber(col[i])
}

func decodeSpot(doc any, loc *time.Location) (domain.Spot, error) {
	r, err := chartResult(doc)
	if err != nil {
		return domain.Spot{}, err
	}
	meta, ok := r["meta"].(map[string]any)
	if !ok {
		return domain.Spot{}, fmt.Errorf("chart has no meta")
	}
	var s domain.Spot
	if ts, err := source.ParseTime(meta["regularMarketTime"], loc); err == nil {
		s.Timestamp = ts
	}
	s.Close, _ = source.ParseNumber(meta["regularMarketPrice"])
	s.High, _ = source.ParseNumber(meta["regularMarketDayHigh"])
	s.Low, _ = source.ParseNumber(meta["regularMarketDayLow"])
	s.Volume, _ = source.ParseNumber(meta["regularMarketVolume"])
	s.PrevClose = source.Field(meta, "chartPreviousClose")
	if !s.PrevClose.Valid {
		s.PrevClose = source.Field(meta, "previousClose")
	}

	// The session open is the first minute bar of the day.
	if bars, err := decodeChart(doc, loc); err == nil && len(bars) > 0 {
		s.Open = bars[0].Open
		if s.High == 0 || s.Low == 0 {
			s.High, s.Low = bars[0].High, bars[0].Low
			for _, b := range bars[1:] {
				s.High = max(s.High, b.High)
				s.Low = min(s.Low, b.Low)
			}
		}
	}
	if s.Open == 0 {
		s.Open = s.Close
	}
	if s.PrevClose.Valid && s.PrevClose.Float64 > 0 && s.Close > 0 {
		change := s.Close - s.PrevClose.Float64
		s.Change = null.FloatFrom(change)
		s.PctChange = null.FloatFrom(change / s.PrevClose.Float64 * 100)
	}
	return s, nil
}
