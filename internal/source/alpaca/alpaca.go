// Package alpaca is the Alpaca market-data adapter: US daily, minute and
// spot data, crypto bars and snapshots, and the US trading calendar.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/source"
)

var (
	_ source.DailyFetcher    = (*Adapter)(nil)
	_ source.IntradayFetcher = (*Adapter)(nil)
	_ source.SpotFetcher     = (*Adapter)(nil)
)

// ErrNoCredentials is returned when the API key pair is not configured.
var ErrNoCredentials = errors.New("alpaca credentials not configured")

// DataClient is the subset of the market-data SDK client in use.
type DataClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
	GetSnapshot(symbol string, req marketdata.GetSnapshotRequest) (*marketdata.Snapshot, error)
	GetCryptoBars(symbol string, req marketdata.GetCryptoBarsRequest) ([]marketdata.CryptoBar, error)
	GetCryptoSnapshot(symbol string, req marketdata.GetCryptoSnapshotRequest) (*marketdata.CryptoSnapshot, error)
}

// Adapter wraps the SDK client. SDK results are staged as envelopes of
// compact bar rows.
type Adapter struct {
	client DataClient
	feed   marketdata.Feed
	now    func() time.Time
}

// New returns an adapter for cfg, or nil when credentials are missing.
func New(cfg config.Alpaca) *Adapter {
	if !cfg.Enabled() {
		return nil
	}
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return NewWithClient(marketdata.NewClient(opts), cfg.Feed)
}

// NewWithClient returns an adapter over an existing client.
func NewWithClient(client DataClient, feed string) *Adapter {
	if feed == "" {
		feed = "iex"
	}
	return &Adapter{client: client, feed: marketdata.Feed(feed), now: time.Now}
}

// Provider implements source.Source.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderAlpaca }

// Supports implements source.Source.
func (a *Adapter) Supports(m domain.Market, p domain.Period) bool {
	if m != domain.MarketUS && m != domain.MarketCrypto {
		return false
	}
	return p == domain.PeriodDaily || p == domain.PeriodMinute || p == domain.PeriodSpot
}

// row is the staged shape of one bar.
type row struct {
	T  time.Time `json:"t"`
	O  float64   `json:"o"`
	H  float64   `json:"h"`
	L  float64   `json:"l"`
	C  float64   `json:"c"`
	V  float64   `json:"v"`
	VW float64   `json:"vw,omitempty"`
	N  uint64    `json:"n,omitempty"`
}

// spot is the staged shape of a snapshot.
type spot struct {
	Bar       row      `json:"bar"`
	Price     float64  `json:"price"`
	TradeTime string   `json:"trade_time"`
	PrevClose *float64 `json:"prev_close,omitempty"`
}

func (a *Adapter) window(req source.Request) (time.Time, time.Time) {
	start, end := source.Window(req, a.now())
	loc := req.Location()
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	to := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, loc)
	if now := a.now(); to.After(now) {
		to = now
	}
	return from, to
}

func (a *Adapter) bars(ctx context.Context, req source.Request, tf marketdata.TimeFrame) (source.Result, error) {
	if req.Symbol == "" {
		return source.Result{}, source.Unavailable(a.Provider(), req, fmt.Errorf("no alpaca symbol"))
	}
	if err := ctx.Err(); err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	start, end := a.window(req)
	var rows []row
	if req.ID.Market == domain.MarketCrypto {
		bars, err := a.client.GetCryptoBars(req.Symbol, marketdata.GetCryptoBarsRequest{
			TimeFrame: tf,
			Start:     start,
			End:       end,
		})
		if err != nil {
			return source.Result{}, source.Unavailable(a.Provider(), req, err)
		}
		for _, b := range bars {
			rows = append(rows, row{T: b.Timestamp, O: b.Open, H: b.High, L: b.Low, C: b.Close, V: b.Volume, VW: b.VWAP, N: b.TradeCount})
		}
	} else {
		bars, err := a.client.GetBars(req.Symbol, marketdata.GetBarsRequest{
			TimeFrame:  tf,
			Adjustment: marketdata.Split,
			Start:      start,
			End:        end,
			Feed:       a.feed,
		})
		if err != nil {
			return source.Result{}, source.Unavailable(a.Provider(), req, err)
		}
		for _, b := range bars {
			rows = append(rows, row{T: b.Timestamp, O: b.Open, H: b.High, L: b.Low, C: b.Close, V: float64(b.Volume), VW: b.VWAP, N: b.TradeCount})
		}
	}
	raw, err := source.Wrap(a.Provider(), req, rows)
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, raw, a)
}

// FetchDaily fetches split-adjusted daily bars.
func (a *Adapter) FetchDaily(ctx context.Context, req source.Request) (source.Result, error) {
	return a.bars(ctx, req, marketdata.OneDay)
}

// FetchIntraday fetches 1-minute bars.
func (a *Adapter) FetchIntraday(ctx context.Context, req source.Request) (source.Result, error) {
	return a.bars(ctx, req, marketdata.OneMin)
}

// FetchSpot fetches the snapshot: today's daily bar, latest trade and the
// previous close.
func (a *Adapter) FetchSpot(ctx context.Context, req source.Request) (source.Result, error) {
	if req.Symbol == "" {
		return source.Result{}, source.Unavailable(a.Provider(), req, fmt.Errorf("no alpaca symbol"))
	}
	if err := ctx.Err(); err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	var s spot
	if req.ID.Market == domain.MarketCrypto {
		snap, err := a.client.GetCryptoSnapshot(req.Symbol, marketdata.GetCryptoSnapshotRequest{})
		if err != nil {
			return source.Result{}, source.Unavailable(a.Provider(), req, err)
		}
		if snap == nil || snap.DailyBar == nil {
			return source.Result{}, source.Unavailable(a.Provider(), req, domain.ErrEmptyPayload)
		}
		d := snap.DailyBar
		s.Bar = row{T: d.Timestamp, O: d.Open, H: d.High, L: d.Low, C: d.Close, V: d.Volume}
		if snap.LatestTrade != nil {
			s.Price, s.TradeTime = snap.LatestTrade.Price, snap.LatestTrade.Timestamp.Format(time.RFC3339)
		}
		if snap.PrevDailyBar != nil {
			s.PrevClose = &snap.PrevDailyBar.Close
		}
	} else {
		snap, err := a.client.GetSnapshot(req.Symbol, marketdata.GetSnapshotRequest{Feed: a.feed})
		if err != nil {
			return source.Result{}, source.Unavailable(a.Provider(), req, err)
		}
		if snap == nil || snap.DailyBar == nil {
			return source.Result{}, source.Unavailable(a.Provider(), req, domain.ErrEmptyPayload)
		}
		d := snap.DailyBar
		s.Bar = row{T: d.Timestamp, O: d.Open, H: d.High, L: d.Low, C: d.Close, V: float64(d.Volume), VW: d.VWAP}
		if snap.LatestTrade != nil {
			s.Price, s.TradeTime = snap.LatestTrade.Price, snap.LatestTrade.Timestamp.Format(time.RFC3339)
		}
		if snap.PrevDailyBar != nil {
			s.PrevClose = &snap.PrevDailyBar.Close
		}
	}
	raw, err := source.Wrap(a.Provider(), req, s)
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, raw, a)
}

// Decode implements source.Decoder.
func (a *Adapter) Decode(req source.Request, raw []byte) (domain.Frame, error) {
	switch req.Period {
	case domain.PeriodDaily, domain.PeriodMinute:
		var rows []any
		if err := source.UnwrapInto(raw, &rows); err != nil {
			return domain.Frame{}, err
		}
		bars, err := source.DecodeRecords(rows, req.Location())
		if err != nil {
			return domain.Frame{}, err
		}
		return source.BarsFrame(bars), nil
	case domain.PeriodSpot:
		var s spot
		if err := source.UnwrapInto(raw, &s); err != nil {
			return domain.Frame{}, err
		}
		return source.SpotFrame(decodeSpot(s, req.Location())), nil
	}
	return domain.Frame{}, fmt.Errorf("period %q: %w", req.Period, domain.ErrUnsupported)
}

func decodeSpot(s spot, loc *time.Location) domain.Spot {
	out := domain.Spot{Bar: domain.Bar{
		Timestamp: domain.InLocation(s.Bar.T, loc),
		Open:      s.Bar.O,
		High:      s.Bar.H,
		Low:       s.Bar.L,
		Close:     s.Bar.C,
		Volume:    s.Bar.V,
	}}
	if s.Price > 0 {
		out.Close = s.Price
		out.High = max(out.High, s.Price)
		if out.Low == 0 || s.Price < out.Low {
			out.Low = s.Price
		}
		if t, err := time.Parse(time.RFC3339, s.TradeTime); err == nil {
			out.Timestamp = domain.InLocation(t, loc)
		}
	}
	if s.PrevClose != nil && *s.PrevClose > 0 {
		out.PrevClose = source.Number(*s.PrevClose)
		change := out.Close - *s.PrevClose
		out.Change = source.Number(change)
		out.PctChange = source.Number(change / *s.PrevClose * 100)
	}
	return out
}
