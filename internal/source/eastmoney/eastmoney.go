// Package eastmoney is the east-money adapter: CN and HK daily, minute and
// spot quotes, CN and HK fundamentals, and US spot quotes.
package eastmoney

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/domain"
	"finbench/internal/source"
	"finbench/internal/symbol"
)

// Default endpoints.
const (
	HistoryURL    = "https://push2his.eastmoney.com"
	QuoteURL      = "https://push2.eastmoney.com"
	DatacenterURL = "https://datacenter.eastmoney.com"
)

var (
	_ source.DailyFetcher        = (*Adapter)(nil)
	_ source.IntradayFetcher     = (*Adapter)(nil)
	_ source.SpotFetcher         = (*Adapter)(nil)
	_ source.FundamentalsFetcher = (*Adapter)(nil)
)

// Adapter talks to the east-money push and datacenter APIs.
type Adapter struct {
	client     *source.Client
	history    string
	quote      string
	datacenter string
	now        func() time.Time
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithBaseURLs points the adapter at other hosts; empty values keep the
// defaults.
func WithBaseURLs(history, quote, datacenter string) Option {
	return func(a *Adapter) {
		if history != "" {
			a.history = history
		}
		if quote != "" {
			a.quote = quote
		}
		if datacenter != "" {
			a.datacenter = datacenter
		}
	}
}

// WithNow overrides the clock used for default windows.
func WithNow(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New returns an adapter using client.
func New(client *source.Client, opts ...Option) *Adapter {
	a := &Adapter{client: client, history: HistoryURL, quote: QuoteURL, datacenter: DatacenterURL, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Provider implements source.Source.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderEastMoney }

// Supports implements source.Source.
func (a *Adapter) Supports(m domain.Market, p domain.Period) bool {
	switch m {
	case domain.MarketCN, domain.MarketHK:
		return true
	case domain.MarketUS:
		return p == domain.PeriodSpot
	}
	return false
}

// secid derives the quote identifier ("1.600519", "116.00700", "105.AAPL").
func secid(req source.Request) string {
	id := req.ID
	switch id.Market {
	case domain.MarketCN:
		if symbol.Exchange(id) == "SH" {
			return "1." + id.Code
		}
		return "0." + id.Code
	case domain.MarketHK:
		if id.Type == domain.AssetIndex {
			return "100." + id.Code
		}
		return "116." + id.Code
	}
	// US symbols already carry the venue prefix.
	return req.Symbol
}

var referer = map[string]string{"Referer": "https://quote.eastmoney.com/"}

// ---------------------------------------------------------------------------
// Klines
// ---------------------------------------------------------------------------

func (a *Adapter) klineURL(req source.Request, klt string, start, end time.Time) string {
	q := url.Values{}
	q.Set("secid", secid(req))
	q.Set("fields1", "f1,f2,f3,f4,f5,f6")
	q.Set("fields2", "f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61")
	q.Set("klt", klt)
	q.Set("fqt", "1")
	q.Set("beg", start.Format("20060102"))
	q.Set("end", end.Format("20060102"))
	return a.history + "/api/qt/stock/kline/get?" + q.Encode()
}

// FetchDaily fetches forward-adjusted daily klines.
func (a *Adapter) FetchDaily(ctx context.Context, req source.Request) (source.Result, error) {
	start, end := source.Window(req, a.now())
	body, err := a.client.Get(ctx, source.Call{URL: a.klineURL(req, "101", start, end), Header: referer, History: true})
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, body, a)
}

// FetchIntraday fetches 1-minute klines for the last trading days.
func (a *Adapter) FetchIntraday(ctx context.Context, req source.Request) (source.Result, error) {
	start, end := source.Window(req, a.now())
	body, err := a.client.Get(ctx, source.Call{URL: a.klineURL(req, "1", start, end), Header: referer})
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, body, a)
}

// decodeKlines parses "date,open,close,high,low,volume,amount,..." rows.
func decodeKlines(doc any) ([]domain.Bar, error) {
	lines, err := source.PathList(doc, "$.data.klines")
	if err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(lines))
	for _, l := range lines {
		f := strings.Split(source.Text(l), ",")
		if len(f) < 7 {
			continue
		}
		ts, err := domain.ParseTimestamp(f[0])
		if err != nil {
			continue
		}
		open, ok1 := source.ParseNumber(f[1])
		closePx, ok2 := source.ParseNumber(f[2])
		high, ok3 := source.ParseNumber(f[3])
		low, ok4 := source.ParseNumber(f[4])
		if !(ok1 && ok2 && ok3 && ok4) {
			continue
		}
		vol, _ := source.ParseNumber(f[5])
		bars = append(bars, domain.Bar{
			Timestamp: ts,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    vol,
			Turnover:  source.Number(f[6]),
		})
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// Spot
// ---------------------------------------------------------------------------

const spotFields = "f43,f44,f45,f46,f47,f48,f57,f58,f60,f86,f116,f162,f167,f169,f170"

// FetchSpot fetches the live quote.
func (a *Adapter) FetchSpot(ctx context.Context, req source.Request) (source.Result, error) {
	q := url.Values{}
	q.Set("secid", secid(req))
	q.Set("fields", spotFields)
	q.Set("fltt", "2")
	q.Set("invt", "2")
	body, err := a.client.Get(ctx, source.Call{URL: a.quote + "/api/qt/stock/get?" + q.Encode(), Header: referer})
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, body, a)
}

func decodeSpot(doc any, loc *time.Location) (domain.Spot, error) {
	data, err := source.Path(doc, "$.data")
	if err != nil {
		return domain.Spot{}, err
	}
	row, ok := data.(map[string]any)
	if !ok {
		return domain.Spot{}, fmt.Errorf("quote data is %T", data)
	}
	var s domain.Spot
	if tv, ok := row["f86"]; ok {
		if ts, err := source.ParseTime(tv, loc); err == nil {
			s.Timestamp = ts
		}
	}
	s.Close, _ = source.ParseNumber(row["f43"])
	s.High, _ = source.ParseNumber(row["f44"])
	s.Low, _ = source.ParseNumber(row["f45"])
	s.Open, _ = source.ParseNumber(row["f46"])
	s.Volume, _ = source.ParseNumber(row["f47"])
	s.Turnover = source.Field(row, "f48")
	s.PrevClose = source.Field(row, "f60")
	s.MarketCap = source.Field(row, "f116")
	s.PE = positive(source.Field(row, "f162"))
	s.PB = positive(source.Field(row, "f167"))
	s.Change = source.Field(row, "f169")
	s.PctChange = source.Field(row, "f170")
	return s, nil
}

func positive(f null.Float) null.Float {
	if f.Valid && f.Float64 <= 0 {
		return null.Float{}
	}
	return f
}

// ---------------------------------------------------------------------------
// Decoder
// ---------------------------------------------------------------------------

// Decode implements source.Decoder.
func (a *Adapter) Decode(req source.Request, raw []byte) (domain.Frame, error) {
	doc, err := source.ParseJSON(raw)
	if err != nil {
		return domain.Frame{}, err
	}
	switch req.Period {
	case domain.PeriodDaily, domain.PeriodMinute:
		bars, err := decodeKlines(doc)
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
		reports, err := decodeFundamentals(doc, req.ID.Market)
		if err != nil {
			return domain.Frame{}, err
		}
		return source.FundamentalsFrame(reports), nil
	}
	return domain.Frame{}, fmt.Errorf("period %q: %w", req.Period, domain.ErrUnsupported)
}
