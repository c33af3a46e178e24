// Package sina is the Sina Finance fallback adapter: CN and HK spot quotes
// from the hq text feed and CN 1-minute bars.
package sina

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"finbench/internal/domain"
	"finbench/internal/source"
)

// Default endpoints.
const (
	QuoteURL = "https://hq.sinajs.cn"
	KLineURL = "https://quotes.sina.cn"
)

var (
	_ source.SpotFetcher     = (*Adapter)(nil)
	_ source.IntradayFetcher = (*Adapter)(nil)
)

var referer = map[string]string{"Referer": "https://finance.sina.com.cn/"}

// Adapter talks to the Sina quote feeds.
type Adapter struct {
	client *source.Client
	quote  string
	kline  string
}

// New returns an adapter using client. Non-empty base URLs replace the
// defaults.
func New(client *source.Client, quoteURL, klineURL string) *Adapter {
	a := &Adapter{client: client, quote: QuoteURL, kline: KLineURL}
	if quoteURL != "" {
		a.quote = quoteURL
	}
	if klineURL != "" {
		a.kline = klineURL
	}
	return a
}

// Provider implements source.Source.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderSina }

// Supports implements source.Source.
func (a *Adapter) Supports(m domain.Market, p domain.Period) bool {
	switch p {
	case domain.PeriodSpot:
		return m == domain.MarketCN || m == domain.MarketHK
	case domain.PeriodMinute:
		return m == domain.MarketCN
	}
	return false
}

// FetchSpot fetches the hq text line and stages it inside an envelope.
func (a *Adapter) FetchSpot(ctx context.Context, req source.Request) (source.Result, error) {
	if req.Symbol == "" {
		return source.Result{}, source.Unavailable(a.Provider(), req, fmt.Errorf("no sina symbol"))
	}
	body, err := a.client.Get(ctx, source.Call{URL: a.quote + "/list=" + url.QueryEscape(req.Symbol), Header: referer})
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	raw, err := source.WrapText(a.Provider(), req, body)
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, raw, a)
}

// FetchIntraday fetches the most recent 1-minute bars.
func (a *Adapter) FetchIntraday(ctx context.Context, req source.Request) (source.Result, error) {
	if req.Symbol == "" {
		return source.Result{}, source.Unavailable(a.Provider(), req, fmt.Errorf("no sina symbol"))
	}
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("scale", "1")
	q.Set("ma", "no")
	q.Set("datalen", "1970")
	u := a.kline + "/cn/api/jsonp_v2.php/=/CN_MarketDataService.getKLineData?" + q.Encode()
	body, err := a.client.Get(ctx, source.Call{URL: u, Header: referer})
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	raw, err := source.WrapText(a.Provider(), req, body)
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, raw, a)
}

// Decode implements source.Decoder.
func (a *Adapter) Decode(req source.Request, raw []byte) (domain.Frame, error) {
	text, err := source.UnwrapText(raw)
	if err != nil {
		return domain.Frame{}, err
	}
	switch req.Period {
	case domain.PeriodSpot:
		s, err := decodeSpot(text, req.ID.Market)
		if err != nil {
			return domain.Frame{}, err
		}
		return source.SpotFrame(s), nil
	case domain.PeriodMinute:
		bars, err := decodeMinutes(text, req.Location())
		if err != nil {
			return domain.Frame{}, err
		}
		return source.BarsFrame(bars), nil
	}
	return domain.Frame{}, fmt.Errorf("period %q: %w", req.Period, domain.ErrUnsupported)
}

// quoted returns the comma-separated fields of `var hq_str_x="...";`.
func quoted(text string) ([]string, error) {
	start := strings.IndexByte(text, '"')
	end := strings.LastIndexByte(text, '"')
	if start < 0 || end <= start+1 {
		return nil, fmt.Errorf("no quote data")
	}
	return strings.Split(text[start+1:end], ","), nil
}

func decodeSpot(text string, m domain.Market) (domain.Spot, error) {
	f, err := quoted(text)
	if err != nil {
		return domain.Spot{}, err
	}
	num := func(i int) float64 {
		if i >= len(f) {
			return 0
		}
		v, _ := source.ParseNumber(f[i])
		return v
	}
	field := func(i int) string {
		if i >= len(f) {
			return ""
		}
		return strings.TrimSpace(f[i])
	}

	var s domain.Spot
	var date, clock string
	switch m {
	case domain.MarketCN:
		if len(f) < 32 {
			return domain.Spot{}, fmt.Errorf("got %d quote fields, want 32", len(f))
		}
		s.Open, s.Close, s.High, s.Low = num(1), num(3), num(4), num(5)
		s.Volume = num(8)
		s.Turnover = source.Number(field(9))
		s.PrevClose = source.Number(field(2))
		date, clock = field(30), field(31)
	case domain.MarketHK:
		if len(f) < 19 {
			return domain.Spot{}, fmt.Errorf("got %d quote fields, want 19", len(f))
		}
		s.Open, s.PrevClose = num(2), source.Number(field(3))
		s.High, s.Low, s.Close = num(4), num(5), num(6)
		s.Change, s.PctChange = source.Number(field(7)), source.Number(field(8))
		s.Turnover = source.Number(field(11))
		s.Volume = num(12)
		if pe := source.Number(field(13)); pe.Valid && pe.Float64 > 0 {
			s.PE = pe
		}
		date, clock = field(17), field(18)
	default:
		return domain.Spot{}, fmt.Errorf("market %s: %w", m, domain.ErrUnsupported)
	}
	if len(clock) == 5 {
		clock += ":00"
	}
	ts, err := domain.ParseTimestamp(date + " " + clock)
	if err != nil {
		return domain.Spot{}, err
	}
	s.Timestamp = ts
	if !s.Change.Valid && s.PrevClose.Valid && s.PrevClose.Float64 > 0 && s.Close > 0 {
		s.Change = source.Number(s.Close - s.PrevClose.Float64)
		s.PctChange = source.Number((s.Close - s.PrevClose.Float64) / s.PrevClose.Float64 * 100)
	}
	return s, nil
}

// decodeMinutes reads the JSON array out of the jsonp wrapper.
func decodeMinutes(text string, loc *time.Location) ([]domain.Bar, error) {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no kline array")
	}
	doc, err := source.ParseJSON([]byte(text[start : end+1]))
	if err != nil {
		return nil, err
	}
	rows, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("kline data is %T", doc)
	}
	return source.DecodeRecords(rows, loc)
}
