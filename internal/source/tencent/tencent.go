// Package tencent is the Tencent quote fallback adapter: CN, HK and US spot
// quotes from the qt text feed and CN/HK 1-minute bars from the minute API.
package tencent

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
	QuoteURL  = "https://qt.gtimg.cn"
	MinuteURL = "https://web.ifzq.gtimg.cn"
)

var (
	_ source.SpotFetcher     = (*Adapter)(nil)
	_ source.IntradayFetcher = (*Adapter)(nil)
)

// Adapter talks to the Tencent quote feeds.
type Adapter struct {
	client *source.Client
	quote  string
	minute string
}

// New returns an adapter using client. Non-empty base URLs replace the
// defaults.
func New(client *source.Client, quoteURL, minuteURL string) *Adapter {
	a := &Adapter{client: client, quote: QuoteURL, minute: MinuteURL}
	if quoteURL != "" {
		a.quote = quoteURL
	}
	if minuteURL != "" {
		a.minute = minuteURL
	}
	return a
}

// Provider implements source.Source.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderTencent }

// Supports implements source.Source.
func (a *Adapter) Supports(m domain.Market, p domain.Period) bool {
	switch p {
	case domain.PeriodSpot:
		return m == domain.MarketCN || m == domain.MarketHK || m == domain.MarketUS
	case domain.PeriodMinute:
		return m == domain.MarketCN || m == domain.MarketHK
	}
	return false
}

// FetchSpot fetches the qt text line and stages it inside an envelope.
func (a *Adapter) FetchSpot(ctx context.Context, req source.Request) (source.Result, error) {
	if req.Symbol == "" {
		return source.Result{}, source.Unavailable(a.Provider(), req, fmt.Errorf("no tencent symbol"))
	}
	body, err := a.client.Get(ctx, source.Call{URL: a.quote + "/q=" + url.QueryEscape(req.Symbol)})
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	raw, err := source.WrapText(a.Provider(), req, body)
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, raw, a)
}

// FetchIntraday fetches today's minute line. The body is JSON and is staged
// verbatim.
func (a *Adapter) FetchIntraday(ctx context.Context, req source.Request) (source.Result, error) {
	if req.Symbol == "" {
		return source.Result{}, source.Unavailable(a.Provider(), req, fmt.Errorf("no tencent symbol"))
	}
	u := a.minute + "/appstock/app/minute/query?code=" + url.QueryEscape(req.Symbol)
	body, err := a.client.Get(ctx, source.Call{URL: u})
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, body, a)
}

// Decode implements source.Decoder.
func (a *Adapter) Decode(req source.Request, raw []byte) (domain.Frame, error) {
	switch req.Period {
	case domain.PeriodSpot:
		text, err := source.UnwrapText(raw)
		if err != nil {
			return domain.Frame{}, err
		}
		s, err := decodeSpot(text, req.ID.Market, req.Location())
		if err != nil {
			return domain.Frame{}, err
		}
		return source.SpotFrame(s), nil
	case domain.PeriodMinute:
		doc, err := source.ParseJSON(raw)
		if err != nil {
			return domain.Frame{}, err
		}
		bars, err := decodeMinutes(doc, req.Symbol, req.ID.Market)
		if err != nil {
			return domain.Frame{}, err
		}
		return source.BarsFrame(bars), nil
	}
	return domain.Frame{}, fmt.Errorf("period %q: %w", req.Period, domain.ErrUnsupported)
}

// CN volumes are quoted in lots of 100 shares and amounts in units of 10k.
const (
	cnLot    = 100
	cnAmount = 1e4
	mcapUnit = 1e8
)

func decodeSpot(text string, m domain.Market, loc *time.Location) (domain.Spot, error) {
	start := strings.IndexByte(text, '"')
	end := strings.LastIndexByte(text, '"')
	if start < 0 || end <= start+1 {
		return domain.Spot{}, fmt.Errorf("no quote data")
	}
	f := strings.Split(text[start+1:end], "~")
	if len(f) < 47 {
		return domain.Spot{}, fmt.Errorf("got %d quote fields, want 47", len(f))
	}
	num := func(i int) float64 {
		v, _ := source.ParseNumber(f[i])
		return v
	}

	ts, err := source.ParseTime(strings.TrimSpace(f[30]), loc)
	if err != nil {
		return domain.Spot{}, err
	}
	s := domain.Spot{
		Bar: domain.Bar{
			Timestamp: ts,
			Open:      num(5),
			High:      num(33),
			Low:       num(34),
			Close:     num(3),
			Volume:    num(6),
		},
		PrevClose: source.Number(f[4]),
		Change:    source.Number(f[31]),
		PctChange: source.Number(f[32]),
		Turnover:  source.Number(f[37]),
	}
	if pe := source.Number(f[39]); pe.Valid && pe.Float64 > 0 {
		s.PE = pe
	}
	if pb := source.Number(f[46]); pb.Valid && pb.Float64 > 0 {
		s.PB = pb
	}
	if mc := source.Number(f[44]); mc.Valid && mc.Float64 > 0 {
		s.MarketCap = source.Number(mc.Float64 * mcapUnit)
	}
	if m == domain.MarketCN {
		s.Volume *= cnLot
		if s.Turnover.Valid {
			s.Turnover.Float64 *= cnAmount
		}
	}
	return s, nil
}

// decodeMinutes turns "HHMM price cumVolume cumAmount" lines into bars.
// Volumes are cumulative for the day and are differenced.
func decodeMinutes(doc any, symbol string, m domain.Market) ([]domain.Bar, error) {
	data, err := source.Path(doc, "$.data")
	if err != nil {
		return nil, err
	}
	bySymbol, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("minute data is %T", data)
	}
	entry, ok := bySymbol[symbol]
	if !ok && len(bySymbol) == 1 {
		for _, v := range bySymbol {
			entry = v
		}
	}
	day := source.Text(pathOr(entry, "$.data.date"))
	lines, err := source.PathList(entry, "$.data.data")
	if err != nil {
		return nil, err
	}
	date, err := time.Parse("20060102", day)
	if err != nil {
		return nil, fmt.Errorf("minute date %q: %w", day, err)
	}

	bars := make([]domain.Bar, 0, len(lines))
	var prevVol, prevAmt float64
	for _, l := range lines {
		f := strings.Fields(source.Text(l))
		if len(f) < 3 || len(f[0]) != 4 {
			continue
		}
		clock, err := time.Parse("1504", f[0])
		if err != nil {
			continue
		}
		price, ok := source.ParseNumber(f[1])
		if !ok {
			continue
		}
		cumVol, _ := source.ParseNumber(f[2])
		b := domain.Bar{
			Timestamp: date.Add(time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    max(cumVol-prevVol, 0),
		}
		prevVol = cumVol
		if len(f) > 3 {
			if cumAmt, ok := source.ParseNumber(f[3]); ok {
				b.Turnover = source.Number(max(cumAmt-prevAmt, 0))
				prevAmt = cumAmt
			}
		}
		if m == domain.MarketCN {
			b.Volume *= cnLot
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func pathOr(doc any, expr string) any {
	v, err := source.Path(doc, expr)
	if err != nil {
		return nil
	}
	return v
}
