// Package fmp is the Financial Modeling Prep adapter: US fundamentals from
// the statement endpoints and US daily history.
package fmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/source"
)

var (
	_ source.DailyFetcher        = (*Adapter)(nil)
	_ source.FundamentalsFetcher = (*Adapter)(nil)
)

// ErrNoAPIKey is returned when no key is configured.
var ErrNoAPIKey = errors.New("fmp api key not configured")

// Adapter talks to the FMP v3 REST API.
type Adapter struct {
	client  *source.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

// New returns an adapter for cfg.
func New(client *source.Client, cfg config.FMP) *Adapter {
	base := cfg.BaseURL
	if base == "" {
		base = "https://financialmodelingprep.com"
	}
	return &Adapter{client: client, baseURL: base, apiKey: cfg.APIKey, now: time.Now}
}

// Provider implements source.Source.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderFMP }

// Supports implements source.Source.
func (a *Adapter) Supports(m domain.Market, p domain.Period) bool {
	return m == domain.MarketUS && (p == domain.PeriodDaily || p == domain.PeriodFundamentals)
}

func (a *Adapter) endpoint(path string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("apikey", a.apiKey)
	return a.baseURL + "/api/v3/" + path + "?" + q.Encode()
}

func (a *Adapter) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	body, err := a.client.Get(ctx, source.Call{URL: a.endpoint(path, q), History: true})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// FetchDaily fetches the full-price history between the request bounds.
func (a *Adapter) FetchDaily(ctx context.Context, req source.Request) (source.Result, error) {
	if a.apiKey == "" {
		return source.Result{}, source.Unavailable(a.Provider(), req, ErrNoAPIKey)
	}
	start, end := source.Window(req, a.now())
	q := url.Values{}
	q.Set("from", domain.FormatDate(start))
	q.Set("to", domain.FormatDate(end))
	body, err := a.get(ctx, "historical-price-full/"+url.PathEscape(req.Symbol), q)
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, body, a)
}

// statements is the staged fundamentals payload: the three statement
// responses fetched for one request.
type statements struct {
	Quarter json.RawMessage `json:"quarter"`
	Annual  json.RawMessage `json:"annual,omitempty"`
	Balance json.RawMessage `json:"balance,omitempty"`
}

// FetchFundamentals fetches quarterly and annual income statements and the
// quarterly balance sheet. Only the quarterly income statement is required.
func (a *Adapter) FetchFundamentals(ctx context.Context, req source.Request) (source.Result, error) {
	if a.apiKey == "" {
		return source.Result{}, source.Unavailable(a.Provider(), req, ErrNoAPIKey)
	}
	if req.ID.Type == domain.AssetIndex || req.ID.Type == domain.AssetETF {
		return source.Result{}, source.Unavailable(a.Provider(), req, domain.ErrUnsupported)
	}
	sym := url.PathEscape(req.Symbol)
	quarterly := url.Values{"period": {"quarter"}, "limit": {"40"}}

	var st statements
	var err error
	if st.Quarter, err = a.get(ctx, "income-statement/"+sym, quarterly); err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	if ctx.Err() != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, ctx.Err())
	}
	st.Annual, _ = a.get(ctx, "income-statement/"+sym, url.Values{"limit": {"10"}})
	st.Balance, _ = a.get(ctx, "balance-sheet-statement/"+sym, url.Values{"period": {"quarter"}, "limit": {"40"}})

	raw, err := source.Wrap(a.Provider(), req, st)
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, raw, a)
}

// Decode implements source.Decoder.
func (a *Adapter) Decode(req source.Request, raw []byte) (domain.Frame, error) {
	switch req.Period {
	case domain.PeriodDaily:
		doc, err := source.ParseJSON(raw)
		if err != nil {
			return domain.Frame{}, err
		}
		if msg, err := source.Path(doc, "$['Error Message']"); err == nil {
			return domain.Frame{}, fmt.Errorf("fmp: %s", source.Text(msg))
		}
		rows, err := source.PathList(doc, "$.historical")
		if err != nil {
			return domain.Frame{}, err
		}
		bars, err := source.DecodeRecords(rows, req.Location())
		if err != nil {
			return domain.Frame{}, err
		}
		return source.BarsFrame(bars), nil
	case domain.PeriodFundamentals:
		var st statements
		if err := source.UnwrapInto(raw, &st); err != nil {
			return domain.Frame{}, err
		}
		reports, err := decodeStatements(st)
		if err != nil {
			return domain.Frame{}, err
		}
		return source.FundamentalsFrame(reports), nil
	}
	return domain.Frame{}, fmt.Errorf("period %q: %w", req.Period, domain.ErrUnsupported)
}

// incomeRow is the subset of an FMP income statement in use.
type incomeRow struct {
	Date                     string      `json:"date"`
	Period                   string      `json:"period"`
	ReportedCurrency         string      `json:"reportedCurrency"`
	FillingDate              string      `json:"fillingDate"`
	Revenue                  json.Number `json:"revenue"`
	NetIncome                json.Number `json:"netIncome"`
	EPSDiluted               json.Number `json:"epsdiluted"`
	WeightedAverageShsOutDil json.Number `json:"weightedAverageShsOutDil"`
}

type balanceRow struct {
	Date                   string      `json:"date"`
	TotalAssets            json.Number `json:"totalAssets"`
	TotalLiabilities       json.Number `json:"totalLiabilities"`
	CashAndCashEquivalents json.Number `json:"cashAndCashEquivalents"`
}

func decodeStatements(st statements) ([]domain.Fundamental, error) {
	var quarter, annual []incomeRow
	if err := json.Unmarshal(st.Quarter, &quarter); err != nil {
		return nil, fmt.Errorf("decode quarterly income statement: %w", err)
	}
	if len(st.Annual) > 0 {
		if err := json.Unmarshal(st.Annual, &annual); err != nil {
			return nil, fmt.Errorf("decode annual income statement: %w", err)
		}
	}
	balances := make(map[string]balanceRow)
	if len(st.Balance) > 0 {
		var rows []balanceRow
		if err := json.Unmarshal(st.Balance, &rows); err != nil {
			return nil, fmt.Errorf("decode balance sheet: %w", err)
		}
		for _, b := range rows {
			balances[b.Date] = b
		}
	}

	var out []domain.Fundamental
	add := func(rows []incomeRow, kind domain.ReportType) {
		for _, r := range rows {
			asOf, err := time.Parse(domain.DateLayout, r.Date)
			if err != nil {
				continue
			}
			f := domain.Fundamental{
				AsOfDate:      asOf,
				ReportType:    kind,
				Revenue:       source.Number(r.Revenue),
				NetIncome:     source.Number(r.NetIncome),
				EPS:           source.Number(r.EPSDiluted),
				SharesDiluted: source.Number(r.WeightedAverageShsOutDil),
				Currency:      r.ReportedCurrency,
			}
			if filed, err := domain.ParseTimestamp(r.FillingDate); err == nil {
				f.FilingDate = domain.DateOf(filed)
			}
			if b, ok := balances[r.Date]; ok {
				f.TotalAssets = source.Number(b.TotalAssets)
				f.TotalLiabilities = source.Number(b.TotalLiabilities)
				f.Cash = source.Number(b.CashAndCashEquivalents)
			}
			out = append(out, f)
		}
	}
	add(quarter, domain.ReportQuarterly)
	add(annual, domain.ReportAnnual)
	return out, nil
}
