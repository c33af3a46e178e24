package yahoo

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/domain"
	"finbench/internal/source"
)

// timeseriesFields maps a timeseries type suffix to the report field it
// fills.
var timeseriesFields = map[string]func(*domain.Fundamental, null.Float){
	"DilutedEPS":                          func(f *domain.Fundamental, v null.Float) { f.EPS = v },
	"TotalRevenue":                        func(f *domain.Fundamental, v null.Float) { f.Revenue = v },
	"NetIncome":                           func(f *domain.Fundamental, v null.Float) { f.NetIncome = v },
	"DilutedAverageShares":                func(f *domain.Fundamental, v null.Float) { f.SharesDiluted = v },
	"TotalAssets":                         func(f *domain.Fundamental, v null.Float) { f.TotalAssets = v },
	"TotalLiabilitiesNetMinorityInterest": func(f *domain.Fundamental, v null.Float) { f.TotalLiabilities = v },
	"CashAndCashEquivalents":              func(f *domain.Fundamental, v null.Float) { f.Cash = v },
}

var reportPrefixes = map[string]domain.ReportType{
	"quarterly": domain.ReportQuarterly,
	"annual":    domain.ReportAnnual,
}

func timeseriesTypes() string {
	names := make([]string, 0, len(timeseriesFields))
	for suffix := range timeseriesFields {
		names = append(names, suffix)
	}
	sort.Strings(names)
	var types []string
	for _, prefix := range []string{"quarterly", "annual"} {
		for _, n := range names {
			types = append(types, prefix+n)
		}
	}
	return strings.Join(types, ",")
}

// FetchFundamentals fetches quarterly and annual statement series.
func (a *Adapter) FetchFundamentals(ctx context.Context, req source.Request) (source.Result, error) {
	if req.Symbol == "" || req.ID.Type == domain.AssetIndex {
		return source.Result{}, source.Unavailable(a.Provider(), req, domain.ErrUnsupported)
	}
	end := a.now()
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("type", timeseriesTypes())
	q.Set("period1", strconv.FormatInt(end.AddDate(-6, 0, 0).Unix(), 10))
	q.Set("period2", strconv.FormatInt(end.Unix(), 10))
	u := a.timeseries + "/ws/fundamentals-timeseries/v1/finance/timeseries/" + url.PathEscape(req.Symbol) + "?" + q.Encode()
	body, err := a.client.Get(ctx, source.Call{URL: u, History: true})
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, body, a)
}

type reportKey struct {
	asOf time.Time
	kind domain.ReportType
}

// decodeTimeseries folds the per-metric series into one report per
// (as_of_date, report_type).
func decodeTimeseries(doc any) ([]domain.Fundamental, error) {
	results, err := source.PathList(doc, "$.timeseries.result")
	if err != nil {
		return nil, err
	}
	reports := make(map[reportKey]*domain.Fundamental)
	for _, r := range results {
		res, ok := r.(map[string]any)
		if !ok {
			continue
		}
		typ := source.Text(first(res, "meta", "type"))
		kind, set := splitType(typ)
		if set == nil {
			continue
		}
		points, _ := res[typ].([]any)
		for _, p := range points {
			point, ok := p.(map[string]any)
			if !ok {
				continue
			}
			asOf, err := domain.ParseTimestamp(source.Text(point["asOfDate"]))
			if err != nil {
				continue
			}
			key := reportKey{asOf: domain.DateOf(asOf), kind: kind}
			f, ok := reports[key]
			if !ok {
				f = &domain.Fundamental{AsOfDate: key.asOf, ReportType: kind}
				reports[key] = f
			}
			if cur := source.Text(point["currencyCode"]); cur != "" {
				f.Currency = cur
			}
			set(f, source.Number(point["reportedValue"]))
		}
	}
	out := make([]domain.Fundamental, 0, len(reports))
	for _, f := range reports {
		out = append(out, *f)
	}
	return out, nil
}

func splitType(typ string) (domain.ReportType, func(*domain.Fundamental, null.Float)) {
	for prefix, kind := range reportPrefixes {
		if suffix, ok := strings.CutPrefix(typ, prefix); ok {
			return kind, timeseriesFields[suffix]
		}
	}
	return "", nil
}

// first returns m[k1][k2][0] for the list-valued meta fields.
func first(m map[string]any, k1, k2 string) any {
	inner, ok := m[k1].(map[string]any)
	if !ok {
		return nil
	}
	list, ok := inner[k2].([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	return list[0]
}

