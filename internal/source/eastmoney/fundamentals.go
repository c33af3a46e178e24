package eastmoney

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/domain"
	"finbench/internal/source"
)

// FetchFundamentals fetches the report table: CN quarterly results (YTD,
// de-cumulated on decode) or HK annual indicators.
func (a *Adapter) FetchFundamentals(ctx context.Context, req source.Request) (source.Result, error) {
	if req.ID.Type == domain.AssetIndex || req.ID.Type == domain.AssetETF {
		return source.Result{}, source.Unavailable(a.Provider(), req, domain.ErrUnsupported)
	}
	q := url.Values{}
	switch req.ID.Market {
	case domain.MarketCN:
		q.Set("reportName", "RPT_LICO_FN_CPD")
		q.Set("filter", fmt.Sprintf(`(SECURITY_CODE="%s")`, req.ID.Code))
		q.Set("sortColumns", "REPORTDATE")
	case domain.MarketHK:
		q.Set("reportName", "RPT_HKF10_FN_MAININDICATOR")
		q.Set("filter", fmt.Sprintf(`(SECUCODE="%s.HK")`, req.ID.Code))
		q.Set("sortColumns", "REPORT_DATE")
	default:
		return source.Result{}, source.Unavailable(a.Provider(), req, domain.ErrUnsupported)
	}
	q.Set("columns", "ALL")
	q.Set("sortTypes", "-1")
	q.Set("pageNumber", "1")
	q.Set("pageSize", "80")
	body, err := a.client.Get(ctx, source.Call{
		URL:     a.datacenter + "/securities/api/data/v1/get?" + q.Encode(),
		Header:  referer,
		History: true,
	})
	if err != nil {
		return source.Result{}, source.Unavailable(a.Provider(), req, err)
	}
	return source.Finish(a.Provider(), req, body, a)
}

func decodeFundamentals(doc any, m domain.Market) ([]domain.Fundamental, error) {
	rows, err := source.PathList(doc, "$.result.data")
	if err != nil {
		return nil, err
	}
	if m == domain.MarketHK {
		return decodeHK(rows), nil
	}
	return decodeCN(rows), nil
}

func decodeCN(rows []any) []domain.Fundamental {
	type cum struct {
		asOf, filed      time.Time
		revenue, ni, eps null.Float
	}
	var all []cum
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		asOf, ok := parseYMD(row["REPORTDATE"])
		if !ok {
			continue
		}
		filed, _ := parseYMD(row["NOTICE_DATE"])
		all = append(all, cum{
			asOf:    asOf,
			filed:   filed,
			revenue: source.Field(row, "TOTAL_OPERATE_INCOME"),
			ni:      source.Field(row, "PARENT_NETPROFIT"),
			eps:     source.Field(row, "BASIC_EPS"),
		})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].asOf.Before(all[j].asOf) })

	var out []domain.Fundamental
	byDate := make(map[time.Time]cum, len(all))
	for _, c := range all {
		byDate[c.asOf] = c
	}
	for _, c := range all {
		q := quarterOf(c.asOf)
		if q == 0 {
			continue
		}
		f := domain.Fundamental{
			AsOfDate:   c.asOf,
			ReportType: domain.ReportQuarterly,
			Currency:   "CNY",
			FilingDate: c.filed,
		}
		if q == 1 {
			f.Revenue, f.NetIncome, f.EPS = c.revenue, c.ni, c.eps
			out = append(out, f)
		} else if prev, ok := byDate[prevQuarterEnd(c.asOf)]; ok {
			f.Revenue = sub(c.revenue, prev.revenue)
			f.NetIncome = sub(c.ni, prev.ni)
			f.EPS = sub(c.eps, prev.eps)
			out = append(out, f)
		}
		if q == 4 {
			out = append(out, domain.Fundamental{
				AsOfDate:   c.asOf,
				ReportType: domain.ReportAnnual,
				Revenue:    c.revenue,
				NetIncome:  c.ni,
				EPS:        c.eps,
				Currency:   "CNY",
				FilingDate: c.filed,
			})
		}
	}
	return out
}

func decodeHK(rows []any) []domain.Fundamental {
	var out []domain.Fundamental
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		// Only full-year reports; interims are half-year cumulative.
		if code := source.Text(row["DATE_TYPE_CODE"]); code != "" && code != "001" {
			continue
		}
		asOf, ok := parseYMD(row["REPORT_DATE"])
		if !ok {
			continue
		}
		filed, _ := parseYMD(row["NOTICE_DATE"])
		currency := source.Text(row["CURRENCY"])
		if currency == "" {
			currency = "HKD"
		}
		out = append(out, domain.Fundamental{
			AsOfDate:   asOf,
			ReportType: domain.ReportAnnual,
			Revenue:    source.Field(row, "OPERATE_INCOME"),
			NetIncome:  source.Field(row, "HOLDER_PROFIT"),
			EPS:        source.Field(row, "BASIC_EPS"),
			Currency:   currency,
			FilingDate: filed,
		})
	}
	return out
}

func sub(a, b null.Float) null.Float {
	if !a.Valid || !b.Valid {
		return null.Float{}
	}
	return null.FloatFrom(a.Float64 - b.Float64)
}

// parseYMD reads the date part of a datacenter timestamp
// ("2024-09-30 00:00:00").
func parseYMD(v any) (time.Time, bool) {
	t, err := domain.ParseTimestamp(source.Text(v))
	if err != nil {
		return time.Time{}, false
	}
	return domain.DateOf(t), true
}

// quarterOf returns 1..4 for a calendar quarter end, else 0.
func quarterOf(t time.Time) int {
	switch {
	case t.Month() == time.March && t.Day() == 31:
		return 1
	case t.Month() == time.June && t.Day() == 30:
		return 2
	case t.Month() == time.September && t.Day() == 30:
		return 3
	case t.Month() == time.December && t.Day() == 31:
		return 4
	}
	return 0
}

// prevQuarterEnd is the quarter end before t within the same fiscal year.
func prevQuarterEnd(t time.Time) time.Time {
	// First day of t's quarter, minus one day.
	first := time.Date(t.Year(), t.Month()-2, 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 0, -1)
}
