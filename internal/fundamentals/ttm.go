package fundamentals

import (
	"iter"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/domain"
)

// DefaultQuarterSpanDays bounds how far apart the first and last of four
// summed quarters may be.
const DefaultQuarterSpanDays = 400

// TTMPoint is the trailing-twelve-month state as of one report date.
type TTMPoint struct {
	AsOfDate time.Time
	// Basis is quarterly when four quarters were summed, annual when the
	// latest annual report stood in.
	Basis        domain.ReportType
	EPSTTM       null.Float
	NetIncomeTTM null.Float
	RevenueTTM   null.Float
	// AnnualEPS is the latest annual EPS at or before AsOfDate.
	AnnualEPS null.Float
	// Shares and Equity come from the latest report carrying them.
	Shares   null.Float
	Equity   null.Float
	Currency string
	// FilingDate is the filing date of the report the point was built at.
	FilingDate time.Time
}

// EffectiveDate is the first date the point may be joined onto a bar.
func (p TTMPoint) EffectiveDate(lagDays int, useFiling bool) time.Time {
	r := domain.FundamentalReport{AsOfDate: p.AsOfDate, FilingDate: p.FilingDate}
	return r.EffectiveDate(lagDays, useFiling)
}

func sum(vals ...null.Float) null.Float {
	var total float64
	for _, v := range vals {
		if !v.Valid {
			return null.Float{}
		}
		total += v.Float64
	}
	return null.FloatFrom(total)
}

// TTMSeries yields one point per distinct report date in ascending order.
// A quarterly point sums the four most recent quarters ending at that date
// when they span at most spanDays; otherwise the latest annual report at or
// before the date stands in. Dates with neither are skipped. reports must be
// ordered by as_of_date.
func TTMSeries(reports []domain.FundamentalReport, spanDays int) iter.Seq[TTMPoint] {
	if spanDays <= 0 {
		spanDays = DefaultQuarterSpanDays
	}
	return func(yield func(TTMPoint) bool) {
		var (
			quarters []domain.FundamentalReport
			annual   *domain.FundamentalReport
			shares   null.Float
			equity   null.Float
		)
		for i := 0; i < len(reports); {
			date := domain.DateOf(reports[i].AsOfDate)
			var (
				quarter  bool
				filing   time.Time
				currency string
			)
			for ; i < len(reports) && domain.DateOf(reports[i].AsOfDate).Equal(date); i++ {
				r := reports[i]
				switch r.ReportType {
				case domain.ReportQuarterly:
					quarters = append(quarters, r)
					quarter = true
				case domain.ReportAnnual:
					annual = &reports[i]
				}
				if r.SharesDiluted.Valid && r.SharesDiluted.Float64 > 0 {
					shares = r.SharesDiluted
				}
				if r.TotalAssets.Valid && r.TotalLiabilities.Valid {
					equity = null.FloatFrom(r.TotalAssets.Float64 - r.TotalLiabilities.Float64)
				}
				if r.FilingDate.After(filing) {
					filing = r.FilingDate
				}
				if currency == "" {
					currency = r.Currency
				}
			}

			p := TTMPoint{AsOfDate: date, Shares: shares, Equity: equity, Currency: currency, FilingDate: filing}
			if annual != nil {
				p.AnnualEPS = annual.EPS
			}
			if quarter && len(quarters) >= 4 {
				last4 := quarters[len(quarters)-4:]
				if date.Sub(domain.DateOf(last4[0].AsOfDate)) <= time.Duration(spanDays)*24*time.Hour {
					p.Basis = domain.ReportQuarterly
					p.EPSTTM = sum(last4[0].EPS, last4[1].EPS, last4[2].EPS, last4[3].EPS)
					p.NetIncomeTTM = sum(last4[0].NetIncome, last4[1].NetIncome, last4[2].NetIncome, last4[3].NetIncome)
					p.RevenueTTM = sum(last4[0].Revenue, last4[1].Revenue, last4[2].Revenue, last4[3].Revenue)
				}
			}
			if !p.EPSTTM.Valid && annual != nil && annual.EPS.Valid {
				p.Basis = domain.ReportAnnual
				p.EPSTTM = annual.EPS
				p.NetIncomeTTM = annual.NetIncome
				p.RevenueTTM = annual.Revenue
				if p.Currency == "" {
					p.Currency = annual.Currency
				}
			}
			if p.Basis == "" {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}

// asOf returns the point with the greatest as-of date among those effective
// on day, or false when none is.
func asOf(points []TTMPoint, day time.Time, lagDays int, useFiling bool) (TTMPoint, bool) {
	var (
		best  TTMPoint
		found bool
	)
	for _, p := range points {
		if p.EffectiveDate(lagDays, useFiling).After(day) {
			continue
		}
		if !found || p.AsOfDate.After(best.AsOfDate) {
			best, found = p, true
		}
	}
	return best, found
}
