// Package fundamentals stores financial reports with source priority,
// derives trailing-twelve-month series and overlays valuation ratios onto
// daily bars with an as-of join.
package fundamentals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/store"
)

// CurrencyResolver supplies a reporting currency for assets whose registry
// entry has none.
type CurrencyResolver interface {
	ReportingCurrency(id domain.CanonicalID) string
}

// Aligner upserts reports and keeps the daily valuation overlay current.
type Aligner struct {
	cfg      config.Fundamentals
	priority map[domain.Market][]domain.Provider
	currency CurrencyResolver
	log      *slog.Logger
}

// NewAligner builds an aligner. currency may be nil.
func NewAligner(cfg *config.Config, currency CurrencyResolver, logger *slog.Logger) *Aligner {
	if logger == nil {
		logger = slog.Default()
	}
	prio := make(map[domain.Market][]domain.Provider, len(domain.Markets))
	for _, m := range domain.Markets {
		prio[m] = cfg.FundamentalPriority(m)
	}
	return &Aligner{
		cfg:      cfg.Fundamentals,
		priority: prio,
		currency: currency,
		log:      logger.With("component", "fundamentals"),
	}
}

// IngestResult summarizes one Ingest call.
type IngestResult struct {
	Upserted  int      `json:"upserted"`
	Unchanged int      `json:"unchanged"`
	Warnings  []string `json:"warnings,omitempty"`
}

// rank orders providers by configured quality; unlisted providers rank last.
func (a *Aligner) rank(m domain.Market, p domain.Provider) int {
	if i := slices.Index(a.priority[m], p); i >= 0 {
		return i
	}
	return len(a.priority[m])
}

func (a *Aligner) reportingCurrency(ctx context.Context, tx *store.Tx, id domain.CanonicalID) string {
	if asset, err := tx.GetAsset(ctx, id); err == nil && asset.ReportingCurrency != "" {
		return asset.ReportingCurrency
	}
	if a.currency != nil {
		if c := a.currency.ReportingCurrency(id); c != "" {
			return c
		}
	}
	return id.TradingCurrency()
}

// Ingest upserts reports from provider inside tx. A stored report from a
// better-ranked provider keeps its values; the incoming one only fills its
// gaps. Currency disagreements with the asset are reported as warnings
// wrapping domain.ErrCurrencyMismatch, never converted. TTM columns are
// recomputed for the whole history afterwards.
func (a *Aligner) Ingest(ctx context.Context, tx *store.Tx, id domain.CanonicalID, provider domain.Provider, reports []domain.Fundamental) (IngestResult, error) {
	var res IngestResult
	want := a.reportingCurrency(ctx, tx, id)
	for _, f := range reports {
		if f.AsOfDate.IsZero() || f.ReportType == "" {
			continue
		}
		if f.Currency != "" && want != "" && f.Currency != want {
			err := fmt.Errorf("%s %s %s: report in %s, asset reports in %s: %w",
				id, f.ReportType, domain.FormatDate(f.AsOfDate), f.Currency, want, domain.ErrCurrencyMismatch)
			a.log.Warn("currency mismatch", "canonical_id", id, "provider", provider, "error", err)
			res.Warnings = append(res.Warnings, err.Error())
		}
		incoming := fromProvider(id, provider, f)

		existing, err := tx.GetFundamental(ctx, id, f.AsOfDate, f.ReportType)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return res, err
		default:
			if existing.DataSource != provider && a.rank(id.Market, existing.DataSource) < a.rank(id.Market, provider) {
				incoming = fillGaps(existing, incoming)
			} else {
				incoming = fillGaps(incoming, existing)
			}
			// TTM columns are derived here, not taken from providers.
			incoming.RevenueTTM, incoming.NetIncomeTTM, incoming.EPSTTM = existing.RevenueTTM, existing.NetIncomeTTM, existing.EPSTTM
			incoming.UpdatedAt = time.Time{}
			if sameReport(existing, incoming) {
				res.Unchanged++
				continue
			}
		}
		if err := tx.UpsertFundamental(ctx, incoming); err != nil {
			return res, err
		}
		res.Upserted++
	}
	if res.Upserted > 0 {
		if _, err := a.recomputeTTM(ctx, tx, id); err != nil {
			return res, err
		}
	}
	return res, nil
}

func fromProvider(id domain.CanonicalID, p domain.Provider, f domain.Fundamental) domain.FundamentalReport {
	return domain.FundamentalReport{
		CanonicalID:      id,
		AsOfDate:         domain.DateOf(f.AsOfDate),
		ReportType:       f.ReportType,
		Revenue:          f.Revenue,
		NetIncome:        f.NetIncome,
		EPS:              f.EPS,
		EPSTTM:           f.EPSTTM,
		TotalAssets:      f.TotalAssets,
		TotalLiabilities: f.TotalLiabilities,
		Cash:             f.Cash,
		SharesDiluted:    f.SharesDiluted,
		Currency:         f.Currency,
		FilingDate:       f.FilingDate,
		DataSource:       p,
	}
}

func orFloat(a, b null.Float) null.Float {
	if a.Valid {
		return a
	}
	return b
}

// fillGaps returns primary with its null fields taken from secondary.
func fillGaps(primary, secondary domain.FundamentalReport) domain.FundamentalReport {
	out := primary
	out.Revenue = orFloat(primary.Revenue, secondary.Revenue)
	out.NetIncome = orFloat(primary.NetIncome, secondary.NetIncome)
	out.EPS = orFloat(primary.EPS, secondary.EPS)
	out.RevenueTTM = orFloat(primary.RevenueTTM, secondary.RevenueTTM)
	out.NetIncomeTTM = orFloat(primary.NetIncomeTTM, secondary.NetIncomeTTM)
	out.EPSTTM = orFloat(primary.EPSTTM, secondary.EPSTTM)
	out.TotalAssets = orFloat(primary.TotalAssets, secondary.TotalAssets)
	out.TotalLiabilities = orFloat(primary.TotalLiabilities, secondary.TotalLiabilities)
	out.Cash = orFloat(primary.Cash, secondary.Cash)
	out.SharesDiluted = orFloat(primary.SharesDiluted, secondary.SharesDiluted)
	if out.Currency == "" {
		out.Currency = secondary.Currency
	}
	if out.FilingDate.IsZero() {
		out.FilingDate = secondary.FilingDate
	}
	return out
}

func sameFloat(a, b null.Float) bool {
	return a.Valid == b.Valid && (!a.Valid || a.Float64 == b.Float64)
}

// sameReport compares stored columns, ignoring updated_at.
func sameReport(a, b domain.FundamentalReport) bool {
	return sameFloat(a.Revenue, b.Revenue) && sameFloat(a.NetIncome, b.NetIncome) &&
		sameFloat(a.EPS, b.EPS) && sameFloat(a.RevenueTTM, b.RevenueTTM) &&
		sameFloat(a.NetIncomeTTM, b.NetIncomeTTM) && sameFloat(a.EPSTTM, b.EPSTTM) &&
		sameFloat(a.TotalAssets, b.TotalAssets) && sameFloat(a.TotalLiabilities, b.TotalLiabilities) &&
		sameFloat(a.Cash, b.Cash) && sameFloat(a.SharesDiluted, b.SharesDiluted) &&
		a.Currency == b.Currency && domain.FormatDate(a.FilingDate) == domain.FormatDate(b.FilingDate) &&
		a.DataSource == b.DataSource
}

// recomputeTTM rewrites the TTM columns of every stored report. Quarterly
// rows take the series point at their date, annual rows their own values.
func (a *Aligner) recomputeTTM(ctx context.Context, tx *store.Tx, id domain.CanonicalID) (int, error) {
	reports, err := tx.ListFundamentals(ctx, id)
	if err != nil {
		return 0, err
	}
	points := make(map[time.Time]TTMPoint)
	for p := range TTMSeries(reports, a.cfg.QuarterSpanDays) {
		points[p.AsOfDate] = p
	}
	changed := 0
	for _, r := range reports {
		next := r
		switch r.ReportType {
		case domain.ReportAnnual:
			next.EPSTTM = orFloat(r.EPS, r.EPSTTM)
			next.NetIncomeTTM = r.NetIncome
			next.RevenueTTM = r.Revenue
		case domain.ReportQuarterly:
			p, ok := points[domain.DateOf(r.AsOfDate)]
			if !ok {
				continue
			}
			next.EPSTTM = orFloat(p.EPSTTM, r.EPSTTM)
			next.NetIncomeTTM = p.NetIncomeTTM
			next.RevenueTTM = p.RevenueTTM
		}
		if sameReport(r, next) {
			continue
		}
		next.UpdatedAt = time.Time{}
		if err := tx.UpsertFundamental(ctx, next); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Points returns the TTM series of id as stored.
func (a *Aligner) Points(ctx context.Context, tx *store.Tx, id domain.CanonicalID) ([]TTMPoint, error) {
	reports, err := tx.ListFundamentals(ctx, id)
	if err != nil {
		return nil, err
	}
	return slices.Collect(TTMSeries(reports, a.cfg.QuarterSpanDays)), nil
}

// Overlay applies the valuation overlay to every daily bar of id.
func (a *Aligner) Overlay(ctx context.Context, tx *store.Tx, id domain.CanonicalID) (int, error) {
	return a.OverlayFrom(ctx, tx, id, time.Time{})
}

// OverlayFrom applies the overlay to bars at or after from. Each bar joins
// the point with the greatest as-of date effective on the bar's date. Rows
// are written only when a value changes.
func (a *Aligner) OverlayFrom(ctx context.Context, tx *store.Tx, id domain.CanonicalID, from time.Time) (int, error) {
	points, err := a.Points(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	bars, err := tx.ListDaily(ctx, id, from, time.Time{})
	if err != nil {
		return 0, err
	}
	trading := id.TradingCurrency()
	changed := 0
	for _, b := range bars {
		var v store.Valuation
		if p, ok := asOf(points, domain.DateOf(b.Timestamp), a.cfg.FilingLagDays, a.cfg.UseFilingDate); ok {
			v = valuation(b.Close, p, trading)
		}
		if !valuationChanges(b, v) {
			continue
		}
		if err := tx.UpdateValuation(ctx, id, b.Timestamp, v); err != nil {
			return changed, fmt.Errorf("overlay %s@%s: %w", id, domain.FormatTimestamp(b.Timestamp), err)
		}
		changed++
	}
	return changed, nil
}

func ratio(num float64, den null.Float) null.Float {
	if !den.Valid || den.Float64 <= 0 {
		return null.Float{}
	}
	return null.FloatFrom(num / den.Float64)
}

// valuation derives the overlay columns for a bar closing at close. Points
// reported in another currency than the one the asset trades in yield no
// values.
func valuation(close float64, p TTMPoint, trading string) store.Valuation {
	if p.Currency != "" && trading != "" && p.Currency != trading {
		return store.Valuation{}
	}
	// pe divides by the latest annual EPS, or by the best available figure
	// when no annual report is known yet.
	eps := p.AnnualEPS
	if !eps.Valid {
		eps = p.EPSTTM
	}
	v := store.Valuation{
		PETTM: ratio(close, p.EPSTTM),
		PE:    ratio(close, eps),
		EPS:   p.EPSTTM,
	}
	if p.Shares.Valid && p.Shares.Float64 > 0 {
		mcap := close * p.Shares.Float64
		v.MarketCap = null.FloatFrom(mcap)
		v.PS = ratio(mcap, p.RevenueTTM)
		v.PB = ratio(mcap, p.Equity)
	}
	return v
}

// valuationChanges reports whether writing v would change any overlay
// column of b.
func valuationChanges(b domain.DailyBar, v store.Valuation) bool {
	return !sameFloat(b.PE, v.PE) || !sameFloat(b.PETTM, v.PETTM) ||
		!sameFloat(b.PS, v.PS) || !sameFloat(b.PB, v.PB) ||
		!sameFloat(b.EPS, v.EPS) || !sameFloat(b.MarketCap, v.MarketCap)
}

// Repair recomputes the TTM columns and the overlay over the full history
// of id in one transaction. It returns the number of daily rows changed.
func (a *Aligner) Repair(ctx context.Context, db *store.SQLiteStore, id domain.CanonicalID) (int, error) {
	var n int
	err := db.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := a.recomputeTTM(ctx, tx, id); err != nil {
			return err
		}
		var err error
		n, err = a.Overlay(ctx, tx, id)
		return err
	})
	if err == nil && n > 0 {
		a.log.Info("overlay repaired", "canonical_id", id, "rows", n)
	}
	return n, err
}
