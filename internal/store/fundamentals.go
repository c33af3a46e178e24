package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"finbench/internal/domain"
)

const fundamentalColumns = `canonical_id, as_of_date, report_type, revenue, net_income, eps,
	revenue_ttm, net_income_ttm, eps_ttm, total_assets, total_liabilities, cash, shares_diluted,
	currency, filing_date, data_source, updated_at`

func scanFundamental(sc scanner) (domain.FundamentalReport, error) {
	var (
		r                        domain.FundamentalReport
		id, asOf, rt, src, updAt string
		filing                   sql.NullString
	)
	err := sc.Scan(&id, &asOf, &rt, &r.Revenue, &r.NetIncome, &r.EPS,
		&r.RevenueTTM, &r.NetIncomeTTM, &r.EPSTTM, &r.TotalAssets, &r.TotalLiabilities, &r.Cash, &r.SharesDiluted,
		&r.Currency, &filing, &src, &updAt)
	if err != nil {
		return r, err
	}
	if r.CanonicalID, err = domain.ParseCanonicalID(id); err != nil {
		return r, err
	}
	if r.AsOfDate, err = domain.ParseTimestamp(asOf); err != nil {
		return r, err
	}
	if filing.Valid && filing.String != "" {
		if r.FilingDate, err = domain.ParseTimestamp(filing.String); err != nil {
			return r, err
		}
	}
	r.ReportType = domain.ReportType(rt)
	r.DataSource = domain.Provider(src)
	r.UpdatedAt, err = parseInstant(updAt)
	return r, err
}

// GetFundamental returns one report or domain.ErrNotFound.
func (o ops) GetFundamental(ctx context.Context, id domain.CanonicalID, asOf time.Time, rt domain.ReportType) (domain.FundamentalReport, error) {
	r, err := scanFundamental(o.q.QueryRowContext(ctx, `SELECT `+fundamentalColumns+`
		FROM financial_fundamentals WHERE canonical_id = ? AND as_of_date = ? AND report_type = ?`,
		id.String(), domain.FormatDate(asOf), string(rt)))
	if err != nil {
		return domain.FundamentalReport{}, notFound(err)
	}
	return r, nil
}

// UpsertFundamental writes a report keyed by (id, as_of_date, report_type).
// Null incoming fields keep the stored value.
func (o ops) UpsertFundamental(ctx context.Context, r domain.FundamentalReport) error {
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = o.now()
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO financial_fundamentals (`+fundamentalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (canonical_id, as_of_date, report_type) DO UPDATE SET
			revenue           = COALESCE(excluded.revenue, revenue),
			net_income        = COALESCE(excluded.net_income, net_income),
			eps               = COALESCE(excluded.eps, eps),
			revenue_ttm       = excluded.revenue_ttm,
			net_income_ttm    = excluded.net_income_ttm,
			eps_ttm           = excluded.eps_ttm,
			total_assets      = COALESCE(excluded.total_assets, total_assets),
			total_liabilities = COALESCE(excluded.total_liabilities, total_liabilities),
			cash              = COALESCE(excluded.cash, cash),
			shares_diluted    = COALESCE(excluded.shares_diluted, shares_diluted),
			currency          = CASE WHEN excluded.currency <> '' THEN excluded.currency ELSE currency END,
			filing_date       = COALESCE(excluded.filing_date, filing_date),
			data_source       = excluded.data_source,
			updated_at        = excluded.updated_at`,
		r.CanonicalID.String(), domain.FormatDate(r.AsOfDate), string(r.ReportType),
		r.Revenue, r.NetIncome, r.EPS, r.RevenueTTM, r.NetIncomeTTM, r.EPSTTM,
		r.TotalAssets, r.TotalLiabilities, r.Cash, r.SharesDiluted,
		r.Currency, nullableDate(r.FilingDate), string(r.DataSource), formatInstant(updated))
	if err != nil {
		return fmt.Errorf("upsert fundamental %s@%s: %w", r.CanonicalID, domain.FormatDate(r.AsOfDate), err)
	}
	return nil
}

// ListFundamentals returns every report for id ordered by as_of_date, with
// quarterly rows before annual rows on the same date.
func (o ops) ListFundamentals(ctx context.Context, id domain.CanonicalID) ([]domain.FundamentalReport, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT `+fundamentalColumns+`
		FROM financial_fundamentals WHERE canonical_id = ? ORDER BY as_of_date, report_type DESC`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FundamentalReport
	for rows.Next() {
		r, err := scanFundamental(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
