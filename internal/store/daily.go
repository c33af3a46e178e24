package store

import (
	"context"
	"fmt"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/domain"
)

const dailyColumns = `canonical_id, timestamp, open, high, low, close, volume, turnover,
	prev_close, change, pct_change, pe, pb, pe_ttm, ps, dividend_yield, eps, market_cap,
	data_source, fetch_time, updated_at`

func scanDaily(sc scanner) (domain.DailyBar, error) {
	var (
		b                domain.DailyBar
		id, ts, src      string
		fetched, updated string
	)
	err := sc.Scan(&id, &ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Turnover,
		&b.PrevClose, &b.Change, &b.PctChange, &b.PE, &b.PB, &b.PETTM, &b.PS, &b.DividendYield,
		&b.EPS, &b.MarketCap, &src, &fetched, &updated)
	if err != nil {
		return b, err
	}
	if b.CanonicalID, err = domain.ParseCanonicalID(id); err != nil {
		return b, err
	}
	if b.Timestamp, err = domain.ParseTimestamp(ts); err != nil {
		return b, err
	}
	b.DataSource = domain.Provider(src)
	if b.FetchTime, err = parseInstant(fetched); err != nil {
		return b, err
	}
	b.UpdatedAt, err = parseInstant(updated)
	return b, err
}

func (o ops) queryDaily(ctx context.Context, query string, args ...any) ([]domain.DailyBar, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DailyBar
	for rows.Next() {
		b, err := scanDaily(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (o ops) oneDaily(ctx context.Context, query string, args ...any) (domain.DailyBar, error) {
	b, err := scanDaily(o.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.DailyBar{}, notFound(err)
	}
	return b, nil
}

// GetDaily returns the row at (id, ts) or domain.ErrNotFound.
func (o ops) GetDaily(ctx context.Context, id domain.CanonicalID, ts time.Time) (domain.DailyBar, error) {
	return o.oneDaily(ctx, `SELECT `+dailyColumns+` FROM market_data_daily
		WHERE canonical_id = ? AND timestamp = ?`, id.String(), domain.FormatTimestamp(ts))
}

// GetDailyOn returns the row on the calendar date of day.
func (o ops) GetDailyOn(ctx context.Context, id domain.CanonicalID, day time.Time) (domain.DailyBar, error) {
	return o.oneDaily(ctx, `SELECT `+dailyColumns+` FROM market_data_daily
		WHERE canonical_id = ? AND substr(timestamp, 1, 10) = ? ORDER BY timestamp DESC LIMIT 1`,
		id.String(), domain.FormatDate(day))
}

// ListDaily returns rows in [start, end] in timestamp order. Zero bounds are
// open.
func (o ops) ListDaily(ctx context.Context, id domain.CanonicalID, start, end time.Time) ([]domain.DailyBar, error) {
	query := `SELECT ` + dailyColumns + ` FROM market_data_daily WHERE canonical_id = ?`
	args := []any{id.String()}
	if !start.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, domain.FormatTimestamp(start))
	}
	if !end.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, domain.FormatTimestamp(end))
	}
	query += ` ORDER BY timestamp`
	return o.queryDaily(ctx, query, args...)
}

// PrevDaily returns the latest row strictly before ts.
func (o ops) PrevDaily(ctx context.Context, id domain.CanonicalID, ts time.Time) (domain.DailyBar, error) {
	return o.oneDaily(ctx, `SELECT `+dailyColumns+` FROM market_data_daily
		WHERE canonical_id = ? AND timestamp < ? ORDER BY timestamp DESC LIMIT 1`,
		id.String(), domain.FormatTimestamp(ts))
}

// NextDaily returns the earliest row strictly after ts.
func (o ops) NextDaily(ctx context.Context, id domain.CanonicalID, ts time.Time) (domain.DailyBar, error) {
	return o.oneDaily(ctx, `SELECT `+dailyColumns+` FROM market_data_daily
		WHERE canonical_id = ? AND timestamp > ? ORDER BY timestamp LIMIT 1`,
		id.String(), domain.FormatTimestamp(ts))
}

// LatestDaily returns the most recent row.
func (o ops) LatestDaily(ctx context.Context, id domain.CanonicalID) (domain.DailyBar, error) {
	return o.oneDaily(ctx, `SELECT `+dailyColumns+` FROM market_data_daily
		WHERE canonical_id = ? ORDER BY timestamp DESC LIMIT 1`, id.String())
}

// CountDaily returns the number of rows for id.
func (o ops) CountDaily(ctx context.Context, id domain.CanonicalID) (int, error) {
	var n int
	err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM market_data_daily WHERE canonical_id = ?`, id.String()).Scan(&n)
	return n, err
}

// InsertDaily inserts b unless a row already exists at (id, ts). It reports
// whether a row was written.
func (o ops) InsertDaily(ctx context.Context, b domain.DailyBar) (bool, error) {
	updated := b.UpdatedAt
	if updated.IsZero() {
		updated = o.now()
	}
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO market_data_daily (`+dailyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (canonical_id, timestamp) DO NOTHING`,
		b.CanonicalID.String(), domain.FormatTimestamp(b.Timestamp),
		b.Open, b.High, b.Low, b.Close, b.Volume, b.Turnover,
		b.PrevClose, b.Change, b.PctChange, b.PE, b.PB, b.PETTM, b.PS, b.DividendYield,
		b.EPS, b.MarketCap, string(b.DataSource), formatInstant(b.FetchTime), formatInstant(updated))
	if err != nil {
		return false, fmt.Errorf("insert daily %s@%s: %w", b.CanonicalID, domain.FormatTimestamp(b.Timestamp), err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateDaily overwrites every column of the row at (id, ts).
func (o ops) UpdateDaily(ctx context.Context, b domain.DailyBar) error {
	updated := b.UpdatedAt
	if updated.IsZero() {
		updated = o.now()
	}
	res, err := o.q.ExecContext(ctx, `
		UPDATE market_data_daily SET
			open = ?, high = ?, low = ?, close = ?, volume = ?, turnover = ?,
			prev_close = ?, change = ?, pct_change = ?, pe = ?, pb = ?, pe_ttm = ?, ps = ?,
			dividend_yield = ?, eps = ?, market_cap = ?, data_source = ?, fetch_time = ?, updated_at = ?
		WHERE canonical_id = ? AND timestamp = ?`,
		b.Open, b.High, b.Low, b.Close, b.Volume, b.Turnover,
		b.PrevClose, b.Change, b.PctChange, b.PE, b.PB, b.PETTM, b.PS,
		b.DividendYield, b.EPS, b.MarketCap, string(b.DataSource), formatInstant(b.FetchTime), formatInstant(updated),
		b.CanonicalID.String(), domain.FormatTimestamp(b.Timestamp))
	if err != nil {
		return fmt.Errorf("update daily %s@%s: %w", b.CanonicalID, domain.FormatTimestamp(b.Timestamp), err)
	}
	return expectOne(res)
}

// UpdateDerived rewrites the change chain columns of one row.
func (o ops) UpdateDerived(ctx context.Context, id domain.CanonicalID, ts time.Time, prev, change, pct null.Float) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE market_data_daily SET prev_close = ?, change = ?, pct_change = ?, updated_at = ?
		WHERE canonical_id = ? AND timestamp = ?`,
		prev, change, pct, formatInstant(o.now()), id.String(), domain.FormatTimestamp(ts))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// Valuation is the fundamentals overlay written onto a daily row.
type Valuation struct {
	PE        null.Float
	PETTM     null.Float
	PS        null.Float
	PB        null.Float
	EPS       null.Float
	MarketCap null.Float
}

// UpdateValuation overwrites the overlay columns. A null field clears the
// stored value. dividend_yield is not part of the overlay.
func (o ops) UpdateValuation(ctx context.Context, id domain.CanonicalID, ts time.Time, v Valuation) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE market_data_daily SET
			pe = ?, pe_ttm = ?, ps = ?, pb = ?, eps = ?, market_cap = ?,
			updated_at = ?
		WHERE canonical_id = ? AND timestamp = ?`,
		v.PE, v.PETTM, v.PS, v.PB, v.EPS, v.MarketCap, formatInstant(o.now()),
		id.String(), domain.FormatTimestamp(ts))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DailyIDs returns every canonical id that has daily rows.
func (o ops) DailyIDs(ctx context.Context) ([]domain.CanonicalID, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT DISTINCT canonical_id FROM market_data_daily ORDER BY canonical_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CanonicalID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := domain.ParseCanonicalID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
