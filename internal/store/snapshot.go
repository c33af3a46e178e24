package store

import (
	"context"
	"fmt"

	"finbench/internal/domain"
)

const snapshotColumns = `canonical_id, timestamp, open, high, low, close, volume, turnover,
	prev_close, change, pct_change, pe, pb, pe_ttm, dividend_yield, market_cap,
	data_source, updated_at`

// GetSnapshot returns the latest quote for id or domain.ErrNotFound.
func (o ops) GetSnapshot(ctx context.Context, id domain.CanonicalID) (domain.Snapshot, error) {
	var (
		s                    domain.Snapshot
		cid, ts, src, update string
	)
	err := o.q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM market_snapshot WHERE canonical_id = ?`, id.String()).
		Scan(&cid, &ts, &s.Open, &s.High, &s.Low, &s.Close, &s.Volume, &s.Turnover,
			&s.PrevClose, &s.Change, &s.PctChange, &s.PE, &s.PB, &s.PETTM, &s.DividendYield, &s.MarketCap,
			&src, &update)
	if err != nil {
		return domain.Snapshot{}, notFound(err)
	}
	if s.CanonicalID, err = domain.ParseCanonicalID(cid); err != nil {
		return s, err
	}
	if s.Timestamp, err = domain.ParseTimestamp(ts); err != nil {
		return s, err
	}
	s.DataSource = domain.Provider(src)
	s.UpdatedAt, err = parseInstant(update)
	return s, err
}

// UpsertSnapshot replaces the snapshot for s.CanonicalID unless the stored
// one is newer.
func (o ops) UpsertSnapshot(ctx context.Context, s domain.Snapshot) error {
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = o.now()
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO market_snapshot (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (canonical_id) DO UPDATE SET
			timestamp = excluded.timestamp, open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close, volume = excluded.volume,
			turnover = excluded.turnover, prev_close = excluded.prev_close,
			change = excluded.change, pct_change = excluded.pct_change,
			pe = excluded.pe, pb = excluded.pb, pe_ttm = excluded.pe_ttm,
			dividend_yield = excluded.dividend_yield, market_cap = excluded.market_cap,
			data_source = excluded.data_source, updated_at = excluded.updated_at
		WHERE excluded.timestamp >= market_snapshot.timestamp`,
		s.CanonicalID.String(), domain.FormatTimestamp(s.Timestamp),
		s.Open, s.High, s.Low, s.Close, s.Volume, s.Turnover,
		s.PrevClose, s.Change, s.PctChange, s.PE, s.PB, s.PETTM, s.DividendYield, s.MarketCap,
		string(s.DataSource), formatInstant(updated))
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", s.CanonicalID, err)
	}
	return nil
}
