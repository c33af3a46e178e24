package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/domain"
	"finbench/internal/store"
	"finbench/internal/util"
)

// prevSession returns the last stored bar dated before day, or nil.
func prevSession(ctx context.Context, tx *store.Tx, id domain.CanonicalID, day time.Time) (*domain.DailyBar, error) {
	b, err := tx.PrevDaily(ctx, id, domain.DateOf(day))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func barSnapshot(raw domain.RawPayload, ts time.Time, b domain.Bar) domain.Snapshot {
	return domain.Snapshot{
		CanonicalID: raw.CanonicalID,
		Timestamp:   ts,
		Open:        b.Open,
		High:        b.High,
		Low:         b.Low,
		Close:       b.Close,
		Volume:      b.Volume,
		Turnover:    b.Turnover,
		DataSource:  raw.Provider,
	}
}

// openBarSnapshot turns the bar of a session still trading into a snapshot
// stamped with the current market-local time.
func openBarSnapshot(ctx context.Context, tx *store.Tx, raw domain.RawPayload, cal *util.TradingCalendar, b domain.Bar) (*domain.Snapshot, error) {
	day := domain.DateOf(b.Timestamp)
	ts := cal.LocalNow()
	if c := cal.SessionClose(day); c.After(day) && c.Before(ts) {
		ts = c
	}
	s := barSnapshot(raw, ts, b)
	prev, err := prevSession(ctx, tx, raw.CanonicalID, day)
	if err != nil {
		return nil, err
	}
	s.PrevClose, s.Change, s.PctChange = derive(prev, s.Close)
	return &s, nil
}

// intradaySnapshot folds the minute bars of the latest date in the payload
// into one session bar.
func intradaySnapshot(ctx context.Context, tx *store.Tx, raw domain.RawPayload, bars []domain.Bar) (*domain.Snapshot, error) {
	var last time.Time
	for _, b := range bars {
		if b.Usable() && b.Timestamp.After(last) {
			last = b.Timestamp
		}
	}
	if last.IsZero() {
		return nil, nil
	}
	var (
		agg   domain.Bar
		first time.Time
		turn  float64
		hasTO bool
	)
	for _, b := range bars {
		if !b.Usable() || !domain.SameDate(b.Timestamp, last) {
			continue
		}
		if first.IsZero() || b.Timestamp.Before(first) {
			first = b.Timestamp
			agg.Open = b.Open
		}
		if b.Timestamp.Equal(last) {
			agg.Close = b.Close
		}
		if agg.High == 0 || b.High > agg.High {
			agg.High = b.High
		}
		if b.Low > 0 && (agg.Low == 0 || b.Low < agg.Low) {
			agg.Low = b.Low
		}
		agg.Volume += b.Volume
		if b.Turnover.Valid {
			turn += b.Turnover.Float64
			hasTO = true
		}
	}
	if hasTO {
		agg.Turnover = null.FloatFrom(turn)
	}
	s := barSnapshot(raw, last, agg)
	prev, err := prevSession(ctx, tx, raw.CanonicalID, last)
	if err != nil {
		return nil, err
	}
	s.PrevClose, s.Change, s.PctChange = derive(prev, s.Close)
	return &s, nil
}

// spotSnapshot keeps the provider's quote fields and fills the change chain
// from the stored history when the provider left it out.
func spotSnapshot(ctx context.Context, tx *store.Tx, raw domain.RawPayload, q domain.Spot) (*domain.Snapshot, error) {
	s := barSnapshot(raw, q.Timestamp, q.Bar)
	s.PrevClose, s.Change, s.PctChange = q.PrevClose, q.Change, q.PctChange
	s.PE, s.PB, s.DividendYield, s.MarketCap = q.PE, q.PB, q.DividendYield, q.MarketCap
	if !s.PrevClose.Valid {
		prev, err := prevSession(ctx, tx, raw.CanonicalID, q.Timestamp)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			s.PrevClose = null.FloatFrom(prev.Close)
		}
	}
	if s.PrevClose.Valid && s.PrevClose.Float64 > 0 {
		diff := s.Close - s.PrevClose.Float64
		if !s.Change.Valid {
			s.Change = null.FloatFrom(diff)
		}
		if !s.PctChange.Valid {
			s.PctChange = null.FloatFrom(diff / s.PrevClose.Float64 * 100)
		}
	}
	return &s, nil
}

func dailySnapshot(b domain.DailyBar) domain.Snapshot {
	return domain.Snapshot{
		CanonicalID:   b.CanonicalID,
		Timestamp:     b.Timestamp,
		Open:          b.Open,
		High:          b.High,
		Low:           b.Low,
		Close:         b.Close,
		Volume:        b.Volume,
		Turnover:      b.Turnover,
		PrevClose:     b.PrevClose,
		Change:        b.Change,
		PctChange:     b.PctChange,
		PE:            b.PE,
		PB:            b.PB,
		PETTM:         b.PETTM,
		DividendYield: b.DividendYield,
		MarketCap:     b.MarketCap,
		DataSource:    b.DataSource,
	}
}

func sameSnapshot(a, b domain.Snapshot) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return false
	}
	a.Timestamp, b.Timestamp = time.Time{}, time.Time{}
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return a == b
}

// refreshSnapshot writes cand, or the newest daily bar when that is newer
// than cand, unless the stored snapshot is newer or identical. It returns
// the snapshot written, nil when nothing changed.
func refreshSnapshot(ctx context.Context, tx *store.Tx, id domain.CanonicalID, cand *domain.Snapshot) (*domain.Snapshot, error) {
	latest, err := tx.LatestDaily(ctx, id)
	hasLatest := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if hasLatest && (cand == nil || cand.Timestamp.Before(latest.Timestamp)) {
		s := dailySnapshot(latest)
		cand = &s
	}
	if cand == nil {
		return nil, nil
	}
	cand.CanonicalID = id
	if hasLatest && !cand.PETTM.Valid && latest.EPS.Valid && latest.EPS.Float64 > 0 {
		cand.PETTM = null.FloatFrom(cand.Close / latest.EPS.Float64)
	}

	stored, err := tx.GetSnapshot(ctx, id)
	switch {
	case err == nil:
		if stored.Timestamp.After(cand.Timestamp) || sameSnapshot(stored, *cand) {
			return nil, nil
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	cand.UpdatedAt = time.Time{}
	if err := tx.UpsertSnapshot(ctx, *cand); err != nil {
		return nil, err
	}
	written, err := tx.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return &written, nil
}
