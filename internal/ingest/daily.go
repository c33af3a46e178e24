package ingest

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/domain"
	"finbench/internal/store"
	"finbench/internal/util"
)

type dailyOutcome struct {
	inserted  int
	updated   int
	unchanged int
	deferred  int
	// earliest is the first timestamp written; derived fields and the
	// overlay are recomputed from there.
	earliest time.Time
	touched  []time.Time
	// open is the newest bar withheld by the market-hours gate.
	open *domain.Bar
}

func (o *dailyOutcome) touch(ts time.Time) {
	o.touched = append(o.touched, ts)
	if o.earliest.IsZero() || ts.Before(o.earliest) {
		o.earliest = ts
	}
}

// sessionPending reports whether the session of today has not closed yet:
// the market trades now, or it is a trading day before the daily close
// (pre-open and lunch breaks included).
func sessionPending(cal *util.TradingCalendar) bool {
	if cal.IsMarketOpen(cal.Now()) {
		return true
	}
	today := cal.LocalToday()
	return cal.IsTradingDay(today) && cal.LocalNow().Before(cal.SessionClose(today))
}

// applyBars merges decoded bars into the daily table. Bars are stamped with
// the session close of their date. The bar of a session still in progress
// is withheld; bars dated after today are dropped.
func (p *Processor) applyBars(ctx context.Context, tx *store.Tx, raw domain.RawPayload, cal *util.TradingCalendar, bars []domain.Bar) (dailyOutcome, error) {
	var out dailyOutcome
	today := cal.LocalToday()
	pending := sessionPending(cal)

	for _, b := range bars {
		if !b.Usable() {
			continue
		}
		day := domain.DateOf(b.Timestamp)
		if day.After(today) {
			p.log.Debug("dropping future bar", "canonical_id", raw.CanonicalID, "date", domain.FormatDate(day))
			continue
		}
		if day.Equal(today) && pending {
			out.deferred++
			if out.open == nil || !b.Timestamp.Before(out.open.Timestamp) {
				bar := b
				out.open = &bar
			}
			continue
		}

		incoming := domain.DailyBar{
			CanonicalID: raw.CanonicalID,
			Timestamp:   cal.SessionClose(day),
			Open:        b.Open,
			High:        b.High,
			Low:         b.Low,
			Close:       b.Close,
			Volume:      b.Volume,
			Turnover:    b.Turnover,
			DataSource:  raw.Provider,
			FetchTime:   raw.FetchTime,
		}
		existing, err := tx.GetDaily(ctx, raw.CanonicalID, incoming.Timestamp)
		if errors.Is(err, domain.ErrNotFound) {
			ok, err := tx.InsertDaily(ctx, incoming)
			if err != nil {
				return out, err
			}
			if ok {
				out.inserted++
				out.touch(incoming.Timestamp)
			}
			continue
		}
		if err != nil {
			return out, err
		}

		historical := day.Before(today)
		if historical {
			if err := p.checkHistorical(existing, incoming); err != nil {
				return out, err
			}
		}
		next, changed := merge(existing, incoming, historical)
		if !changed {
			out.unchanged++
			continue
		}
		if err := tx.UpdateDaily(ctx, next); err != nil {
			return out, err
		}
		out.updated++
		out.touch(next.Timestamp)
	}
	return out, nil
}

func relDiff(a, b float64) float64 {
	den := math.Max(math.Abs(a), math.Abs(b))
	if den == 0 {
		return 0
	}
	return math.Abs(a-b) / den
}

// checkHistorical compares the immutable OHLCV of a past session with the
// stored row. Volume is compared only between rows of the same provider;
// providers quote it in different lot sizes.
func (p *Processor) checkHistorical(existing, incoming domain.DailyBar) error {
	fields := []struct {
		name     string
		old, new float64
	}{
		{"open", existing.Open, incoming.Open},
		{"high", existing.High, incoming.High},
		{"low", existing.Low, incoming.Low},
		{"close", existing.Close, incoming.Close},
	}
	for _, f := range fields {
		if relDiff(f.old, f.new) > p.etl.PriceTolerance {
			return &domain.MismatchError{CanonicalID: existing.CanonicalID, Timestamp: existing.Timestamp,
				Field: f.name, Existing: f.old, Incoming: f.new}
		}
	}
	if existing.DataSource == incoming.DataSource && existing.Volume > 0 && incoming.Volume > 0 &&
		relDiff(existing.Volume, incoming.Volume) > p.etl.VolumeTolerance {
		return &domain.MismatchError{CanonicalID: existing.CanonicalID, Timestamp: existing.Timestamp,
			Field: "volume", Existing: existing.Volume, Incoming: incoming.Volume}
	}
	return nil
}

// merge applies incoming onto existing. An older fetch never overwrites.
// Past sessions keep their OHLCV and only fill gaps; the session that just
// closed takes the newer values.
func merge(existing, incoming domain.DailyBar, historical bool) (domain.DailyBar, bool) {
	if incoming.FetchTime.Before(existing.FetchTime) {
		return existing, false
	}
	next := existing
	if historical {
		if next.Volume <= 0 && incoming.Volume > 0 {
			next.Volume = incoming.Volume
		}
	} else {
		next.Open, next.High, next.Low, next.Close, next.Volume =
			incoming.Open, incoming.High, incoming.Low, incoming.Close, incoming.Volume
	}
	if incoming.Turnover.Valid && !sameNull(next.Turnover, incoming.Turnover) {
		next.Turnover = incoming.Turnover
	}
	if next == existing {
		return existing, false
	}
	next.DataSource = incoming.DataSource
	next.FetchTime = incoming.FetchTime
	next.UpdatedAt = time.Time{}
	return next, true
}

func sameNull(a, b null.Float) bool {
	return a.Valid == b.Valid && (!a.Valid || a.Float64 == b.Float64)
}

// derive computes the change chain of a bar closing at close after prev.
// Without a usable previous close every field is null.
func derive(prev *domain.DailyBar, close float64) (pc, change, pct null.Float) {
	if prev == nil || prev.Close <= 0 {
		return
	}
	diff := close - prev.Close
	return null.FloatFrom(prev.Close), null.FloatFrom(diff), null.FloatFrom(diff / prev.Close * 100)
}

// recomputeDerived walks the bars of id from `from` (the whole history when
// zero) and rewrites prev_close, change and pct_change where they differ.
func recomputeDerived(ctx context.Context, tx *store.Tx, id domain.CanonicalID, from time.Time) (int, error) {
	var prev *domain.DailyBar
	if !from.IsZero() {
		b, err := tx.PrevDaily(ctx, id, from)
		switch {
		case err == nil:
			prev = &b
		case !errors.Is(err, domain.ErrNotFound):
			return 0, err
		}
	}
	bars, err := tx.ListDaily(ctx, id, from, time.Time{})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range bars {
		b := &bars[i]
		pc, change, pct := derive(prev, b.Close)
		if !sameNull(b.PrevClose, pc) || !sameNull(b.Change, change) || !sameNull(b.PctChange, pct) {
			if err := tx.UpdateDerived(ctx, id, b.Timestamp, pc, change, pct); err != nil {
				return n, err
			}
			n++
		}
		prev = b
	}
	return n, nil
}

// reload reads back the rows written by this run, with derived and overlay
// columns filled.
func reload(ctx context.Context, tx *store.Tx, id domain.CanonicalID, stamps []time.Time) ([]domain.DailyBar, error) {
	out := make([]domain.DailyBar, 0, len(stamps))
	for _, ts := range stamps {
		b, err := tx.GetDaily(ctx, id, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
