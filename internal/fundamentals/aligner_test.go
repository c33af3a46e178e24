package fundamentals

import (
	"context"
	"math"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), store.Options{
		Path: filepath.Join(t.TempDir(), "finbench.db"),
		Now:  func() time.Time { return time.Date(2025, 2, 4, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newAligner(t *testing.T) *Aligner {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	return NewAligner(cfg, nil, nil)
}

func date(s string) time.Time {
	d, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func quarter(asOf, filed string, eps float64) domain.Fundamental {
	return domain.Fundamental{
		AsOfDate:   date(asOf),
		ReportType: domain.ReportQuarterly,
		EPS:        null.FloatFrom(eps),
		Revenue:    null.FloatFrom(100e9),
		Currency:   "USD",
		FilingDate: date(filed),
	}
}

func aaplQuarters() []domain.Fundamental {
	qs := []domain.Fundamental{
		quarter("2024-03-30", "2024-05-03", 1.50),
		quarter("2024-06-29", "2024-08-02", 1.60),
		quarter("2024-09-28", "2024-11-01", 1.70),
		quarter("2024-12-28", "2025-01-31", 1.80),
	}
	qs[3].SharesDiluted = null.FloatFrom(15e9)
	return qs
}

func insertBar(t *testing.T, tx *store.Tx, id domain.CanonicalID, day string, close float64) {
	t.Helper()
	_, err := tx.InsertDaily(context.Background(), domain.DailyBar{
		CanonicalID: id,
		Timestamp:   date(day).Add(16 * time.Hour),
		Open:        close, High: close, Low: close, Close: close,
		DataSource: domain.ProviderYahoo,
		FetchTime:  time.Date(2025, 2, 4, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("InsertDaily: %v", err)
	}
}

func TestOverlayPETTM(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := newAligner(t)
	id := domain.MustCanonicalID("US:STOCK:AAPL")
	if err := s.UpsertAsset(ctx, domain.Asset{ID: id, ReportingCurrency: "USD"}); err != nil {
		t.Fatal(err)
	}

	var changed int
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		insertBar(t, tx, id, "2025-01-30", 190)
		insertBar(t, tx, id, "2025-02-03", 198)
		res, err := a.Ingest(ctx, tx, id, domain.ProviderFMP, aaplQuarters())
		if err != nil {
			return err
		}
		if res.Upserted != 4 || len(res.Warnings) != 0 {
			t.Errorf("ingest = %+v", res)
		}
		changed, err = a.Overlay(ctx, tx, id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if changed != 1 {
		t.Errorf("overlay changed %d rows, want 1", changed)
	}

	bar, err := s.GetDaily(ctx, id, date("2025-02-03").Add(16*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(bar.PETTM.Float64-30.0) > 0.01 {
		t.Errorf("pe_ttm = %v, want 30.0", bar.PETTM)
	}
	if math.Abs(bar.EPS.Float64-6.6) > 1e-9 || math.Abs(bar.MarketCap.Float64-198*15e9) > 1 {
		t.Errorf("eps = %v market_cap = %v", bar.EPS, bar.MarketCap)
	}
	if math.Abs(bar.PS.Float64-198*15e9/400e9) > 1e-9 {
		t.Errorf("ps = %v", bar.PS)
	}

	// Before the filing only three quarters are known and there is no
	// annual report to fall back on.
	early, _ := s.GetDaily(ctx, id, date("2025-01-30").Add(16*time.Hour))
	if early.PETTM.Valid {
		t.Errorf("pe_ttm before filing = %v, want null", early.PETTM)
	}

	q, err := s.GetFundamental(ctx, id, date("2024-12-28"), domain.ReportQuarterly)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(q.EPSTTM.Float64-6.6) > 1e-9 {
		t.Errorf("stored eps_ttm = %v, want 6.6", q.EPSTTM)
	}

	// A second pass changes nothing.
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		res, err := a.Ingest(ctx, tx, id, domain.ProviderFMP, aaplQuarters())
		if err != nil {
			return err
		}
		if res.Upserted != 0 || res.Unchanged != 4 {
			t.Errorf("re-ingest = %+v", res)
		}
		changed, err = a.Overlay(ctx, tx, id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if changed != 0 {
		t.Errorf("second overlay changed %d rows", changed)
	}
}

func TestIngestPrefersRankedSource(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := newAligner(t)
	id := domain.MustCanonicalID("US:STOCK:AAPL")
	if err := s.UpsertAsset(ctx, domain.Asset{ID: id}); err != nil {
		t.Fatal(err)
	}

	fmp := quarter("2024-12-28", "2025-01-31", 2.40)
	fmp.Revenue = null.Float{}
	yf := quarter("2024-12-28", "2025-01-31", 2.41)
	yf.FilingDate = time.Time{}
	yf.Revenue = null.FloatFrom(124.3e9)

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := a.Ingest(ctx, tx, id, domain.ProviderFMP, []domain.Fundamental{fmp}); err != nil {
			return err
		}
		_, err := a.Ingest(ctx, tx, id, domain.ProviderYahoo, []domain.Fundamental{yf})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetFundamental(ctx, id, date("2024-12-28"), domain.ReportQuarterly)
	if err != nil {
		t.Fatal(err)
	}
	if got.EPS.Float64 != 2.40 || got.DataSource != domain.ProviderFMP {
		t.Errorf("eps %v from %s, want fmp's 2.40", got.EPS, got.DataSource)
	}
	if got.Revenue.Float64 != 124.3e9 {
		t.Errorf("revenue gap not filled: %v", got.Revenue)
	}
	if domain.FormatDate(got.FilingDate) != "2025-01-31" {
		t.Errorf("filing date = %v", got.FilingDate)
	}
}

func TestCurrencyMismatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := newAligner(t)
	id := domain.MustCanonicalID("HK:STOCK:00700")
	if err := s.UpsertAsset(ctx, domain.Asset{ID: id, ReportingCurrency: "HKD"}); err != nil {
		t.Fatal(err)
	}
	annual := domain.Fundamental{
		AsOfDate:   date("2024-12-31"),
		ReportType: domain.ReportAnnual,
		EPS:        null.FloatFrom(20.0),
		Currency:   "CNY",
		FilingDate: date("2025-03-19"),
	}
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		insertBar(t, tx, id, "2025-03-20", 500)
		res, err := a.Ingest(ctx, tx, id, domain.ProviderEastMoney, []domain.Fundamental{annual})
		if err != nil {
			return err
		}
		if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], domain.ErrCurrencyMismatch.Error()) {
			t.Errorf("warnings = %v", res.Warnings)
		}
		_, err = a.Overlay(ctx, tx, id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	bar, _ := s.GetDaily(ctx, id, date("2025-03-20").Add(16*time.Hour))
	if bar.PETTM.Valid || bar.PE.Valid {
		t.Errorf("CNY earnings overlaid on an HKD price: pe_ttm=%v pe=%v", bar.PETTM, bar.PE)
	}
}

func report(asOf string, rt domain.ReportType, eps float64) domain.FundamentalReport {
	return domain.FundamentalReport{AsOfDate: date(asOf), ReportType: rt, EPS: null.FloatFrom(eps)}
}

func TestTTMSeriesFallsBackToAnnual(t *testing.T) {
	reports := []domain.FundamentalReport{
		report("2022-12-31", domain.ReportQuarterly, 1.0),
		report("2023-03-31", domain.ReportQuarterly, 1.0),
		report("2023-06-30", domain.ReportQuarterly, 1.0),
		report("2023-12-31", domain.ReportAnnual, 5.0),
		// Q3 2023 is missing, so these four span more than 400 days.
		report("2024-03-31", domain.ReportQuarterly, 2.0),
	}
	points := slices.Collect(TTMSeries(reports, 400))
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2: %+v", len(points), points)
	}
	last := points[1]
	if last.Basis != domain.ReportAnnual || last.EPSTTM.Float64 != 5.0 {
		t.Errorf("last = %+v, want annual fallback 5.0", last)
	}
	if !last.AsOfDate.Equal(date("2024-03-31")) {
		t.Errorf("as of %v", last.AsOfDate)
	}
}

func TestTTMSeriesStopsEarly(t *testing.T) {
	reports := []domain.FundamentalReport{
		report("2022-12-31", domain.ReportAnnual, 4.0),
		report("2023-12-31", domain.ReportAnnual, 5.0),
	}
	n := 0
	for range TTMSeries(reports, 0) {
		n++
		break
	}
	if n != 1 {
		t.Errorf("yielded %d", n)
	}
}

func TestRepairMatchesOverlay(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := newAligner(t)
	id := domain.MustCanonicalID("US:STOCK:AAPL")
	if err := s.UpsertAsset(ctx, domain.Asset{ID: id}); err != nil {
		t.Fatal(err)
	}
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		insertBar(t, tx, id, "2025-02-03", 198)
		_, err := a.Ingest(ctx, tx, id, domain.ProviderFMP, aaplQuarters())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	n, err := a.Repair(ctx, s, id)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("repair changed %d rows, want 1", n)
	}
	if n, err = a.Repair(ctx, s, id); err != nil || n != 0 {
		t.Errorf("second repair = %d, %v", n, err)
	}
}

func annualReport(asOf, filed string, eps float64, currency string) domain.Fundamental {
	return domain.Fundamental{
		AsOfDate:      date(asOf),
		ReportType:    domain.ReportAnnual,
		EPS:           null.FloatFrom(eps),
		SharesDiluted: null.FloatFrom(1e9),
		Currency:      currency,
		FilingDate:    date(filed),
	}
}

func flatQuarters() []domain.Fundamental {
	qs := []domain.Fundamental{
		quarter("2024-03-30", "2024-05-03", 1),
		quarter("2024-06-29", "2024-08-02", 1),
		quarter("2024-09-28", "2024-11-01", 1),
		quarter("2024-12-28", "2025-01-31", 1),
	}
	qs[3].SharesDiluted = null.FloatFrom(15e9)
	return qs
}

// A later report that leaves no positive denominator clears the ratios the
// overlay wrote from earlier reports.
func TestOverlayClearsRatios(t *testing.T) {
	tests := []struct {
		name      string
		day       string
		first     []domain.Fundamental
		firstPE   float64
		later     []domain.Fundamental
		keepsMcap bool
	}{
		{
			name:      "loss year",
			day:       "2025-03-03",
			first:     []domain.Fundamental{annualReport("2023-12-31", "2024-02-01", 2, "USD")},
			firstPE:   50,
			later:     []domain.Fundamental{annualReport("2024-12-31", "2025-02-01", -1, "USD")},
			keepsMcap: true,
		},
		{
			name:      "zero ttm eps",
			day:       "2025-06-02",
			first:     flatQuarters(),
			firstPE:   25,
			later:     []domain.Fundamental{quarter("2025-03-29", "2025-05-02", -3)},
			keepsMcap: true,
		},
		{
			name:    "currency mismatch",
			day:     "2025-03-03",
			first:   []domain.Fundamental{annualReport("2023-12-31", "2024-02-01", 2, "USD")},
			firstPE: 50,
			later:   []domain.Fundamental{annualReport("2024-12-31", "2025-02-01", 3, "EUR")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			a := newAligner(t)
			id := domain.MustCanonicalID("US:STOCK:AAPL")
			if err := s.UpsertAsset(ctx, domain.Asset{ID: id, ReportingCurrency: "USD"}); err != nil {
				t.Fatal(err)
			}
			ts := date(tt.day).Add(16 * time.Hour)

			err := s.WithTx(ctx, func(tx *store.Tx) error {
				insertBar(t, tx, id, tt.day, 100)
				if _, err := a.Ingest(ctx, tx, id, domain.ProviderFMP, tt.first); err != nil {
					return err
				}
				_, err := a.Overlay(ctx, tx, id)
				return err
			})
			if err != nil {
				t.Fatal(err)
			}
			before, err := s.GetDaily(ctx, id, ts)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(before.PE.Float64-tt.firstPE) > 1e-9 || !before.PETTM.Valid || !before.MarketCap.Valid {
				t.Fatalf("first overlay: pe=%v pe_ttm=%v market_cap=%v", before.PE, before.PETTM, before.MarketCap)
			}

			var changed int
			err = s.WithTx(ctx, func(tx *store.Tx) error {
				if _, err := a.Ingest(ctx, tx, id, domain.ProviderFMP, tt.later); err != nil {
					return err
				}
				var err error
				changed, err = a.Overlay(ctx, tx, id)
				return err
			})
			if err != nil {
				t.Fatal(err)
			}
			if changed != 1 {
				t.Errorf("second overlay changed %d rows, want 1", changed)
			}
			after, err := s.GetDaily(ctx, id, ts)
			if err != nil {
				t.Fatal(err)
			}
			if after.PE.Valid || after.PETTM.Valid {
				t.Errorf("pe=%v pe_ttm=%v, want both null", after.PE, after.PETTM)
			}
			if after.MarketCap.Valid != tt.keepsMcap {
				t.Errorf("market_cap = %v, want valid=%v", after.MarketCap, tt.keepsMcap)
			}
		})
	}
}

func TestOverlayPEWithoutAnnual(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := newAligner(t)
	id := domain.MustCanonicalID("US:STOCK:AAPL")
	if err := s.UpsertAsset(ctx, domain.Asset{ID: id, ReportingCurrency: "USD"}); err != nil {
		t.Fatal(err)
	}
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		insertBar(t, tx, id, "2025-02-03", 198)
		if _, err := a.Ingest(ctx, tx, id, domain.ProviderFMP, aaplQuarters()); err != nil {
			return err
		}
		_, err := a.Overlay(ctx, tx, id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	bar, err := s.GetDaily(ctx, id, date("2025-02-03").Add(16*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(bar.PE.Float64-30.0) > 0.01 {
		t.Errorf("pe = %v, want 30.0 from the trailing EPS", bar.PE)
	}
}
