package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/domain"
)

var fixedNow = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), Options{
		Path:         filepath.Join(t.TempDir(), "finbench.db"),
		MaxOpenConns: 4,
		Now:          func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func register(t *testing.T, s *SQLiteStore, id string) domain.CanonicalID {
	t.Helper()
	cid := domain.MustCanonicalID(id)
	if err := s.UpsertAsset(context.Background(), domain.Asset{ID: cid}); err != nil {
		t.Fatalf("UpsertAsset(%s): %v", id, err)
	}
	return cid
}

func ts(s string) time.Time {
	t, err := domain.ParseTimestamp(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	migrations, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	v, err := SchemaVersion(ctx, s.DB())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if want := migrations[len(migrations)-1].Version; v != want {
		t.Errorf("schema version = %d, want %d", v, want)
	}

	applied, err := Migrate(ctx, s.DB(), nil)
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("second Migrate applied %v, want none", applied)
	}
}

func TestRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := domain.MustCanonicalID("HK:STOCK:00700")
	if err := s.UpsertAsset(ctx, domain.Asset{ID: id, Name: "Tencent"}); err != nil {
		t.Fatalf("UpsertAsset: %v", err)
	}
	// Re-registering with an empty name keeps the stored one.
	if err := s.UpsertAsset(ctx, domain.Asset{ID: id}); err != nil {
		t.Fatalf("UpsertAsset again: %v", err)
	}
	register(t, s, "HK:INDEX:HSI")

	a, err := s.GetAsset(ctx, id)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if a.Name != "Tencent" || a.Kind != domain.KindWatchlist || !a.AddedAt.Equal(fixedNow) {
		t.Errorf("GetAsset = %+v", a)
	}

	idx, err := s.GetAsset(ctx, domain.MustCanonicalID("HK:INDEX:HSI"))
	if err != nil || idx.Kind != domain.KindIndex {
		t.Errorf("index asset = %+v, %v", idx, err)
	}

	list, err := s.ListAssets(ctx, domain.MarketHK)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListAssets(HK) = %d, %v", len(list), err)
	}
	if list, _ := s.ListAssets(ctx, domain.MarketUS); len(list) != 0 {
		t.Errorf("ListAssets(US) = %d, want 0", len(list))
	}

	var n int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM market_index`).Scan(&n); err != nil || n != 1 {
		t.Errorf("market_index view count = %d, %v", n, err)
	}

	if _, err := s.GetAsset(ctx, domain.MustCanonicalID("US:STOCK:AAPL")); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing asset error = %v", err)
	}

	syms := map[domain.Provider]string{domain.ProviderYahoo: "0700.HK", domain.ProviderEastMoney: "00700"}
	if err := s.PutSourceSymbols(ctx, id, syms); err != nil {
		t.Fatalf("PutSourceSymbols: %v", err)
	}
	got, err := s.SourceSymbols(ctx, id)
	if err != nil || got[domain.ProviderYahoo] != "0700.HK" || len(got) != 2 {
		t.Errorf("SourceSymbols = %v, %v", got, err)
	}
}

func TestRegistryRejectsInconsistentID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.DB().Exec(`INSERT INTO asset_registry (canonical_id, market, asset_type, code, added_at)
		VALUES ('US:STOCK:AAPL', 'US', 'ETF', 'AAPL', '2025-01-01 00:00:00.000000')`)
	if err == nil {
		t.Fatal("insert with inconsistent prefix succeeded")
	}
}

func TestRawWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := register(t, s, "US:STOCK:AAPL")

	rawID, err := s.InsertRaw(ctx, domain.RawPayload{
		CanonicalID: id,
		Provider:    domain.ProviderYahoo,
		Period:      domain.PeriodDaily,
		Payload:     json.RawMessage(`{"kind":"bars","rows":[]}`),
	})
	if err != nil {
		t.Fatalf("InsertRaw: %v", err)
	}

	if _, err := s.DB().ExecContext(ctx, `UPDATE raw_market_data SET payload = '{}' WHERE id = ?`, rawID); err == nil {
		t.Error("payload update succeeded")
	} else if !IsConstraint(err) {
		t.Errorf("payload update error %v is not a constraint abort", err)
	}
	if _, err := s.DB().ExecContext(ctx, `DELETE FROM raw_market_data WHERE id = ?`, rawID); err == nil {
		t.Error("delete succeeded")
	}

	pending, err := s.ListPendingRaw(ctx, 10)
	if err != nil || len(pending) != 1 || pending[0].Market != domain.MarketUS {
		t.Fatalf("ListPendingRaw = %+v, %v", pending, err)
	}

	if err := s.SetRawError(ctx, rawID, "decode: bad row"); err != nil {
		t.Fatalf("SetRawError: %v", err)
	}
	failed, err := s.ListFailedRaw(ctx, 10)
	if err != nil || len(failed) != 1 || failed[0].ErrorNote != "decode: bad row" {
		t.Fatalf("ListFailedRaw = %+v, %v", failed, err)
	}
	if pending, _ := s.ListPendingRaw(ctx, 10); len(pending) != 0 {
		t.Errorf("failed row still pending: %d", len(pending))
	}

	if err := s.MarkRawProcessed(ctx, rawID, ""); err != nil {
		t.Fatalf("MarkRawProcessed: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE raw_market_data SET processed = 0 WHERE id = ?`, rawID); err == nil {
		t.Error("processed flag reverted")
	}
	got, err := s.GetRaw(ctx, rawID)
	if err != nil || !got.Processed || got.ErrorNote != "" || !got.FetchTime.Equal(fixedNow) {
		t.Errorf("GetRaw = %+v, %v", got, err)
	}

	stats, err := s.RawStats(ctx)
	if err != nil || stats.Total != 1 || stats.Pending != 0 || stats.Failed != 0 {
		t.Errorf("RawStats = %+v, %v", stats, err)
	}
}

func TestRawRejectsBadInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertRaw(ctx, domain.RawPayload{CanonicalID: domain.MustCanonicalID("US:STOCK:AAPL"), Period: domain.PeriodDaily})
	if !errors.Is(err, domain.ErrEmptyPayload) {
		t.Errorf("empty payload error = %v", err)
	}

	// Unregistered asset fails the foreign key.
	_, err = s.InsertRaw(ctx, domain.RawPayload{
		CanonicalID: domain.MustCanonicalID("US:STOCK:MSFT"),
		Provider:    domain.ProviderYahoo,
		Period:      domain.PeriodDaily,
		Payload:     json.RawMessage(`{}`),
	})
	if err == nil {
		t.Error("raw insert for unregistered asset succeeded")
	}
}

func TestDailyRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := register(t, s, "HK:STOCK:00700")

	bar := func(day string, close float64) domain.DailyBar {
		return domain.DailyBar{
			CanonicalID: id, Timestamp: ts(day + " 16:00:00"),
			Open: close, High: close, Low: close, Close: close, Volume: 1000,
			DataSource: domain.ProviderEastMoney, FetchTime: fixedNow,
		}
	}
	for _, b := range []domain.DailyBar{bar("2025-01-02", 100), bar("2025-01-03", 102), bar("2025-01-06", 101)} {
		ok, err := s.InsertDaily(ctx, b)
		if err != nil || !ok {
			t.Fatalf("InsertDaily(%s) = %v, %v", domain.FormatTimestamp(b.Timestamp), ok, err)
		}
	}
	ok, err := s.InsertDaily(ctx, bar("2025-01-03", 999))
	if err != nil || ok {
		t.Errorf("duplicate InsertDaily = %v, %v; want false, nil", ok, err)
	}

	prev, err := s.PrevDaily(ctx, id, ts("2025-01-06 16:00:00"))
	if err != nil || prev.Close != 102 {
		t.Errorf("PrevDaily = %+v, %v", prev, err)
	}
	next, err := s.NextDaily(ctx, id, ts("2025-01-03 16:00:00"))
	if err != nil || next.Close != 101 {
		t.Errorf("NextDaily = %+v, %v", next, err)
	}
	if _, err := s.PrevDaily(ctx, id, ts("2025-01-02 16:00:00")); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("PrevDaily before first = %v", err)
	}

	if err := s.UpdateDerived(ctx, id, ts("2025-01-03 16:00:00"), null.FloatFrom(100), null.FloatFrom(2), null.FloatFrom(2)); err != nil {
		t.Fatalf("UpdateDerived: %v", err)
	}
	got, err := s.GetDailyOn(ctx, id, ts("2025-01-03 00:00:00"))
	if err != nil || got.PrevClose.Float64 != 100 || got.PctChange.Float64 != 2 {
		t.Errorf("GetDailyOn = %+v, %v", got, err)
	}

	if err := s.UpdateValuation(ctx, id, got.Timestamp, Valuation{EPS: null.FloatFrom(5)}); err != nil {
		t.Fatalf("UpdateValuation: %v", err)
	}
	got, _ = s.GetDaily(ctx, id, got.Timestamp)
	if got.PETTM.Valid || got.EPS.Float64 != 5 {
		t.Errorf("after UpdateValuation pe_ttm=%v eps=%v", got.PETTM, got.EPS)
	}
	if err := s.UpdateValuation(ctx, id, got.Timestamp, Valuation{PE: null.FloatFrom(20)}); err != nil {
		t.Fatalf("UpdateValuation: %v", err)
	}
	got, _ = s.GetDaily(ctx, id, got.Timestamp)
	if got.EPS.Valid || got.PE.Float64 != 20 {
		t.Errorf("null eps must clear the stored value: pe=%v eps=%v", got.PE, got.EPS)
	}

	rows, err := s.ListDaily(ctx, id, ts("2025-01-03"), time.Time{})
	if err != nil || len(rows) != 2 {
		t.Errorf("ListDaily = %d, %v", len(rows), err)
	}
	if n, _ := s.CountDaily(ctx, id); n != 3 {
		t.Errorf("CountDaily = %d, want 3", n)
	}
	latest, err := s.LatestDaily(ctx, id)
	if err != nil || domain.FormatTimestamp(latest.Timestamp) != "2025-01-06 16:00:00" {
		t.Errorf("LatestDaily = %+v, %v", latest, err)
	}
	ids, err := s.DailyIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Errorf("DailyIDs = %v, %v", ids, err)
	}
}

func TestSnapshotKeepsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := register(t, s, "US:STOCK:AAPL")

	snap := domain.Snapshot{
		CanonicalID: id, Timestamp: ts("2025-03-10 10:30:00"),
		Open: 190, High: 191, Low: 189, Close: 190.5, DataSource: domain.ProviderYahoo,
	}
	if err := s.UpsertSnapshot(ctx, snap); err != nil {
		t.Fatalf("UpsertSnapshot: %v", err)
	}
	older := snap
	older.Timestamp = ts("2025-03-10 10:00:00")
	older.Close = 180
	if err := s.UpsertSnapshot(ctx, older); err != nil {
		t.Fatalf("UpsertSnapshot older: %v", err)
	}

	got, err := s.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.Close != 190.5 {
		t.Errorf("snapshot close = %v, want newer 190.5", got.Close)
	}
	if got.PE.Valid {
		t.Errorf("snapshot pe = %v, want null", got.PE)
	}
}

func TestFundamentalUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := register(t, s, "US:STOCK:AAPL")

	asOf := ts("2024-12-28")
	r := domain.FundamentalReport{
		CanonicalID: id, AsOfDate: asOf, ReportType: domain.ReportQuarterly,
		Revenue: null.FloatFrom(124e9), EPS: null.FloatFrom(2.40),
		Currency: "USD", FilingDate: ts("2025-01-31"), DataSource: domain.ProviderFMP,
	}
	if err := s.UpsertFundamental(ctx, r); err != nil {
		t.Fatalf("UpsertFundamental: %v", err)
	}
	// A second source without revenue must not erase it.
	r2 := domain.FundamentalReport{
		CanonicalID: id, AsOfDate: asOf, ReportType: domain.ReportQuarterly,
		EPSTTM: null.FloatFrom(6.60), DataSource: domain.ProviderYahoo,
	}
	if err := s.UpsertFundamental(ctx, r2); err != nil {
		t.Fatalf("UpsertFundamental again: %v", err)
	}

	got, err := s.GetFundamental(ctx, id, asOf, domain.ReportQuarterly)
	if err != nil {
		t.Fatalf("GetFundamental: %v", err)
	}
	if got.Revenue.Float64 != 124e9 || got.EPSTTM.Float64 != 6.60 || got.Currency != "USD" {
		t.Errorf("merged report = %+v", got)
	}
	if domain.FormatDate(got.FilingDate) != "2025-01-31" {
		t.Errorf("filing date = %v", got.FilingDate)
	}

	list, err := s.ListFundamentals(ctx, id)
	if err != nil || len(list) != 1 {
		t.Errorf("ListFundamentals = %d, %v", len(list), err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := register(t, s, "CN:STOCK:600519")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertDaily(ctx, domain.DailyBar{
			CanonicalID: id, Timestamp: ts("2025-01-02 15:00:00"),
			Open: 1, High: 1, Low: 1, Close: 1, DataSource: domain.ProviderEastMoney,
		}); err != nil {
			return err
		}
		if n, _ := tx.CountDaily(ctx, id); n != 1 {
			t.Errorf("tx does not see its own write: %d", n)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}
	if n, _ := s.CountDaily(ctx, id); n != 0 {
		t.Errorf("rolled back insert is visible: %d rows", n)
	}
}

func TestDSN(t *testing.T) {
	dsn := DSN("/tmp/x.db", 2*time.Second)
	for _, want := range []string{"busy_timeout%282000%29", "journal_mode%28WAL%29", "foreign_keys%281%29", "_txlock=immediate"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN %q missing %q", dsn, want)
		}
	}
}
