package gather

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/ingest"
	"finbench/internal/jobs"
	"finbench/internal/source"
	"finbench/internal/store"
	"finbench/internal/symbol"
	"finbench/internal/util"
)

// fakeSource serves canned bars and quotes, or fails every call.
type fakeSource struct {
	provider domain.Provider

	mu      sync.Mutex
	calls   map[domain.Period]int
	bars    []domain.Bar
	spot    *domain.Spot
	fail    error
	onFetch func()
}

func newFakeSource(p domain.Provider) *fakeSource {
	return &fakeSource{provider: p, calls: make(map[domain.Period]int)}
}

func (s *fakeSource) Provider() domain.Provider                  { return s.provider }
func (s *fakeSource) Supports(domain.Market, domain.Period) bool { return true }

func (s *fakeSource) Decode(_ source.Request, raw []byte) (domain.Frame, error) {
	var body struct {
		Bars []domain.Bar  `json:"bars"`
		Spot *domain.Spot `json:"spot"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return domain.Frame{}, err
	}
	if body.Spot != nil {
		return source.SpotFrame(*body.Spot), nil
	}
	return source.BarsFrame(body.Bars), nil
}

func (s *fakeSource) respond(ctx context.Context, req source.Request, body any) (source.Result, error) {
	s.mu.Lock()
	s.calls[req.Period]++
	hook, fail := s.onFetch, s.fail
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return source.Result{}, source.Unavailable(s.provider, req, err)
	}
	if fail != nil {
		return source.Result{}, source.Unavailable(s.provider, req, fail)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return source.Result{}, err
	}
	return source.Finish(s.provider, req, raw, s)
}

func (s *fakeSource) FetchDaily(ctx context.Context, req source.Request) (source.Result, error) {
	return s.respond(ctx, req, map[string]any{"bars": s.bars})
}

func (s *fakeSource) FetchSpot(ctx context.Context, req source.Request) (source.Result, error) {
	return s.respond(ctx, req, map[string]any{"spot": s.spot})
}

func (s *fakeSource) count(p domain.Period) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[p]
}

type fixture struct {
	now     time.Time
	db      *store.SQLiteStore
	svc     *Service
	archive *store.ParquetStore
	em, yf  *fakeSource
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{now: now}
	db, err := store.NewSQLiteStore(context.Background(), store.Options{Path: filepath.Join(t.TempDir(), "finbench.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	us := cfg.Markets["US"]
	us.Providers = map[string][]string{
		"1d":   {"eastmoney", "yfinance"},
		"spot": {"eastmoney", "yfinance"},
	}
	cfg.Markets["US"] = us
	cfg.Concurrency.Workers = 2

	f.em = newFakeSource(domain.ProviderEastMoney)
	f.em.fail = domain.ErrEmptyPayload
	f.yf = newFakeSource(domain.ProviderYahoo)
	f.yf.bars = []domain.Bar{
		{Timestamp: stamp("2025-12-15 00:00:00"), Open: 468, High: 472, Low: 466, Close: 470, Volume: 4e7},
		{Timestamp: stamp("2025-12-16 00:00:00"), Open: 470, High: 476, Low: 469, Close: 474, Volume: 3.8e7},
		{Timestamp: stamp("2025-12-17 00:00:00"), Open: 475, High: 484, Low: 474, Close: 482, Volume: 4.1e7},
	}
	f.yf.spot = &domain.Spot{Bar: domain.Bar{Timestamp: stamp("2025-12-17 10:00:00"), Open: 475, High: 481, Low: 474, Close: 480, Volume: 6e6}}

	clocks := util.NewClocks().WithNow(func() time.Time { return f.now })
	reg := source.NewRegistry(f.em, f.yf)
	canon := symbol.New(symbol.DefaultTables())
	proc := ingest.NewProcessor(db, reg, clocks, ingest.Options{ETL: cfg.ETL, Symbols: canon, Logger: util.NopLogger()})
	f.archive = store.NewParquetStore(t.TempDir())
	f.db = db
	f.svc = NewService(cfg, db, reg, proc, canon, clocks, Options{Archive: f.archive, Logger: util.NopLogger()})
	return f
}

func (f *fixture) register(t *testing.T, raw string) domain.CanonicalID {
	t.Helper()
	a, err := f.svc.RegisterAsset(context.Background(), raw, symbol.Hints{}, "", "")
	if err != nil {
		t.Fatalf("RegisterAsset(%s): %v", raw, err)
	}
	return a.ID
}

func stamp(s string) time.Time {
	ts, err := domain.ParseTimestamp(s)
	if err != nil {
		panic(err)
	}
	return ts
}

// 22:00 in New York on Wednesday 2025-12-17.
var usNight = time.Date(2025, 12, 18, 3, 0, 0, 0, time.UTC)

func TestRegisterAsset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, usNight)
	id := f.register(t, "aapl")
	if id.String() != "US:STOCK:AAPL" {
		t.Fatalf("id = %s", id)
	}
	a, err := f.db.GetAsset(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Kind != domain.KindWatchlist || a.Name != "AAPL" {
		t.Errorf("asset = %+v", a)
	}
	syms, _ := f.db.SourceSymbols(ctx, id)
	if syms[domain.ProviderYahoo] != "AAPL" {
		t.Errorf("yfinance symbol = %q", syms[domain.ProviderYahoo])
	}

	idx := f.register(t, "^HSI")
	a, _ = f.db.GetAsset(ctx, idx)
	if a.Kind != domain.KindIndex {
		t.Errorf("index kind = %s", a.Kind)
	}

	if _, err := f.svc.RegisterAsset(ctx, "", symbol.Hints{}, "", ""); err == nil {
		t.Error("empty symbol accepted")
	}
}

func TestBackfillFallsBackAndStagesEveryAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, usNight)
	id := f.register(t, "AAPL")

	n, err := f.svc.Backfill(ctx, id, 30)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 3 {
		t.Errorf("records = %d, want 3", n)
	}
	if f.em.count(domain.PeriodDaily) != 1 || f.yf.count(domain.PeriodDaily) != 1 {
		t.Errorf("calls: eastmoney=%d yfinance=%d", f.em.count(domain.PeriodDaily), f.yf.count(domain.PeriodDaily))
	}

	failed, err := f.db.GetRaw(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Provider != domain.ProviderEastMoney || !failed.Processed || !strings.HasPrefix(failed.ErrorNote, ingest.FetchFailedPrefix) {
		t.Errorf("failed attempt row = %+v", failed)
	}
	won, _ := f.db.GetRaw(ctx, 2)
	if won.Provider != domain.ProviderYahoo || !won.Processed || won.ErrorNote != "" {
		t.Errorf("winning row = %+v", won)
	}

	bars, _ := f.db.ListDaily(ctx, id, time.Time{}, time.Time{})
	if len(bars) != 3 || domain.FormatTimestamp(bars[2].Timestamp) != "2025-12-17 16:00:00" {
		t.Fatalf("bars = %+v", bars)
	}

	n, err = f.svc.Backfill(ctx, id, 30)
	if err != nil || n != 3 {
		t.Fatalf("second Backfill = %d, %v", n, err)
	}
	again, _ := f.db.ListDaily(ctx, id, time.Time{}, time.Time{})
	for i := range bars {
		if bars[i] != again[i] {
			t.Errorf("row %d changed on re-backfill:\n%+v\n%+v", i, bars[i], again[i])
		}
	}
}

func TestAllProvidersFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, usNight)
	id := f.register(t, "AAPL")
	f.yf.fail = errors.New("HTTP 502")

	_, err := f.svc.Backfill(ctx, id, 30)
	if !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
	stats, _ := f.db.RawStats(ctx)
	if stats.Total != 2 || stats.Pending != 0 {
		t.Errorf("raw stats = %+v, want two staged failures", stats)
	}
	if n, _ := f.db.CountDaily(ctx, id); n != 0 {
		t.Errorf("daily rows = %d", n)
	}
}

func TestUnregisteredAsset(t *testing.T) {
	f := newFixture(t, usNight)
	_, err := f.svc.Backfill(context.Background(), domain.MustCanonicalID("US:STOCK:MSFT"), 30)
	if !errors.Is(err, domain.ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
}

func TestCancelledFetchStagesNothing(t *testing.T) {
	f := newFixture(t, usNight)
	id := f.register(t, "AAPL")
	ctx, cancel := context.WithCancel(context.Background())
	f.em.onFetch = cancel

	_, err := f.svc.Backfill(ctx, id, 30)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	stats, _ := f.db.RawStats(context.Background())
	if stats.Total != 0 {
		t.Errorf("staged %d rows after cancellation", stats.Total)
	}
	if f.yf.count(domain.PeriodDaily) != 0 {
		t.Error("fallback provider called after cancellation")
	}
}

func TestMarketGathererDebounceAndEndOfDay(t *testing.T) {
	ctx := context.Background()
	// 10:00 in New York, session open.
	f := newFixture(t, time.Date(2025, 12, 17, 15, 0, 0, 0, time.UTC))
	id := f.register(t, "AAPL")
	g := NewMarketGatherer(f.svc, domain.MarketUS)
	if g.Name() != "market-us" {
		t.Errorf("Name = %s", g.Name())
	}

	rep, err := g.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Due != 1 || rep.Synced != 1 || rep.EOD != nil {
		t.Fatalf("first tick = %+v", rep)
	}
	snap, _ := f.db.GetSnapshot(ctx, id)
	if snap.Close != 480 || domain.FormatTimestamp(snap.Timestamp) != "2025-12-17 10:00:00" {
		t.Errorf("snapshot = %+v", snap)
	}

	f.now = f.now.Add(10 * time.Second)
	if rep, _ = g.Tick(ctx); rep.Skipped != 1 || rep.Due != 0 {
		t.Errorf("debounced tick = %+v", rep)
	}

	f.now = f.now.Add(2 * time.Minute)
	if rep, _ = g.Tick(ctx); rep.Due != 1 {
		t.Errorf("tick after ttl = %+v", rep)
	}
	if got := f.yf.count(domain.PeriodSpot); got != 2 {
		t.Errorf("spot calls = %d, want 2", got)
	}

	// 16:30 in New York: the session closed since the last tick.
	f.now = time.Date(2025, 12, 17, 21, 30, 0, 0, time.UTC)
	rep, err = g.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.EOD == nil || rep.EOD.Synced != 1 || rep.EOD.Records != 3 {
		t.Fatalf("end-of-day tick = %+v (eod %+v)", rep, rep.EOD)
	}
	if rep.Due != 0 {
		t.Errorf("snapshot from the closed session should not be due: %+v", rep)
	}
	snap, _ = f.db.GetSnapshot(ctx, id)
	if snap.Close != 482 || domain.FormatTimestamp(snap.Timestamp) != "2025-12-17 16:00:00" {
		t.Errorf("snapshot after close = %+v", snap)
	}
	archived, err := f.archive.ListArchived(ctx, domain.MarketUS)
	if err != nil || len(archived) != 1 || archived[0] != id {
		t.Errorf("archived = %v, %v", archived, err)
	}

	f.now = f.now.Add(time.Hour)
	if rep, _ = g.Tick(ctx); rep.EOD != nil {
		t.Error("end-of-day backfill ran twice for one session")
	}
}

func TestStartSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 12, 17, 15, 0, 0, 0, time.UTC))
	f.register(t, "AAPL")

	if _, err := f.svc.StartSync(ctx, SyncTarget{}); err == nil {
		t.Error("empty target accepted")
	}
	if _, err := f.svc.StartSync(ctx, SyncTarget{CanonicalID: domain.MustCanonicalID("US:STOCK:MSFT")}); !errors.Is(err, domain.ErrNotRegistered) {
		t.Errorf("unregistered target: err = %v", err)
	}

	j, err := f.svc.StartSync(ctx, SyncTarget{Market: domain.MarketUS})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := f.svc.Jobs().Get(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Done() {
			if got.Status != jobs.StatusSucceeded {
				t.Fatalf("job = %+v", got)
			}
			var rep MarketReport
			if err := json.Unmarshal(got.Result, &rep); err != nil {
				t.Fatal(err)
			}
			if rep.Synced != 1 || rep.Failed != 0 {
				t.Errorf("report = %+v", rep)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("sync job did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartSyncStopsWithService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 12, 17, 15, 0, 0, 0, time.UTC))
	f.register(t, "AAPL")
	lifetime, shutdown := context.WithCancel(ctx)
	shutdown()
	f.svc.base = lifetime

	j, err := f.svc.StartSync(ctx, SyncTarget{Market: domain.MarketUS})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := f.svc.Jobs().Get(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Done() {
			if got.Status != jobs.StatusFailed {
				t.Errorf("job after shutdown = %+v, want failed", got)
			}
			if f.yf.count(domain.PeriodSpot) != 0 {
				t.Errorf("provider called %d times after shutdown", f.yf.count(domain.PeriodSpot))
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("sync job did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
