package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guregu/null/v6"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/gather"
	"finbench/internal/ingest"
	"finbench/internal/metrics"
	"finbench/internal/source"
	"finbench/internal/store"
	"finbench/internal/symbol"
	"finbench/internal/util"
)

// dailySource serves a fixed set of daily bars.
type dailySource struct{ bars []domain.Bar }

func (dailySource) Provider() domain.Provider                  { return domain.ProviderYahoo }
func (dailySource) Supports(domain.Market, domain.Period) bool { return true }

func (dailySource) Decode(_ source.Request, raw []byte) (domain.Frame, error) {
	var body struct {
		Bars []domain.Bar `json:"bars"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return domain.Frame{}, err
	}
	return source.BarsFrame(body.Bars), nil
}

func (s dailySource) FetchDaily(_ context.Context, req source.Request) (source.Result, error) {
	raw, _ := json.Marshal(map[string]any{"bars": s.bars})
	return source.Finish(domain.ProviderYahoo, req, raw, s)
}

// 22:00 in New York on Wednesday 2025-12-17.
var usNight = time.Date(2025, 12, 18, 3, 0, 0, 0, time.UTC)

type fixture struct {
	db  *store.SQLiteStore
	srv *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
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
	us.Providers = map[string][]string{"1d": {"yfinance"}, "spot": {"yfinance"}}
	cfg.Markets["US"] = us

	src := dailySource{bars: []domain.Bar{
		{Timestamp: day("2025-12-15"), Open: 468, High: 472, Low: 466, Close: 470, Volume: 4e7},
		{Timestamp: day("2025-12-16"), Open: 470, High: 476, Low: 469, Close: 474, Volume: 3.8e7},
	}}
	clocks := util.NewClocks().WithNow(func() time.Time { return usNight })
	reg := source.NewRegistry(src)
	canon := symbol.New(symbol.DefaultTables())
	proc := ingest.NewProcessor(db, reg, clocks, ingest.Options{ETL: cfg.ETL, Symbols: canon, Logger: util.NopLogger()})
	svc := gather.NewService(cfg, db, reg, proc, canon, clocks, gather.Options{Logger: util.NopLogger()})

	srv := New(Deps{Config: cfg, Store: db, Service: svc, Symbols: canon, Metrics: metrics.New(), Logger: util.NopLogger()})
	srv.now = func() time.Time { return usNight }
	return &fixture{db: db, srv: srv}
}

func day(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCanonicalize(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/canonicalize?symbol=0700.HK", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	res := decode[symbol.Resolution](t, rec)
	if res.ID.String() != "HK:STOCK:00700" || res.Symbols[domain.ProviderYahoo] != "0700.HK" {
		t.Errorf("resolution = %+v", res)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/canonicalize?symbol=700", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("ambiguous: status = %d", rec.Code)
	}
	if e := decode[ErrorResponse](t, rec); e.Code != "ambiguous_symbol" {
		t.Errorf("error = %+v", e)
	}

	if rec = f.do(t, http.MethodGet, "/api/v1/canonicalize?symbol=700&market=hk", ""); rec.Code != http.StatusOK {
		t.Errorf("with market hint: status = %d", rec.Code)
	}
	if rec = f.do(t, http.MethodGet, "/api/v1/canonicalize", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing symbol: status = %d", rec.Code)
	}
}

func TestRegisterAndListAssets(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/assets", `{"symbol":"aapl","name":"Apple"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	a := decode[domain.Asset](t, rec)
	if a.ID.String() != "US:STOCK:AAPL" || a.Name != "Apple" || a.Kind != domain.KindWatchlist {
		t.Errorf("asset = %+v", a)
	}

	if rec = f.do(t, http.MethodPost, "/api/v1/assets", `{"symbol":"aapl","kind":"favourite"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad kind: status = %d", rec.Code)
	}
	if rec = f.do(t, http.MethodPost, "/api/v1/assets", `{"name":"nothing"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing symbol: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/assets?market=us", "")
	if got := decode[AssetsResponse](t, rec); len(got.Assets) != 1 {
		t.Errorf("US assets = %+v", got)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/assets?market=HK", "")
	if got := decode[AssetsResponse](t, rec); len(got.Assets) != 0 {
		t.Errorf("HK assets = %+v", got)
	}
	if rec = f.do(t, http.MethodGet, "/api/v1/assets?market=EU", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown market: status = %d", rec.Code)
	}
}

func TestSnapshotFreshness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if rec := f.do(t, http.MethodGet, "/api/v1/snapshots/US:STOCK:AAPL", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing snapshot: status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/snapshots/US:WIDGET:AAPL", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad id: status = %d", rec.Code)
	}

	id := domain.MustCanonicalID("US:STOCK:AAPL")
	snap := domain.Snapshot{CanonicalID: id, Timestamp: day("2025-12-17").Add(16 * time.Hour), Open: 475, High: 484,
		Low: 474, Close: 482, Volume: 4.1e7, PrevClose: null.FloatFrom(474), DataSource: domain.ProviderYahoo}
	if err := f.db.UpsertSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	rec := f.do(t, http.MethodGet, "/api/v1/snapshots/US:STOCK:AAPL", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	got := decode[SnapshotResponse](t, rec)
	if got.Stale || got.MarketOpen || got.Reason != util.ReasonAfterClose || got.Close != 482 {
		t.Errorf("snapshot = %+v", got)
	}

	snap.CanonicalID = domain.MustCanonicalID("US:STOCK:MSFT")
	snap.Timestamp = day("2025-12-16").Add(16 * time.Hour)
	if err := f.db.UpsertSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	got = decode[SnapshotResponse](t, f.do(t, http.MethodGet, "/api/v1/snapshots/US:STOCK:MSFT", ""))
	if !got.Stale {
		t.Errorf("snapshot from the previous session should be stale: %+v", got)
	}
}

func TestBackfillAndDaily(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/backfill", `{"canonical_id":"US:STOCK:AAPL","days":30}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unregistered: status = %d", rec.Code)
	}
	if e := decode[ErrorResponse](t, rec); e.Code != "not_registered" {
		t.Errorf("error = %+v", e)
	}

	f.do(t, http.MethodPost, "/api/v1/assets", `{"symbol":"AAPL"}`)
	rec = f.do(t, http.MethodPost, "/api/v1/backfill", `{"canonical_id":"US:STOCK:AAPL","days":30}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[BackfillResponse](t, rec); got.Records != 2 {
		t.Errorf("backfill = %+v", got)
	}
	if rec = f.do(t, http.MethodPost, "/api/v1/backfill", `{"canonical_id":"US:STOCK:AAPL","days":-1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("negative days: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/daily/US:STOCK:AAPL?from=2025-12-16&to=2025-12-16", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	got := decode[DailyResponse](t, rec)
	if len(got.Bars) != 1 || got.Bars[0].Close != 474 || got.Bars[0].PrevClose.Float64 != 470 {
		t.Errorf("daily = %+v", got.Bars)
	}
	all := decode[DailyResponse](t, f.do(t, http.MethodGet, "/api/v1/daily/US:STOCK:AAPL", ""))
	if len(all.Bars) != 2 || !all.Bars[0].Timestamp.Before(all.Bars[1].Timestamp) {
		t.Errorf("full history = %+v", all.Bars)
	}
	if rec = f.do(t, http.MethodGet, "/api/v1/daily/US:STOCK:AAPL?from=16-12-2025", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/raw/1/process", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("process raw: status = %d: %s", rec.Code, rec.Body)
	}
	if res := decode[ingest.Result](t, rec); res.Unchanged != 2 || res.Inserted != 0 {
		t.Errorf("reprocess = %+v", res)
	}
	if rec = f.do(t, http.MethodPost, "/api/v1/raw/999/process", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing raw: status = %d", rec.Code)
	}
}

func TestSyncAndJobs(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/v1/assets", `{"symbol":"AAPL"}`)

	if rec := f.do(t, http.MethodPost, "/api/v1/sync", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty sync: status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/sync", `{"market":"US","canonical_id":"US:STOCK:AAPL"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("both targets: status = %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/sync", `{"market":"us"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	job := decode[SyncResponse](t, rec)
	if job.JobID == "" {
		t.Fatal("empty job id")
	}
	if rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID, ""); rec.Code != http.StatusOK {
		t.Errorf("job status = %d", rec.Code)
	}
	if rec = f.do(t, http.MethodGet, "/api/v1/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job: status = %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if h := decode[HealthResponse](t, rec); h.Status != "ok" {
		t.Errorf("health = %+v", h)
	}
	if rec = f.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}
	if rec = f.do(t, http.MethodGet, "/api/v1/nothing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d", rec.Code)
	}
}

func TestErrorStatus(t *testing.T) {
	id := domain.MustCanonicalID("HK:STOCK:00700")
	tests := []struct {
		err  error
		want int
	}{
		{&domain.SymbolError{Kind: domain.ErrAmbiguousSymbol, Input: "700"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("lookup: %w", domain.ErrNotFound), http.StatusNotFound},
		{&domain.MismatchError{CanonicalID: id, Field: "close"}, http.StatusConflict},
		{&domain.SourceError{Provider: domain.ProviderSina, CanonicalID: id, Cause: errors.New("HTTP 502")}, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
