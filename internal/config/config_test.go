package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"finbench/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finbench.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
		"FMP_API_KEY", "DATA_DIR", "SQLITE_PATH", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  sqlite_path: "/tmp/finbench/finbench.db"
server:
  port: 9000
markets:
  us:
    interval_open: 15s
    providers:
      spot: [alpaca, yfinance]
fundamentals:
  filing_lag_days: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.SQLitePath != "/tmp/finbench/finbench.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if cfg.Storage.MaxOpenConns != 8 {
		t.Errorf("Storage.MaxOpenConns = %d, want default 8", cfg.Storage.MaxOpenConns)
	}

	// -- Server --
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default", cfg.Server.Host)
	}

	// -- Built-in defaults --
	if cfg.Backfill.Days != 3650 {
		t.Errorf("Backfill.Days = %d, want 3650", cfg.Backfill.Days)
	}
	if cfg.Concurrency.PerProvider != 4 {
		t.Errorf("Concurrency.PerProvider = %d, want 4", cfg.Concurrency.PerProvider)
	}
	if cfg.HTTP.Timeout != 10*time.Second || cfg.HTTP.HistoryTimeout != 30*time.Second {
		t.Errorf("HTTP timeouts = %v/%v", cfg.HTTP.Timeout, cfg.HTTP.HistoryTimeout)
	}
	if cfg.Fundamentals.FilingLagDays != 2 {
		t.Errorf("Fundamentals.FilingLagDays = %d, want 2", cfg.Fundamentals.FilingLagDays)
	}

	// -- Markets: partial override merged with defaults --
	us := cfg.Market(domain.MarketUS)
	if us.IntervalOpen != 15*time.Second {
		t.Errorf("US.IntervalOpen = %v, want 15s", us.IntervalOpen)
	}
	if us.IntervalClosed != 15*time.Minute {
		t.Errorf("US.IntervalClosed = %v, want default 15m", us.IntervalClosed)
	}
	spot := cfg.ProviderOrder(domain.MarketUS, domain.PeriodSpot)
	if len(spot) != 2 || spot[0] != domain.ProviderAlpaca {
		t.Errorf("US spot providers = %v", spot)
	}
	daily := cfg.ProviderOrder(domain.MarketUS, domain.PeriodDaily)
	if len(daily) == 0 || daily[0] != domain.ProviderYahoo {
		t.Errorf("US daily providers = %v, want default order", daily)
	}
	if _, ok := cfg.Markets["HK"]; !ok {
		t.Error("HK market defaults missing")
	}

	prio := cfg.FundamentalPriority(domain.MarketCN)
	if len(prio) != 3 || prio[0] != domain.ProviderEastMoney || prio[1] != domain.ProviderSina {
		t.Errorf("CN fundamentals priority = %v", prio)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("FMP_API_KEY", "fmp-key")
	t.Setenv("APCA_API_KEY_ID", "alpaca-key")
	t.Setenv("APCA_API_SECRET_KEY", "alpaca-secret")

	cfg, err := Load(writeConfig(t, "fmp:\n  api_key: from-file\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.FMP.APIKey != "fmp-key" {
		t.Errorf("FMP.APIKey = %q, want env value", cfg.FMP.APIKey)
	}
	if !cfg.Alpaca.Enabled() {
		t.Error("Alpaca should be enabled from env credentials")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"bad provider": "markets:\n  CN:\n    providers:\n      1d: [bloomberg]\n",
		"bad session":  "markets:\n  HK:\n    sessions: [\"16:00-09:30\"]\n",
		"bad level":    "logging:\n  level: chatty\n",
		"bad disambig": "canonical:\n  disambiguation:\n    \"000001\": \"CN:STOCK:1\"\n",
		"kafka":        "events:\n  kafka:\n    enabled: true\n",
	}
	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("%s: Load() succeeded, want error", name)
		}
	}
}

func TestClocksFromConfig(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, `
markets:
  US:
    holidays: ["2025-12-25"]
`))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	clocks, err := cfg.Clocks()
	if err != nil {
		t.Fatalf("Clocks(): %v", err)
	}
	us := clocks.For(domain.MarketUS)
	xmas := time.Date(2025, 12, 25, 11, 0, 0, 0, us.Location())
	if us.IsMarketOpen(xmas) {
		t.Error("configured holiday should be closed")
	}
	cn := clocks.For(domain.MarketCN)
	if got := domain.FormatTimestamp(cn.SessionClose(xmas)); got != "2025-12-25 15:00:00" {
		t.Errorf("CN SessionClose = %s", got)
	}
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default(): %v", err)
	}
	if cfg.ETL.PriceTolerance != 0.005 {
		t.Errorf("ETL.PriceTolerance = %v", cfg.ETL.PriceTolerance)
	}
	if !cfg.Market(domain.MarketCrypto).AlwaysOpen {
		t.Error("CRYPTO should default to always open")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join("..", "..", "config", "finbench.yaml"))
	if err != nil {
		t.Fatalf("Load(sample) returned error: %v", err)
	}
	if cfg.Market(domain.MarketCrypto).IsEnabled() {
		t.Error("CRYPTO should be disabled in the sample")
	}
	if !cfg.Market(domain.MarketUS).IsEnabled() {
		t.Error("US should stay enabled")
	}
	if got := cfg.ProviderOrder(domain.MarketUS, domain.PeriodDaily); len(got) != 3 || got[0] != domain.ProviderYahoo {
		t.Errorf("US 1d order = %v", got)
	}
	// Periods the sample leaves out keep their defaults.
	if got := cfg.ProviderOrder(domain.MarketUS, domain.PeriodFundamentals); len(got) == 0 || got[0] != domain.ProviderFMP {
		t.Errorf("US fund order = %v", got)
	}
	if cfg.Storage.ArchiveDir != "data/archive" || cfg.Jobs.Backend != "memory" {
		t.Errorf("storage/jobs = %+v / %+v", cfg.Storage, cfg.Jobs)
	}
	clocks, err := cfg.Clocks()
	if err != nil {
		t.Fatalf("Clocks: %v", err)
	}
	newYear := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if clocks.For(domain.MarketCN).IsTradingDay(newYear) {
		t.Error("2026-01-01 should be a CN holiday")
	}
}
