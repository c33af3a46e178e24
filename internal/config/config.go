package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"finbench/internal/domain"
	"finbench/internal/util"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for finbench.
type Config struct {
	Storage      Storage                 `yaml:"storage"`
	Server       Server                  `yaml:"server"`
	Logging      Logging                 `yaml:"logging"`
	Markets      map[string]MarketConfig `yaml:"markets" validate:"dive"`
	Backfill     Backfill                `yaml:"backfill"`
	Concurrency  Concurrency             `yaml:"concurrency"`
	Fundamentals Fundamentals            `yaml:"fundamentals"`
	Canonical    Canonical               `yaml:"canonical"`
	ETL          ETL                     `yaml:"etl"`
	HTTP         HTTPClient              `yaml:"http"`
	Alpaca       Alpaca                  `yaml:"alpaca"`
	FMP          FMP                     `yaml:"fmp"`
	Events       Events                  `yaml:"events"`
	Jobs         Jobs                    `yaml:"jobs"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir      string        `yaml:"data_dir" default:"data"`
	SQLitePath   string        `yaml:"sqlite_path" default:"data/finbench.db" validate:"required"`
	MaxOpenConns int           `yaml:"max_open_conns" default:"8" validate:"gte=1"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" default:"5s"`
	// ArchiveDir enables the Parquet archive of daily bars when set.
	ArchiveDir string `yaml:"archive_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host            string        `yaml:"host" default:"127.0.0.1"`
	Port            int           `yaml:"port" default:"8080" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn warning error"`
	Format     string `yaml:"format" default:"json" validate:"oneof=json text"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" default:"100"`
	MaxBackups int    `yaml:"max_backups" default:"5"`
	MaxAgeDays int    `yaml:"max_age_days" default:"30"`
}

// MarketConfig is the clock, cadence and provider order of one market.
type MarketConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	Timezone       string        `yaml:"timezone"`
	Sessions       []string      `yaml:"sessions"`
	AlwaysOpen     bool          `yaml:"always_open"`
	DailyClose     string        `yaml:"daily_close"`
	Holidays       []string      `yaml:"holidays"`
	TTL            time.Duration `yaml:"ttl"`
	IntervalOpen   time.Duration `yaml:"interval_open"`
	IntervalClosed time.Duration `yaml:"interval_closed"`
	// Providers lists providers in priority order per period ("1d", "1m",
	// "spot", "fund").
	Providers map[string][]string `yaml:"providers"`
}

// IsEnabled reports whether the orchestrator should run this market.
func (mc MarketConfig) IsEnabled() bool { return mc.Enabled == nil || *mc.Enabled }

// Backfill controls history windows.
type Backfill struct {
	Days    int `yaml:"days" default:"3650" validate:"gte=1"`
	EODDays int `yaml:"eod_days" default:"10" validate:"gte=1"`
}

// Concurrency bounds outbound and ETL parallelism.
type Concurrency struct {
	PerProvider   int            `yaml:"per_provider" default:"4" validate:"gte=1"`
	Workers       int            `yaml:"workers" default:"8" validate:"gte=1"`
	RatePerMinute map[string]int `yaml:"rate_per_minute"`
}

// Fundamentals controls source priority and the as-of overlay.
type Fundamentals struct {
	FilingLagDays   int                 `yaml:"filing_lag_days" default:"0" validate:"gte=0"`
	UseFilingDate   bool                `yaml:"use_filing_date" default:"true"`
	QuarterSpanDays int                 `yaml:"quarter_span_days" default:"400" validate:"gte=300"`
	Priority        map[string][]string `yaml:"priority"`
}

// Canonical holds the canonicalization tables. Keys of the per-market maps
// are market tags.
type Canonical struct {
	ETFCodePrefixes map[string][]string `yaml:"etf_code_prefixes"`
	ETFCodes        map[string][]string `yaml:"etf_codes"`
	IndexCodes      map[string][]string `yaml:"index_code_list"`
	// Disambiguation maps a raw input to the canonical id it must resolve to.
	Disambiguation map[string]string `yaml:"disambiguation"`
	USNYSE         []string          `yaml:"us_nyse"`
	USAMEX         []string          `yaml:"us_amex"`
	HKCNYReporters []string          `yaml:"hk_cny_reporters"`
	CryptoQuotes   []string          `yaml:"crypto_quotes"`
}

// ETL tunes the processor.
type ETL struct {
	PriceTolerance  float64 `yaml:"price_tolerance" default:"0.005" validate:"gte=0"`
	VolumeTolerance float64 `yaml:"volume_tolerance" default:"0.05" validate:"gte=0"`
	PendingBatch    int     `yaml:"pending_batch" default:"500" validate:"gte=1"`
}

// HTTPClient tunes outbound provider calls.
type HTTPClient struct {
	Timeout        time.Duration `yaml:"timeout" default:"10s"`
	HistoryTimeout time.Duration `yaml:"history_timeout" default:"30s"`
	RetryAttempts  int           `yaml:"retry_attempts" default:"5" validate:"gte=1"`
	RetryBase      time.Duration `yaml:"retry_base" default:"1s"`
	RetryMax       time.Duration `yaml:"retry_max" default:"30s"`
	NoProxyHosts   []string      `yaml:"no_proxy_hosts"`
	UserAgent      string        `yaml:"user_agent" default:"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed" default:"iex" validate:"oneof=iex sip delayed_sip"`
}

// Enabled reports whether credentials are configured.
func (a Alpaca) Enabled() bool { return a.APIKey != "" && a.APISecret != "" }

// FMP holds Financial Modeling Prep settings.
type FMP struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url" default:"https://financialmodelingprep.com"`
}

// Events configures publication of materialised rows.
type Events struct {
	Kafka Kafka `yaml:"kafka"`
}

// Kafka configures the bar/snapshot event producer.
type Kafka struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `yaml:"topic" default:"finbench.market"`
	RequiredAcks int           `yaml:"required_acks" default:"1"`
	BatchTimeout time.Duration `yaml:"batch_timeout" default:"200ms"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
}

// Jobs selects the sync job tracker.
type Jobs struct {
	Backend string        `yaml:"backend" default:"memory" validate:"oneof=memory redis"`
	TTL     time.Duration `yaml:"ttl" default:"24h"`
	Redis   Redis         `yaml:"redis"`
}

// Redis connection settings.
type Redis struct {
	Addr     string `yaml:"addr" default:"127.0.0.1:6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"finbench:jobs:"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

var validate = validator.New()

// Default returns a configuration with every default applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	applyMarketDefaults(cfg)
	applyFundamentalDefaults(cfg)
	return cfg, nil
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides. A .env
// file in the working directory is loaded first when present. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyMarketDefaults(cfg)
	applyFundamentalDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for tag, mc := range c.Markets {
		m, err := domain.ParseMarket(tag)
		if err != nil {
			return fmt.Errorf("markets: %w", err)
		}
		if _, err := mc.CalendarSpec(m); err != nil {
			return fmt.Errorf("markets.%s: %w", tag, err)
		}
		for period, providers := range mc.Providers {
			if _, err := domain.ParsePeriod(period); err != nil {
				return fmt.Errorf("markets.%s.providers: %w", tag, err)
			}
			for _, p := range providers {
				if _, err := domain.ParseProvider(p); err != nil {
					return fmt.Errorf("markets.%s.providers.%s: %w", tag, period, err)
				}
			}
		}
	}
	for id := range c.Canonical.Disambiguation {
		if _, err := domain.ParseCanonicalID(c.Canonical.Disambiguation[id]); err != nil {
			return fmt.Errorf("canonical.disambiguation[%s]: %w", id, err)
		}
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set. Only provider
// credentials and operational paths are read from the environment.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("FMP_API_KEY"); v != "" {
		cfg.FMP.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	// Standard Alpaca env vars take priority.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Market defaults
// ---------------------------------------------------------------------------

// DefaultMarkets returns the built-in per-market settings.
func DefaultMarkets() map[string]MarketConfig {
	return map[string]MarketConfig{
		"CN": {
			Timezone:       "Asia/Shanghai",
			Sessions:       []string{"09:30-11:30", "13:00-15:00"},
			TTL:            60 * time.Second,
			IntervalOpen:   60 * time.Second,
			IntervalClosed: 15 * time.Minute,
			Providers: map[string][]string{
				"spot": {"eastmoney", "sina", "tencent", "yfinance"},
				"1m":   {"eastmoney", "tencent", "sina"},
				"1d":   {"eastmoney", "yfinance"},
				"fund": {"eastmoney", "yfinance"},
			},
		},
		"HK": {
			Timezone:       "Asia/Hong_Kong",
			Sessions:       []string{"09:30-12:00", "13:00-16:00"},
			TTL:            60 * time.Second,
			IntervalOpen:   60 * time.Second,
			IntervalClosed: 15 * time.Minute,
			Providers: map[string][]string{
				"spot": {"eastmoney", "tencent", "yfinance"},
				"1m":   {"eastmoney", "tencent"},
				"1d":   {"eastmoney", "yfinance"},
				"fund": {"eastmoney", "yfinance"},
			},
		},
		"US": {
			Timezone:       "America/New_York",
			Sessions:       []string{"09:30-16:00"},
			TTL:            60 * time.Second,
			IntervalOpen:   30 * time.Second,
			IntervalClosed: 15 * time.Minute,
			Providers: map[string][]string{
				"spot": {"yfinance", "alpaca", "tencent", "eastmoney"},
				"1m":   {"yfinance", "alpaca"},
				"1d":   {"yfinance", "alpaca", "fmp"},
				"fund": {"fmp", "yfinance"},
			},
		},
		"CRYPTO": {
			Timezone:       "UTC",
			AlwaysOpen:     true,
			TTL:            60 * time.Second,
			IntervalOpen:   60 * time.Second,
			IntervalClosed: 15 * time.Minute,
			Providers: map[string][]string{
				"spot": {"yfinance", "alpaca"},
				"1m":   {"yfinance", "alpaca"},
				"1d":   {"yfinance", "alpaca"},
			},
		},
	}
}

// applyMarketDefaults fills every market missing from the file, and every
// zero field of a configured market, from DefaultMarkets.
func applyMarketDefaults(cfg *Config) {
	if cfg.Markets == nil {
		cfg.Markets = make(map[string]MarketConfig)
	}
	normalized := make(map[string]MarketConfig, len(cfg.Markets))
	for tag, mc := range cfg.Markets {
		normalized[strings.ToUpper(tag)] = mc
	}
	for tag, def := range DefaultMarkets() {
		mc, ok := normalized[tag]
		if !ok {
			normalized[tag] = def
			continue
		}
		if mc.Timezone == "" {
			mc.Timezone = def.Timezone
		}
		if len(mc.Sessions) == 0 && !mc.AlwaysOpen {
			mc.Sessions = def.Sessions
			mc.AlwaysOpen = def.AlwaysOpen
		}
		if mc.TTL == 0 {
			mc.TTL = def.TTL
		}
		if mc.IntervalOpen == 0 {
			mc.IntervalOpen = def.IntervalOpen
		}
		if mc.IntervalClosed == 0 {
			mc.IntervalClosed = def.IntervalClosed
		}
		if mc.Providers == nil {
			mc.Providers = map[string][]string{}
		}
		for period, list := range def.Providers {
			if _, set := mc.Providers[period]; !set {
				mc.Providers[period] = list
			}
		}
		normalized[tag] = mc
	}
	cfg.Markets = normalized
}

func applyFundamentalDefaults(cfg *Config) {
	if cfg.Fundamentals.Priority == nil {
		cfg.Fundamentals.Priority = make(map[string][]string)
	}
	def := map[string][]string{
		"US": {"fmp", "yfinance"},
		"CN": {"eastmoney", "sina", "yfinance"},
		"HK": {"eastmoney", "yfinance"},
	}
	for m, list := range def {
		if _, ok := cfg.Fundamentals.Priority[m]; !ok {
			cfg.Fundamentals.Priority[m] = list
		}
	}
}

// Market returns the settings for m.
func (c *Config) Market(m domain.Market) MarketConfig {
	if mc, ok := c.Markets[string(m)]; ok {
		return mc
	}
	return DefaultMarkets()[string(m)]
}

// ProviderOrder returns the provider priority of (m, p).
func (c *Config) ProviderOrder(m domain.Market, p domain.Period) []domain.Provider {
	var out []domain.Provider
	for _, name := range c.Market(m).Providers[string(p)] {
		if prov, err := domain.ParseProvider(name); err == nil {
			out = append(out, prov)
		}
	}
	return out
}

// FundamentalPriority returns the fundamentals source ranking of m.
func (c *Config) FundamentalPriority(m domain.Market) []domain.Provider {
	var out []domain.Provider
	for _, name := range c.Fundamentals.Priority[string(m)] {
		if prov, err := domain.ParseProvider(name); err == nil {
			out = append(out, prov)
		}
	}
	return out
}

// CalendarSpec translates the market settings into a clock spec.
func (mc MarketConfig) CalendarSpec(m domain.Market) (util.CalendarSpec, error) {
	spec := util.DefaultSpec(m)
	if mc.Timezone != "" {
		loc, err := time.LoadLocation(mc.Timezone)
		if err != nil {
			return spec, fmt.Errorf("timezone: %w", err)
		}
		spec.Location = loc
	}
	if mc.AlwaysOpen {
		spec.AlwaysOpen = true
		spec.Sessions = nil
	} else if len(mc.Sessions) > 0 {
		spec.Sessions = spec.Sessions[:0:0]
		for _, s := range mc.Sessions {
			sess, err := util.ParseSession(s)
			if err != nil {
				return spec, err
			}
			spec.Sessions = append(spec.Sessions, sess)
		}
	}
	if mc.DailyClose != "" {
		sess, err := util.ParseSession("00:00-" + mc.DailyClose)
		if err != nil {
			return spec, fmt.Errorf("daily_close: %w", err)
		}
		spec.DailyClose = sess.Close
	}
	for _, h := range mc.Holidays {
		d, err := time.Parse(domain.DateLayout, h)
		if err != nil {
			return spec, fmt.Errorf("holiday %q: %w", h, err)
		}
		spec.Holidays = append(spec.Holidays, d)
	}
	return spec, nil
}

// Clocks builds the market clock registry.
func (c *Config) Clocks() (*util.Clocks, error) {
	var cals []*util.TradingCalendar
	for _, m := range domain.Markets {
		spec, err := c.Market(m).CalendarSpec(m)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", m, err)
		}
		cals = append(cals, util.NewTradingCalendarFromSpec(spec))
	}
	return util.NewClocks(cals...), nil
}

// LogOptions maps the logging section onto util.LogOptions.
func (c *Config) LogOptions() util.LogOptions {
	return util.LogOptions{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}
