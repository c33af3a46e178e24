// Package app assembles the store, adapters, ETL and orchestration service
// from a loaded configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/events"
	"finbench/internal/fundamentals"
	"finbench/internal/gather"
	"finbench/internal/ingest"
	"finbench/internal/jobs"
	"finbench/internal/metrics"
	"finbench/internal/source"
	"finbench/internal/source/alpaca"
	"finbench/internal/source/eastmoney"
	"finbench/internal/source/fmp"
	"finbench/internal/source/sina"
	"finbench/internal/source/tencent"
	"finbench/internal/source/yahoo"
	"finbench/internal/store"
	"finbench/internal/symbol"
	"finbench/internal/util"
)

// Options toggles the long-running parts a command needs.
type Options struct {
	// Stream creates the WebSocket snapshot hub.
	Stream bool
	// Kafka publishes events when the config enables it.
	Kafka bool
	// USHolidays loads the US holiday list from the Alpaca calendar when
	// credentials exist.
	USHolidays bool
}

// App holds the wired components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.SQLiteStore
	Archive   *store.ParquetStore
	Sources   *source.Registry
	Symbols   *symbol.Canonicalizer
	Clocks    *util.Clocks
	Aligner   *fundamentals.Aligner
	Processor *ingest.Processor
	Service   *gather.Service
	Metrics   *metrics.Recorder
	Hub       *events.Hub
	Jobs      jobs.Tracker

	closers []func() error
}

// New wires every component for cfg. ctx bounds background sync jobs for
// the life of the app. Callers must Close the result.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	if opts.USHolidays && cfg.Alpaca.Enabled() {
		if err := loadUSHolidays(cfg, logger); err != nil {
			logger.Warn("alpaca calendar unavailable, using configured US holidays", "error", err)
		}
	}
	clocks, err := cfg.Clocks()
	if err != nil {
		return nil, err
	}
	a.Clocks = clocks

	db, err := store.NewSQLiteStore(ctx, store.OptionsFromConfig(cfg.Storage, logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = db
	a.closers = append(a.closers, db.Close)

	if cfg.Storage.ArchiveDir != "" {
		a.Archive = store.NewParquetStore(cfg.Storage.ArchiveDir)
	}

	a.Symbols = symbol.NewFromConfig(cfg.Canonical)
	a.Sources = Sources(cfg, logger)
	a.Metrics = metrics.New()
	a.Aligner = fundamentals.NewAligner(cfg, a.Symbols, logger)

	var pubs events.Multi
	if opts.Kafka && cfg.Events.Kafka.Enabled {
		kp, err := events.NewKafkaPublisher(cfg.Events.Kafka)
		if err != nil {
			a.Close()
			return nil, err
		}
		pubs = append(pubs, kp)
	}
	if opts.Stream {
		a.Hub = events.NewHub(logger)
		pubs = append(pubs, a.Hub)
	}
	var pub events.Publisher = events.Nop{}
	if len(pubs) > 0 {
		pub = pubs
		a.closers = append(a.closers, pubs.Close)
	}

	tracker, err := jobs.New(cfg.Jobs)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Jobs = tracker
	if r, ok := tracker.(*jobs.Redis); ok {
		a.closers = append(a.closers, r.Close)
	}

	locks := util.NewKeyedMutex()
	a.Processor = ingest.NewProcessor(db, a.Sources, clocks, ingest.Options{
		ETL:       cfg.ETL,
		Workers:   cfg.Concurrency.Workers,
		Aligner:   a.Aligner,
		Symbols:   a.Symbols,
		Publisher: pub,
		Metrics:   a.Metrics,
		Logger:    logger,
		Locks:     locks,
	})

	svcOpts := gather.Options{Jobs: tracker, Metrics: a.Metrics, Logger: logger, Context: ctx}
	if a.Archive != nil {
		svcOpts.Archive = a.Archive
	}
	a.Service = gather.NewService(cfg, db, a.Sources, a.Processor, a.Symbols, clocks, svcOpts)
	return a, nil
}

// Sources registers every adapter the config allows. Alpaca needs
// credentials and FMP an API key.
func Sources(cfg *config.Config, logger *slog.Logger) *source.Registry {
	client := source.NewClient(cfg.HTTP, logger)
	reg := source.NewRegistry(
		eastmoney.New(client),
		yahoo.New(client),
		sina.New(client, "", ""),
		tencent.New(client, "", ""),
	)
	if cfg.FMP.APIKey != "" {
		reg.Register(fmp.New(client, cfg.FMP))
	}
	if ad := alpaca.New(cfg.Alpaca); ad != nil {
		reg.Register(ad)
	}
	return reg
}

// loadUSHolidays merges the Alpaca calendar's closures for the past and
// coming year into the US market config.
func loadUSHolidays(cfg *config.Config, logger *slog.Logger) error {
	client, err := alpaca.NewCalendarClient(cfg.Alpaca)
	if err != nil {
		return err
	}
	now := time.Now()
	days, err := alpaca.USHolidays(client, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	if err != nil {
		return err
	}
	mc := cfg.Market(domain.MarketUS)
	seen := make(map[string]bool, len(mc.Holidays))
	holidays := append([]string(nil), mc.Holidays...)
	for _, h := range holidays {
		seen[h] = true
	}
	for _, d := range days {
		if s := domain.FormatDate(d); !seen[s] {
			holidays = append(holidays, s)
		}
	}
	mc.Holidays = holidays
	cfg.Markets[string(domain.MarketUS)] = mc
	logger.Info("loaded US holidays from alpaca calendar", "count", len(days))
	return nil
}

// Gatherers returns one scheduler per enabled market.
func (a *App) Gatherers() []gather.Gatherer {
	var out []gather.Gatherer
	for _, m := range domain.Markets {
		if !a.Config.Market(m).IsEnabled() {
			continue
		}
		out = append(out, gather.NewMarketGatherer(a.Service, m))
	}
	return out
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
