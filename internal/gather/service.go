package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/ingest"
	"finbench/internal/jobs"
	"finbench/internal/metrics"
	"finbench/internal/source"
	"finbench/internal/store"
	"finbench/internal/symbol"
	"finbench/internal/util"
)

// Options configures a Service. Nil fields get process-local defaults.
type Options struct {
	Limiter *util.ProviderLimiter
	Jobs    jobs.Tracker
	// Archive receives daily bars after end-of-day backfills.
	Archive store.DailyArchive
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	// Context bounds background sync jobs. Cancelling it abandons them.
	Context context.Context
}

// Service fetches from providers, stages what they return and hands the
// staged rows to the processor. It backs both the market loops and the
// manual endpoints.
type Service struct {
	db      *store.SQLiteStore
	sources *source.Registry
	proc    *ingest.Processor
	stager  *ingest.Stager
	clocks  *util.Clocks
	cfg     *config.Config
	canon   *symbol.Canonicalizer
	limiter *util.ProviderLimiter
	jobs    jobs.Tracker
	archive store.DailyArchive
	metrics *metrics.Recorder
	log     *slog.Logger
	base    context.Context
}

// NewService wires a service over db.
func NewService(cfg *config.Config, db *store.SQLiteStore, sources *source.Registry, proc *ingest.Processor,
	canon *symbol.Canonicalizer, clocks *util.Clocks, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = util.NewProviderLimiter(cfg.Concurrency.PerProvider, cfg.Concurrency.RatePerMinute)
	}
	tracker := opts.Jobs
	if tracker == nil {
		tracker = jobs.NewMemory(cfg.Jobs.TTL)
	}
	base := opts.Context
	if base == nil {
		base = context.Background()
	}
	return &Service{
		db:      db,
		sources: sources,
		proc:    proc,
		stager:  ingest.NewStager(db, opts.Metrics, logger),
		clocks:  clocks,
		cfg:     cfg,
		canon:   canon,
		limiter: limiter,
		jobs:    tracker,
		archive: opts.Archive,
		metrics: opts.Metrics,
		log:     logger.With("component", "gather"),
		base:    base,
	}
}

// Clocks returns the market calendars the service schedules against.
func (s *Service) Clocks() *util.Clocks { return s.clocks }

// Jobs returns the tracker holding background sync jobs.
func (s *Service) Jobs() jobs.Tracker { return s.jobs }

// RegisterAsset canonicalizes raw and records it in the registry together
// with its provider symbols. Re-registering an asset updates its name and
// kind and keeps its added_at.
func (s *Service) RegisterAsset(ctx context.Context, raw string, hints symbol.Hints, name string, kind domain.AssetKind) (domain.Asset, error) {
	res, err := s.canon.Canonicalize(raw, hints)
	if err != nil {
		return domain.Asset{}, err
	}
	if kind == "" {
		kind = domain.KindWatchlist
		if res.ID.Type == domain.AssetIndex {
			kind = domain.KindIndex
		}
	}
	if name == "" {
		name = res.ID.Code
	}
	a := domain.Asset{
		ID:                res.ID,
		Name:              name,
		Kind:              kind,
		ReportingCurrency: s.canon.ReportingCurrency(res.ID),
	}
	err = s.db.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertAsset(ctx, a); err != nil {
			return err
		}
		return tx.PutSourceSymbols(ctx, res.ID, res.Symbols)
	})
	if err != nil {
		return domain.Asset{}, fmt.Errorf("register %s: %w", res.ID, err)
	}
	s.log.Info("asset registered", "canonical_id", res.ID, "input", raw, "kind", kind)
	return s.db.GetAsset(ctx, res.ID)
}

func (s *Service) requireAsset(ctx context.Context, id domain.CanonicalID) (domain.Asset, error) {
	a, err := s.db.GetAsset(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return a, fmt.Errorf("%s: %w", id, domain.ErrNotRegistered)
	}
	return a, err
}

// Backfill fetches up to days of daily history for id and stores it. It
// returns the number of daily rows the fetched payload maps to, new or
// already stored. days <= 0 means backfill.days.
func (s *Service) Backfill(ctx context.Context, id domain.CanonicalID, days int) (int, error) {
	if _, err := s.requireAsset(ctx, id); err != nil {
		return 0, err
	}
	if days <= 0 {
		days = s.cfg.Backfill.Days
	}
	window := LastDays(s.clocks.For(id.Market), days)
	start := time.Now()
	f, err := s.fetch(ctx, id, domain.PeriodDaily, window)
	if err != nil {
		return 0, err
	}
	res, err := s.proc.ProcessRaw(ctx, f.RawID)
	if err != nil {
		return 0, err
	}
	n := res.Inserted + res.Updated + res.Unchanged
	s.log.Info("backfill done", "canonical_id", id, "window", window.String(), "provider", f.Provider,
		"records", n, "inserted", res.Inserted, "updated", res.Updated, "deferred", res.Deferred,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return n, nil
}

func (s *Service) syncPeriod(ctx context.Context, id domain.CanonicalID, period domain.Period) (ingest.Result, error) {
	if _, err := s.requireAsset(ctx, id); err != nil {
		return ingest.Result{}, err
	}
	f, err := s.fetch(ctx, id, period, DateRange{})
	if err != nil {
		return ingest.Result{}, err
	}
	return s.proc.ProcessRaw(ctx, f.RawID)
}

// SyncAsset refreshes the snapshot of id from a live quote.
func (s *Service) SyncAsset(ctx context.Context, id domain.CanonicalID) (ingest.Result, error) {
	return s.syncPeriod(ctx, id, domain.PeriodSpot)
}

// SyncFundamentals fetches the financial reports of id and overlays them on
// its daily history.
func (s *Service) SyncFundamentals(ctx context.Context, id domain.CanonicalID) (ingest.Result, error) {
	return s.syncPeriod(ctx, id, domain.PeriodFundamentals)
}

// ProcessRaw runs the ETL over one staged row.
func (s *Service) ProcessRaw(ctx context.Context, rawID int64) (ingest.Result, error) {
	return s.proc.ProcessRaw(ctx, rawID)
}

// MarketReport summarises a run over the assets of one market.
type MarketReport struct {
	Market  domain.Market `json:"market"`
	Assets  int           `json:"assets"`
	Synced  int           `json:"synced"`
	Failed  int           `json:"failed"`
	Records int           `json:"records,omitempty"`
	Errors  []string      `json:"errors,omitempty"`
}

// forEach runs fn over assets with at most concurrency.workers in flight.
// Asset failures are counted, not returned.
func (s *Service) forEach(ctx context.Context, market domain.Market, assets []domain.Asset, fn func(ctx context.Context, a domain.Asset) (int, error)) (MarketReport, error) {
	rep := MarketReport{Market: market, Assets: len(assets)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.Concurrency.Workers))
	for _, a := range assets {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			n, err := fn(gctx, a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() == nil {
					rep.Failed++
					rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", a.ID, err))
				}
				return nil
			}
			rep.Synced++
			rep.Records += n
			return nil
		})
	}
	_ = g.Wait()
	return rep, ctx.Err()
}

// SyncMarket refreshes the snapshot of every registered asset of market.
func (s *Service) SyncMarket(ctx context.Context, market domain.Market) (MarketReport, error) {
	assets, err := s.db.ListAssets(ctx, market)
	if err != nil {
		return MarketReport{Market: market}, err
	}
	rep, err := s.forEach(ctx, market, assets, func(ctx context.Context, a domain.Asset) (int, error) {
		_, err := s.SyncAsset(ctx, a.ID)
		return 0, err
	})
	s.log.Info("market synced", "market", market, "assets", rep.Assets, "synced", rep.Synced, "failed", rep.Failed)
	return rep, err
}

// BackfillMarket backfills days of history for every asset of market.
func (s *Service) BackfillMarket(ctx context.Context, market domain.Market, days int) (MarketReport, error) {
	assets, err := s.db.ListAssets(ctx, market)
	if err != nil {
		return MarketReport{Market: market}, err
	}
	rep, err := s.forEach(ctx, market, assets, func(ctx context.Context, a domain.Asset) (int, error) {
		return s.Backfill(ctx, a.ID, days)
	})
	s.log.Info("market backfilled", "market", market, "days", days, "assets", rep.Assets,
		"records", rep.Records, "failed", rep.Failed)
	return rep, err
}

// Archive copies the daily history of every asset of market into the
// Parquet archive. It is a no-op without an archive.
func (s *Service) Archive(ctx context.Context, market domain.Market) (int, error) {
	if s.archive == nil {
		return 0, nil
	}
	assets, err := s.db.ListAssets(ctx, market)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, a := range assets {
		bars, err := s.db.ListDaily(ctx, a.ID, time.Time{}, time.Time{})
		if err != nil {
			return total, err
		}
		if len(bars) == 0 {
			continue
		}
		if err := s.archive.WriteDaily(ctx, bars); err != nil {
			return total, fmt.Errorf("archive %s: %w", a.ID, err)
		}
		total += len(bars)
	}
	s.log.Info("archived daily bars", "market", market, "bars", total)
	return total, nil
}

// SyncTarget names what a background sync covers: a whole market or one
// asset.
type SyncTarget struct {
	Market      domain.Market
	CanonicalID domain.CanonicalID
}

// StartSync validates target and runs the sync in the background, bounded
// by the service context rather than ctx. The returned job can be polled
// through Jobs.
func (s *Service) StartSync(ctx context.Context, target SyncTarget) (jobs.Job, error) {
	hasID := !target.CanonicalID.IsZero()
	if hasID == (target.Market != "") {
		return jobs.Job{}, errors.New("sync target needs exactly one of market or canonical_id")
	}

	var (
		kind, name string
		run        func(ctx context.Context) (any, error)
	)
	if hasID {
		if _, err := s.requireAsset(ctx, target.CanonicalID); err != nil {
			return jobs.Job{}, err
		}
		kind, name = "sync_asset", target.CanonicalID.String()
		run = func(ctx context.Context) (any, error) { return s.SyncAsset(ctx, target.CanonicalID) }
	} else {
		kind, name = "sync_market", string(target.Market)
		run = func(ctx context.Context) (any, error) { return s.SyncMarket(ctx, target.Market) }
	}

	j, err := s.jobs.Create(ctx, kind, name)
	if err != nil {
		return jobs.Job{}, err
	}
	jobs.Run(s.base, s.jobs, j, s.log, run)
	return j, nil
}
