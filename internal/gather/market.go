package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/util"
)

// MarketGatherer is the work loop of one market. Each tick refreshes the
// snapshots that are due; after a session closes it backfills the last
// eod_days of daily history for every asset and archives the result.
type MarketGatherer struct {
	svc     *Service
	market  domain.Market
	mc      config.MarketConfig
	cal     *util.TradingCalendar
	eodDays int
	log     *slog.Logger

	mu sync.Mutex
	// last holds the instant of the last successful sync per asset.
	last map[domain.CanonicalID]time.Time
	// lastEOD is the session close the end-of-day backfill last ran for.
	lastEOD time.Time
}

// NewMarketGatherer returns the loop for market. The end-of-day backfill
// first fires for the first session that closes after construction.
func NewMarketGatherer(svc *Service, market domain.Market) *MarketGatherer {
	cal := svc.clocks.For(market)
	return &MarketGatherer{
		svc:     svc,
		market:  market,
		mc:      svc.cfg.Market(market),
		cal:     cal,
		eodDays: svc.cfg.Backfill.EODDays,
		log:     svc.log.With("gatherer", "market", "market", market),
		last:    make(map[domain.CanonicalID]time.Time),
		lastEOD: cal.LastSessionClose(cal.Now()),
	}
}

// Name returns the gatherer identifier.
func (g *MarketGatherer) Name() string { return "market-" + strings.ToLower(string(g.market)) }

// Run ticks until ctx is cancelled. Rows left pending by a previous run are
// processed first.
func (g *MarketGatherer) Run(ctx context.Context) error {
	g.log.Info("gatherer started", "interval_open", g.mc.IntervalOpen, "interval_closed", g.mc.IntervalClosed)
	if err := g.seed(ctx); err != nil {
		return fmt.Errorf("%s: seed debounce: %w", g.Name(), err)
	}
	if sum, err := g.svc.proc.ProcessPending(ctx, 0); err != nil {
		g.log.Warn("process pending", "error", err)
	} else if sum.Rows > 0 {
		g.log.Info("processed pending rows", "rows", sum.Rows, "failed", sum.Failed)
	}

	for {
		if _, err := g.Tick(ctx); err != nil && ctx.Err() == nil {
			g.log.Warn("tick failed", "error", err)
		}
		timer := time.NewTimer(g.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			g.log.Info("gatherer stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *MarketGatherer) interval() time.Duration {
	if g.cal.IsMarketOpen(g.cal.Now()) {
		return g.mc.IntervalOpen
	}
	return g.mc.IntervalClosed
}

// seed loads debounce times from the stored snapshots.
func (g *MarketGatherer) seed(ctx context.Context) error {
	assets, err := g.svc.db.ListAssets(ctx, g.market)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range assets {
		snap, err := g.svc.db.GetSnapshot(ctx, a.ID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		g.last[a.ID] = snap.UpdatedAt
	}
	return nil
}

// TickReport summarises one tick.
type TickReport struct {
	Due     int
	Synced  int
	Failed  int
	Skipped int
	// EOD is set when the tick ran the end-of-day backfill.
	EOD *MarketReport
}

// Tick runs one iteration of the loop.
func (g *MarketGatherer) Tick(ctx context.Context) (TickReport, error) {
	var rep TickReport
	now := g.cal.Now()

	if closed := g.cal.LastSessionClose(now); closed.After(g.lastEOD) {
		eod, err := g.endOfDay(ctx, closed)
		if err != nil {
			return rep, err
		}
		rep.EOD = &eod
	}

	assets, err := g.svc.db.ListAssets(ctx, g.market)
	if err != nil {
		return rep, err
	}
	var due []domain.Asset
	for _, a := range assets {
		ok, err := g.due(ctx, a.ID, now)
		if err != nil {
			return rep, err
		}
		if ok {
			due = append(due, a)
		} else {
			rep.Skipped++
		}
	}
	rep.Due = len(due)
	if len(due) == 0 {
		return rep, nil
	}

	var mu sync.Mutex
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(max(1, g.svc.cfg.Concurrency.Workers))
	for _, a := range due {
		eg.Go(func() error {
			_, err := g.svc.SyncAsset(ectx, a.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ectx.Err() == nil {
					rep.Failed++
					g.log.Warn("sync failed", "canonical_id", a.ID, "error", err)
				}
				return nil
			}
			rep.Synced++
			g.markSynced(a.ID, g.cal.Now())
			return nil
		})
	}
	_ = eg.Wait()
	g.log.Debug("tick done", "due", rep.Due, "synced", rep.Synced, "failed", rep.Failed, "skipped", rep.Skipped)
	return rep, ctx.Err()
}

// due reports whether id needs a fetch at now: its last success is older
// than the market ttl and its snapshot is stale.
func (g *MarketGatherer) due(ctx context.Context, id domain.CanonicalID, now time.Time) (bool, error) {
	g.mu.Lock()
	last, ok := g.last[id]
	g.mu.Unlock()
	if ok && now.Sub(last) < g.mc.TTL {
		return false, nil
	}
	snap, err := g.svc.db.GetSnapshot(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return g.cal.IsStale(snap.Timestamp, now, g.mc.TTL), nil
}

func (g *MarketGatherer) markSynced(id domain.CanonicalID, at time.Time) {
	g.mu.Lock()
	g.last[id] = at
	g.mu.Unlock()
}

// endOfDay backfills the recent history of every asset once the session
// closing at closed is over, then refreshes the archive.
func (g *MarketGatherer) endOfDay(ctx context.Context, closed time.Time) (MarketReport, error) {
	g.log.Info("session closed, running end-of-day backfill", "close", domain.FormatTimestamp(closed), "days", g.eodDays)
	rep, err := g.svc.BackfillMarket(ctx, g.market, g.eodDays)
	if err != nil {
		return rep, err
	}
	g.lastEOD = closed
	if _, err := g.svc.Archive(ctx, g.market); err != nil {
		g.log.Error("archive failed", "error", err)
	}
	return rep, nil
}
