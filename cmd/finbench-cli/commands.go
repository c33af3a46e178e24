package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"github.com/guregu/null/v6"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/store"
	"finbench/internal/symbol"
	"finbench/pkg/finbench"
)

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

type versionCmd struct{}

func (*versionCmd) Name() string           { return "version" }
func (*versionCmd) Synopsis() string       { return "print the CLI version" }
func (*versionCmd) Usage() string          { return "version\n" }
func (*versionCmd) SetFlags(*flag.FlagSet) {}
func (*versionCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	fmt.Printf("finbench-cli %s\n", version)
	return subcommands.ExitSuccess
}

// ---------------------------------------------------------------------------
// canon
// ---------------------------------------------------------------------------

type canonCmd struct {
	market    string
	assetType string
}

func (*canonCmd) Name() string     { return "canon" }
func (*canonCmd) Synopsis() string { return "resolve raw symbols to canonical ids" }
func (*canonCmd) Usage() string {
	return `canon [-market CN|HK|US|CRYPTO] [-type STOCK|ETF|INDEX|CRYPTO] <symbol>...

  Prints the canonical id and provider symbols of each input. Nothing is
  written to the store.
`
}

func (c *canonCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.market, "market", "", "market hint")
	f.StringVar(&c.assetType, "type", "", "asset type hint")
}

func (c *canonCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		return usage("at least one symbol is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fail("load config: %v", err)
	}
	canon := symbol.NewFromConfig(cfg.Canonical)
	status := subcommands.ExitSuccess
	for _, raw := range f.Args() {
		res, err := canon.Canonicalize(raw, hints(c.market, c.assetType))
		if err != nil {
			fmt.Printf("%-12s  error: %v\n", raw, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%-12s  %-20s", raw, res.ID)
		for _, p := range domain.Providers {
			if s, ok := res.Symbols[p]; ok {
				fmt.Printf("  %s=%s", p, s)
			}
		}
		fmt.Println()
	}
	return status
}

// ---------------------------------------------------------------------------
// register / assets
// ---------------------------------------------------------------------------

type registerCmd struct {
	market    string
	assetType string
	name      string
	index     bool
	backfill  bool
}

func (*registerCmd) Name() string     { return "register" }
func (*registerCmd) Synopsis() string { return "add symbols to the asset registry" }
func (*registerCmd) Usage() string {
	return `register [-market M] [-type T] [-name N] [-index] [-backfill] <symbol>...

  Canonicalizes each symbol and records it with its provider symbols.
  -backfill also fetches the configured history window.
`
}

func (c *registerCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.market, "market", "", "market hint")
	f.StringVar(&c.assetType, "type", "", "asset type hint")
	f.StringVar(&c.name, "name", "", "display name (single symbol only)")
	f.BoolVar(&c.index, "index", false, "register as a benchmark index")
	f.BoolVar(&c.backfill, "backfill", false, "backfill daily history after registering")
}

func (c *registerCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		return usage("at least one symbol is required")
	}
	if c.name != "" && f.NArg() > 1 {
		return usage("-name needs exactly one symbol")
	}
	a, err := openApp(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	kind := domain.AssetKind("")
	if c.index {
		kind = domain.KindIndex
	}
	status := subcommands.ExitSuccess
	for _, raw := range f.Args() {
		asset, err := a.Service.RegisterAsset(ctx, raw, hints(c.market, c.assetType), c.name, kind)
		if err != nil {
			fmt.Printf("%-12s  error: %v\n", raw, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%-12s  registered %s (%s)\n", raw, asset.ID, asset.Kind)
		if !c.backfill {
			continue
		}
		n, err := a.Service.Backfill(ctx, asset.ID, 0)
		if err != nil {
			fmt.Printf("%-12s  backfill error: %v\n", raw, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%-12s  backfilled %d bars\n", raw, n)
	}
	return status
}

type assetsCmd struct {
	market string
}

func (*assetsCmd) Name() string     { return "assets" }
func (*assetsCmd) Synopsis() string { return "list registered assets" }
func (*assetsCmd) Usage() string    { return "assets [-market M]\n" }

func (c *assetsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.market, "market", "", "only list this market")
}

func (c *assetsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	var market domain.Market
	if c.market != "" {
		m, err := domain.ParseMarket(c.market)
		if err != nil {
			return usage("%v", err)
		}
		market = m
	}
	a, err := openApp(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()
	assets, err := a.Store.ListAssets(ctx, market)
	if err != nil {
		return fail("%v", err)
	}
	for _, as := range assets {
		fmt.Printf("%-22s  %-9s  %-4s  %s\n", as.ID, as.Kind, as.ReportingCurrency, as.Name)
	}
	return subcommands.ExitSuccess
}

// ---------------------------------------------------------------------------
// backfill / sync / fundamentals
// ---------------------------------------------------------------------------

type backfillCmd struct {
	days   int
	market string
}

func (*backfillCmd) Name() string     { return "backfill" }
func (*backfillCmd) Synopsis() string { return "fetch daily history for assets" }
func (*backfillCmd) Usage() string {
	return `backfill [-days N] (-market M | <canonical_id>...)

  Fetches N days of daily bars (default: backfill.days) through the provider
  fallback chain, stages every response and runs the ETL.
`
}

func (c *backfillCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.days, "days", 0, "history window in calendar days")
	f.StringVar(&c.market, "market", "", "backfill every registered asset of this market")
}

func (c *backfillCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if (c.market == "") == (f.NArg() == 0) {
		return usage("give either -market or canonical ids")
	}
	a, err := openApp(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	if c.market != "" {
		m, err := domain.ParseMarket(c.market)
		if err != nil {
			return usage("%v", err)
		}
		rep, err := a.Service.BackfillMarket(ctx, m, c.days)
		if err != nil {
			return fail("%v", err)
		}
		return printJSON(rep)
	}

	ids, err := canonicalArgs(f.Args())
	if err != nil {
		return usage("%v", err)
	}
	status := subcommands.ExitSuccess
	for _, id := range ids {
		n, err := a.Service.Backfill(ctx, id, c.days)
		if err != nil {
			fmt.Printf("%-22s  error: %v\n", id, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%-22s  %d bars\n", id, n)
	}
	return status
}

type syncCmd struct {
	market string
}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "refresh snapshots now" }
func (*syncCmd) Usage() string    { return "sync (-market M | <canonical_id>...)\n" }

func (c *syncCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.market, "market", "", "sync every registered asset of this market")
}

func (c *syncCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if (c.market == "") == (f.NArg() == 0) {
		return usage("give either -market or canonical ids")
	}
	a, err := openApp(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	if c.market != "" {
		m, err := domain.ParseMarket(c.market)
		if err != nil {
			return usage("%v", err)
		}
		rep, err := a.Service.SyncMarket(ctx, m)
		if err != nil {
			return fail("%v", err)
		}
		return printJSON(rep)
	}
	ids, err := canonicalArgs(f.Args())
	if err != nil {
		return usage("%v", err)
	}
	status := subcommands.ExitSuccess
	for _, id := range ids {
		res, err := a.Service.SyncAsset(ctx, id)
		if err != nil {
			fmt.Printf("%-22s  error: %v\n", id, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%-22s  raw %d via %s, snapshot updated: %t\n", id, res.RawID, res.Provider, res.SnapshotUpdated)
	}
	return status
}

type fundamentalsCmd struct{}

func (*fundamentalsCmd) Name() string           { return "fundamentals" }
func (*fundamentalsCmd) Synopsis() string       { return "fetch financial reports and refresh the valuation overlay" }
func (*fundamentalsCmd) Usage() string          { return "fundamentals <canonical_id>...\n" }
func (*fundamentalsCmd) SetFlags(*flag.FlagSet) {}

func (*fundamentalsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	ids, err := canonicalArgs(f.Args())
	if err != nil || len(ids) == 0 {
		return usage("canonical ids are required")
	}
	a, err := openApp(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()
	status := subcommands.ExitSuccess
	for _, id := range ids {
		res, err := a.Service.SyncFundamentals(ctx, id)
		if err != nil {
			fmt.Printf("%-22s  error: %v\n", id, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%-22s  %d reports, %d bars overlaid\n", id, res.Reports, res.Overlaid)
	}
	return status
}

// ---------------------------------------------------------------------------
// process-raw / repair / export / migrate
// ---------------------------------------------------------------------------

type processRawCmd struct {
	pending bool
	retry   bool
	limit   int
}

func (*processRawCmd) Name() string     { return "process-raw" }
func (*processRawCmd) Synopsis() string { return "run the ETL over staged raw payloads" }
func (*processRawCmd) Usage() string {
	return `process-raw (-pending | -retry | <raw_id>...) [-limit N]

  -pending processes rows never processed; -retry re-runs failed rows.
  Processing is idempotent: a row already applied changes nothing.
`
}

func (c *processRawCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.pending, "pending", false, "process every pending row")
	f.BoolVar(&c.retry, "retry", false, "re-run rows whose last attempt failed")
	f.IntVar(&c.limit, "limit", 0, "batch size (default: etl.pending_batch)")
}

func (c *processRawCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	modes := 0
	for _, on := range []bool{c.pending, c.retry, f.NArg() > 0} {
		if on {
			modes++
		}
	}
	if modes != 1 {
		return usage("give exactly one of -pending, -retry or raw ids")
	}
	a, err := openApp(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	switch {
	case c.pending:
		sum, err := a.Processor.ProcessPending(ctx, c.limit)
		if err != nil {
			return fail("%v", err)
		}
		return printJSON(sum)
	case c.retry:
		sum, err := a.Processor.RetryFailed(ctx, c.limit)
		if err != nil {
			return fail("%v", err)
		}
		return printJSON(sum)
	}

	status := subcommands.ExitSuccess
	for _, arg := range f.Args() {
		var id int64
		if _, err := fmt.Sscan(arg, &id); err != nil || id <= 0 {
			return usage("raw id %q must be a positive integer", arg)
		}
		res, err := a.Processor.ProcessRaw(ctx, id)
		if err != nil {
			fmt.Printf("raw %d  error: %v\n", id, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("raw %d  %s %s: +%d ~%d =%d deferred %d\n", id, res.CanonicalID, res.Period,
			res.Inserted, res.Updated, res.Unchanged, res.Deferred)
	}
	return status
}

type repairCmd struct {
	all bool
}

func (*repairCmd) Name() string     { return "repair" }
func (*repairCmd) Synopsis() string { return "recompute derived daily fields and the valuation overlay" }
func (*repairCmd) Usage() string    { return "repair (-all | <canonical_id>...)\n" }

func (c *repairCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.all, "all", false, "repair every asset with daily history")
}

func (c *repairCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.all == (f.NArg() > 0) {
		return usage("give either -all or canonical ids")
	}
	a, err := openApp(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	ids, err := canonicalArgs(f.Args())
	if err != nil {
		return usage("%v", err)
	}
	if c.all {
		if ids, err = a.Store.DailyIDs(ctx); err != nil {
			return fail("%v", err)
		}
	}
	status := subcommands.ExitSuccess
	for _, id := range ids {
		derived, err := a.Processor.RepairDerived(ctx, id)
		if err != nil {
			fmt.Printf("%-22s  error: %v\n", id, err)
			status = subcommands.ExitFailure
			continue
		}
		overlaid, err := a.Aligner.Repair(ctx, a.Store, id)
		if err != nil {
			fmt.Printf("%-22s  overlay error: %v\n", id, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%-22s  %d derived, %d overlaid\n", id, derived, overlaid)
	}
	return status
}

type overlayCmd struct {
	points bool
}

func (*overlayCmd) Name() string     { return "overlay" }
func (*overlayCmd) Synopsis() string { return "re-run the fundamentals valuation overlay" }
func (*overlayCmd) Usage() string {
	return `overlay [-points] <canonical_id>...

  Recomputes the TTM series and rewrites pe, pe_ttm, eps, ps, pb and
  market_cap over the whole daily history. -points prints the TTM series.
`
}

func (c *overlayCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.points, "points", false, "print the TTM series used by the overlay")
}

func (c *overlayCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	ids, err := canonicalArgs(f.Args())
	if err != nil || len(ids) == 0 {
		return usage("canonical ids are required")
	}
	a, err := openApp(ctx, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	status := subcommands.ExitSuccess
	for _, id := range ids {
		n, err := a.Aligner.Repair(ctx, a.Store, id)
		if err != nil {
			fmt.Printf("%-22s  error: %v\n", id, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%-22s  %d bars overlaid\n", id, n)
		if !c.points {
			continue
		}
		err = a.Store.WithTx(ctx, func(tx *store.Tx) error {
			points, err := a.Aligner.Points(ctx, tx, id)
			if err != nil {
				return err
			}
			for _, p := range points {
				fmt.Printf("  %s  eps_ttm=%s  net_income_ttm=%s  revenue_ttm=%s\n",
					domain.FormatDate(p.AsOfDate), fmtNull(p.EPSTTM), fmtNull(p.NetIncomeTTM), fmtNull(p.RevenueTTM))
			}
			return nil
		})
		if err != nil {
			fmt.Printf("%-22s  points error: %v\n", id, err)
			status = subcommands.ExitFailure
		}
	}
	return status
}

type exportCmd struct {
	dir    string
	market string
}

func (*exportCmd) Name() string     { return "export" }
func (*exportCmd) Synopsis() string { return "write daily history to the Parquet archive" }
func (*exportCmd) Usage() string    { return "export [-dir D] [-market M]\n" }

func (c *exportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.dir, "dir", "", "archive directory (default: storage.archive_dir)")
	f.StringVar(&c.market, "market", "", "only export this market")
}

func (c *exportCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	markets := domain.Markets
	if c.market != "" {
		m, err := domain.ParseMarket(c.market)
		if err != nil {
			return usage("%v", err)
		}
		markets = []domain.Market{m}
	}
	a, err := openApp(ctx, func(cfg *config.Config) {
		if c.dir != "" {
			cfg.Storage.ArchiveDir = c.dir
		}
	})
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()
	if a.Archive == nil {
		return usage("no archive directory: set storage.archive_dir or -dir")
	}
	for _, m := range markets {
		n, err := a.Service.Archive(ctx, m)
		if err != nil {
			return fail("%s: %v", m, err)
		}
		ids, err := a.Archive.ListArchived(ctx, m)
		if err != nil {
			return fail("%s: %v", m, err)
		}
		fmt.Printf("%-6s  %d bars, %d assets archived\n", m, n, len(ids))
	}
	return subcommands.ExitSuccess
}

type migrateCmd struct{}

func (*migrateCmd) Name() string           { return "migrate" }
func (*migrateCmd) Synopsis() string       { return "apply pending schema migrations" }
func (*migrateCmd) Usage() string          { return "migrate\n" }
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fail("load config: %v", err)
	}
	// Opening the store applies every pending migration.
	db, err := store.NewSQLiteStore(ctx, store.OptionsFromConfig(cfg.Storage, nil))
	if err != nil {
		return fail("%v", err)
	}
	defer db.Close()
	v, err := store.SchemaVersion(ctx, db.DB())
	if err != nil {
		return fail("%v", err)
	}
	fmt.Printf("%s at schema version %d\n", cfg.Storage.SQLitePath, v)
	return subcommands.ExitSuccess
}

func fmtNull(v null.Float) string {
	if !v.Valid {
		return "-"
	}
	return fmt.Sprintf("%.4f", v.Float64)
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

type statusCmd struct {
	addr    string
	timeout time.Duration
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "show a running finbench-server's status" }
func (*statusCmd) Usage() string    { return "status [-addr URL] [<canonical_id>...]\n" }

func (c *statusCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "http://127.0.0.1:8080", "server base URL")
	f.DurationVar(&c.timeout, "timeout", 10*time.Second, "request timeout")
}

func (c *statusCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client := finbench.NewClient(c.addr)
	h, err := client.Health(ctx)
	if err != nil {
		return fail("%v", err)
	}
	fmt.Printf("server %s: %s, raw rows %d (pending %d, failed %d)\n", c.addr, h.Status, h.RawTotal, h.RawPending, h.RawFailed)

	for _, id := range f.Args() {
		snap, err := client.Snapshot(ctx, id)
		if err != nil {
			fmt.Printf("%-22s  error: %v\n", id, err)
			continue
		}
		state := "fresh"
		if snap.Stale {
			state = "stale"
		}
		fmt.Printf("%-22s  %.4f at %s via %s, %s, market %s\n", id, snap.Close,
			snap.Timestamp.Format(time.DateTime), snap.DataSource, state, snap.Reason)
	}
	return subcommands.ExitSuccess
}
