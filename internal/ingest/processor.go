package ingest

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
	"finbench/internal/events"
	"finbench/internal/fundamentals"
	"finbench/internal/metrics"
	"finbench/internal/source"
	"finbench/internal/store"
	"finbench/internal/util"
)

// SymbolSource derives provider symbols for assets without stored ones.
type SymbolSource interface {
	SourceSymbol(id domain.CanonicalID, p domain.Provider) (string, bool)
}

// Options configures a Processor. Zero values are usable.
type Options struct {
	ETL       config.ETL
	Workers   int
	Aligner   *fundamentals.Aligner
	Symbols   SymbolSource
	Publisher events.Publisher
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	// Locks is shared with other writers of the same store.
	Locks *util.KeyedMutex
}

// Processor turns staged raw rows into canonical rows. Work on one
// canonical id is serialized; different ids run in parallel.
type Processor struct {
	db        *store.SQLiteStore
	decoders  *source.Registry
	clocks    *util.Clocks
	etl       config.ETL
	workers   int
	aligner   *fundamentals.Aligner
	symbols   SymbolSource
	publisher events.Publisher
	metrics   *metrics.Recorder
	locks     *util.KeyedMutex
	log       *slog.Logger
}

// NewProcessor returns a processor writing to db.
func NewProcessor(db *store.SQLiteStore, decoders *source.Registry, clocks *util.Clocks, opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if clocks == nil {
		clocks = util.NewClocks()
	}
	etl := opts.ETL
	if etl.PriceTolerance <= 0 {
		etl.PriceTolerance = 0.005
	}
	if etl.VolumeTolerance <= 0 {
		etl.VolumeTolerance = 0.05
	}
	if etl.PendingBatch <= 0 {
		etl.PendingBatch = 500
	}
	pub := opts.Publisher
	if pub == nil {
		pub = events.Nop{}
	}
	locks := opts.Locks
	if locks == nil {
		locks = util.NewKeyedMutex()
	}
	return &Processor{
		db:        db,
		decoders:  decoders,
		clocks:    clocks,
		etl:       etl,
		workers:   max(opts.Workers, 1),
		aligner:   opts.Aligner,
		symbols:   opts.Symbols,
		publisher: pub,
		metrics:   opts.Metrics,
		locks:     locks,
		log:       logger.With("component", "etl"),
	}
}

// Result describes what processing one raw row did.
type Result struct {
	RawID           int64              `json:"raw_id"`
	CanonicalID     domain.CanonicalID `json:"canonical_id"`
	Provider        domain.Provider    `json:"provider"`
	Period          domain.Period      `json:"period"`
	Inserted        int                `json:"inserted"`
	Updated         int                `json:"updated"`
	Unchanged       int                `json:"unchanged"`
	Deferred        int                `json:"deferred"`
	DerivedUpdated  int                `json:"derived_updated"`
	Overlaid        int                `json:"overlaid"`
	SnapshotUpdated bool               `json:"snapshot_updated"`
	Reports         int                `json:"reports"`
	Warnings        []string           `json:"warnings,omitempty"`
	Note            string             `json:"note,omitempty"`
	Skipped         bool               `json:"skipped,omitempty"`
}

// ProcessRaw runs the ETL for one raw row inside a single transaction.
// A historical mismatch or a bad payload leaves the canonical tables
// untouched, records the error note on the raw row and is returned.
// Processed rows may be re-run; re-running changes nothing. Staged failed
// fetches are skipped.
func (p *Processor) ProcessRaw(ctx context.Context, rawID int64) (Result, error) {
	start := time.Now()
	raw, err := p.db.GetRaw(ctx, rawID)
	if err != nil {
		return Result{RawID: rawID}, fmt.Errorf("raw %d: %w", rawID, err)
	}
	res := newResult(raw)
	if raw.Processed && strings.HasPrefix(raw.ErrorNote, FetchFailedPrefix) {
		res.Skipped = true
		res.Note = raw.ErrorNote
		return res, nil
	}

	unlock := p.locks.Lock(raw.CanonicalID.String())
	defer unlock()

	cal := p.clocks.For(raw.CanonicalID.Market)
	frame, err := p.decode(ctx, raw, cal)
	if err != nil {
		perr := &domain.PayloadError{RawID: raw.ID, Cause: err}
		p.fail(ctx, raw, "bad_payload", perr)
		return res, perr
	}

	var (
		written []domain.DailyBar
		snap    *domain.Snapshot
	)
	err = p.db.WithTx(ctx, func(tx *store.Tx) error {
		// A busy retry re-runs the closure from scratch.
		res = newResult(raw)
		written, snap = nil, nil

		var cand *domain.Snapshot
		switch raw.Period {
		case domain.PeriodDaily:
			out, err := p.applyBars(ctx, tx, raw, cal, frame.Bars)
			if err != nil {
				return err
			}
			res.Inserted, res.Updated, res.Unchanged, res.Deferred = out.inserted, out.updated, out.unchanged, out.deferred
			if !out.earliest.IsZero() {
				if res.DerivedUpdated, err = recomputeDerived(ctx, tx, raw.CanonicalID, out.earliest); err != nil {
					return err
				}
				if p.aligner != nil {
					if res.Overlaid, err = p.aligner.OverlayFrom(ctx, tx, raw.CanonicalID, out.earliest); err != nil {
						return err
					}
				}
				if written, err = reload(ctx, tx, raw.CanonicalID, out.touched); err != nil {
					return err
				}
			}
			if out.open != nil {
				if cand, err = openBarSnapshot(ctx, tx, raw, cal, *out.open); err != nil {
					return err
				}
			}
		case domain.PeriodMinute:
			var err error
			if cand, err = intradaySnapshot(ctx, tx, raw, frame.Bars); err != nil {
				return err
			}
		case domain.PeriodSpot:
			var err error
			if cand, err = spotSnapshot(ctx, tx, raw, *frame.Spot); err != nil {
				return err
			}
		case domain.PeriodFundamentals:
			if p.aligner == nil {
				return errors.New("fundamentals payload but no aligner configured")
			}
			ir, err := p.aligner.Ingest(ctx, tx, raw.CanonicalID, raw.Provider, frame.Reports)
			if err != nil {
				return err
			}
			res.Reports, res.Unchanged, res.Warnings = ir.Upserted, ir.Unchanged, ir.Warnings
			if ir.Upserted > 0 {
				if res.Overlaid, err = p.aligner.Overlay(ctx, tx, raw.CanonicalID); err != nil {
					return err
				}
			}
		}

		var err error
		if snap, err = refreshSnapshot(ctx, tx, raw.CanonicalID, cand); err != nil {
			return err
		}
		res.SnapshotUpdated = snap != nil
		res.Note = note(raw.Period, res)
		return tx.MarkRawProcessed(ctx, raw.ID, res.Note)
	})
	if err != nil {
		var mm *domain.MismatchError
		switch {
		case errors.As(err, &mm):
			p.fail(ctx, raw, "historical_mismatch", err)
		case ctx.Err() != nil:
			return res, ctx.Err()
		default:
			p.fail(ctx, raw, "store", err)
		}
		return res, err
	}

	market := string(raw.CanonicalID.Market)
	p.metrics.DailyWritten(market, res.Inserted, res.Updated)
	p.metrics.Deferred(market, res.Deferred)
	p.metrics.ETLDuration(time.Since(start))
	if res.Deferred > 0 {
		p.log.Warn("bars deferred", "raw_id", raw.ID, "canonical_id", raw.CanonicalID, "deferred", res.Deferred,
			"reason", domain.ErrMarketOpenBarDeferred)
	}
	p.log.Debug("processed raw", "raw_id", raw.ID, "canonical_id", raw.CanonicalID, "period", raw.Period,
		"inserted", res.Inserted, "updated", res.Updated, "unchanged", res.Unchanged, "snapshot", res.SnapshotUpdated)

	p.publish(ctx, raw, res, written, snap)
	return res, nil
}

func newResult(raw domain.RawPayload) Result {
	return Result{RawID: raw.ID, CanonicalID: raw.CanonicalID, Provider: raw.Provider, Period: raw.Period}
}

// decode re-reads a staged body with its provider's decoder and checks the
// frame matches the row's period.
func (p *Processor) decode(ctx context.Context, raw domain.RawPayload, cal *util.TradingCalendar) (domain.Frame, error) {
	if p.decoders == nil {
		return domain.Frame{}, fmt.Errorf("no decoder for provider %q: %w", raw.Provider, domain.ErrUnsupported)
	}
	req := source.Request{ID: raw.CanonicalID, Period: raw.Period, Loc: cal.Location()}
	if syms, err := p.db.SourceSymbols(ctx, raw.CanonicalID); err == nil && syms[raw.Provider] != "" {
		req.Symbol = syms[raw.Provider]
	} else if p.symbols != nil {
		req.Symbol, _ = p.symbols.SourceSymbol(raw.CanonicalID, raw.Provider)
	}

	frame, err := p.decoders.Decode(raw.Provider, req, raw.Payload)
	if err != nil {
		return frame, err
	}
	want := map[domain.Period]domain.FrameKind{
		domain.PeriodDaily:        domain.FrameBars,
		domain.PeriodMinute:       domain.FrameBars,
		domain.PeriodSpot:         domain.FrameSpot,
		domain.PeriodFundamentals: domain.FrameFundamentals,
	}[raw.Period]
	if want == "" {
		return frame, fmt.Errorf("period %q: %w", raw.Period, domain.ErrUnsupported)
	}
	if frame.Kind != want {
		return frame, fmt.Errorf("period %s decoded as %s frame", raw.Period, frame.Kind)
	}
	if frame.Empty() {
		return frame, domain.ErrEmptyPayload
	}
	return frame, nil
}

// fail records err on the raw row, leaving it unprocessed for a retry.
func (p *Processor) fail(ctx context.Context, raw domain.RawPayload, kind string, err error) {
	p.metrics.ETLFailure(kind)
	p.log.Error("raw row failed", "raw_id", raw.ID, "canonical_id", raw.CanonicalID, "provider", raw.Provider,
		"period", raw.Period, "kind", kind, "error", err)
	if nerr := p.db.SetRawError(context.WithoutCancel(ctx), raw.ID, err.Error()); nerr != nil {
		p.log.Error("recording raw error", "raw_id", raw.ID, "error", nerr)
	}
}

// note is the informational error_note of a processed row that produced no
// daily output of its own.
func note(period domain.Period, res Result) string {
	switch period {
	case domain.PeriodDaily:
		if res.Deferred > 0 {
			return fmt.Sprintf("%v: %d bar(s)", domain.ErrMarketOpenBarDeferred, res.Deferred)
		}
		if res.Inserted+res.Updated+res.Unchanged == 0 {
			return "no storable bars"
		}
		return ""
	case domain.PeriodFundamentals:
		s := fmt.Sprintf("fundamentals: %d upserted, %d unchanged", res.Reports, res.Unchanged)
		if len(res.Warnings) > 0 {
			s += "; " + strings.Join(res.Warnings, "; ")
		}
		return s
	}
	return "snapshot only: " + string(period)
}

func (p *Processor) publish(ctx context.Context, raw domain.RawPayload, res Result, written []domain.DailyBar, snap *domain.Snapshot) {
	now := time.Now().UTC()
	var evs []events.Event
	if len(written) > 0 {
		evs = append(evs, events.Event{Kind: events.KindDaily, CanonicalID: raw.CanonicalID, RawID: raw.ID, Daily: written, At: now})
	}
	if snap != nil {
		evs = append(evs, events.Event{Kind: events.KindSnapshot, CanonicalID: raw.CanonicalID, RawID: raw.ID, Snapshot: snap, At: now})
	}
	if res.Reports > 0 {
		evs = append(evs, events.Event{Kind: events.KindFundamentals, CanonicalID: raw.CanonicalID, RawID: raw.ID, Reports: res.Reports, At: now})
	}
	if len(evs) == 0 {
		return
	}
	if err := p.publisher.Publish(ctx, evs...); err != nil {
		p.metrics.Published("error", len(evs))
		p.log.Warn("publishing events", "raw_id", raw.ID, "canonical_id", raw.CanonicalID, "error", err)
		return
	}
	p.metrics.Published("ok", len(evs))
}

// ---------------------------------------------------------------------------
// Batches
// ---------------------------------------------------------------------------

// Summary aggregates a batch run.
type Summary struct {
	Rows      int      `json:"rows"`
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Inserted  int      `json:"inserted"`
	Updated   int      `json:"updated"`
	Deferred  int      `json:"deferred"`
	Errors    []string `json:"errors,omitempty"`
}

func (s *Summary) add(r Result, err error) {
	switch {
	case err != nil:
		s.Failed++
		s.Errors = append(s.Errors, err.Error())
	case r.Skipped:
		s.Skipped++
	default:
		s.Processed++
		s.Inserted += r.Inserted
		s.Updated += r.Updated
		s.Deferred += r.Deferred
	}
}

// ProcessPending drains fresh unprocessed rows, at most limit of them
// (etl.pending_batch when limit <= 0).
func (p *Processor) ProcessPending(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = p.etl.PendingBatch
	}
	rows, err := p.db.ListPendingRaw(ctx, limit)
	if err != nil {
		return Summary{}, err
	}
	return p.drain(ctx, rows)
}

// RetryFailed re-runs unprocessed rows that carry an error note.
func (p *Processor) RetryFailed(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = p.etl.PendingBatch
	}
	rows, err := p.db.ListFailedRaw(ctx, limit)
	if err != nil {
		return Summary{}, err
	}
	return p.drain(ctx, rows)
}

// drain processes rows in raw-id order per canonical id, with different
// ids in parallel. Row failures are counted, not returned.
func (p *Processor) drain(ctx context.Context, rows []domain.RawPayload) (Summary, error) {
	sum := Summary{Rows: len(rows)}
	if len(rows) == 0 {
		return sum, nil
	}
	var order []domain.CanonicalID
	byID := make(map[domain.CanonicalID][]int64)
	for _, r := range rows {
		if _, ok := byID[r.CanonicalID]; !ok {
			order = append(order, r.CanonicalID)
		}
		byID[r.CanonicalID] = append(byID[r.CanonicalID], r.ID)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, id := range order {
		ids := byID[id]
		g.Go(func() error {
			for _, rawID := range ids {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := p.ProcessRaw(gctx, rawID)
				mu.Lock()
				sum.add(res, err)
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("raw batch done", "rows", sum.Rows, "processed", sum.Processed, "failed", sum.Failed,
		"inserted", sum.Inserted, "updated", sum.Updated, "deferred", sum.Deferred)
	return sum, err
}

// RepairDerived recomputes prev_close, change and pct_change over the full
// history of id and returns the number of rows changed.
func (p *Processor) RepairDerived(ctx context.Context, id domain.CanonicalID) (int, error) {
	unlock := p.locks.Lock(id.String())
	defer unlock()

	var n int
	err := p.db.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = recomputeDerived(ctx, tx, id, time.Time{})
		return err
	})
	if err == nil && n > 0 {
		p.log.Info("derived fields repaired", "canonical_id", id, "rows", n)
	}
	return n, err
}
