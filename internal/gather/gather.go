// Package gather runs the per-market work loops that keep snapshots and
// daily history current, and exposes the manual sync and backfill entry
// points used by the HTTP API and the CLI.
package gather

import (
	"context"
	"time"

	"finbench/internal/domain"
	"finbench/internal/util"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run starts the data gathering process. It blocks until ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange is an inclusive window of naive market-local dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// LastDays returns the window of the days calendar days ending today in
// cal's market.
func LastDays(cal *util.TradingCalendar, days int) DateRange {
	end := cal.LocalToday()
	return DateRange{Start: end.AddDate(0, 0, -days), End: end}
}

func (r DateRange) String() string {
	return domain.FormatDate(r.Start) + ".." + domain.FormatDate(r.End)
}
