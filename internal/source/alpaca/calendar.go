package alpaca

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"finbench/internal/config"
	"finbench/internal/domain"
)

// CalendarClient is the subset of the trading SDK client in use.
type CalendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// NewCalendarClient returns a trading API client for cfg.
func NewCalendarClient(cfg config.Alpaca) (CalendarClient, error) {
	if !cfg.Enabled() {
		return nil, ErrNoCredentials
	}
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	}), nil
}

// USHolidays returns the weekdays in [from, to] that are absent from the
// trading calendar. The results are naive dates.
func USHolidays(client CalendarClient, from, to time.Time) ([]time.Time, error) {
	days, err := client.GetCalendar(alpaca.GetCalendarRequest{Start: from, End: to})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no trading days returned from calendar")
	}
	open := make(map[string]bool, len(days))
	for _, d := range days {
		open[d.Date] = true
	}
	var holidays []time.Time
	for d := domain.DateOf(from); !d.After(domain.DateOf(to)); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		if !open[domain.FormatDate(d)] {
			holidays = append(holidays, d)
		}
	}
	return holidays, nil
}
