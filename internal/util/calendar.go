package util

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // market zones must resolve on hosts without zoneinfo

	"finbench/internal/domain"
)

// DefaultOpenTTL is the snapshot freshness window while a market trades.
const DefaultOpenTTL = 60 * time.Second

// Reasons returned by IsOpen.
const (
	ReasonAlwaysOpen = "always open"
	ReasonInSession  = "in session"
	ReasonWeekend    = "weekend"
	ReasonHoliday    = "holiday"
	ReasonPreOpen    = "pre-open"
	ReasonLunchBreak = "lunch break"
	ReasonAfterClose = "after close"
)

// Session is one continuous trading window in minutes after local midnight.
type Session struct {
	Open  int
	Close int
}

// ParseSession parses "HH:MM-HH:MM".
func ParseSession(s string) (Session, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Session{}, fmt.Errorf("session %q: want HH:MM-HH:MM", s)
	}
	open, err := parseClock(from)
	if err != nil {
		return Session{}, fmt.Errorf("session %q: %w", s, err)
	}
	closeAt, err := parseClock(to)
	if err != nil {
		return Session{}, fmt.Errorf("session %q: %w", s, err)
	}
	if closeAt <= open {
		return Session{}, fmt.Errorf("session %q: close before open", s)
	}
	return Session{Open: open, Close: closeAt}, nil
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return 0, fmt.Errorf("bad hour %q", h)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad minute %q", m)
	}
	return hh*60 + mm, nil
}

// CalendarSpec configures a TradingCalendar.
type CalendarSpec struct {
	Market     domain.Market
	Location   *time.Location
	Sessions   []Session
	AlwaysOpen bool
	// DailyClose is the stamp given to daily bars, in minutes after midnight.
	// Zero means the close of the last session (or midnight when always open).
	DailyClose int
	Holidays   []time.Time
}

// DefaultSpec returns the built-in session table for a market.
func DefaultSpec(market domain.Market) CalendarSpec {
	switch market {
	case domain.MarketCN:
		return CalendarSpec{
			Market:   market,
			Location: mustLoad("Asia/Shanghai"),
			Sessions: []Session{{9*60 + 30, 11*60 + 30}, {13 * 60, 15 * 60}},
		}
	case domain.MarketHK:
		return CalendarSpec{
			Market:   market,
			Location: mustLoad("Asia/Hong_Kong"),
			Sessions: []Session{{9*60 + 30, 12 * 60}, {13 * 60, 16 * 60}},
		}
	case domain.MarketUS:
		return CalendarSpec{
			Market:   market,
			Location: mustLoad("America/New_York"),
			Sessions: []Session{{9*60 + 30, 16 * 60}},
		}
	default:
		return CalendarSpec{Market: market, Location: time.UTC, AlwaysOpen: true}
	}
}

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("loading %s: %v", name, err))
	}
	return loc
}

// TradingCalendar provides market-hours awareness for a specific market.
// It answers in the market's local clock and is safe for concurrent use.
type TradingCalendar struct {
	market     domain.Market
	loc        *time.Location
	sessions   []Session
	alwaysOpen bool
	dailyClose int
	now        func() time.Time

	mu       sync.RWMutex
	holidays map[string]struct{}
}

// NewTradingCalendar creates a TradingCalendar with the market's default
// sessions.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	return NewTradingCalendarFromSpec(DefaultSpec(market))
}

// NewTradingCalendarFromSpec creates a TradingCalendar from an explicit spec.
func NewTradingCalendarFromSpec(spec CalendarSpec) *TradingCalendar {
	sessions := append([]Session(nil), spec.Sessions...)
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Open < sessions[j].Open })

	loc := spec.Location
	if loc == nil {
		loc = time.UTC
	}
	tc := &TradingCalendar{
		market:     spec.Market,
		loc:        loc,
		sessions:   sessions,
		alwaysOpen: spec.AlwaysOpen || len(sessions) == 0,
		dailyClose: spec.DailyClose,
		now:        time.Now,
		holidays:   make(map[string]struct{}),
	}
	if tc.dailyClose == 0 && !tc.alwaysOpen {
		tc.dailyClose = sessions[len(sessions)-1].Close
	}
	tc.AddHolidays(spec.Holidays...)
	return tc
}

// WithNow returns a copy of the calendar that reads the wall clock from now.
func (tc *TradingCalendar) WithNow(now func() time.Time) *TradingCalendar {
	tc.mu.RLock()
	holidays := make(map[string]struct{}, len(tc.holidays))
	for k := range tc.holidays {
		holidays[k] = struct{}{}
	}
	tc.mu.RUnlock()

	return &TradingCalendar{
		market:     tc.market,
		loc:        tc.loc,
		sessions:   tc.sessions,
		alwaysOpen: tc.alwaysOpen,
		dailyClose: tc.dailyClose,
		now:        now,
		holidays:   holidays,
	}
}

// Market returns the market this calendar describes.
func (tc *TradingCalendar) Market() domain.Market { return tc.market }

// Location returns the market's time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// Now returns the calendar's current instant.
func (tc *TradingCalendar) Now() time.Time { return tc.now() }

// AddHolidays marks whole local dates as closed.
func (tc *TradingCalendar) AddHolidays(dates ...time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, d := range dates {
		if d.IsZero() {
			continue
		}
		tc.holidays[d.Format(domain.DateLayout)] = struct{}{}
	}
}

// IsHoliday reports whether the local date of d is a configured holiday.
func (tc *TradingCalendar) IsHoliday(d time.Time) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	_, ok := tc.holidays[d.Format(domain.DateLayout)]
	return ok
}

// IsTradingDay reports whether the naive local date d has sessions.
func (tc *TradingCalendar) IsTradingDay(d time.Time) bool {
	if tc.alwaysOpen {
		return true
	}
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !tc.IsHoliday(d)
}

// IsOpen reports whether the market trades at instant t and why.
func (tc *TradingCalendar) IsOpen(t time.Time) (bool, string) {
	if tc.alwaysOpen {
		return true, ReasonAlwaysOpen
	}
	local := t.In(tc.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false, ReasonWeekend
	}
	if tc.IsHoliday(local) {
		return false, ReasonHoliday
	}
	minute := local.Hour()*60 + local.Minute()
	for i, s := range tc.sessions {
		if minute < s.Open {
			if i == 0 {
				return false, ReasonPreOpen
			}
			return false, ReasonLunchBreak
		}
		if minute < s.Close {
			return true, ReasonInSession
		}
	}
	return false, ReasonAfterClose
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	open, _ := tc.IsOpen(t)
	return open
}

// LocalNow returns the current naive market-local time.
func (tc *TradingCalendar) LocalNow() time.Time {
	return domain.InLocation(tc.now(), tc.loc)
}

// LocalToday returns the current market-local date at midnight.
func (tc *TradingCalendar) LocalToday() time.Time {
	return domain.DateOf(tc.LocalNow())
}

// SessionClose returns the naive timestamp daily bars of date carry.
func (tc *TradingCalendar) SessionClose(date time.Time) time.Time {
	d := domain.DateOf(date)
	return d.Add(time.Duration(tc.dailyClose) * time.Minute)
}

// LastSessionClose returns the most recent session close at or before the
// instant t, as a naive local timestamp.
func (tc *TradingCalendar) LastSessionClose(t time.Time) time.Time {
	local := domain.InLocation(t, tc.loc)
	d := domain.DateOf(local)
	for i := 0; i < 30; i++ {
		if tc.IsTradingDay(d) {
			c := tc.SessionClose(d)
			if !c.After(local) {
				return c
			}
		}
		d = d.AddDate(0, 0, -1)
	}
	return time.Time{}
}

// IsStale reports whether a snapshot taken at the naive local time last is
// stale at instant now. While the market trades, ttl applies (DefaultOpenTTL
// when ttl <= 0). While closed, freshness never expires unless the snapshot
// predates the most recent session close.
func (tc *TradingCalendar) IsStale(last, now time.Time, ttl time.Duration) bool {
	if last.IsZero() {
		return true
	}
	if open, _ := tc.IsOpen(now); open {
		if ttl <= 0 {
			ttl = DefaultOpenTTL
		}
		return domain.InLocation(now, tc.loc).Sub(last) > ttl
	}
	lastClose := tc.LastSessionClose(now)
	return !lastClose.IsZero() && last.Before(lastClose)
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	if tc.alwaysOpen {
		return t
	}
	local := t.In(tc.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc)
	for i := 0; i < 30; i++ {
		if tc.IsTradingDay(domain.Naive(day)) {
			for _, s := range tc.sessions {
				open := day.Add(time.Duration(s.Open) * time.Minute)
				if !open.Before(t) {
					return open
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// NextClose returns the next market close time at or after t. For always-open
// markets this is the next UTC midnight, the stamp of their daily bars.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	local := t.In(tc.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc)
	if tc.alwaysOpen {
		return day.AddDate(0, 0, 1)
	}
	for i := 0; i < 30; i++ {
		if tc.IsTradingDay(domain.Naive(day)) {
			for _, s := range tc.sessions {
				c := day.Add(time.Duration(s.Close) * time.Minute)
				if !c.Before(t) {
					return c
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Clocks resolves the calendar for each market.
type Clocks struct {
	byMarket map[domain.Market]*TradingCalendar
}

// NewClocks builds a registry; markets without an explicit calendar use the
// default sessions.
func NewClocks(cals ...*TradingCalendar) *Clocks {
	c := &Clocks{byMarket: make(map[domain.Market]*TradingCalendar)}
	for _, m := range domain.Markets {
		c.byMarket[m] = NewTradingCalendar(m)
	}
	for _, cal := range cals {
		c.byMarket[cal.Market()] = cal
	}
	return c
}

// For returns the calendar for market m.
func (c *Clocks) For(m domain.Market) *TradingCalendar {
	if cal, ok := c.byMarket[m]; ok {
		return cal
	}
	return NewTradingCalendar(m)
}

// WithNow returns a registry whose calendars all read time from now.
func (c *Clocks) WithNow(now func() time.Time) *Clocks {
	out := &Clocks{byMarket: make(map[domain.Market]*TradingCalendar, len(c.byMarket))}
	for m, cal := range c.byMarket {
		out.byMarket[m] = cal.WithNow(now)
	}
	return out
}
