package domain

import (
	"encoding/json"
	"math"
	"time"

	"github.com/guregu/null/v6"
)

// ---------------------------------------------------------------------------
// Provider records (adapter output)
// ---------------------------------------------------------------------------

// Bar is one OHLCV record. Timestamp is naive market-local time.
type Bar struct {
	Timestamp time.Time  `json:"ts"`
	Open      float64    `json:"open"`
	High      float64    `json:"high"`
	Low       float64    `json:"low"`
	Close     float64    `json:"close"`
	Volume    float64    `json:"volume"`
	Turnover  null.Float `json:"turnover"`
}

// Usable reports whether the bar carries a timestamp and a positive,
// finite close.
func (b Bar) Usable() bool {
	return !b.Timestamp.IsZero() && b.Close > 0 && !math.IsNaN(b.Close) && !math.IsInf(b.Close, 0)
}

// Spot is a live quote: the current session bar plus provider-computed
// change and valuation fields.
type Spot struct {
	Bar
	PrevClose     null.Float `json:"prev_close"`
	Change        null.Float `json:"change"`
	PctChange     null.Float `json:"pct_change"`
	PE            null.Float `json:"pe"`
	PB            null.Float `json:"pb"`
	DividendYield null.Float `json:"dividend_yield"`
	MarketCap     null.Float `json:"market_cap"`
}

// Fundamental is one financial report as published by a provider. Revenue,
// NetIncome and EPS are values for the reported period alone.
type Fundamental struct {
	AsOfDate         time.Time  `json:"as_of_date"`
	ReportType       ReportType `json:"report_type"`
	Revenue          null.Float `json:"revenue"`
	NetIncome        null.Float `json:"net_income"`
	EPS              null.Float `json:"eps"`
	EPSTTM           null.Float `json:"eps_ttm"`
	SharesDiluted    null.Float `json:"shares_diluted"`
	TotalAssets      null.Float `json:"total_assets"`
	TotalLiabilities null.Float `json:"total_liabilities"`
	Cash             null.Float `json:"cash"`
	Currency         string     `json:"currency"`
	FilingDate       time.Time  `json:"filing_date"`
}

// FrameKind tags which payload a Frame carries.
type FrameKind string

const (
	FrameBars         FrameKind = "bars"
	FrameSpot         FrameKind = "spot"
	FrameFundamentals FrameKind = "fundamentals"
)

// Frame is the normalized result of decoding one provider response. Exactly
// one of Bars, Spot or Reports is populated, matching Kind.
type Frame struct {
	Kind     FrameKind
	Provider Provider
	Period   Period
	Bars     []Bar
	Spot     *Spot
	Reports  []Fundamental
}

// Len returns the number of records in the frame.
func (f Frame) Len() int {
	switch f.Kind {
	case FrameBars:
		return len(f.Bars)
	case FrameSpot:
		if f.Spot != nil {
			return 1
		}
	case FrameFundamentals:
		return len(f.Reports)
	}
	return 0
}

// Empty reports whether the frame has nothing usable.
func (f Frame) Empty() bool { return f.Len() == 0 }

// ---------------------------------------------------------------------------
// Stored entities
// ---------------------------------------------------------------------------

// Asset is a registry entry (watchlist or index).
type Asset struct {
	ID                CanonicalID `json:"canonical_id"`
	Name              string      `json:"display_name"`
	Kind              AssetKind   `json:"kind"`
	ReportingCurrency string      `json:"reporting_currency"`
	AddedAt           time.Time   `json:"added_at"`
}

// SourceSymbol maps a canonical id to the symbol one provider uses for it.
type SourceSymbol struct {
	ID       CanonicalID `json:"canonical_id"`
	Provider Provider    `json:"provider"`
	Symbol   string      `json:"provider_symbol"`
}

// RawPayload is one staged fetch. Payload holds the provider body verbatim.
type RawPayload struct {
	ID          int64           `json:"id"`
	CanonicalID CanonicalID     `json:"canonical_id"`
	Market      Market          `json:"market"`
	Provider    Provider        `json:"provider"`
	Period      Period          `json:"period"`
	FetchTime   time.Time       `json:"fetch_time"`
	Payload     json.RawMessage `json:"payload"`
	Processed   bool            `json:"processed"`
	ErrorNote   string          `json:"error_note,omitempty"`
}

// DailyBar is a canonical daily row. Timestamp is the session close in naive
// market-local time.
type DailyBar struct {
	CanonicalID   CanonicalID `json:"canonical_id"`
	Timestamp     time.Time   `json:"timestamp"`
	Open          float64     `json:"open"`
	High          float64     `json:"high"`
	Low           float64     `json:"low"`
	Close         float64     `json:"close"`
	Volume        float64     `json:"volume"`
	Turnover      null.Float  `json:"turnover"`
	PrevClose     null.Float  `json:"prev_close"`
	Change        null.Float  `json:"change"`
	PctChange     null.Float  `json:"pct_change"`
	PE            null.Float  `json:"pe"`
	PB            null.Float  `json:"pb"`
	PETTM         null.Float  `json:"pe_ttm"`
	PS            null.Float  `json:"ps"`
	DividendYield null.Float  `json:"dividend_yield"`
	EPS           null.Float  `json:"eps"`
	MarketCap     null.Float  `json:"market_cap"`
	DataSource    Provider    `json:"data_source"`
	FetchTime     time.Time   `json:"fetch_time"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Snapshot is the latest known state of an asset.
type Snapshot struct {
	CanonicalID   CanonicalID `json:"canonical_id"`
	Timestamp     time.Time   `json:"timestamp"`
	Open          float64     `json:"open"`
	High          float64     `json:"high"`
	Low           float64     `json:"low"`
	Close         float64     `json:"close"`
	Volume        float64     `json:"volume"`
	Turnover      null.Float  `json:"turnover"`
	PrevClose     null.Float  `json:"prev_close"`
	Change        null.Float  `json:"change"`
	PctChange     null.Float  `json:"pct_change"`
	PE            null.Float  `json:"pe"`
	PB            null.Float  `json:"pb"`
	PETTM         null.Float  `json:"pe_ttm"`
	DividendYield null.Float  `json:"dividend_yield"`
	MarketCap     null.Float  `json:"market_cap"`
	DataSource    Provider    `json:"data_source"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// FundamentalReport is a stored report row, with TTM columns filled by the
// fundamentals aligner.
type FundamentalReport struct {
	CanonicalID      CanonicalID `json:"canonical_id"`
	AsOfDate         time.Time   `json:"as_of_date"`
	ReportType       ReportType  `json:"report_type"`
	Revenue          null.Float  `json:"revenue"`
	NetIncome        null.Float  `json:"net_income"`
	EPS              null.Float  `json:"eps"`
	RevenueTTM       null.Float  `json:"revenue_ttm"`
	NetIncomeTTM     null.Float  `json:"net_income_ttm"`
	EPSTTM           null.Float  `json:"eps_ttm"`
	TotalAssets      null.Float  `json:"total_assets"`
	TotalLiabilities null.Float  `json:"total_liabilities"`
	Cash             null.Float  `json:"cash"`
	SharesDiluted    null.Float  `json:"shares_diluted"`
	Currency         string      `json:"currency"`
	FilingDate       time.Time   `json:"filing_date"`
	DataSource       Provider    `json:"data_source"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// EffectiveDate is the first date on which the report may be used by an
// as-of join: the filing date when known and preferred, else as_of + lag.
func (r FundamentalReport) EffectiveDate(lagDays int, useFiling bool) time.Time {
	if useFiling && !r.FilingDate.IsZero() {
		return DateOf(r.FilingDate)
	}
	return DateOf(r.AsOfDate).AddDate(0, 0, lagDays)
}
