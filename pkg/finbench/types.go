package finbench

import (
	"encoding/json"
	"time"
)

// Timestamps are market-local wall-clock times carried in UTC fields.
// Nullable numbers are nil when the server has no value.

// Snapshot is the latest state of an asset.
type Snapshot struct {
	CanonicalID   string    `json:"canonical_id"`
	Timestamp     time.Time `json:"timestamp"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	Volume        float64   `json:"volume"`
	Turnover      *float64  `json:"turnover"`
	PrevClose     *float64  `json:"prev_close"`
	Change        *float64  `json:"change"`
	PctChange     *float64  `json:"pct_change"`
	PE            *float64  `json:"pe"`
	PB            *float64  `json:"pb"`
	PETTM         *float64  `json:"pe_ttm"`
	DividendYield *float64  `json:"dividend_yield"`
	MarketCap     *float64  `json:"market_cap"`
	DataSource    string    `json:"data_source"`
	UpdatedAt     time.Time `json:"updated_at"`
	Stale         bool      `json:"stale"`
	MarketOpen    bool      `json:"market_open"`
	Reason        string    `json:"reason"`
}

// DailyBar is one canonical daily row.
type DailyBar struct {
	CanonicalID string    `json:"canonical_id"`
	Timestamp   time.Time `json:"timestamp"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	Turnover    *float64  `json:"turnover"`
	PrevClose   *float64  `json:"prev_close"`
	Change      *float64  `json:"change"`
	PctChange   *float64  `json:"pct_change"`
	PE          *float64  `json:"pe"`
	PB          *float64  `json:"pb"`
	PETTM       *float64  `json:"pe_ttm"`
	PS          *float64  `json:"ps"`
	EPS         *float64  `json:"eps"`
	MarketCap   *float64  `json:"market_cap"`
	DataSource  string    `json:"data_source"`
	DivYield    *float64  `json:"dividend_yield"`
	FetchTime   time.Time `json:"fetch_time"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Fundamental is one stored financial report.
type Fundamental struct {
	CanonicalID  string    `json:"canonical_id"`
	AsOfDate     time.Time `json:"as_of_date"`
	ReportType   string    `json:"report_type"`
	Revenue      *float64  `json:"revenue"`
	NetIncome    *float64  `json:"net_income"`
	EPS          *float64  `json:"eps"`
	RevenueTTM   *float64  `json:"revenue_ttm"`
	NetIncomeTTM *float64  `json:"net_income_ttm"`
	EPSTTM       *float64  `json:"eps_ttm"`
	TotalAssets  *float64  `json:"total_assets"`
	TotalDebt    *float64  `json:"total_liabilities"`
	Cash         *float64  `json:"cash"`
	Shares       *float64  `json:"shares_diluted"`
	Currency     string    `json:"currency"`
	FilingDate   time.Time `json:"filing_date"`
	DataSource   string    `json:"data_source"`
}

// Asset is a registry entry.
type Asset struct {
	CanonicalID       string    `json:"canonical_id"`
	Name              string    `json:"display_name"`
	Kind              string    `json:"kind"`
	ReportingCurrency string    `json:"reporting_currency"`
	AddedAt           time.Time `json:"added_at"`
}

// RegisterRequest registers a raw symbol. Market and AssetType are optional
// hints; Kind is "watchlist" or "index".
type RegisterRequest struct {
	Symbol    string `json:"symbol"`
	Market    string `json:"market,omitempty"`
	AssetType string `json:"asset_type,omitempty"`
	Name      string `json:"name,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Resolution is a canonical id with its provider symbols.
type Resolution struct {
	CanonicalID   string            `json:"canonical_id"`
	SourceSymbols map[string]string `json:"source_symbols"`
}

// Job is a background sync job.
type Job struct {
	ID        string          `json:"job_id"`
	Kind      string          `json:"kind"`
	Target    string          `json:"target"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Done reports whether the job finished.
func (j Job) Done() bool { return j.Status == "succeeded" || j.Status == "failed" }

// ProcessResult is the outcome of running the ETL over one raw row.
type ProcessResult struct {
	RawID           int64    `json:"raw_id"`
	CanonicalID     string   `json:"canonical_id"`
	Provider        string   `json:"provider"`
	Period          string   `json:"period"`
	Inserted        int      `json:"inserted"`
	Updated         int      `json:"updated"`
	Unchanged       int      `json:"unchanged"`
	Deferred        int      `json:"deferred"`
	DerivedUpdated  int      `json:"derived_updated"`
	Overlaid        int      `json:"overlaid"`
	SnapshotUpdated bool     `json:"snapshot_updated"`
	Reports         int      `json:"reports"`
	Warnings        []string `json:"warnings,omitempty"`
	Note            string   `json:"note,omitempty"`
	Skipped         bool     `json:"skipped,omitempty"`
}

// Health is the server status with raw staging counters.
type Health struct {
	Status     string `json:"status"`
	RawTotal   int    `json:"raw_total"`
	RawPending int    `json:"raw_pending"`
	RawFailed  int    `json:"raw_failed"`
}
