// Package domain defines the canonical vocabulary shared by every finbench
// component: markets, asset types, canonical identifiers, provider records
// and the rows materialised in the store.
package domain

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Market identifies a trading venue group with its own clock and code rules.
type Market string

const (
	MarketCN     Market = "CN"
	MarketHK     Market = "HK"
	MarketUS     Market = "US"
	MarketCrypto Market = "CRYPTO"
)

// Markets lists every supported market in a stable order.
var Markets = []Market{MarketCN, MarketHK, MarketUS, MarketCrypto}

// ParseMarket accepts a market tag in any case.
func ParseMarket(s string) (Market, error) {
	m := Market(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown market %q", s)
	}
	return m, nil
}

// Valid reports whether m is one of the supported markets.
func (m Market) Valid() bool {
	switch m {
	case MarketCN, MarketHK, MarketUS, MarketCrypto:
		return true
	}
	return false
}

// Currency returns the trading currency of the market. Crypto pairs quote in
// their own currency, so the empty string is returned for them.
func (m Market) Currency() string {
	switch m {
	case MarketCN:
		return "CNY"
	case MarketHK:
		return "HKD"
	case MarketUS:
		return "USD"
	}
	return ""
}

// AssetType classifies the instrument behind a canonical id.
type AssetType string

const (
	AssetStock  AssetType = "STOCK"
	AssetETF    AssetType = "ETF"
	AssetIndex  AssetType = "INDEX"
	AssetTrust  AssetType = "TRUST"
	AssetFund   AssetType = "FUND"
	AssetCrypto AssetType = "CRYPTO"
)

// ParseAssetType accepts an asset type in any case.
func ParseAssetType(s string) (AssetType, error) {
	t := AssetType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAssetType, s)
	}
	return t, nil
}

// Valid reports whether t is a known asset type.
func (t AssetType) Valid() bool {
	switch t {
	case AssetStock, AssetETF, AssetIndex, AssetTrust, AssetFund, AssetCrypto:
		return true
	}
	return false
}

// Period is the granularity of a staged payload.
type Period string

const (
	PeriodDaily        Period = "1d"
	PeriodMinute       Period = "1m"
	PeriodFundamentals Period = "fund"
	PeriodSpot         Period = "spot"
)

// Periods lists every period in fetch order.
var Periods = []Period{PeriodSpot, PeriodMinute, PeriodDaily, PeriodFundamentals}

// ParsePeriod validates a period tag.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PeriodDaily, PeriodMinute, PeriodFundamentals, PeriodSpot:
		return p, nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Provider names an upstream data source.
type Provider string

const (
	ProviderYahoo     Provider = "yfinance"
	ProviderEastMoney Provider = "eastmoney"
	ProviderSina      Provider = "sina"
	ProviderTencent   Provider = "tencent"
	ProviderFMP       Provider = "fmp"
	ProviderAlpaca    Provider = "alpaca"
)

// Providers lists every provider known to the canonicalizer.
var Providers = []Provider{
	ProviderYahoo, ProviderEastMoney, ProviderSina, ProviderTencent, ProviderFMP, ProviderAlpaca,
}

// ParseProvider validates a provider name. "akshare" is accepted as an alias
// for the east-money endpoints it wraps.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "akshare", "akshare-eastmoney", "em":
		return ProviderEastMoney, nil
	case "yahoo":
		return ProviderYahoo, nil
	}
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// AssetKind separates the user's watchlist from tracked indices.
type AssetKind string

const (
	KindWatchlist AssetKind = "watchlist"
	KindIndex     AssetKind = "index"
)

// ReportType distinguishes quarterly from annual fundamentals.
type ReportType string

const (
	ReportQuarterly ReportType = "quarterly"
	ReportAnnual    ReportType = "annual"
)

// ---------------------------------------------------------------------------
// Canonical identifier
// ---------------------------------------------------------------------------

// CanonicalID is the MARKET:TYPE:CODE identifier used across the core.
type CanonicalID struct {
	Market Market
	Type   AssetType
	Code   string
}

// NewCanonicalID validates the parts and returns the identifier.
func NewCanonicalID(m Market, t AssetType, code string) (CanonicalID, error) {
	id := CanonicalID{Market: m, Type: t, Code: strings.ToUpper(strings.TrimSpace(code))}
	if err := id.Validate(); err != nil {
		return CanonicalID{}, err
	}
	return id, nil
}

// MustCanonicalID is NewCanonicalID for literals known to be valid.
func MustCanonicalID(s string) CanonicalID {
	id, err := ParseCanonicalID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseCanonicalID parses the MARKET:TYPE:CODE grammar.
func ParseCanonicalID(s string) (CanonicalID, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return CanonicalID{}, &SymbolError{Kind: ErrMalformedCode, Input: s, Detail: "want MARKET:TYPE:CODE"}
	}
	m := Market(strings.ToUpper(parts[0]))
	if !m.Valid() {
		return CanonicalID{}, &SymbolError{Kind: ErrMalformedCode, Input: s, Detail: "unknown market " + parts[0]}
	}
	t := AssetType(strings.ToUpper(parts[1]))
	if !t.Valid() {
		return CanonicalID{}, &SymbolError{Kind: ErrUnknownAssetType, Input: s, Detail: "unknown type " + parts[1]}
	}
	id := CanonicalID{Market: m, Type: t, Code: strings.ToUpper(parts[2])}
	if err := id.Validate(); err != nil {
		return CanonicalID{}, err
	}
	return id, nil
}

// String renders the identifier as MARKET:TYPE:CODE.
func (id CanonicalID) String() string {
	if id.IsZero() {
		return ""
	}
	return string(id.Market) + ":" + string(id.Type) + ":" + id.Code
}

// IsZero reports whether the identifier is unset.
func (id CanonicalID) IsZero() bool {
	return id.Market == "" && id.Type == "" && id.Code == ""
}

// Validate checks the code shape against the market rules.
func (id CanonicalID) Validate() error {
	in := string(id.Market) + ":" + string(id.Type) + ":" + id.Code
	if !id.Market.Valid() {
		return &SymbolError{Kind: ErrMalformedCode, Input: in, Detail: "unknown market"}
	}
	if !id.Type.Valid() {
		return &SymbolError{Kind: ErrUnknownAssetType, Input: in}
	}
	if id.Code == "" {
		return &SymbolError{Kind: ErrMalformedCode, Input: in, Detail: "empty code"}
	}
	if (id.Market == MarketCrypto) != (id.Type == AssetCrypto) {
		return &SymbolError{Kind: ErrMalformedCode, Input: in, Detail: "CRYPTO type is reserved for the CRYPTO market"}
	}
	switch id.Market {
	case MarketCN:
		if !isDigits(id.Code) || len(id.Code) != 6 {
			return &SymbolError{Kind: ErrMalformedCode, Input: in, Detail: "CN codes are 6 digits"}
		}
	case MarketHK:
		if isDigits(id.Code) {
			if len(id.Code) != 5 {
				return &SymbolError{Kind: ErrMalformedCode, Input: in, Detail: "HK codes are zero-padded to 5 digits"}
			}
		} else if id.Type != AssetIndex || !isAlnum(id.Code) {
			return &SymbolError{Kind: ErrMalformedCode, Input: in, Detail: "HK alphabetic codes are indices only"}
		}
	case MarketUS:
		if !isTicker(id.Code) {
			return &SymbolError{Kind: ErrMalformedCode, Input: in, Detail: "bad US ticker"}
		}
	case MarketCrypto:
		base, quote, ok := strings.Cut(id.Code, "-")
		if !ok || !isAlnum(base) || !isAlnum(quote) {
			return &SymbolError{Kind: ErrMalformedCode, Input: in, Detail: "crypto codes are BASE-QUOTE"}
		}
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (id CanonicalID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *CanonicalID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = CanonicalID{}
		return nil
	}
	parsed, err := ParseCanonicalID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Quote returns the quote currency of a crypto pair, or "".
func (id CanonicalID) Quote() string {
	if id.Market != MarketCrypto {
		return ""
	}
	_, q, _ := strings.Cut(id.Code, "-")
	return q
}

// TradingCurrency is the currency prices of id are quoted in.
func (id CanonicalID) TradingCurrency() string {
	if id.Market == MarketCrypto {
		return id.Quote()
	}
	return id.Market.Currency()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// isTicker accepts US share-class tickers such as BRK.B and indices like ^GSPC
// stored without the caret.
func isTicker(s string) bool {
	if s == "" || len(s) > 10 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case (r == '.' || r == '-') && i > 0 && i < len(s)-1:
		default:
			return false
		}
	}
	return true
}

// IsDigits reports whether s is a non-empty run of ASCII digits.
func IsDigits(s string) bool { return isDigits(s) }
