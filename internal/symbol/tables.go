// Package symbol maps user and provider symbols to canonical identifiers and
// back to the symbol each provider expects.
package symbol

import (
	"strings"

	"finbench/internal/config"
	"finbench/internal/domain"
)

// Tables holds the canonicalization rules. A Tables value is built once at
// startup and never mutated afterwards.
type Tables struct {
	etfPrefixes    map[domain.Market][]string
	etfCodes       map[domain.Market]map[string]struct{}
	indexCodes     map[domain.Market]map[string]struct{}
	disambiguation map[string]domain.CanonicalID
	usNYSE         map[string]struct{}
	usAMEX         map[string]struct{}
	hkCNY          map[string]struct{}
	cryptoQuotes   map[string]struct{}
}

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[strings.ToUpper(strings.TrimSpace(it))] = struct{}{}
	}
	return m
}

// DefaultTables returns the built-in rules.
func DefaultTables() Tables {
	return Tables{
		etfPrefixes: map[domain.Market][]string{
			domain.MarketCN: {"15", "51", "56", "58"},
		},
		etfCodes: map[domain.Market]map[string]struct{}{
			domain.MarketHK: set("02800", "02801", "02828", "02833", "03033", "03032", "03067", "03188", "02822", "03069", "07200", "07500", "09834"),
			domain.MarketUS: set(
				"SPY", "QQQ", "IVV", "VOO", "VTI", "DIA", "IWM", "EEM", "EFA", "VEA", "VWO",
				"GLD", "SLV", "TLT", "IEF", "SHY", "HYG", "LQD", "BND", "AGG",
				"XLF", "XLK", "XLE", "XLV", "XLI", "XLY", "XLP", "XLU", "XLB", "XLRE",
				"SMH", "SOXX", "VGT", "ARKK", "SCHD", "VNQ", "KWEB", "FXI", "MCHI", "TQQQ", "SQQQ", "VYM", "JEPI",
			),
		},
		indexCodes: map[domain.Market]map[string]struct{}{
			domain.MarketCN: set("000001", "000016", "000300", "000688", "000852", "000905", "399001", "399005", "399006", "399300", "399905"),
			domain.MarketHK: set("HSI", "HSTECH", "HSCC", "HSCE", "HSCEI"),
			domain.MarketUS: set("DJI", "NDX", "SPX", "GSPC", "IXIC", "RUT", "VIX"),
		},
		disambiguation: map[string]domain.CanonicalID{},
		usNYSE: set(
			"BRK.A", "BRK.B", "JPM", "BAC", "WFC", "C", "GS", "MS", "V", "MA", "KO", "PEP", "PG", "JNJ",
			"XOM", "CVX", "WMT", "DIS", "IBM", "T", "VZ", "BABA", "NIO", "TSM", "UNH", "HD", "MCD", "NKE",
			"BA", "CAT", "GE", "MMM", "PFE", "MRK", "ABBV", "LLY", "ORCL", "CRM", "SHOP", "UBER",
		),
		usAMEX:       set("SPY", "DIA", "GLD", "SLV", "IWM", "EEM", "EFA", "XLF", "XLK", "XLE", "XLV", "VTI", "VOO", "IVV"),
		hkCNY:        set(),
		cryptoQuotes: set("USD", "USDT", "USDC", "EUR", "BTC", "ETH"),
	}
}

// NewTables overlays the configured rules on the defaults.
func NewTables(c config.Canonical) Tables {
	t := DefaultTables()
	for tag, prefixes := range c.ETFCodePrefixes {
		if m, err := domain.ParseMarket(tag); err == nil {
			t.etfPrefixes[m] = append(t.etfPrefixes[m], prefixes...)
		}
	}
	for tag, codes := range c.ETFCodes {
		if m, err := domain.ParseMarket(tag); err == nil {
			if t.etfCodes[m] == nil {
				t.etfCodes[m] = set()
			}
			for _, code := range codes {
				t.etfCodes[m][normalizeTableCode(m, code)] = struct{}{}
			}
		}
	}
	for tag, codes := range c.IndexCodes {
		if m, err := domain.ParseMarket(tag); err == nil {
			if t.indexCodes[m] == nil {
				t.indexCodes[m] = set()
			}
			for _, code := range codes {
				t.indexCodes[m][strings.TrimPrefix(strings.ToUpper(code), "^")] = struct{}{}
			}
		}
	}
	for raw, id := range c.Disambiguation {
		if parsed, err := domain.ParseCanonicalID(id); err == nil {
			t.disambiguation[strings.ToUpper(strings.TrimSpace(raw))] = parsed
		}
	}
	for _, s := range c.USNYSE {
		t.usNYSE[strings.ToUpper(s)] = struct{}{}
	}
	for _, s := range c.USAMEX {
		t.usAMEX[strings.ToUpper(s)] = struct{}{}
	}
	for _, s := range c.HKCNYReporters {
		t.hkCNY[padHK(s)] = struct{}{}
	}
	for _, s := range c.CryptoQuotes {
		t.cryptoQuotes[strings.ToUpper(s)] = struct{}{}
	}
	return t
}

func normalizeTableCode(m domain.Market, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if m == domain.MarketHK && domain.IsDigits(code) {
		return padHK(code)
	}
	return code
}

func has(m map[string]struct{}, key string) bool {
	_, ok := m[key]
	return ok
}

// IsETF reports whether code is an ETF under the market's prefix and code
// rules.
func (t Tables) IsETF(m domain.Market, code string) bool {
	if has(t.etfCodes[m], code) {
		return true
	}
	for _, p := range t.etfPrefixes[m] {
		if strings.HasPrefix(code, p) {
			return true
		}
	}
	return false
}

// IsIndex reports whether code is in the market's index table.
func (t Tables) IsIndex(m domain.Market, code string) bool {
	return has(t.indexCodes[m], code)
}
