package symbol

import (
	"errors"
	"testing"

	"finbench/internal/config"
	"finbench/internal/domain"
)

func TestResolveHKWithHint(t *testing.T) {
	c := New(DefaultTables())
	res, err := c.Canonicalize("09988", Hints{Market: domain.MarketHK})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if res.ID.String() != "HK:STOCK:09988" {
		t.Errorf("id = %s, want HK:STOCK:09988", res.ID)
	}
	if got := res.Symbols[domain.ProviderYahoo]; got != "9988.HK" {
		t.Errorf("yfinance symbol = %q, want 9988.HK", got)
	}
	if got := res.Symbols[domain.ProviderEastMoney]; got != "09988" {
		t.Errorf("akshare symbol = %q, want 09988", got)
	}
}

func TestResolveCNIndexAmbiguity(t *testing.T) {
	c := New(DefaultTables())

	id, err := c.Resolve("000001", Hints{Type: domain.AssetIndex})
	if err != nil {
		t.Fatalf("Resolve with hint: %v", err)
	}
	if id.String() != "CN:INDEX:000001" {
		t.Errorf("id = %s, want CN:INDEX:000001", id)
	}

	_, err = c.Resolve("000001", Hints{})
	if !errors.Is(err, domain.ErrAmbiguousSymbol) {
		t.Fatalf("Resolve without hint = %v, want ErrAmbiguousSymbol", err)
	}
	var se *domain.SymbolError
	if !errors.As(err, &se) || len(se.Candidates) != 2 {
		t.Errorf("want two candidates, got %+v", se)
	}

	// Disambiguation table settles it.
	c = NewFromConfig(config.Canonical{Disambiguation: map[string]string{"000001": "CN:STOCK:000001"}})
	id, err = c.Resolve("000001", Hints{})
	if err != nil || id.String() != "CN:STOCK:000001" {
		t.Errorf("Resolve with disambiguation = %v, %v", id, err)
	}
}

func TestResolveTable(t *testing.T) {
	c := New(DefaultTables())
	tests := []struct {
		in   string
		h    Hints
		want string
	}{
		{"600519", Hints{}, "CN:STOCK:600519"},
		{"600519.SH", Hints{}, "CN:STOCK:600519"},
		{"sh600519", Hints{}, "CN:STOCK:600519"},
		{"1.600519", Hints{}, "CN:STOCK:600519"},
		{"000001.SZ", Hints{}, "CN:STOCK:000001"},
		{"000001.SS", Hints{}, "CN:INDEX:000001"},
		{"399006", Hints{}, "CN:INDEX:399006"},
		{"399001", Hints{Type: domain.AssetStock}, "CN:INDEX:399001"},
		{"399001.SZ", Hints{Type: domain.AssetStock}, "CN:INDEX:399001"},
		{"510300", Hints{}, "CN:ETF:510300"},
		{"159915.SZ", Hints{Type: domain.AssetStock}, "CN:ETF:159915"},
		{"0700.HK", Hints{}, "HK:STOCK:00700"},
		{"700", Hints{Market: domain.MarketHK}, "HK:STOCK:00700"},
		{"hk00700", Hints{}, "HK:STOCK:00700"},
		{"02800", Hints{}, "HK:ETF:02800"},
		{"HSI", Hints{}, "HK:INDEX:HSI"},
		{"^HSI", Hints{}, "HK:INDEX:HSI"},
		{"HSTECH.HK", Hints{}, "HK:INDEX:HSTECH"},
		{"aapl", Hints{}, "US:STOCK:AAPL"},
		{"AAPL.O", Hints{}, "US:STOCK:AAPL"},
		{"105.AAPL", Hints{}, "US:STOCK:AAPL"},
		{"gb_aapl", Hints{}, "US:STOCK:AAPL"},
		{"BRK-B", Hints{}, "US:STOCK:BRK.B"},
		{"SPY", Hints{}, "US:ETF:SPY"},
		{"^GSPC", Hints{}, "US:INDEX:GSPC"},
		{"DJI", Hints{Type: domain.AssetIndex}, "US:INDEX:DJI"},
		{"BTC-USD", Hints{}, "CRYPTO:CRYPTO:BTC-USD"},
		{"BTC/USDT", Hints{}, "CRYPTO:CRYPTO:BTC-USDT"},
		{"ETH", Hints{Market: domain.MarketCrypto}, "CRYPTO:CRYPTO:ETH-USD"},
		{"US:STOCK:MSFT", Hints{}, "US:STOCK:MSFT"},
	}
	for _, tt := range tests {
		got, err := c.Resolve(tt.in, tt.h)
		if err != nil {
			t.Errorf("Resolve(%q, %+v) error: %v", tt.in, tt.h, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("Resolve(%q, %+v) = %s, want %s", tt.in, tt.h, got, tt.want)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	c := New(DefaultTables())
	tests := []struct {
		in   string
		h    Hints
		want error
	}{
		{"", Hints{}, domain.ErrMalformedCode},
		{"700", Hints{}, domain.ErrAmbiguousSymbol},
		{"1234567", Hints{}, domain.ErrMalformedCode},
		{"AAPL", Hints{Market: domain.MarketCN}, domain.ErrMalformedCode},
		{"600519.SH", Hints{Market: domain.MarketHK}, domain.ErrMalformedCode},
		{"ABCD", Hints{Market: domain.MarketHK}, domain.ErrUnknownAssetType},
		{"AAPL", Hints{Type: "WIDGET"}, domain.ErrUnknownAssetType},
		{"BTC-USD", Hints{Type: domain.AssetStock}, domain.ErrUnknownAssetType},
	}
	for _, tt := range tests {
		_, err := c.Resolve(tt.in, tt.h)
		if !errors.Is(err, tt.want) {
			t.Errorf("Resolve(%q, %+v) = %v, want %v", tt.in, tt.h, err, tt.want)
		}
	}
}

func TestSourceSymbols(t *testing.T) {
	c := NewFromConfig(config.Canonical{USNYSE: []string{"KO"}})
	tests := []struct {
		id   string
		p    domain.Provider
		want string
	}{
		{"HK:STOCK:00700", domain.ProviderYahoo, "0700.HK"},
		{"HK:STOCK:00700", domain.ProviderTencent, "hk00700"},
		{"HK:INDEX:HSI", domain.ProviderYahoo, "^HSI"},
		{"HK:INDEX:HSTECH", domain.ProviderYahoo, "HSTECH.HK"},
		{"CN:STOCK:600519", domain.ProviderYahoo, "600519.SS"},
		{"CN:STOCK:600519", domain.ProviderSina, "sh600519"},
		{"CN:STOCK:000001", domain.ProviderYahoo, "000001.SZ"},
		{"CN:STOCK:000001", domain.ProviderTencent, "sz000001"},
		{"CN:INDEX:000001", domain.ProviderYahoo, "000001.SS"},
		{"CN:INDEX:399001", domain.ProviderYahoo, "399001.SZ"},
		{"US:STOCK:AAPL", domain.ProviderEastMoney, "105.AAPL"},
		{"US:STOCK:KO", domain.ProviderEastMoney, "106.KO"},
		{"US:STOCK:BRK.B", domain.ProviderYahoo, "BRK-B"},
		{"US:STOCK:BRK.B", domain.ProviderAlpaca, "BRK.B"},
		{"US:INDEX:SPX", domain.ProviderYahoo, "^GSPC"},
		{"US:INDEX:DJI", domain.ProviderYahoo, "^DJI"},
		{"CRYPTO:CRYPTO:BTC-USD", domain.ProviderYahoo, "BTC-USD"},
		{"CRYPTO:CRYPTO:BTC-USD", domain.ProviderAlpaca, "BTC/USD"},
	}
	for _, tt := range tests {
		got, ok := c.SourceSymbol(domain.MustCanonicalID(tt.id), tt.p)
		if !ok || got != tt.want {
			t.Errorf("SourceSymbol(%s, %s) = %q, %v; want %q", tt.id, tt.p, got, ok, tt.want)
		}
	}

	if _, ok := c.SourceSymbol(domain.MustCanonicalID("CN:STOCK:600519"), domain.ProviderFMP); ok {
		t.Error("FMP should not cover CN stocks")
	}
	secid, _ := c.SecID(domain.MustCanonicalID("HK:STOCK:00700"))
	if secid != "116.00700" {
		t.Errorf("SecID = %q, want 116.00700", secid)
	}
}

func TestReportingCurrency(t *testing.T) {
	c := NewFromConfig(config.Canonical{HKCNYReporters: []string{"939"}})
	if got := c.ReportingCurrency(domain.MustCanonicalID("HK:STOCK:00939")); got != "CNY" {
		t.Errorf("curated HK reporter currency = %q, want CNY", got)
	}
	if got := c.ReportingCurrency(domain.MustCanonicalID("HK:STOCK:00700")); got != "HKD" {
		t.Errorf("default HK currency = %q, want HKD", got)
	}
}
