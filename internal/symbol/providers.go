package symbol

import (
	"strings"

	"finbench/internal/domain"
)

// Exchange returns the listing board of a CN code: SH, SZ or BJ.
func Exchange(id domain.CanonicalID) string {
	if id.Market != domain.MarketCN {
		return ""
	}
	code := id.Code
	if id.Type == domain.AssetIndex {
		if strings.HasPrefix(code, "399") {
			return "SZ"
		}
		return "SH"
	}
	switch {
	case strings.HasPrefix(code, "92"), code[0] == '4', code[0] == '8':
		return "BJ"
	case code[0] == '6', code[0] == '9', code[0] == '5':
		return "SH"
	default:
		return "SZ"
	}
}

// USVenue returns the east-money market number of a US listing: 105 for
// NASDAQ (the default), 106 for NYSE, 107 for NYSE American and Arca.
func (c *Canonicalizer) USVenue(id domain.CanonicalID) string {
	switch {
	case has(c.t.usAMEX, id.Code):
		return "107"
	case has(c.t.usNYSE, id.Code):
		return "106"
	default:
		return "105"
	}
}

var yahooIndex = map[string]string{
	"HSI":    "^HSI",
	"HSTECH": "HSTECH.HK",
	"HSCE":   "^HSCE",
	"HSCEI":  "^HSCE",
	"HSCC":   "^HSCC",
	"SPX":    "^GSPC",
}

// SourceSymbols derives the symbol of id for every provider that covers it.
func (c *Canonicalizer) SourceSymbols(id domain.CanonicalID) map[domain.Provider]string {
	out := make(map[domain.Provider]string, len(domain.Providers))
	for _, p := range domain.Providers {
		if s, ok := c.SourceSymbol(id, p); ok {
			out[p] = s
		}
	}
	return out
}

// SourceSymbol derives the symbol provider p uses for id.
func (c *Canonicalizer) SourceSymbol(id domain.CanonicalID, p domain.Provider) (string, bool) {
	switch p {
	case domain.ProviderYahoo:
		return yahooSymbol(id), true
	case domain.ProviderEastMoney:
		return c.eastMoneySymbol(id)
	case domain.ProviderSina:
		return sinaSymbol(id)
	case domain.ProviderTencent:
		return tencentSymbol(id)
	case domain.ProviderFMP:
		if id.Market != domain.MarketUS {
			return "", false
		}
		if id.Type == domain.AssetIndex {
			return "^" + usIndexCode(id.Code), true
		}
		return strings.ReplaceAll(id.Code, ".", "-"), true
	case domain.ProviderAlpaca:
		switch {
		case id.Market == domain.MarketCrypto:
			return strings.ReplaceAll(id.Code, "-", "/"), true
		case id.Market == domain.MarketUS && id.Type != domain.AssetIndex:
			return id.Code, true
		}
	}
	return "", false
}

func usIndexCode(code string) string {
	if code == "SPX" {
		return "GSPC"
	}
	return code
}

func yahooSymbol(id domain.CanonicalID) string {
	switch id.Market {
	case domain.MarketUS:
		if id.Type == domain.AssetIndex {
			return "^" + usIndexCode(id.Code)
		}
		return strings.ReplaceAll(id.Code, ".", "-")
	case domain.MarketHK:
		if s, ok := yahooIndex[id.Code]; ok {
			return s
		}
		if id.Type == domain.AssetIndex {
			return "^" + id.Code
		}
		code := strings.TrimLeft(id.Code, "0")
		for len(code) < 4 {
			code = "0" + code
		}
		return code + ".HK"
	case domain.MarketCN:
		switch Exchange(id) {
		case "SH":
			return id.Code + ".SS"
		case "BJ":
			return id.Code + ".BJ"
		default:
			return id.Code + ".SZ"
		}
	}
	return id.Code
}

func (c *Canonicalizer) eastMoneySymbol(id domain.CanonicalID) (string, bool) {
	switch id.Market {
	case domain.MarketCN, domain.MarketHK:
		return id.Code, true
	case domain.MarketUS:
		if id.Type == domain.AssetIndex {
			return "", false
		}
		return c.USVenue(id) + "." + strings.ReplaceAll(id.Code, ".", "_"), true
	}
	return "", false
}

// SecID returns the east-money quote identifier ("1.600519", "116.00700").
func (c *Canonicalizer) SecID(id domain.CanonicalID) (string, bool) {
	switch id.Market {
	case domain.MarketCN:
		if Exchange(id) == "SH" {
			return "1." + id.Code, true
		}
		return "0." + id.Code, true
	case domain.MarketHK:
		if id.Type == domain.AssetIndex {
			return "100." + id.Code, true
		}
		return "116." + id.Code, true
	case domain.MarketUS:
		return c.eastMoneySymbol(id)
	}
	return "", false
}

func sinaSymbol(id domain.CanonicalID) (string, bool) {
	switch id.Market {
	case domain.MarketCN:
		return strings.ToLower(Exchange(id)) + id.Code, true
	case domain.MarketHK:
		return "hk" + id.Code, true
	case domain.MarketUS:
		if id.Type == domain.AssetIndex {
			return "", false
		}
		return "gb_" + strings.ToLower(strings.ReplaceAll(id.Code, ".", "$")), true
	}
	return "", false
}

func tencentSymbol(id domain.CanonicalID) (string, bool) {
	switch id.Market {
	case domain.MarketCN:
		return strings.ToLower(Exchange(id)) + id.Code, true
	case domain.MarketHK:
		return "hk" + id.Code, true
	case domain.MarketUS:
		if id.Type == domain.AssetIndex {
			return "", false
		}
		return "us" + id.Code, true
	}
	return "", false
}
