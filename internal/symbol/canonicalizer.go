package symbol

import (
	"strings"

	"finbench/internal/config"
	"finbench/internal/domain"
)

// Hints narrow resolution. Zero values mean "no hint".
type Hints struct {
	Market domain.Market
	Type   domain.AssetType
}

// Resolution is the outcome of canonicalizing one input.
type Resolution struct {
	ID      domain.CanonicalID          `json:"canonical_id"`
	Symbols map[domain.Provider]string `json:"source_symbols"`
}

// Canonicalizer resolves raw symbols against immutable Tables. It is safe for
// concurrent use.
type Canonicalizer struct {
	t Tables
}

// New returns a Canonicalizer over t.
func New(t Tables) *Canonicalizer {
	return &Canonicalizer{t: t}
}

// NewFromConfig builds the tables from configuration.
func NewFromConfig(c config.Canonical) *Canonicalizer {
	return New(NewTables(c))
}

// Tables returns the rules in use.
func (c *Canonicalizer) Tables() Tables { return c.t }

// Canonicalize resolves raw and derives its provider symbols.
func (c *Canonicalizer) Canonicalize(raw string, h Hints) (Resolution, error) {
	id, err := c.Resolve(raw, h)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{ID: id, Symbols: c.SourceSymbols(id)}, nil
}

// parsed is the intermediate form after suffix and prefix stripping.
type parsed struct {
	input    string
	code     string
	market   domain.Market // "" when not implied by the input
	exchange string        // SH, SZ, BJ for CN; NASDAQ/NYSE/AMEX venue for US
	caret    bool          // ^ index marker
}

var (
	cnSuffixes = map[string]string{".SH": "SH", ".SS": "SH", ".SZ": "SZ", ".BJ": "BJ"}
	usSuffixes = []string{".OQ", ".O", ".N", ".US"}
	cnPrefixes = map[string]string{"SH": "SH", "SZ": "SZ", "BJ": "BJ"}
	// east-money secid market numbers
	secidMarkets = map[string]struct {
		market   domain.Market
		exchange string
	}{
		"0":   {domain.MarketCN, "SZ"},
		"1":   {domain.MarketCN, "SH"},
		"105": {domain.MarketUS, "NASDAQ"},
		"106": {domain.MarketUS, "NYSE"},
		"107": {domain.MarketUS, "AMEX"},
		"116": {domain.MarketHK, ""},
		"100": {domain.MarketHK, ""},
	}
)

// Resolve maps raw to a canonical id. It never guesses: ambiguous inputs,
// uninferable types and malformed codes are errors.
func (c *Canonicalizer) Resolve(raw string, h Hints) (domain.CanonicalID, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return domain.CanonicalID{}, &domain.SymbolError{Kind: domain.ErrMalformedCode, Input: raw, Detail: "empty symbol"}
	}
	if h.Type != "" && !h.Type.Valid() {
		return domain.CanonicalID{}, &domain.SymbolError{Kind: domain.ErrUnknownAssetType, Input: raw, Detail: "hint " + string(h.Type)}
	}
	if h.Market != "" && !h.Market.Valid() {
		return domain.CanonicalID{}, &domain.SymbolError{Kind: domain.ErrMalformedCode, Input: raw, Detail: "hint market " + string(h.Market)}
	}

	// 1. Already canonical.
	if strings.Count(input, ":") == 2 {
		return domain.ParseCanonicalID(input)
	}

	upper := strings.ToUpper(input)
	if h.Type == "" {
		if id, ok := c.t.disambiguation[upper]; ok {
			return id, nil
		}
	}

	// 2. Strip decorations.
	p, err := c.strip(input, upper)
	if err != nil {
		return domain.CanonicalID{}, err
	}
	if p.market != "" && h.Market != "" && p.market != h.Market {
		return domain.CanonicalID{}, &domain.SymbolError{Kind: domain.ErrMalformedCode, Input: raw,
			Detail: "symbol belongs to " + string(p.market) + ", hint says " + string(h.Market)}
	}
	if p.market == "" {
		p.market = h.Market
	}

	// 3. Market inference from the code shape.
	if p.market == "" {
		m, err := c.inferMarket(p, h)
		if err != nil {
			return domain.CanonicalID{}, err
		}
		p.market = m
	}

	code, err := normalizeCode(p)
	if err != nil {
		return domain.CanonicalID{}, err
	}
	p.code = code

	// 4. Type inference.
	typ, err := c.inferType(p, h)
	if err != nil {
		return domain.CanonicalID{}, err
	}

	id := domain.CanonicalID{Market: p.market, Type: typ, Code: p.code}
	if err := id.Validate(); err != nil {
		return domain.CanonicalID{}, err
	}
	return id, nil
}

func (c *Canonicalizer) strip(input, upper string) (parsed, error) {
	p := parsed{input: input, code: upper}

	if strings.HasPrefix(p.code, "^") {
		p.caret = true
		p.code = strings.TrimPrefix(p.code, "^")
	}
	if strings.Contains(p.code, "/") {
		p.code = strings.ReplaceAll(p.code, "/", "-")
		p.market = domain.MarketCrypto
		return p, nil
	}

	// east-money secid: "1.600519", "116.00700", "105.AAPL"
	if head, tail, ok := strings.Cut(p.code, "."); ok && domain.IsDigits(head) && tail != "" {
		if sm, known := secidMarkets[head]; known {
			p.market, p.exchange, p.code = sm.market, sm.exchange, tail
			if head == "100" {
				p.caret = true
			}
			return p, nil
		}
	}

	for suffix, exch := range cnSuffixes {
		if strings.HasSuffix(p.code, suffix) {
			p.code = strings.TrimSuffix(p.code, suffix)
			p.market, p.exchange = domain.MarketCN, exch
			return p, nil
		}
	}
	if strings.HasSuffix(p.code, ".HK") {
		p.code = strings.TrimSuffix(p.code, ".HK")
		p.market = domain.MarketHK
		return p, nil
	}
	for _, suffix := range usSuffixes {
		if strings.HasSuffix(p.code, suffix) && len(p.code) > len(suffix) {
			base := strings.TrimSuffix(p.code, suffix)
			if domain.IsDigits(base) {
				continue
			}
			p.code = base
			p.market = domain.MarketUS
			switch suffix {
			case ".OQ", ".O":
				p.exchange = "NASDAQ"
			case ".N":
				p.exchange = "NYSE"
			}
			return p, nil
		}
	}

	// sina/tencent prefixes: sh600519, sz000001, bj830799, hk00700, gb_aapl
	if len(p.code) == 8 && domain.IsDigits(p.code[2:]) {
		if exch, ok := cnPrefixes[p.code[:2]]; ok {
			p.code = p.code[2:]
			p.market, p.exchange = domain.MarketCN, exch
			return p, nil
		}
	}
	if strings.HasPrefix(p.code, "HK") && len(p.code) > 2 && domain.IsDigits(p.code[2:]) {
		p.code = p.code[2:]
		p.market = domain.MarketHK
		return p, nil
	}
	if strings.HasPrefix(p.code, "GB_") && len(p.code) > 3 {
		p.code = strings.ReplaceAll(p.code[3:], "$", ".")
		p.market = domain.MarketUS
		return p, nil
	}
	return p, nil
}

func (c *Canonicalizer) inferMarket(p parsed, h Hints) (domain.Market, error) {
	code := p.code
	if h.Type == domain.AssetCrypto {
		return domain.MarketCrypto, nil
	}
	if base, quote, ok := strings.Cut(code, "-"); ok && base != "" && has(c.t.cryptoQuotes, quote) && !domain.IsDigits(base) {
		return domain.MarketCrypto, nil
	}

	if domain.IsDigits(code) {
		switch {
		case len(code) == 6:
			return domain.MarketCN, nil
		case len(code) == 5:
			return domain.MarketHK, nil
		case len(code) <= 4:
			candidate := domain.CanonicalID{Market: domain.MarketHK, Type: domain.AssetStock, Code: padHK(code)}
			return "", &domain.SymbolError{Kind: domain.ErrAmbiguousSymbol, Input: p.input,
				Candidates: []domain.CanonicalID{candidate}, Detail: "short numeric code needs a market hint"}
		default:
			return "", &domain.SymbolError{Kind: domain.ErrMalformedCode, Input: p.input, Detail: "numeric code of unsupported length"}
		}
	}

	if c.t.IsIndex(domain.MarketHK, code) && !(p.caret && c.t.IsIndex(domain.MarketUS, code)) {
		return domain.MarketHK, nil
	}
	if isTickerShape(code) {
		return domain.MarketUS, nil
	}
	return "", &domain.SymbolError{Kind: domain.ErrMalformedCode, Input: p.input}
}

func normalizeCode(p parsed) (string, error) {
	code := p.code
	switch p.market {
	case domain.MarketHK:
		if domain.IsDigits(code) {
			if len(code) == 6 && code[0] == '0' {
				code = code[1:]
			}
			if len(code) > 5 {
				return "", &domain.SymbolError{Kind: domain.ErrMalformedCode, Input: p.input, Detail: "HK codes have at most 5 digits"}
			}
			return padHK(code), nil
		}
	case domain.MarketCN:
		if !domain.IsDigits(code) || len(code) != 6 {
			return "", &domain.SymbolError{Kind: domain.ErrMalformedCode, Input: p.input, Detail: "CN codes are 6 digits"}
		}
	case domain.MarketCrypto:
		if !strings.Contains(code, "-") {
			code += "-USD"
		}
	case domain.MarketUS:
		// share classes: BRK-B and BRK/B are stored as BRK.B
		if base, class, ok := strings.Cut(code, "-"); ok && len(class) == 1 && base != "" {
			code = base + "." + class
		}
	}
	return code, nil
}

func (c *Canonicalizer) inferType(p parsed, h Hints) (domain.AssetType, error) {
	m, code := p.market, p.code

	if m == domain.MarketCrypto {
		if h.Type != "" && h.Type != domain.AssetCrypto {
			return "", &domain.SymbolError{Kind: domain.ErrUnknownAssetType, Input: p.input, Detail: "crypto pairs are CRYPTO"}
		}
		return domain.AssetCrypto, nil
	}
	if h.Type == domain.AssetCrypto {
		return "", &domain.SymbolError{Kind: domain.ErrUnknownAssetType, Input: p.input, Detail: "CRYPTO type outside the crypto market"}
	}

	// ETFs are forced to ETF whatever the hint says.
	if c.t.IsETF(m, code) && h.Type != domain.AssetIndex {
		return domain.AssetETF, nil
	}

	switch m {
	case domain.MarketCN:
		return c.inferCNType(p, h)
	case domain.MarketHK:
		if !domain.IsDigits(code) {
			if c.t.IsIndex(m, code) || h.Type == domain.AssetIndex {
				return domain.AssetIndex, nil
			}
			return "", &domain.SymbolError{Kind: domain.ErrUnknownAssetType, Input: p.input, Detail: "alphabetic HK code is not a known index"}
		}
	case domain.MarketUS:
		if p.caret {
			return domain.AssetIndex, nil
		}
	}
	if h.Type != "" {
		return h.Type, nil
	}
	return domain.AssetStock, nil
}

// inferCNType separates Shanghai indices (000xxx on SH) and Shenzhen indices
// (399xxx) from Shenzhen stocks that share the 000 prefix.
func (c *Canonicalizer) inferCNType(p parsed, h Hints) (domain.AssetType, error) {
	code := p.code
	switch p.exchange {
	case "SH":
		if strings.HasPrefix(code, "000") || strings.HasPrefix(code, "880") {
			return domain.AssetIndex, nil
		}
	case "SZ":
		if h.Type == "" && !strings.HasPrefix(code, "399") {
			return domain.AssetStock, nil
		}
	}
	// 399xxx is the Shenzhen index range whatever the hint says.
	if strings.HasPrefix(code, "399") {
		return domain.AssetIndex, nil
	}
	if h.Type != "" {
		return h.Type, nil
	}
	if p.caret {
		return domain.AssetIndex, nil
	}
	if c.t.IsIndex(domain.MarketCN, code) {
		if p.exchange == "SH" {
			return domain.AssetIndex, nil
		}
		return "", &domain.SymbolError{
			Kind:  domain.ErrAmbiguousSymbol,
			Input: p.input,
			Candidates: []domain.CanonicalID{
				{Market: domain.MarketCN, Type: domain.AssetIndex, Code: code},
				{Market: domain.MarketCN, Type: domain.AssetStock, Code: code},
			},
			Detail: "index and stock share this code; pass an asset type hint or exchange suffix",
		}
	}
	return domain.AssetStock, nil
}

// ReportingCurrency is the currency an asset's fundamentals are expected in.
// HK-listed mainland companies report in CNY only when on the curated list.
func (c *Canonicalizer) ReportingCurrency(id domain.CanonicalID) string {
	if id.Market == domain.MarketHK && has(c.t.hkCNY, id.Code) {
		return "CNY"
	}
	return id.TradingCurrency()
}

func padHK(code string) string {
	code = strings.TrimSpace(code)
	for len(code) < 5 {
		code = "0" + code
	}
	return code
}

func isTickerShape(s string) bool {
	if s == "" || len(s) > 10 {
		return false
	}
	if s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case (ch == '.' || ch == '-') && i < len(s)-1:
		default:
			return false
		}
	}
	return true
}
