package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"finbench/internal/domain"
)

// ---------------------------------------------------------------------------
// JSON access
// ---------------------------------------------------------------------------

// ParseJSON decodes raw into generic values, keeping numbers as json.Number
// so they round-trip exactly.
func ParseJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

// Path evaluates a JSONPath expression against a parsed document.
func Path(doc any, expr string) (any, error) {
	v, err := jsonpath.Get(expr, doc)
	if err != nil {
		return nil, fmt.Errorf("jsonpath %s: %w", expr, err)
	}
	return v, nil
}

// PathList evaluates expr and requires a list result.
func PathList(doc any, expr string) ([]any, error) {
	v, err := Path(doc, expr)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("jsonpath %s: got %T, want list", expr, v)
	}
	return list, nil
}

// PathFloat evaluates expr and parses the result as a number.
func PathFloat(doc any, expr string) null.Float {
	v, err := jsonpath.Get(expr, doc)
	if err != nil {
		return null.Float{}
	}
	return Number(v)
}

// ---------------------------------------------------------------------------
// Scalar coercion
// ---------------------------------------------------------------------------

var unitSuffixes = []struct {
	suffix string
	mult   decimal.Decimal
}{
	{"万亿", decimal.New(1, 12)},
	{"亿", decimal.New(1, 8)},
	{"万", decimal.New(1, 4)},
	{"B", decimal.New(1, 9)},
	{"M", decimal.New(1, 6)},
	{"K", decimal.New(1, 3)},
}

// ParseNumber coerces a provider value to float64. Strings go through
// decimal parsing and accept thousands separators, a trailing percent sign
// and Chinese unit suffixes. Placeholders ("-", "--", "", "None") and
// non-finite values are rejected.
func ParseNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		return parseDecimal(string(x))
	case string:
		return parseDecimal(x)
	case map[string]any:
		// Yahoo wraps values as {"raw": 1.5, "fmt": "1.50"}.
		if raw, ok := x["raw"]; ok {
			return ParseNumber(raw)
		}
	}
	return 0, false
}

// Number is ParseNumber as a nullable float.
func Number(v any) null.Float {
	f, ok := ParseNumber(v)
	if !ok {
		return null.Float{}
	}
	return null.FloatFrom(f)
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "-", "--", "None", "null", "NaN", "nan", "N/A":
		return 0, false
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, "%")
	mult := decimal.New(1, 0)
	for _, u := range unitSuffixes {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSuffix(s, u.suffix)
			mult = u.mult
			break
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	f, _ := d.Mul(mult).Float64()
	return finite(f)
}

// ParseTime coerces a provider time value to a naive timestamp in loc.
// Strings without a zone are taken as already market-local; zoned strings
// and epoch numbers (seconds or milliseconds) are converted.
func ParseTime(v any, loc *time.Location) (time.Time, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return domain.InLocation(t, loc), nil
		}
		if domain.IsDigits(s) && len(s) >= 9 && len(s) != 14 && !looksLikeDate(s) {
			n, _ := strconv.ParseInt(s, 10, 64)
			return fromEpoch(n, loc), nil
		}
		if len(s) == 14 && domain.IsDigits(s) {
			// Compact yyyyMMddHHmmss as used by tencent quotes.
			return time.Parse("20060102150405", s)
		}
		return domain.ParseTimestamp(s)
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return time.Time{}, fmt.Errorf("bad epoch %q", x)
			}
			n = int64(f)
		}
		return fromEpoch(n, loc), nil
	case float64:
		return fromEpoch(int64(x), loc), nil
	case int64:
		return fromEpoch(x, loc), nil
	case time.Time:
		return domain.InLocation(x, loc), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value %T", v)
}

func looksLikeDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	_, err := time.Parse("20060102", s)
	return err == nil
}

func fromEpoch(n int64, loc *time.Location) time.Time {
	if n > 1e12 {
		return domain.InLocation(time.UnixMilli(n), loc)
	}
	return domain.InLocation(time.Unix(n, 0), loc)
}

// ---------------------------------------------------------------------------
// Record decoding
// ---------------------------------------------------------------------------

// FieldAliases lists the column names providers use for each bar field.
var FieldAliases = map[string][]string{
	"ts":       {"时间", "日期", "timestamp", "Date", "date", "day", "t", "datetime", "time"},
	"open":     {"开盘", "open", "o", "Open"},
	"high":     {"最高", "high", "h", "High"},
	"low":      {"最低", "low", "l", "Low"},
	"close":    {"收盘", "close", "c", "Close", "最新价", "price"},
	"volume":   {"成交量", "volume", "v", "Volume"},
	"turnover": {"成交额", "amount", "turnover", "Amount"},
}

func lookup(row map[string]any, field string) (any, bool) {
	for _, k := range FieldAliases[field] {
		if v, ok := row[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// DecodeRecords maps generic row objects to bars using FieldAliases. Rows
// without a timestamp or a positive close are dropped, as are rows with
// non-numeric prices.
func DecodeRecords(rows []any, loc *time.Location) ([]domain.Bar, error) {
	bars := make([]domain.Bar, 0, len(rows))
	for i, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("row %d: got %T, want object", i, r)
		}
		tv, ok := lookup(row, "ts")
		if !ok {
			continue
		}
		ts, err := ParseTime(tv, loc)
		if err != nil {
			continue
		}
		b := domain.Bar{Timestamp: ts}
		var okO, okH, okL, okC bool
		if v, ok := lookup(row, "open"); ok {
			b.Open, okO = ParseNumber(v)
		}
		if v, ok := lookup(row, "high"); ok {
			b.High, okH = ParseNumber(v)
		}
		if v, ok := lookup(row, "low"); ok {
			b.Low, okL = ParseNumber(v)
		}
		if v, ok := lookup(row, "close"); ok {
			b.Close, okC = ParseNumber(v)
		}
		if !(okO && okH && okL && okC) {
			continue
		}
		if v, ok := lookup(row, "volume"); ok {
			b.Volume, _ = ParseNumber(v)
		}
		if v, ok := lookup(row, "turnover"); ok {
			b.Turnover = Number(v)
		}
		bars = append(bars, b)
	}
	return CleanBars(bars), nil
}

// CleanBars drops unusable bars, sorts by timestamp and keeps the last bar
// of any duplicated timestamp.
func CleanBars(bars []domain.Bar) []domain.Bar {
	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		if !b.Usable() || !finiteBar(b) {
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	dedup := out[:0]
	for i, b := range out {
		if i+1 < len(out) && out[i+1].Timestamp.Equal(b.Timestamp) {
			continue
		}
		dedup = append(dedup, b)
	}
	return dedup
}

func finiteBar(b domain.Bar) bool {
	for _, f := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return false
		}
	}
	return true
}

// Field returns one value of a row by exact key.
func Field(row map[string]any, key string) null.Float {
	return Number(row[key])
}

// Text returns a row value as a trimmed string.
func Text(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case nil:
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
