package tencent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/source"
)

func testClient() *source.Client {
	return source.NewClient(config.HTTPClient{RetryAttempts: 1, Timeout: time.Second}, nil)
}

// qtLine builds a qt response with the given fields set.
func qtLine(symbol string, fields map[int]string) string {
	f := make([]string, 50)
	for i, v := range fields {
		f[i] = v
	}
	return "v_" + symbol + `="` + strings.Join(f, "~") + `";`
}

func TestFetchSpotCN(t *testing.T) {
	body := qtLine("sh600519", map[int]string{
		1: "MOUTAI", 2: "600519", 3: "1688.00", 4: "1677.00", 5: "1680.00", 6: "23110",
		30: "20240308150003", 31: "11.00", 32: "0.66", 33: "1699.90", 34: "1675.50",
		37: "390000", 39: "24.50", 44: "21200", 46: "8.10",
	})
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(body))
	}))
	defer srv.Close()

	a := New(testClient(), srv.URL, srv.URL)
	req := source.Request{ID: domain.MustCanonicalID("CN:STOCK:600519"), Symbol: "sh600519", Period: domain.PeriodSpot}
	res, err := a.FetchSpot(context.Background(), req)
	if err != nil {
		t.Fatalf("FetchSpot: %v", err)
	}
	if path != "/q=sh600519" {
		t.Errorf("path = %q", path)
	}
	s := res.Frame.Spot
	if s.Close != 1688 || s.Volume != 2311000 {
		t.Errorf("close %v volume %v", s.Close, s.Volume)
	}
	if s.Turnover.Float64 != 3.9e9 || s.MarketCap.Float64 != 2.12e12 {
		t.Errorf("turnover %v market cap %v", s.Turnover, s.MarketCap)
	}
	if want := time.Date(2024, 3, 8, 15, 0, 3, 0, time.UTC); !s.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v", s.Timestamp)
	}
}

func TestDecodeSpotHK(t *testing.T) {
	body := qtLine("hk00700", map[int]string{
		3: "300.200", 4: "296.800", 5: "296.800", 6: "25000000",
		30: "2024/03/08 16:08:11", 31: "3.400", 32: "1.15", 33: "301.000", 34: "295.400",
		37: "7500000000", 39: "-3.0",
	})
	s, err := decodeSpot(body, domain.MarketHK, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if s.Volume != 25000000 || s.Turnover.Float64 != 7.5e9 {
		t.Errorf("HK volume and amount must not be rescaled: %+v", s)
	}
	if s.PE.Valid {
		t.Errorf("negative pe should be null")
	}
}

func TestShortLineRejected(t *testing.T) {
	if _, err := decodeSpot(`v_sh600519="1~x~600519";`, domain.MarketCN, time.UTC); err == nil {
		t.Error("expected error for truncated line")
	}
	if _, err := decodeSpot(`v_pv_none_match="1";`, domain.MarketCN, time.UTC); err == nil {
		t.Error("expected error for unknown symbol")
	}
}

func TestFetchIntraday(t *testing.T) {
	body := `{"code":0,"msg":"","data":{"hk00700":{"data":{"data":[
"0930 296.800 100000 29680000.00","0931 297.000 160000 47500000.00","0932 296.600 150000 44000000.00"],
"date":"20240308"},"qt":{}}}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	a := New(testClient(), srv.URL, srv.URL)
	req := source.Request{ID: domain.MustCanonicalID("HK:STOCK:00700"), Symbol: "hk00700", Period: domain.PeriodMinute}
	res, err := a.FetchIntraday(context.Background(), req)
	if err != nil {
		t.Fatalf("FetchIntraday: %v", err)
	}
	bars := res.Frame.Bars
	if len(bars) != 3 {
		t.Fatalf("got %d bars", len(bars))
	}
	if bars[0].Volume != 100000 || bars[1].Volume != 60000 {
		t.Errorf("volumes = %v, %v; want differenced", bars[0].Volume, bars[1].Volume)
	}
	// A cumulative counter that goes backwards yields zero, never negative.
	if bars[2].Volume != 0 {
		t.Errorf("volume = %v, want 0", bars[2].Volume)
	}
	if want := time.Date(2024, 3, 8, 9, 31, 0, 0, time.UTC); !bars[1].Timestamp.Equal(want) {
		t.Errorf("timestamp = %v", bars[1].Timestamp)
	}
	if string(res.Raw) != body {
		t.Error("minute body should be staged verbatim")
	}
}
