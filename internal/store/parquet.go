package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/parquet-go/parquet-go"

	"finbench/internal/domain"
)

// Compile-time interface check.
var _ DailyArchive = (*ParquetStore)(nil)

// ParquetStore archives canonical daily bars as Parquet files on disk, one
// file per asset and year.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// DailyRecord is the Parquet schema for canonical daily bars. Timestamp is
// the naive market-local session close.
type DailyRecord struct {
	CanonicalID   string   `parquet:"canonical_id"`
	Timestamp     int64    `parquet:"timestamp,timestamp(millisecond)"`
	Open          float64  `parquet:"open"`
	High          float64  `parquet:"high"`
	Low           float64  `parquet:"low"`
	Close         float64  `parquet:"close"`
	Volume        float64  `parquet:"volume"`
	Turnover      *float64 `parquet:"turnover,optional"`
	PrevClose     *float64 `parquet:"prev_close,optional"`
	Change        *float64 `parquet:"change,optional"`
	PctChange     *float64 `parquet:"pct_change,optional"`
	PE            *float64 `parquet:"pe,optional"`
	PB            *float64 `parquet:"pb,optional"`
	PETTM         *float64 `parquet:"pe_ttm,optional"`
	PS            *float64 `parquet:"ps,optional"`
	DividendYield *float64 `parquet:"dividend_yield,optional"`
	EPS           *float64 `parquet:"eps,optional"`
	MarketCap     *float64 `parquet:"market_cap,optional"`
	DataSource    string   `parquet:"data_source"`
}

func toRecord(b domain.DailyBar) DailyRecord {
	return DailyRecord{
		CanonicalID:   b.CanonicalID.String(),
		Timestamp:     b.Timestamp.UnixMilli(),
		Open:          b.Open,
		High:          b.High,
		Low:           b.Low,
		Close:         b.Close,
		Volume:        b.Volume,
		Turnover:      b.Turnover.Ptr(),
		PrevClose:     b.PrevClose.Ptr(),
		Change:        b.Change.Ptr(),
		PctChange:     b.PctChange.Ptr(),
		PE:            b.PE.Ptr(),
		PB:            b.PB.Ptr(),
		PETTM:         b.PETTM.Ptr(),
		PS:            b.PS.Ptr(),
		DividendYield: b.DividendYield.Ptr(),
		EPS:           b.EPS.Ptr(),
		MarketCap:     b.MarketCap.Ptr(),
		DataSource:    string(b.DataSource),
	}
}

func fromRecord(r DailyRecord) (domain.DailyBar, error) {
	id, err := domain.ParseCanonicalID(r.CanonicalID)
	if err != nil {
		return domain.DailyBar{}, err
	}
	return domain.DailyBar{
		CanonicalID:   id,
		Timestamp:     time.UnixMilli(r.Timestamp).UTC(),
		Open:          r.Open,
		High:          r.High,
		Low:           r.Low,
		Close:         r.Close,
		Volume:        r.Volume,
		Turnover:      null.FloatFromPtr(r.Turnover),
		PrevClose:     null.FloatFromPtr(r.PrevClose),
		Change:        null.FloatFromPtr(r.Change),
		PctChange:     null.FloatFromPtr(r.PctChange),
		PE:            null.FloatFromPtr(r.PE),
		PB:            null.FloatFromPtr(r.PB),
		PETTM:         null.FloatFromPtr(r.PETTM),
		PS:            null.FloatFromPtr(r.PS),
		DividendYield: null.FloatFromPtr(r.DividendYield),
		EPS:           null.FloatFromPtr(r.EPS),
		MarketCap:     null.FloatFromPtr(r.MarketCap),
		DataSource:    domain.Provider(r.DataSource),
	}, nil
}

// ---------------------------------------------------------------------------
// DailyArchive implementation
// ---------------------------------------------------------------------------

// WriteDaily merges bars into the archive. Each asset+year combination is a
// separate file at:
//
//	<DataDir>/<market>/daily/<TYPE>_<CODE>/<YYYY>.parquet
func (s *ParquetStore) WriteDaily(_ context.Context, bars []domain.DailyBar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		id   domain.CanonicalID
		year int
	}
	groups := make(map[key][]DailyRecord)
	for _, b := range bars {
		k := key{id: b.CanonicalID, year: b.Timestamp.Year()}
		groups[k] = append(groups[k], toRecord(b))
	}

	for k, records := range groups {
		path := s.dailyPath(k.id, k.year)

		// Read existing records to merge.
		existing, err := readParquetFile[DailyRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading archive %s: %w", path, err)
		}
		merged := mergeDailyRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing archive for %s/%d: %w", k.id, k.year, err)
		}
	}
	return nil
}

// ReadDaily reads archived bars for id within [start, end].
func (s *ParquetStore) ReadDaily(_ context.Context, id domain.CanonicalID, start, end time.Time) ([]domain.DailyBar, error) {
	var bars []domain.DailyBar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[DailyRecord](s.dailyPath(id, year))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			b, err := fromRecord(r)
			if err != nil {
				return nil, err
			}
			bars = append(bars, b)
		}
	}
	return bars, nil
}

// ListArchived lists the assets that have archived bars in the market.
func (s *ParquetStore) ListArchived(_ context.Context, market domain.Market) ([]domain.CanonicalID, error) {
	dir := filepath.Join(s.DataDir, strings.ToLower(string(market)), "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []domain.CanonicalID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		typ, code, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		id, err := domain.NewCanonicalID(market, domain.AssetType(typ), code)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// dailyPath returns the filesystem path for an archive file.
// Layout: <dataDir>/<market>/daily/<TYPE>_<CODE>/<YYYY>.parquet
func (s *ParquetStore) dailyPath(id domain.CanonicalID, year int) string {
	dir := string(id.Type) + "_" + id.Code
	return filepath.Join(s.DataDir, strings.ToLower(string(id.Market)), "daily", dir, fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeDailyRecords deduplicates records by (canonical_id, timestamp),
// preferring incoming records over existing ones.
func mergeDailyRecords(existing, incoming []DailyRecord) []DailyRecord {
	type key struct {
		id string
		ts int64
	}
	seen := make(map[key]DailyRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.CanonicalID, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.CanonicalID, r.Timestamp}] = r
	}

	merged := make([]DailyRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
