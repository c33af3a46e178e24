package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"finbench/internal/domain"
)

// InsertRaw appends a payload and returns its id. The payload must be valid
// JSON; the column check rejects anything else. Failed fetches are staged
// already processed with their note.
func (o ops) InsertRaw(ctx context.Context, p domain.RawPayload) (int64, error) {
	if len(p.Payload) == 0 {
		return 0, domain.ErrEmptyPayload
	}
	market := p.Market
	if market == "" {
		market = p.CanonicalID.Market
	}
	fetched := p.FetchTime
	if fetched.IsZero() {
		fetched = o.now()
	}
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO raw_market_data (canonical_id, market, provider, period, fetch_time, payload, processed, error_note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.CanonicalID.String(), string(market), string(p.Provider), string(p.Period),
		formatInstant(fetched), string(p.Payload), p.Processed,
		sql.NullString{String: p.ErrorNote, Valid: p.ErrorNote != ""})
	if err != nil {
		return 0, fmt.Errorf("insert raw %s/%s: %w", p.CanonicalID, p.Provider, err)
	}
	return res.LastInsertId()
}

const rawColumns = `id, canonical_id, market, provider, period, fetch_time, payload, processed, error_note`

func scanRaw(sc scanner) (domain.RawPayload, error) {
	var (
		p                                   domain.RawPayload
		id, market, provider, period, fetch string
		payload                             string
		note                                sql.NullString
	)
	if err := sc.Scan(&p.ID, &id, &market, &provider, &period, &fetch, &payload, &p.Processed, &note); err != nil {
		return p, err
	}
	cid, err := domain.ParseCanonicalID(id)
	if err != nil {
		return p, err
	}
	p.CanonicalID = cid
	p.Market = domain.Market(market)
	p.Provider = domain.Provider(provider)
	p.Period = domain.Period(period)
	p.Payload = json.RawMessage(payload)
	p.ErrorNote = note.String
	p.FetchTime, err = parseInstant(fetch)
	return p, err
}

// GetRaw returns one payload or domain.ErrNotFound.
func (o ops) GetRaw(ctx context.Context, id int64) (domain.RawPayload, error) {
	p, err := scanRaw(o.q.QueryRowContext(ctx, `SELECT `+rawColumns+` FROM raw_market_data WHERE id = ?`, id))
	if err != nil {
		return domain.RawPayload{}, notFound(err)
	}
	return p, nil
}

func (o ops) listRaw(ctx context.Context, where string, limit int) ([]domain.RawPayload, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+rawColumns+` FROM raw_market_data WHERE `+where+` ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RawPayload
	for rows.Next() {
		p, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPendingRaw returns fresh payloads: unprocessed and never failed.
func (o ops) ListPendingRaw(ctx context.Context, limit int) ([]domain.RawPayload, error) {
	return o.listRaw(ctx, `processed = 0 AND error_note IS NULL`, limit)
}

// ListFailedRaw returns unprocessed payloads that carry an error note.
func (o ops) ListFailedRaw(ctx context.Context, limit int) ([]domain.RawPayload, error) {
	return o.listRaw(ctx, `processed = 0 AND error_note IS NOT NULL`, limit)
}

// MarkRawProcessed sets processed=1. A non-empty note replaces the error
// note; an empty one clears it.
func (o ops) MarkRawProcessed(ctx context.Context, id int64, note string) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE raw_market_data SET processed = 1, error_note = ? WHERE id = ?`,
		sql.NullString{String: note, Valid: note != ""}, id)
	if err != nil {
		return fmt.Errorf("mark raw %d processed: %w", id, err)
	}
	return expectOne(res)
}

// SetRawError records a failure note, leaving the payload unprocessed for
// retry.
func (o ops) SetRawError(ctx context.Context, id int64, note string) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE raw_market_data SET error_note = ? WHERE id = ?`,
		sql.NullString{String: note, Valid: note != ""}, id)
	if err != nil {
		return fmt.Errorf("set raw %d error: %w", id, err)
	}
	return expectOne(res)
}

// RawStats counts payloads by state.
type RawStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// RawStats summarizes the landing table.
func (o ops) RawStats(ctx context.Context) (RawStats, error) {
	var s RawStats
	err := o.q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN processed = 0 AND error_note IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN processed = 0 AND error_note IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM raw_market_data`).Scan(&s.Total, &s.Pending, &s.Failed)
	return s, err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
