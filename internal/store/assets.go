package store

import (
	"context"
	"fmt"

	"finbench/internal/domain"
)

// UpsertAsset inserts or updates a registry entry. AddedAt is kept from the
// first insert.
func (o ops) UpsertAsset(ctx context.Context, a domain.Asset) error {
	if err := a.ID.Validate(); err != nil {
		return err
	}
	kind := a.Kind
	if kind == "" {
		kind = domain.KindWatchlist
		if a.ID.Type == domain.AssetIndex {
			kind = domain.KindIndex
		}
	}
	added := a.AddedAt
	if added.IsZero() {
		added = o.now()
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO asset_registry (canonical_id, market, asset_type, code, display_name, kind, reporting_currency, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (canonical_id) DO UPDATE SET
			display_name       = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE display_name END,
			kind               = excluded.kind,
			reporting_currency = CASE WHEN excluded.reporting_currency <> '' THEN excluded.reporting_currency ELSE reporting_currency END`,
		a.ID.String(), string(a.ID.Market), string(a.ID.Type), a.ID.Code,
		a.Name, string(kind), a.ReportingCurrency, formatInstant(added))
	if err != nil {
		return fmt.Errorf("upsert asset %s: %w", a.ID, err)
	}
	return nil
}

const assetColumns = `canonical_id, display_name, kind, reporting_currency, added_at`

func scanAsset(sc scanner) (domain.Asset, error) {
	var (
		a              domain.Asset
		id, kind, when string
	)
	if err := sc.Scan(&id, &a.Name, &kind, &a.ReportingCurrency, &when); err != nil {
		return a, err
	}
	parsed, err := domain.ParseCanonicalID(id)
	if err != nil {
		return a, err
	}
	a.ID = parsed
	a.Kind = domain.AssetKind(kind)
	a.AddedAt, err = parseInstant(when)
	return a, err
}

// GetAsset returns the entry for id or domain.ErrNotFound.
func (o ops) GetAsset(ctx context.Context, id domain.CanonicalID) (domain.Asset, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM asset_registry WHERE canonical_id = ?`, id.String())
	a, err := scanAsset(row)
	if err != nil {
		return domain.Asset{}, notFound(err)
	}
	return a, nil
}

// ListAssets returns registry entries ordered by id, optionally filtered by
// market.
func (o ops) ListAssets(ctx context.Context, market domain.Market) ([]domain.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM asset_registry`
	var args []any
	if market != "" {
		query += ` WHERE market = ?`
		args = append(args, string(market))
	}
	query += ` ORDER BY canonical_id`

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutSourceSymbols replaces the provider symbols recorded for an asset.
func (o ops) PutSourceSymbols(ctx context.Context, id domain.CanonicalID, symbols map[domain.Provider]string) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM source_symbols WHERE canonical_id = ?`, id.String()); err != nil {
		return err
	}
	for p, sym := range symbols {
		if _, err := o.q.ExecContext(ctx,
			`INSERT INTO source_symbols (canonical_id, provider, provider_symbol) VALUES (?, ?, ?)`,
			id.String(), string(p), sym); err != nil {
			return fmt.Errorf("source symbol %s/%s: %w", id, p, err)
		}
	}
	return nil
}

// SourceSymbols returns the provider symbols recorded for an asset.
func (o ops) SourceSymbols(ctx context.Context, id domain.CanonicalID) (map[domain.Provider]string, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT provider, provider_symbol FROM source_symbols WHERE canonical_id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Provider]string)
	for rows.Next() {
		var p, sym string
		if err := rows.Scan(&p, &sym); err != nil {
			return nil, err
		}
		out[domain.Provider(p)] = sym
	}
	return out, rows.Err()
}
