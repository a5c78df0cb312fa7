package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"newsplatform/internal/model"
)

// UpsertMarketGroup creates a market group or updates the one with the same name.
func (s *Store) UpsertMarketGroup(ctx context.Context, g model.MarketGroup) (model.MarketGroup, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM market_groups WHERE name = ? LIMIT 1", g.Name).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx, "INSERT INTO market_groups (name, position) VALUES (?, ?)", g.Name, g.Position)
		if err != nil {
			return model.MarketGroup{}, fmt.Errorf("create market group: %w", err)
		}
		if g.ID, err = res.LastInsertId(); err != nil {
			return model.MarketGroup{}, fmt.Errorf("create market group id: %w", err)
		}
	case err != nil:
		return model.MarketGroup{}, fmt.Errorf("find market group: %w", err)
	default:
		g.ID = id
		if _, err := s.db.ExecContext(ctx, "UPDATE market_groups SET position = ? WHERE id = ?", g.Position, g.ID); err != nil {
			return model.MarketGroup{}, fmt.Errorf("update market group: %w", err)
		}
	}
	return g, nil
}

// UpsertMarketSource creates a source or updates the one with the same
// ticker and data source.
func (s *Store) UpsertMarketSource(ctx context.Context, src model.MarketSource) (model.MarketSource, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM market_sources WHERE ticker = ? AND data_source = ? LIMIT 1",
		src.Ticker, src.DataSource).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx,
			"INSERT INTO market_sources (group_id, name, ticker, data_source, pinned) VALUES (?, ?, ?, ?, ?)",
			src.GroupID, src.Name, src.Ticker, src.DataSource, src.Pinned)
		if err != nil {
			return model.MarketSource{}, fmt.Errorf("create market source: %w", err)
		}
		if src.ID, err = res.LastInsertId(); err != nil {
			return model.MarketSource{}, fmt.Errorf("create market source id: %w", err)
		}
	case err != nil:
		return model.MarketSource{}, fmt.Errorf("find market source: %w", err)
	default:
		src.ID = id
		if _, err := s.db.ExecContext(ctx, "UPDATE market_sources SET group_id = ?, name = ?, pinned = ? WHERE id = ?",
			src.GroupID, src.Name, src.Pinned, src.ID); err != nil {
			return model.MarketSource{}, fmt.Errorf("update market source: %w", err)
		}
	}
	return src, nil
}

const marketSourceColumns = `s.id, s.group_id, s.name, s.ticker, s.data_source, s.pinned, g.id, g.name, g.position`

func scanMarketSource(row scanner, extra ...any) (model.MarketSource, error) {
	var src model.MarketSource
	dest := append([]any{&src.ID, &src.GroupID, &src.Name, &src.Ticker, &src.DataSource, &src.Pinned,
		&src.Group.ID, &src.Group.Name, &src.Group.Position}, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.MarketSource{}, err
	}
	return src, nil
}

// ListMarketSources returns every source with its group.
func (s *Store) ListMarketSources(ctx context.Context) ([]model.MarketSource, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+marketSourceColumns+
		" FROM market_sources s JOIN market_groups g ON g.id = s.group_id ORDER BY g.position, s.id")
	if err != nil {
		return nil, fmt.Errorf("list market sources: %w", err)
	}
	defer rows.Close()

	var out []model.MarketSource
	for rows.Next() {
		src, err := scanMarketSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// AddMarketEntry stores one observation. RefDateTime defaults to now.
func (s *Store) AddMarketEntry(ctx context.Context, e model.MarketEntry) (model.MarketEntry, error) {
	if e.RefDateTime.IsZero() {
		e.RefDateTime = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO market_entries (source_id, price, change_today, market_closed, ref_date_time) VALUES (?, ?, ?, ?, ?)",
		e.SourceID, e.Price, e.ChangeToday, e.MarketClosed, dbTime(e.RefDateTime))
	if err != nil {
		return model.MarketEntry{}, fmt.Errorf("add market entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return model.MarketEntry{}, fmt.Errorf("add market entry id: %w", err)
	}
	e.RefDateTime = dbTime(e.RefDateTime)
	return e, nil
}

// LatestMarketEntries returns the newest entry of every source ordered by
// group position, pinned first, then daily change.
func (s *Store) LatestMarketEntries(ctx context.Context) ([]model.MarketEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+marketSourceColumns+`, e.id, e.price, e.change_today, e.market_closed, e.ref_date_time
FROM market_entries e
JOIN market_sources s ON s.id = e.source_id
JOIN market_groups g ON g.id = s.group_id
WHERE e.id = (SELECT MAX(e2.id) FROM market_entries e2 WHERE e2.source_id = e.source_id)
ORDER BY g.position, s.pinned DESC, e.change_today`)
	if err != nil {
		return nil, fmt.Errorf("latest market entries: %w", err)
	}
	defer rows.Close()

	var out []model.MarketEntry
	for rows.Next() {
		var e model.MarketEntry
		src, err := scanMarketSource(rows, &e.ID, &e.Price, &e.ChangeToday, &e.MarketClosed, &e.RefDateTime)
		if err != nil {
			return nil, err
		}
		e.Source = src
		e.SourceID = src.ID
		e.RefDateTime = e.RefDateTime.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteMarketEntriesBefore removes observations at or before cutoff.
func (s *Store) DeleteMarketEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM market_entries WHERE ref_date_time <= ?", dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete market entries: %w", err)
	}
	return res.RowsAffected()
}
