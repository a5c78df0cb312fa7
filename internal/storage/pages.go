package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"newsplatform/internal/model"
)

// UpsertPage creates a page or updates the one with the same name.
func (s *Store) UpsertPage(ctx context.Context, p model.Page) (model.Page, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM pages WHERE name = ? LIMIT 1", p.Name).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx, "INSERT INTO pages (name, position_index, url_parameters) VALUES (?, ?, ?)",
			p.Name, p.PositionIndex, p.URLParameters)
		if err != nil {
			return model.Page{}, fmt.Errorf("create page: %w", err)
		}
		if p.ID, err = res.LastInsertId(); err != nil {
			return model.Page{}, fmt.Errorf("create page id: %w", err)
		}
	case err != nil:
		return model.Page{}, fmt.Errorf("find page: %w", err)
	default:
		p.ID = id
		if _, err := s.db.ExecContext(ctx, "UPDATE pages SET position_index = ?, url_parameters = ? WHERE id = ?",
			p.PositionIndex, p.URLParameters, p.ID); err != nil {
			return model.Page{}, fmt.Errorf("update page: %w", err)
		}
	}
	return p, nil
}

// ListPages returns pages by descending position index.
func (s *Store) ListPages(ctx context.Context) ([]model.Page, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, position_index, url_parameters FROM pages ORDER BY position_index DESC, id")
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var out []model.Page
	for rows.Next() {
		var p model.Page
		if err := rows.Scan(&p.ID, &p.Name, &p.PositionIndex, &p.URLParameters); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
