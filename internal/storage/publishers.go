package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"newsplatform/internal/model"
)

const publisherColumns = "id, name, link, renowned, paywall, language"

func scanPublisher(row scanner) (model.Publisher, error) {
	var p model.Publisher
	if err := row.Scan(&p.ID, &p.Name, &p.Link, &p.Renowned, &p.Paywall, &p.Language); err != nil {
		return model.Publisher{}, err
	}
	return p, nil
}

// CreatePublisher inserts a publisher and returns it with its id.
func (s *Store) CreatePublisher(ctx context.Context, p model.Publisher) (model.Publisher, error) {
	if p.Paywall == "" {
		p.Paywall = "N"
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO publishers (name, link, renowned, paywall, language) VALUES (?, ?, ?, ?, ?)",
		p.Name, p.Link, p.Renowned, p.Paywall, p.Language)
	if err != nil {
		return model.Publisher{}, fmt.Errorf("create publisher: %w", err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return model.Publisher{}, fmt.Errorf("create publisher id: %w", err)
	}
	return p, nil
}

// UpsertPublisher creates a publisher or updates the one with the same name.
func (s *Store) UpsertPublisher(ctx context.Context, p model.Publisher) (model.Publisher, error) {
	existing, err := scanPublisher(s.db.QueryRowContext(ctx,
		"SELECT "+publisherColumns+" FROM publishers WHERE name = ? LIMIT 1", p.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return s.CreatePublisher(ctx, p)
	}
	if err != nil {
		return model.Publisher{}, fmt.Errorf("find publisher: %w", err)
	}
	if p.Paywall == "" {
		p.Paywall = "N"
	}
	p.ID = existing.ID
	if _, err := s.db.ExecContext(ctx,
		"UPDATE publishers SET link = ?, renowned = ?, paywall = ?, language = ? WHERE id = ?",
		p.Link, p.Renowned, p.Paywall, p.Language, p.ID); err != nil {
		return model.Publisher{}, fmt.Errorf("update publisher: %w", err)
	}
	return p, nil
}

// GetPublisher returns a publisher by id.
func (s *Store) GetPublisher(ctx context.Context, id int64) (model.Publisher, error) {
	p, err := scanPublisher(s.db.QueryRowContext(ctx,
		"SELECT "+publisherColumns+" FROM publishers WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Publisher{}, ErrNotFound
	}
	if err != nil {
		return model.Publisher{}, fmt.Errorf("get publisher: %w", err)
	}
	return p, nil
}

// FindPublisherByDomain returns the first publisher whose link contains
// domain, ignoring case.
func (s *Store) FindPublisherByDomain(ctx context.Context, domain string) (model.Publisher, error) {
	p, err := scanPublisher(s.db.QueryRowContext(ctx,
		"SELECT "+publisherColumns+" FROM publishers WHERE LOWER(link) LIKE ? ORDER BY id LIMIT 1",
		"%"+strings.ToLower(domain)+"%"))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Publisher{}, ErrNotFound
	}
	if err != nil {
		return model.Publisher{}, fmt.Errorf("find publisher by domain: %w", err)
	}
	return p, nil
}

// ListPublishers returns all publishers ordered by id.
func (s *Store) ListPublishers(ctx context.Context) ([]model.Publisher, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+publisherColumns+" FROM publishers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list publishers: %w", err)
	}
	defer rows.Close()

	var out []model.Publisher
	for rows.Next() {
		p, err := scanPublisher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
