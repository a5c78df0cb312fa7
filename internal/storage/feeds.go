package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"newsplatform/internal/model"
)

const feedColumns = `f.id, f.publisher_id, f.name, f.url, f.active, f.feed_type, f.importance, f.ordering,
	f.full_text_fetch, f.source_categories, f.last_fetched,
	p.id, p.name, p.link, p.renowned, p.paywall, p.language`

const feedFrom = " FROM feeds f JOIN publishers p ON p.id = f.publisher_id"

func scanFeed(row scanner) (model.Feed, error) {
	var (
		f           model.Feed
		categories  sql.NullString
		lastFetched sql.NullTime
	)
	if err := row.Scan(&f.ID, &f.PublisherID, &f.Name, &f.URL, &f.Active, &f.FeedType, &f.Importance, &f.Ordering,
		&f.FullTextFetch, &categories, &lastFetched,
		&f.Publisher.ID, &f.Publisher.Name, &f.Publisher.Link, &f.Publisher.Renowned, &f.Publisher.Paywall, &f.Publisher.Language); err != nil {
		return model.Feed{}, err
	}
	f.SourceCategories = categories.String
	f.LastFetched = timeOrZero(lastFetched)
	return f, nil
}

// FeedFilter selects feeds for ListFeeds.
type FeedFilter struct {
	Active    *bool
	RSSOnly   bool
	VideoOnly bool
}

// ListFeeds returns feeds with their publisher, ordered by id.
func (s *Store) ListFeeds(ctx context.Context, filter FeedFilter) ([]model.Feed, error) {
	query := "SELECT " + feedColumns + feedFrom + " WHERE 1 = 1"
	var args []any
	if filter.Active != nil {
		query += " AND f.active = ?"
		args = append(args, *filter.Active)
	}
	if filter.RSSOnly {
		query += " AND f.feed_type = ?"
		args = append(args, model.FeedRSS)
	}
	if filter.VideoOnly {
		query += " AND f.feed_type <> ?"
		args = append(args, model.FeedRSS)
	}
	query += " ORDER BY f.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var out []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFeed returns a feed by id.
func (s *Store) GetFeed(ctx context.Context, id int64) (model.Feed, error) {
	f, err := scanFeed(s.db.QueryRowContext(ctx, "SELECT "+feedColumns+feedFrom+" WHERE f.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Feed{}, ErrNotFound
	}
	if err != nil {
		return model.Feed{}, fmt.Errorf("get feed: %w", err)
	}
	return f, nil
}

// UpsertFeed creates a feed or updates the one with the same URL.
func (s *Store) UpsertFeed(ctx context.Context, f model.Feed) (model.Feed, error) {
	if f.FeedType == "" {
		f.FeedType = model.FeedRSS
	}
	if f.Ordering == "" {
		f.Ordering = model.OrderRanked
	}
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM feeds WHERE url = ? LIMIT 1", f.URL).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx, `
INSERT INTO feeds (publisher_id, name, url, active, feed_type, importance, ordering, full_text_fetch, source_categories)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.PublisherID, f.Name, f.URL, f.Active, f.FeedType, f.Importance, f.Ordering, f.FullTextFetch, nullString(f.SourceCategories))
		if err != nil {
			return model.Feed{}, fmt.Errorf("create feed: %w", err)
		}
		if f.ID, err = res.LastInsertId(); err != nil {
			return model.Feed{}, fmt.Errorf("create feed id: %w", err)
		}
	case err != nil:
		return model.Feed{}, fmt.Errorf("find feed: %w", err)
	default:
		f.ID = id
		if _, err := s.db.ExecContext(ctx, `
UPDATE feeds SET publisher_id = ?, name = ?, active = ?, feed_type = ?, importance = ?, ordering = ?,
	full_text_fetch = ?, source_categories = ?
WHERE id = ?`,
			f.PublisherID, f.Name, f.Active, f.FeedType, f.Importance, f.Ordering, f.FullTextFetch, nullString(f.SourceCategories), f.ID); err != nil {
			return model.Feed{}, fmt.Errorf("update feed: %w", err)
		}
	}
	return s.GetFeed(ctx, f.ID)
}

// MarkFeedFetched records the latest change time seen for a feed.
func (s *Store) MarkFeedFetched(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE feeds SET last_fetched = ? WHERE id = ?", nullTime(at), id); err != nil {
		return fmt.Errorf("mark feed fetched: %w", err)
	}
	return nil
}
