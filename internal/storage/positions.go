package storage

import (
	"context"
	"database/sql"
	"fmt"

	"newsplatform/internal/model"
)

// SaveFeedPosition stores where an article appeared in a feed and refreshes
// the article's min position, min relevance and max importance.
func (s *Store) SaveFeedPosition(ctx context.Context, pos model.FeedPosition) (model.FeedPosition, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO feed_positions (feed_id, article_id, position, importance, relevance) VALUES (?, ?, ?, ?, ?)",
			pos.FeedID, pos.ArticleID, pos.Position, pos.Importance, pos.Relevance)
		if err != nil {
			return fmt.Errorf("save feed position: %w", err)
		}
		if pos.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("save feed position id: %w", err)
		}
		return s.refreshPositionStats(ctx, tx, pos.ArticleID)
	})
	return pos, err
}

// DeleteFeedPositions removes every position of a feed and refreshes the
// affected articles.
func (s *Store) DeleteFeedPositions(ctx context.Context, feedID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ids, err := s.collectIDs(ctx, tx, "SELECT DISTINCT article_id FROM feed_positions WHERE feed_id = ?", feedID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM feed_positions WHERE feed_id = ?", feedID); err != nil {
			return fmt.Errorf("delete feed positions: %w", err)
		}
		for _, id := range ids {
			if err := s.refreshPositionStats(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// FeedPositions returns the positions of an article.
func (s *Store) FeedPositions(ctx context.Context, articleID int64) ([]model.FeedPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, feed_id, article_id, position, importance, COALESCE(relevance, 0) FROM feed_positions WHERE article_id = ? ORDER BY position",
		articleID)
	if err != nil {
		return nil, fmt.Errorf("feed positions: %w", err)
	}
	defer rows.Close()

	var out []model.FeedPosition
	for rows.Next() {
		var p model.FeedPosition
		if err := rows.Scan(&p.ID, &p.FeedID, &p.ArticleID, &p.Position, &p.Importance, &p.Relevance); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TopPositionHash reports whether an article with the given hash is currently
// at position 1 of the feed.
func (s *Store) TopPositionHash(ctx context.Context, feedID int64, hash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM feed_positions fp JOIN articles a ON a.id = fp.article_id
WHERE fp.feed_id = ? AND fp.position = 1 AND a.hash = ?`, feedID, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("top position: %w", err)
	}
	return n > 0, nil
}

func (s *Store) refreshPositionStats(ctx context.Context, q queryer, articleID int64) error {
	var (
		minPos, maxImp sql.NullInt64
		minRel         sql.NullFloat64
	)
	if err := q.QueryRowContext(ctx,
		"SELECT MIN(position), MIN(relevance), MAX(importance) FROM feed_positions WHERE article_id = ?",
		articleID).Scan(&minPos, &minRel, &maxImp); err != nil {
		return fmt.Errorf("position stats %d: %w", articleID, err)
	}
	if _, err := q.ExecContext(ctx,
		"UPDATE articles SET min_feed_position = ?, min_article_relevance = ?, max_importance = ? WHERE id = ?",
		nullInt(intPtr(minPos)), nullFloat(floatPtr(minRel)), nullInt(intPtr(maxImp)), articleID); err != nil {
		return fmt.Errorf("update position stats %d: %w", articleID, err)
	}
	return nil
}

func (s *Store) collectIDs(ctx context.Context, q queryer, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("collect ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
