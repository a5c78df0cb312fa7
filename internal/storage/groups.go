package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"newsplatform/internal/model"
)

// CreateGroup inserts an empty article group.
func (s *Store) CreateGroup(ctx context.Context) (model.ArticleGroup, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO article_groups (combined_article_id) VALUES (NULL)")
	if err != nil {
		return model.ArticleGroup{}, fmt.Errorf("create group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ArticleGroup{}, fmt.Errorf("create group id: %w", err)
	}
	return model.ArticleGroup{ID: id}, nil
}

// GetGroup returns a group by id.
func (s *Store) GetGroup(ctx context.Context, id int64) (model.ArticleGroup, error) {
	var (
		g        model.ArticleGroup
		combined sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, "SELECT id, combined_article_id FROM article_groups WHERE id = ?", id).Scan(&g.ID, &combined)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ArticleGroup{}, ErrNotFound
	}
	if err != nil {
		return model.ArticleGroup{}, fmt.Errorf("get group: %w", err)
	}
	g.CombinedArticleID = int64Ptr(combined)
	return g, nil
}

// ListGroups returns all groups ordered by id.
func (s *Store) ListGroups(ctx context.Context) ([]model.ArticleGroup, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, combined_article_id FROM article_groups ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []model.ArticleGroup
	for rows.Next() {
		var (
			g        model.ArticleGroup
			combined sql.NullInt64
		)
		if err := rows.Scan(&g.ID, &combined); err != nil {
			return nil, err
		}
		g.CombinedArticleID = int64Ptr(combined)
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteGroups removes groups together with their combined articles.
// Member articles stay and lose their group.
func (s *Store) DeleteGroups(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	in := placeholders(len(ids))
	args := int64Args(ids)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		combined, err := s.collectIDs(ctx, tx,
			"SELECT combined_article_id FROM article_groups WHERE combined_article_id IS NOT NULL AND id IN ("+in+")", args...)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE articles SET article_group_id = NULL WHERE article_group_id IN ("+in+")", args...); err != nil {
			return fmt.Errorf("detach group members: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM article_groups WHERE id IN ("+in+")", args...); err != nil {
			return fmt.Errorf("delete groups: %w", err)
		}
		if len(combined) == 0 {
			return nil
		}
		cin := placeholders(len(combined))
		cargs := int64Args(combined)
		if _, err := tx.ExecContext(ctx, "DELETE FROM feed_positions WHERE article_id IN ("+cin+")", cargs...); err != nil {
			return fmt.Errorf("delete combined positions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM articles WHERE id IN ("+cin+")", cargs...); err != nil {
			return fmt.Errorf("delete combined articles: %w", err)
		}
		return nil
	})
}

// SetArticleGroup assigns an article to a group, or detaches it when groupID
// is nil.
func (s *Store) SetArticleGroup(ctx context.Context, articleID int64, groupID *int64) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE articles SET article_group_id = ? WHERE id = ?", nullInt64(groupID), articleID); err != nil {
		return fmt.Errorf("set article group: %w", err)
	}
	return nil
}

// GroupMembers returns the articles of a group, most relevant first.
func (s *Store) GroupMembers(ctx context.Context, groupID int64) ([]model.Article, error) {
	return s.queryArticles(ctx, s.db,
		"WHERE a.article_group_id = ? AND a.content_type <> ? ORDER BY (a.min_article_relevance IS NULL), a.min_article_relevance, a.id",
		groupID, model.ContentGroup)
}

// SetCombinedArticle points a group at its combined article.
func (s *Store) SetCombinedArticle(ctx context.Context, groupID, articleID int64) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE article_groups SET combined_article_id = ? WHERE id = ?", articleID, groupID); err != nil {
		return fmt.Errorf("set combined article: %w", err)
	}
	return nil
}

// DeleteEmptyGroups removes groups without member articles.
func (s *Store) DeleteEmptyGroups(ctx context.Context) (int, error) {
	ids, err := s.collectIDs(ctx, s.db, `
SELECT g.id FROM article_groups g
WHERE NOT EXISTS (SELECT 1 FROM articles a WHERE a.article_group_id = g.id AND a.content_type <> ?)`, model.ContentGroup)
	if err != nil {
		return 0, err
	}
	return len(ids), s.DeleteGroups(ctx, ids)
}

// DeleteOrphanGroupArticles removes combined articles no group points at.
func (s *Store) DeleteOrphanGroupArticles(ctx context.Context) (int, error) {
	ids, err := s.collectIDs(ctx, s.db, `
SELECT a.id FROM articles a
WHERE a.content_type = ?
	AND NOT EXISTS (SELECT 1 FROM article_groups g WHERE g.combined_article_id = a.id)`, model.ContentGroup)
	if err != nil {
		return 0, err
	}
	return len(ids), s.DeleteArticles(ctx, ids)
}

// RefreshGroupStats copies the best member position, relevance and
// importance of every group onto its combined article.
func (s *Store) RefreshGroupStats(ctx context.Context) (int, error) {
	groups, err := s.ListGroups(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, g := range groups {
		if g.CombinedArticleID == nil {
			continue
		}
		var (
			pubPos, minPos, maxImp sql.NullInt64
			minRel                 sql.NullFloat64
		)
		if err := s.db.QueryRowContext(ctx, `
SELECT MIN(publisher_article_position), MIN(min_feed_position), MIN(min_article_relevance), MAX(max_importance)
FROM articles WHERE article_group_id = ? AND content_type <> ?`, g.ID, model.ContentGroup).
			Scan(&pubPos, &minPos, &minRel, &maxImp); err != nil {
			return updated, fmt.Errorf("group stats %d: %w", g.ID, err)
		}
		if _, err := s.db.ExecContext(ctx, `
UPDATE articles SET publisher_article_position = ?, min_feed_position = ?, min_article_relevance = ?, max_importance = ?
WHERE id = ?`,
			nullInt(intPtr(pubPos)), nullInt(intPtr(minPos)), nullFloat(floatPtr(minRel)), nullInt(intPtr(maxImp)),
			*g.CombinedArticleID); err != nil {
			return updated, fmt.Errorf("update group stats %d: %w", g.ID, err)
		}
		updated++
	}
	return updated, nil
}
