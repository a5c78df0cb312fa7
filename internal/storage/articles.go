package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"newsplatform/internal/model"
	"newsplatform/internal/relevance"
)

const articleColumns = `a.id, a.publisher_id, a.article_group_id, a.title, a.author, a.link, a.image_url,
	a.importance_type, a.content_type, a.extract_text, a.has_extract, a.ai_summary,
	a.full_text_html, a.full_text_text, a.has_full_text, a.pub_date, a.added_date, a.last_updated_date,
	a.read_later, a.archive, a.categories, a.language, a.guid, a.hash,
	a.publisher_article_position, a.min_feed_position, a.min_article_relevance, a.max_importance, a.mailto_link,
	p.id, p.name, p.link, p.renowned, p.paywall, p.language`

const articleFrom = " FROM articles a JOIN publishers p ON p.id = a.publisher_id"

func scanArticle(row scanner) (model.Article, error) {
	var (
		a                                          model.Article
		groupID                                    sql.NullInt64
		title, author, image, extract, summary     sql.NullString
		fullHTML, fullText, categories, lang, guid sql.NullString
		mailto                                     sql.NullString
		pubDate, added, updated                    sql.NullTime
		pubPos, minPos, maxImp                     sql.NullInt64
		minRel                                     sql.NullFloat64
	)
	if err := row.Scan(&a.ID, &a.PublisherID, &groupID, &title, &author, &a.Link, &image,
		&a.ImportanceType, &a.ContentType, &extract, &a.HasExtract, &summary,
		&fullHTML, &fullText, &a.HasFullText, &pubDate, &added, &updated,
		&a.ReadLater, &a.Archive, &categories, &lang, &guid, &a.Hash,
		&pubPos, &minPos, &minRel, &maxImp, &mailto,
		&a.Publisher.ID, &a.Publisher.Name, &a.Publisher.Link, &a.Publisher.Renowned, &a.Publisher.Paywall, &a.Publisher.Language); err != nil {
		return model.Article{}, err
	}
	a.GroupID = int64Ptr(groupID)
	a.Title = title.String
	a.Author = author.String
	a.ImageURL = image.String
	a.Extract = extract.String
	a.AISummary = summary.String
	a.FullTextHTML = fullHTML.String
	a.FullTextText = fullText.String
	a.Categories = categories.String
	a.Language = lang.String
	a.GUID = guid.String
	a.MailtoLink = mailto.String
	a.PubDate = timeOrZero(pubDate)
	a.AddedDate = timeOrZero(added)
	a.LastUpdatedDate = timeOrZero(updated)
	a.PublisherArticlePosition = intPtr(pubPos)
	a.MinFeedPosition = intPtr(minPos)
	a.MinArticleRelevance = floatPtr(minRel)
	a.MaxImportance = intPtr(maxImp)
	return a, nil
}

func (s *Store) queryArticles(ctx context.Context, q queryer, where string, args ...any) ([]model.Article, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+articleColumns+articleFrom+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	var out []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) queryArticle(ctx context.Context, q queryer, where string, args ...any) (model.Article, error) {
	a, err := scanArticle(q.QueryRowContext(ctx, "SELECT "+articleColumns+articleFrom+" "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Article{}, ErrNotFound
	}
	if err != nil {
		return model.Article{}, fmt.Errorf("get article: %w", err)
	}
	return a, nil
}

// GetArticle returns an article by id.
func (s *Store) GetArticle(ctx context.Context, id int64) (model.Article, error) {
	return s.queryArticle(ctx, s.db, "WHERE a.id = ?", id)
}

// FindArticleByGUID returns the oldest article with the given guid.
func (s *Store) FindArticleByGUID(ctx context.Context, guid string) (model.Article, error) {
	if guid == "" {
		return model.Article{}, ErrNotFound
	}
	return s.queryArticle(ctx, s.db, "WHERE a.guid = ? ORDER BY a.id LIMIT 1", model.Truncate(guid, 95))
}

// FindArticleByHash returns the oldest article with the given hash.
func (s *Store) FindArticleByHash(ctx context.Context, hash string) (model.Article, error) {
	if hash == "" {
		return model.Article{}, ErrNotFound
	}
	return s.queryArticle(ctx, s.db, "WHERE a.hash = ? ORDER BY a.id LIMIT 1", model.Truncate(hash, 100))
}

// ListArticles returns every stored article with its publisher.
func (s *Store) ListArticles(ctx context.Context) ([]model.Article, error) {
	return s.queryArticles(ctx, s.db, "ORDER BY a.id")
}

// CreateArticle inserts a new article. Added and updated dates default to now.
func (s *Store) CreateArticle(ctx context.Context, a model.Article) (model.Article, error) {
	var err error
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		a, err = s.createArticle(ctx, tx, a)
		return err
	})
	return a, err
}

func (s *Store) createArticle(ctx context.Context, q queryer, a model.Article) (model.Article, error) {
	now := time.Now()
	if a.AddedDate.IsZero() {
		a.AddedDate = now
	}
	if a.LastUpdatedDate.IsZero() {
		a.LastUpdatedDate = now
	}
	if err := s.prepareArticle(ctx, q, &a); err != nil {
		return model.Article{}, err
	}
	res, err := q.ExecContext(ctx, `
INSERT INTO articles (publisher_id, article_group_id, title, author, link, image_url, importance_type, content_type,
	extract_text, has_extract, ai_summary, full_text_html, full_text_text, has_full_text, pub_date, added_date,
	last_updated_date, read_later, archive, categories, language, guid, hash, publisher_article_position,
	min_feed_position, min_article_relevance, max_importance, mailto_link)
VALUES (`+placeholders(28)+`)`,
		a.PublisherID, nullInt64(a.GroupID), nullString(a.Title), nullString(a.Author), a.Link, nullString(a.ImageURL),
		a.ImportanceType, a.ContentType, nullString(a.Extract), a.HasExtract, nullString(a.AISummary),
		nullString(a.FullTextHTML), nullString(a.FullTextText), a.HasFullText, nullTime(a.PubDate), dbTime(a.AddedDate),
		dbTime(a.LastUpdatedDate), a.ReadLater, a.Archive, nullString(a.Categories), nullString(a.Language),
		nullString(a.GUID), a.Hash, nullInt(a.PublisherArticlePosition), nullInt(a.MinFeedPosition),
		nullFloat(a.MinArticleRelevance), nullInt(a.MaxImportance), nullString(a.MailtoLink))
	if err != nil {
		return model.Article{}, fmt.Errorf("create article: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return model.Article{}, fmt.Errorf("create article id: %w", err)
	}
	return s.queryArticle(ctx, q, "WHERE a.id = ?", a.ID)
}

// UpdateArticle writes every mutable column of an existing article and
// stamps its last updated date.
func (s *Store) UpdateArticle(ctx context.Context, a model.Article) (model.Article, error) {
	var err error
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		a, err = s.updateArticle(ctx, tx, a)
		return err
	})
	return a, err
}

func (s *Store) updateArticle(ctx context.Context, q queryer, a model.Article) (model.Article, error) {
	a.LastUpdatedDate = time.Now()
	if err := s.prepareArticle(ctx, q, &a); err != nil {
		return model.Article{}, err
	}
	res, err := q.ExecContext(ctx, `
UPDATE articles SET publisher_id = ?, article_group_id = ?, title = ?, author = ?, link = ?, image_url = ?,
	importance_type = ?, content_type = ?, extract_text = ?, has_extract = ?, ai_summary = ?, full_text_html = ?,
	full_text_text = ?, has_full_text = ?, pub_date = ?, last_updated_date = ?, read_later = ?, archive = ?,
	categories = ?, language = ?, guid = ?, hash = ?, publisher_article_position = ?, min_feed_position = ?,
	min_article_relevance = ?, max_importance = ?, mailto_link = ?
WHERE id = ?`,
		a.PublisherID, nullInt64(a.GroupID), nullString(a.Title), nullString(a.Author), a.Link, nullString(a.ImageURL),
		a.ImportanceType, a.ContentType, nullString(a.Extract), a.HasExtract, nullString(a.AISummary), nullString(a.FullTextHTML),
		nullString(a.FullTextText), a.HasFullText, nullTime(a.PubDate), dbTime(a.LastUpdatedDate), a.ReadLater, a.Archive,
		nullString(a.Categories), nullString(a.Language), nullString(a.GUID), a.Hash, nullInt(a.PublisherArticlePosition),
		nullInt(a.MinFeedPosition), nullFloat(a.MinArticleRelevance), nullInt(a.MaxImportance), nullString(a.MailtoLink),
		a.ID)
	if err != nil {
		return model.Article{}, fmt.Errorf("update article %d: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// MySQL reports 0 for unchanged rows, so confirm existence
		if _, err := s.queryArticle(ctx, q, "WHERE a.id = ?", a.ID); err != nil {
			return model.Article{}, err
		}
	}
	return s.queryArticle(ctx, q, "WHERE a.id = ?", a.ID)
}

// prepareArticle normalizes fields and refreshes the mailto link.
func (s *Store) prepareArticle(ctx context.Context, q queryer, a *model.Article) error {
	if a.Publisher.ID != a.PublisherID || a.Publisher.Name == "" {
		p, err := scanPublisher(q.QueryRowContext(ctx, "SELECT "+publisherColumns+" FROM publishers WHERE id = ?", a.PublisherID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("article publisher %d: %w", a.PublisherID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("article publisher: %w", err)
		}
		a.Publisher = p
	}
	a.MailtoLink = model.BuildMailtoLink(a.Publisher.Name, a.Title, a.Link)
	a.Normalize()
	return nil
}

// SetReadLater flags or unflags an article for later reading.
func (s *Store) SetReadLater(ctx context.Context, id int64, on bool) error {
	return s.execOne(ctx, "UPDATE articles SET read_later = ?, last_updated_date = ? WHERE id = ?", on, dbTime(time.Now()), id)
}

// SetArchive archives or unarchives an article. Archiving clears read later.
func (s *Store) SetArchive(ctx context.Context, id int64, on bool) error {
	if on {
		return s.execOne(ctx, "UPDATE articles SET archive = ?, read_later = ?, last_updated_date = ? WHERE id = ?", true, false, dbTime(time.Now()), id)
	}
	return s.execOne(ctx, "UPDATE articles SET archive = ?, last_updated_date = ? WHERE id = ?", false, dbTime(time.Now()), id)
}

// SetImageURL replaces an article image.
func (s *Store) SetImageURL(ctx context.Context, id int64, imageURL string) error {
	return s.execOne(ctx, "UPDATE articles SET image_url = ? WHERE id = ?", nullString(model.Truncate(imageURL, 400)), id)
}

// SetAISummary stores a generated summary.
func (s *Store) SetAISummary(ctx context.Context, id int64, summary string) error {
	return s.execOne(ctx, "UPDATE articles SET ai_summary = ?, last_updated_date = ? WHERE id = ?",
		nullString(model.TruncateSummary(summary, 750)), dbTime(time.Now()), id)
}

// SetCategories replaces the categories of an article.
func (s *Store) SetCategories(ctx context.Context, id int64, categories string) error {
	return s.execOne(ctx, "UPDATE articles SET categories = ?, last_updated_date = ? WHERE id = ?",
		nullString(model.Truncate(categories, 250)), dbTime(time.Now()), id)
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	id := args[len(args)-1]
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM articles WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find article: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update article: %w", err)
	}
	return nil
}

// RankingCandidates returns the articles placed in any feed of a publisher
// that take part in publisher re-ranking.
func (s *Store) RankingCandidates(ctx context.Context, publisherID int64) ([]relevance.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT a.id, a.min_feed_position, COALESCE(a.max_importance, 0), MIN(fp.relevance), COUNT(fp.id)
FROM articles a
JOIN feed_positions fp ON fp.article_id = a.id
JOIN feeds f ON f.id = fp.feed_id
WHERE f.publisher_id = ?
	AND a.content_type <> ?
	AND a.min_feed_position IS NOT NULL
	AND a.min_article_relevance IS NOT NULL
	AND fp.relevance IS NOT NULL
GROUP BY a.id, a.min_feed_position, a.max_importance`, publisherID, model.ContentVideo)
	if err != nil {
		return nil, fmt.Errorf("ranking candidates: %w", err)
	}
	defer rows.Close()

	var out []relevance.Candidate
	for rows.Next() {
		var c relevance.Candidate
		if err := rows.Scan(&c.ArticleID, &c.MinFeedPosition, &c.MaxImportance, &c.Relevance, &c.FeedCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ApplyRanks stores publisher positions and re-ranked relevance.
func (s *Store) ApplyRanks(ctx context.Context, ranks []relevance.Rank) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range ranks {
			if _, err := tx.ExecContext(ctx,
				"UPDATE articles SET publisher_article_position = ?, min_article_relevance = ? WHERE id = ?",
				r.Position, r.Relevance, r.ArticleID); err != nil {
				return fmt.Errorf("apply rank %d: %w", r.ArticleID, err)
			}
		}
		return nil
	})
}

// DeleteStaleArticles removes articles added before cutoff that are no longer
// in any feed, unless they are kept for later reading or archived.
func (s *Store) DeleteStaleArticles(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.collectIDs(ctx, s.db, `
SELECT a.id FROM articles a
WHERE a.min_article_relevance IS NULL
	AND a.added_date <= ?
	AND a.read_later = ?
	AND a.archive = ?
	AND NOT EXISTS (SELECT 1 FROM feed_positions fp WHERE fp.article_id = a.id)`,
		dbTime(cutoff), false, false)
	if err != nil {
		return 0, fmt.Errorf("find stale articles: %w", err)
	}
	if err := s.DeleteArticles(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DeleteArticles removes articles and their feed positions. Groups pointing
// at a deleted combined article lose that link.
func (s *Store) DeleteArticles(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	in := placeholders(len(ids))
	args := int64Args(ids)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM feed_positions WHERE article_id IN (" + in + ")",
			"UPDATE article_groups SET combined_article_id = NULL WHERE combined_article_id IN (" + in + ")",
			"DELETE FROM articles WHERE id IN (" + in + ")",
		} {
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("delete articles: %w", err)
			}
		}
		return nil
	})
}
