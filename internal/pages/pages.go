// Package pages answers article view queries with filtering, ordering,
// paging and a per-view cache.
package pages

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"newsplatform/internal/model"
)

const (
	DefaultPageSize = 72

	firstPageTTL = 48 * time.Hour
	otherPageTTL = 10 * time.Minute
	registryTTL  = 48 * time.Hour
)

// Store is the storage the views read from.
type Store interface {
	ListArticles(ctx context.Context) ([]model.Article, error)
	ListPages(ctx context.Context) ([]model.Page, error)
	SetReadLater(ctx context.Context, id int64, on bool) error
	SetArchive(ctx context.Context, id int64, on bool) error
}

// Options configure a Service.
type Options struct {
	PageSize  int
	Languages []string // nil allows every language
	Location  *time.Location
}

// Result is one page of a view.
type Result struct {
	Key      string          `json:"key"`
	Page     int             `json:"page"`
	Articles []model.Article `json:"articles"`
}

// Service serves article views.
type Service struct {
	store  Store
	opts   Options
	cache  *Cache[[]model.Article]
	views  *Cache[Query]
	logger logr.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store Store, opts Options, logger logr.Logger) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{
		store:  store,
		opts:   opts,
		cache:  NewCache[[]model.Article](),
		views:  NewCache[Query](),
		logger: logger.WithName("pages"),
		now:    time.Now,
	}
}

// Articles returns one page of the view described by q, from the cache
// unless force is set.
func (s *Service) Articles(ctx context.Context, q Query, force bool) (Result, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Params == nil {
		q.Params = map[string][]string{}
	}
	key := q.Key()
	s.views.Set(key, q, registryTTL)

	if !force {
		if articles, ok := s.cache.Get(key); ok {
			return Result{Key: key, Page: q.Page, Articles: articles}, nil
		}
	}

	all, err := s.store.ListArticles(ctx)
	if err != nil {
		return Result{}, err
	}
	sel := selection{languages: s.opts.Languages, location: s.opts.Location, now: s.now()}
	articles := paginate(sel.apply(all, q), q.Page, s.opts.PageSize)

	ttl := otherPageTTL
	if q.Page == 1 {
		ttl = firstPageTTL
	}
	s.cache.Set(key, articles, ttl)
	s.logger.V(1).Info("loaded view from database", "key", key, "articles", len(articles))
	return Result{Key: key, Page: q.Page, Articles: articles}, nil
}

func paginate(articles []model.Article, page, size int) []model.Article {
	lower := (page - 1) * size
	if lower >= len(articles) {
		return []model.Article{}
	}
	upper := min(lower+size, len(articles))
	return articles[lower:upper]
}

// Recache reloads every registered view whose key satisfies match, or every
// view when match is nil.
func (s *Service) Recache(ctx context.Context, match func(key string) bool) error {
	for _, key := range s.views.Keys() {
		if match != nil && !match(key) {
			continue
		}
		q, ok := s.views.Get(key)
		if !ok {
			continue
		}
		if _, err := s.Articles(ctx, q, true); err != nil {
			return err
		}
	}
	return nil
}

// SetReadLater flags an article for later reading and reloads read-later views.
func (s *Service) SetReadLater(ctx context.Context, id int64, on bool) error {
	if err := s.store.SetReadLater(ctx, id, on); err != nil {
		return err
	}
	return s.Recache(ctx, func(key string) bool { return strings.Contains(key, "read_later") })
}

// SetArchive archives an article and reloads archive and read-later views.
func (s *Service) SetArchive(ctx context.Context, id int64, on bool) error {
	if err := s.store.SetArchive(ctx, id, on); err != nil {
		return err
	}
	return s.Recache(ctx, func(key string) bool {
		return strings.Contains(key, "archive") || strings.Contains(key, "read_later")
	})
}

// PageArticles returns the first page of every saved page, ungrouped and
// freshly loaded, highest position index first.
func (s *Service) PageArticles(ctx context.Context) ([][]model.Article, error) {
	saved, err := s.store.ListPages(ctx)
	if err != nil {
		return nil, err
	}
	var out [][]model.Article
	for _, p := range saved {
		q, err := ParseQuery(p.URLParameters)
		if err != nil {
			s.logger.Error(err, "skipping page with invalid parameters", "page", p.Name)
			continue
		}
		q.Ungrouped = true
		res, err := s.Articles(ctx, q, true)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Articles)
	}
	return out, nil
}
