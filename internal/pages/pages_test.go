package pages

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsplatform/internal/model"
)

type fakeStore struct {
	articles []model.Article
	pages    []model.Page
	loads    int
}

func (f *fakeStore) ListArticles(context.Context) ([]model.Article, error) {
	f.loads++
	out := make([]model.Article, len(f.articles))
	copy(out, f.articles)
	return out, nil
}

func (f *fakeStore) ListPages(context.Context) ([]model.Page, error) { return f.pages, nil }

func (f *fakeStore) SetReadLater(_ context.Context, id int64, on bool) error {
	for i := range f.articles {
		if f.articles[i].ID == id {
			f.articles[i].ReadLater = on
		}
	}
	return nil
}

func (f *fakeStore) SetArchive(_ context.Context, id int64, on bool) error {
	for i := range f.articles {
		if f.articles[i].ID == id {
			f.articles[i].Archive = on
			if on {
				f.articles[i].ReadLater = false
			}
		}
	}
	return nil
}

var now = time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)

func rel(v float64) *float64 { return &v }

func article(id int64, relevance float64, categories string) model.Article {
	return model.Article{
		ID:                  id,
		Title:               "Article",
		Categories:          categories,
		Language:            "en-GB",
		ContentType:         model.ContentArticle,
		MinArticleRelevance: rel(relevance),
		PubDate:             now.Add(-time.Hour),
		AddedDate:           now.Add(-time.Duration(id) * time.Minute),
		LastUpdatedDate:     now.Add(-time.Duration(id) * time.Minute),
		Publisher:           model.Publisher{Name: "Planet", Paywall: "Y"},
	}
}

func ids(articles []model.Article) []int64 {
	out := make([]int64, 0, len(articles))
	for _, a := range articles {
		out = append(out, a.ID)
	}
	return out
}

func newService(store Store, opts Options) *Service {
	s := NewService(store, opts, logr.Discard())
	s.now = func() time.Time { return now }
	return s
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery("?categories=tech&categories=ai&page=3&special=free-only&empty=")
	require.NoError(t, err)
	assert.Equal(t, 3, q.Page)
	assert.Equal(t, []string{"tech", "ai"}, q.Params["categories"])
	assert.NotContains(t, q.Params, "page")
	assert.NotContains(t, q.Params, "empty")
	assert.Equal(t, "categories=tech&categories=ai&special=free-only|page=3", q.Key())

	q, err = ParseQuery("page=-2")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Page)
}

func TestConvertValue(t *testing.T) {
	assert.Equal(t, int64(3), convertValue("3"))
	assert.Equal(t, 2.5, convertValue("2.5"))
	assert.Equal(t, true, convertValue("True"))
	assert.Equal(t, false, convertValue("false"))
	assert.Nil(t, convertValue("null"))
	assert.Equal(t, "tech", convertValue("tech"))
}

func TestDefaultViewOrderingAndSidebar(t *testing.T) {
	a1 := article(1, 5, "FRONTPAGE")
	a2 := article(2, 1, "FRONTPAGE")
	a3 := article(3, 3, "SIDEBAR")
	a4 := article(4, 0, "FRONTPAGE")
	a4.MinArticleRelevance = nil
	store := &fakeStore{articles: []model.Article{a1, a2, a3, a4}}

	res, err := newService(store, Options{}).Articles(context.Background(), Query{}, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 4}, ids(res.Articles))
}

func TestFieldFiltersAreOredAndIgnoredWhenUnmatched(t *testing.T) {
	a1 := article(1, 1, "Tech")
	a2 := article(2, 2, "AI")
	a3 := article(3, 3, "Sport")
	store := &fakeStore{articles: []model.Article{a1, a2, a3}}
	s := newService(store, Options{})

	q, _ := ParseQuery("categories=tech&categories=ai")
	res, err := s.Articles(context.Background(), q, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(res.Articles))

	q, _ = ParseQuery("categories=tech&title=nothing-matches")
	res, err = s.Articles(context.Background(), q, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(res.Articles))

	q, _ = ParseQuery("id=3")
	res, err = s.Articles(context.Background(), q, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(res.Articles))
}

func TestSpecialFilters(t *testing.T) {
	free := article(1, 1, "FRONTPAGE")
	free.HasFullText = true
	paywalled := article(2, 2, "FRONTPAGE")
	side := article(3, 3, "SIDEBAR")
	oldSide := article(4, 4, "SIDEBAR")
	oldSide.PubDate = now.Add(-6 * 24 * time.Hour)
	store := &fakeStore{articles: []model.Article{free, paywalled, side, oldSide}}
	s := newService(store, Options{})

	q, _ := ParseQuery("special=free-only")
	res, err := s.Articles(context.Background(), q, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(res.Articles))

	q, _ = ParseQuery("special=sidebar")
	res, err = s.Articles(context.Background(), q, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(res.Articles))
}

func TestLanguageRestriction(t *testing.T) {
	en := article(1, 1, "")
	de := article(2, 2, "")
	de.Language = "de"
	store := &fakeStore{articles: []model.Article{en, de}}
	s := newService(store, Options{Languages: []string{"en"}})

	res, err := s.Articles(context.Background(), Query{}, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(res.Articles))

	q, _ := ParseQuery("language=de")
	res, err = s.Articles(context.Background(), q, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(res.Articles))
}

func TestGroupedAndUngroupedViews(t *testing.T) {
	group := int64(9)
	member1 := article(1, 1, "")
	member1.GroupID = &group
	member2 := article(2, 2, "")
	member2.GroupID = &group
	combined := article(3, 1, "")
	combined.ContentType = model.ContentGroup
	store := &fakeStore{articles: []model.Article{member1, member2, combined}}
	s := newService(store, Options{})

	res, err := s.Articles(context.Background(), Query{}, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(res.Articles))

	res, err = s.Articles(context.Background(), Query{Ungrouped: true}, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(res.Articles))
}

func TestPagingAndCache(t *testing.T) {
	var articles []model.Article
	for i := 1; i <= 5; i++ {
		articles = append(articles, article(int64(i), float64(i), ""))
	}
	store := &fakeStore{articles: articles}
	s := newService(store, Options{PageSize: 2})
	ctx := context.Background()

	res, err := s.Articles(ctx, Query{Page: 3}, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids(res.Articles))

	res, err = s.Articles(ctx, Query{Page: 9}, false)
	require.NoError(t, err)
	assert.Empty(t, res.Articles)

	loads := store.loads
	_, err = s.Articles(ctx, Query{Page: 3}, false)
	require.NoError(t, err)
	assert.Equal(t, loads, store.loads)

	_, err = s.Articles(ctx, Query{Page: 3}, true)
	require.NoError(t, err)
	assert.Equal(t, loads+1, store.loads)
}

func TestReadLaterRecachesViews(t *testing.T) {
	a1 := article(1, 1, "")
	a2 := article(2, 2, "")
	store := &fakeStore{articles: []model.Article{a1, a2}}
	s := newService(store, Options{})
	ctx := context.Background()

	q, _ := ParseQuery("read_later=true")
	res, err := s.Articles(ctx, q, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(res.Articles))

	require.NoError(t, s.SetReadLater(ctx, 2, true))
	res, err = s.Articles(ctx, q, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(res.Articles))

	require.NoError(t, s.SetArchive(ctx, 2, true))
	res, err = s.Articles(ctx, q, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(res.Articles))
}

func TestPageArticles(t *testing.T) {
	a1 := article(1, 1, "Tech")
	a2 := article(2, 2, "Sport")
	store := &fakeStore{
		articles: []model.Article{a1, a2},
		pages: []model.Page{
			{Name: "Tech", PositionIndex: 2, URLParameters: "categories=tech"},
			{Name: "Home", PositionIndex: 1, URLParameters: ""},
		},
	}
	lists, err := newService(store, Options{}).PageArticles(context.Background())
	require.NoError(t, err)
	require.Len(t, lists, 2)
	assert.Equal(t, []int64{1}, ids(lists[0]))
	assert.Equal(t, []int64{1, 2}, ids(lists[1]))
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache[int]()
	at := now
	c.now = func() time.Time { return at }
	c.Set("a", 1, time.Minute)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []string{"a"}, c.Keys())

	at = at.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Empty(t, c.Keys())
}
