package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsplatform/internal/model"
	"newsplatform/internal/notify"
	"newsplatform/internal/rss"
	"newsplatform/internal/scrape"
	"newsplatform/internal/storage"
)

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

type countingGrouper struct{ calls int }

func (g *countingGrouper) FindGroupedArticles(context.Context) (int, error) {
	g.calls++
	return 0, nil
}

var articlePage = `<html><head>
<title>Page title</title>
<meta property="og:image" content="https://img.example.com/og.jpg">
<meta property="og:description" content="From the page">
</head><body><nav><a href="/">Home</a></nav><article><h1>Page title</h1>` +
	strings.Repeat("<p>The council met late into the evening and approved the budget after a long debate about schools, roads and housing.</p>", 8) +
	`</article></body></html>`

// newsServer serves the feed returned by body and a page for every other path.
func newsServer(t *testing.T, body func(base string) string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".xml") {
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, body(srv.URL))
			return
		}
		fmt.Fprint(w, articlePage)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newIngester(t *testing.T, srv *httptest.Server, notifier notify.Notifier, grouper Grouper) (*Ingester, *storage.Store) {
	t.Helper()
	store, err := storage.OpenSQLite(context.Background(), ":memory:", logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	in := New(store,
		rss.NewFetcher("", srv.Client(), logr.Discard()),
		scrape.New(srv.Client(), 1000),
		nil, notifier, grouper,
		Options{Location: time.UTC, FullTextFetch: true, YouTubeFeedBase: srv.URL + "/feeds/videos.xml"},
		logr.Discard())
	return in, store
}

func addFeed(t *testing.T, store *storage.Store, f model.Feed) model.Feed {
	t.Helper()
	ctx := context.Background()
	p, err := store.UpsertPublisher(ctx, model.Publisher{Name: "Daily Planet", Link: "https://www.dailyplanet.com", Renowned: 2, Language: "en"})
	require.NoError(t, err)
	f.PublisherID = p.ID
	f.Active = true
	if f.Name == "" {
		f.Name = "Front"
	}
	out, err := store.UpsertFeed(ctx, f)
	require.NoError(t, err)
	return out
}

func aggregatorFeed(base string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Front</title>
<pubDate>Tue, 12 Mar 2024 09:30:00 GMT</pubDate>
<item>
  <title>Council approves budget</title>
  <link>` + base + `/budget</link>
  <guid>budget-1</guid>
  <description>&lt;p&gt;The council approved the budget.&lt;/p&gt;</description>
  <pubDate>Tue, 12 Mar 2024 08:00:00 GMT</pubDate>
  <category>Politics</category>
</item>
<item>
  <title>Markets rally</title>
  <link>` + base + `/rally</link>
  <guid>rally-1</guid>
  <pubDate>Tue, 12 Mar 2024 07:00:00 GMT</pubDate>
  <source url="https://www.reuters.com">Reuters</source>
</item>
</channel></rss>`
}

func TestFetchFeed(t *testing.T) {
	srv := newsServer(t, aggregatorFeed)
	in, store := newIngester(t, srv, nil, nil)
	ctx := context.Background()
	feed := addFeed(t, store, model.Feed{URL: srv.URL + "/front.xml", Importance: 2, SourceCategories: "FRONTPAGE", FullTextFetch: true})

	res, err := in.FetchFeed(ctx, feed, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, time.Date(2024, 3, 12, 9, 30, 0, 0, time.UTC), res.LastUpdated.UTC())

	articles, err := store.ListArticles(ctx)
	require.NoError(t, err)
	require.Len(t, articles, 2)

	budget := articles[0]
	assert.Equal(t, "Council approves budget", budget.Title)
	assert.Equal(t, "The council approved the budget.", budget.Extract)
	assert.Equal(t, "https://img.example.com/og.jpg", budget.ImageURL)
	assert.Equal(t, "FRONTPAGE;Politics", budget.Categories)
	assert.Equal(t, ArticleHash(srv.URL+"/budget"), budget.Hash)
	assert.Equal(t, "Daily Planet", budget.Publisher.Name)
	assert.True(t, budget.HasFullText)
	assert.Contains(t, budget.FullTextText, "approved the budget after a long debate")
	require.NotNil(t, budget.MinFeedPosition)
	assert.Equal(t, 1, *budget.MinFeedPosition)
	assert.NotNil(t, budget.MinArticleRelevance)

	rally := articles[1]
	assert.Equal(t, "Reuters", rally.Publisher.Name)
	assert.Equal(t, -2, rally.Publisher.Renowned)
	assert.Equal(t, "From the page", rally.Extract)

	res, err = in.FetchFeed(ctx, feed, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 2, res.Unchanged)

	require.NoError(t, store.MarkFeedFetched(ctx, feed.ID, res.LastUpdated))
	feed, err = store.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	res, err = in.FetchFeed(ctx, feed, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	res, err = in.FetchFeed(ctx, feed, true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.Unchanged)
}

func TestFetchFeedPushesBreakingNews(t *testing.T) {
	pub := time.Now().UTC().Add(-time.Hour).Format(time.RFC1123Z)
	srv := newsServer(t, func(base string) string {
		return `<?xml version="1.0"?><rss version="2.0"><channel><title>Live</title>
<item><title>Earthquake hits coast</title><link>` + base + `/quake</link><guid>quake</guid>
<pubDate>` + pub + `</pubDate><category>Breaking</category></item>
</channel></rss>`
	})
	rec := &recorder{}
	in, store := newIngester(t, srv, rec, nil)
	ctx := context.Background()
	feed := addFeed(t, store, model.Feed{URL: srv.URL + "/live.xml", Importance: 2, SourceCategories: "FRONTPAGE"})

	_, err := in.FetchFeed(ctx, feed, false)
	require.NoError(t, err)
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "Daily Planet #Breaking", rec.msgs[0].Head)
	assert.Equal(t, "Earthquake hits coast", rec.msgs[0].Body)
	assert.Equal(t, notify.DefaultTTL, rec.msgs[0].TTL)

	_, err = in.FetchFeed(ctx, feed, true)
	require.NoError(t, err)
	assert.Len(t, rec.msgs, 1)
}

func TestUpdateFeeds(t *testing.T) {
	srv := newsServer(t, aggregatorFeed)
	grouper := &countingGrouper{}
	in, store := newIngester(t, srv, nil, grouper)
	ctx := context.Background()
	feed := addFeed(t, store, model.Feed{URL: srv.URL + "/front.xml", Importance: 2})

	var hooked time.Time
	in.OnRefresh(func(at time.Time) { hooked = at })

	added, err := in.UpdateFeeds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, grouper.calls)
	assert.False(t, in.LastRefresh().IsZero())
	assert.Equal(t, in.LastRefresh(), hooked)

	feed, err = store.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 12, 9, 30, 0, 0, time.UTC), feed.LastFetched.UTC())

	articles, err := store.ListArticles(ctx)
	require.NoError(t, err)
	require.Len(t, articles, 2)
	require.NotNil(t, articles[0].PublisherArticlePosition)
	require.NotNil(t, articles[1].PublisherArticlePosition)
	assert.Equal(t, 1, *articles[0].PublisherArticlePosition)
	assert.Equal(t, 2, *articles[1].PublisherArticlePosition)

	feed.Active = false
	_, err = store.UpsertFeed(ctx, feed)
	require.NoError(t, err)
	_, err = in.UpdateFeeds(ctx)
	require.NoError(t, err)
	positions, err := store.FeedPositions(ctx, articles[0].ID)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestNeedsFetch(t *testing.T) {
	now := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	stored := model.Article{
		LastUpdatedDate: now.Add(-time.Hour),
		PubDate:         now.Add(-2 * time.Hour),
		ImageURL:        "https://img/1.jpg",
		Extract:         "text",
		ContentType:     model.ContentArticle,
	}
	assert.False(t, needsFetch(stored, rss.Item{PublishedAt: now.Add(-2 * time.Hour)}, now))
	assert.True(t, needsFetch(stored, rss.Item{UpdatedAt: now.Add(-time.Minute)}, now))

	ticker := stored
	ticker.ContentType = model.ContentTicker
	assert.True(t, needsFetch(ticker, rss.Item{}, now))

	noImage := stored
	noImage.ImageURL = ""
	assert.True(t, needsFetch(noImage, rss.Item{}, now))
	noImage.PubDate = now.Add(-5 * time.Hour)
	assert.False(t, needsFetch(noImage, rss.Item{}, now))
}

func TestImportanceAndContentType(t *testing.T) {
	feed := model.Feed{Importance: 1}
	assert.Equal(t, model.ImportanceBreaking, importanceType(feed, "LIVE: election results", ""))
	assert.Equal(t, model.ImportanceBreaking, importanceType(feed, "Results", "News;Breaking News"))
	assert.Equal(t, model.ImportanceNormal, importanceType(feed, "Results", "News"))
	feed.Importance = 3
	assert.Equal(t, model.ImportanceHeadline, importanceType(feed, "Results", ""))

	assert.Equal(t, model.ContentTicker, contentType(model.Feed{SourceCategories: "Sidebar;ticker"}))
	assert.Equal(t, model.ContentBriefing, contentType(model.Feed{SourceCategories: "BRIEFING"}))
	assert.Equal(t, model.ContentArticle, contentType(model.Feed{}))
}

func TestBaseDomain(t *testing.T) {
	assert.Equal(t, "reuters.com", baseDomain("https://www.reuters.com/world"))
	assert.Equal(t, "ft.com", baseDomain("ft.com"))
}

func TestSample(t *testing.T) {
	feeds := make([]model.Feed, 25)
	for i := range feeds {
		feeds[i].ID = int64(i)
	}
	got := sample(feeds)
	require.Len(t, got, 3)
	assert.Equal(t, int64(20), got[2].ID)
}

func TestSummaryCandidates(t *testing.T) {
	now := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	rel := func(v float64) *float64 { return &v }
	var articles []model.Article
	for i := 0; i < 25; i++ {
		articles = append(articles, model.Article{
			ID: int64(i + 1), HasFullText: true, ContentType: model.ContentArticle,
			Categories: "FRONTPAGE", MinArticleRelevance: rel(float64(i + 1)),
		})
	}
	articles[0].AISummary = "<ul></ul>"
	articles = append(articles,
		model.Article{ID: 100, HasFullText: true, ContentType: model.ContentArticle, Categories: "SIDEBAR",
			MinArticleRelevance: rel(500), Publisher: model.Publisher{Renowned: 2}, PubDate: now.Add(-time.Hour)},
		model.Article{ID: 101, HasFullText: true, ContentType: model.ContentArticle, Categories: "SIDEBAR",
			MinArticleRelevance: rel(500), Publisher: model.Publisher{Renowned: 1}, PubDate: now.Add(-time.Hour)},
	)

	var ids []int64
	for _, a := range SummaryCandidates(articles, now) {
		ids = append(ids, a.ID)
	}
	// relevance 2..21 on the front page plus the renowned sidebar article
	require.Len(t, ids, 21)
	assert.Equal(t, int64(2), ids[0])
	assert.Equal(t, int64(21), ids[19])
	assert.Equal(t, int64(100), ids[20])
}

func TestArticleMessage(t *testing.T) {
	a := model.Article{ID: 7, Title: "Storm", Link: "https://x/storm", Publisher: model.Publisher{Name: "Planet"}}
	assert.Equal(t, notify.Message{Head: "Planet #Headline", Body: "Storm", URL: "https://x/storm", TTL: notify.DefaultTTL}, ArticleMessage(a))

	a.Categories = "Sidebar"
	a.HasFullText = true
	msg := ArticleMessage(a)
	assert.Equal(t, "Planet #Ticker", msg.Head)
	assert.Equal(t, "/view/7/", msg.URL)

	a.ImportanceType = model.ImportanceBreaking
	assert.Equal(t, "Planet #Breaking", ArticleMessage(a).Head)
}
