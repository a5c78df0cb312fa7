package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const aggregatorFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:media="http://search.yahoo.com/mrss/" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
  <title>Top Stories</title>
  <link>https://news.example.com</link>
  <lastBuildDate>Tue, 12 Mar 2024 09:00:00 GMT</lastBuildDate>
  <pubDate>Tue, 12 Mar 2024 09:30:00 GMT</pubDate>
  <item>
    <title>Rates &amp; markets rally</title>
    <link>https://www.reuters.com/markets/rally</link>
    <guid>rally-1</guid>
    <description>Stocks climbed</description>
    <pubDate>Tue, 12 Mar 2024 08:00:00 GMT</pubDate>
    <category>Markets</category>
    <dc:creator>Jane Doe</dc:creator>
    <media:thumbnail url="https://img.example.com/rally.jpg"/>
    <source url="https://www.reuters.com">Reuters</source>
  </item>
  <item>
    <title>No guid here</title>
    <link>https://news.example.com/second</link>
  </item>
</channel>
</rss>`

func TestParseNormalizesItems(t *testing.T) {
	f := NewFetcher("", nil, logr.Discard())

	feed, err := f.Parse(aggregatorFeed)
	require.NoError(t, err)

	assert.Equal(t, "Top Stories", feed.Title)
	assert.Equal(t, time.Date(2024, 3, 12, 9, 30, 0, 0, time.UTC), feed.LastUpdated.UTC())
	require.Len(t, feed.Items, 2)

	first := feed.Items[0]
	assert.Equal(t, "rally-1", first.GUID)
	assert.Equal(t, "Rates & markets rally", first.Title)
	assert.Equal(t, "Jane Doe", first.Author)
	assert.Equal(t, "https://img.example.com/rally.jpg", first.ImageURL)
	assert.Equal(t, []string{"Markets"}, first.Categories)
	assert.Equal(t, "Reuters", first.SourceTitle)
	assert.Equal(t, "https://www.reuters.com", first.SourceURL)
	assert.False(t, first.PublishedAt.IsZero())

	second := feed.Items[1]
	assert.Equal(t, "https://news.example.com/second", second.GUID)
	assert.True(t, second.PublishedAt.IsZero())
	assert.Empty(t, second.SourceTitle)
}

func TestParseWithoutDatesUsesNow(t *testing.T) {
	f := NewFetcher("", nil, logr.Discard())
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return fixed }

	feed, err := f.Parse(`<rss version="2.0"><channel><title>x</title></channel></rss>`)
	require.NoError(t, err)
	assert.Equal(t, fixed, feed.LastUpdated)
}

func TestFetchRewritesFeedCreatorURL(t *testing.T) {
	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(aggregatorFeed))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL+"/", srv.Client(), logr.Discard())
	feed, err := f.Fetch(context.Background(), FeedCreatorHost+"/feeds/top.xml")
	require.NoError(t, err)

	assert.Equal(t, "/feeds/top.xml", requested)
	assert.Len(t, feed.Items, 2)
}

func TestFetchReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewFetcher("", srv.Client(), logr.Discard())
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}
