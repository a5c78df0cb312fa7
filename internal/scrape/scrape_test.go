package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const metaPage = `<html><head>
<title>Fallback title</title>
<meta property="og:title" content="Central bank holds rates">
<meta name="description" content="The decision was expected.">
<meta property="og:image" content="/images/bank.jpg">
<meta name="author" content="A. Writer">
<meta property="og:type" content="article">
</head><body><p>hello</p></body></html>`

func TestParseMeta(t *testing.T) {
	base, _ := url.Parse("https://news.example.com/world/bank")

	m, err := ParseMeta(strings.NewReader(metaPage), base)
	require.NoError(t, err)

	assert.Equal(t, "Central bank holds rates", m.Title)
	assert.Equal(t, "The decision was expected.", m.Description)
	assert.Equal(t, "https://news.example.com/images/bank.jpg", m.ImageURL)
	assert.Equal(t, "A. Writer", m.Author)
	assert.Equal(t, "article", m.Type)
}

func TestParseMetaFallsBackToTitleTag(t *testing.T) {
	m, err := ParseMeta(strings.NewReader(`<html><head><title> Plain </title></head></html>`), nil)
	require.NoError(t, err)
	assert.Equal(t, "Plain", m.Title)
	assert.Empty(t, m.ImageURL)
}

func TestScraperMetaAndFullText(t *testing.T) {
	body := strings.Repeat("The committee voted to keep the policy rate unchanged this month. ", 40)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/meta":
			_, _ = w.Write([]byte(metaPage))
		case "/article":
			fmt.Fprintf(w, `<html><head><title>Rates</title></head><body>
<nav>Home | World</nav>
<article><h1>Rates</h1><p>%s</p><p>%s</p></article>
<footer>copyright</footer></body></html>`, body, body)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := New(srv.Client(), 100)
	ctx := context.Background()

	m, err := s.Meta(ctx, srv.URL+"/meta")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/images/bank.jpg", m.ImageURL)

	ft, err := s.FullText(ctx, srv.URL+"/article")
	require.NoError(t, err)
	assert.Contains(t, ft.Text, "policy rate unchanged")
	assert.NotEmpty(t, ft.HTML)

	_, err = s.Meta(ctx, srv.URL+"/missing")
	assert.Error(t, err)

	status, err := s.Status(ctx, srv.URL+"/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHTMLToText(t *testing.T) {
	assert.Equal(t, "Hello world & more", HTMLToText("<p>Hello <b>world</b></p>\n<p>&amp; more</p>"))
	assert.Equal(t, "plain text", HTMLToText("  plain \n text "))
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "a\nb", CleanText("  a \r\n\n\n b  "))
}
