// Package scrape fetches article pages for <meta> data and readable full text.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single page request.
const DefaultTimeout = 5 * time.Second

const userAgent = "Mozilla/5.0 (compatible; newsplatform)"

// Meta holds the page metadata we care about.
type Meta struct {
	Title       string
	Description string
	ImageURL    string
	Author      string
	Type        string
	SiteName    string
}

// FullText is the readable body of an article.
type FullText struct {
	HTML  string
	Text  string
	Image string
}

// Scraper downloads article pages, rate limited across all hosts.
type Scraper struct {
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a scraper allowing perSecond page requests.
func New(client *http.Client, perSecond float64) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if perSecond <= 0 {
		perSecond = 5
	}
	return &Scraper{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Status performs a GET and returns only the status code.
func (s *Scraper) Status(ctx context.Context, pageURL string) (int, error) {
	resp, err := s.get(ctx, pageURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Document fetches a page and parses it as HTML.
func (s *Scraper) Document(ctx context.Context, pageURL string) (*goquery.Document, error) {
	resp, err := s.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %s", pageURL, resp.Status)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return doc, nil
}

// Meta fetches a page and reads its OpenGraph, Twitter and plain <meta> tags.
func (s *Scraper) Meta(ctx context.Context, pageURL string) (Meta, error) {
	resp, err := s.get(ctx, pageURL)
	if err != nil {
		return Meta{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Meta{}, fmt.Errorf("fetch %s: status %s", pageURL, resp.Status)
	}
	return ParseMeta(resp.Body, resp.Request.URL)
}

// ParseMeta extracts metadata from an HTML document. Relative image URLs are
// resolved against base.
func ParseMeta(r io.Reader, base *url.URL) (Meta, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Meta{}, fmt.Errorf("parse html: %w", err)
	}

	metaContent := func(attr, val string) string {
		if s, ok := doc.Find(fmt.Sprintf("meta[%s=%q]", attr, val)).Attr("content"); ok {
			return strings.TrimSpace(s)
		}
		return ""
	}

	m := Meta{
		Title: firstNonEmpty(
			metaContent("property", "og:title"),
			metaContent("name", "twitter:title"),
			strings.TrimSpace(doc.Find("title").First().Text()),
		),
		Description: firstNonEmpty(
			metaContent("property", "og:description"),
			metaContent("name", "description"),
			metaContent("name", "twitter:description"),
		),
		ImageURL: firstNonEmpty(
			metaContent("property", "og:image"),
			metaContent("property", "og:image:secure_url"),
			metaContent("name", "twitter:image"),
			metaContent("name", "twitter:image:src"),
		),
		Author: firstNonEmpty(
			metaContent("name", "author"),
			metaContent("property", "article:author"),
			metaContent("name", "twitter:creator"),
		),
		Type: firstNonEmpty(
			metaContent("property", "og:type"),
			metaContent("name", "twitter:card"),
		),
		SiteName: metaContent("property", "og:site_name"),
	}
	m.ImageURL = resolve(base, m.ImageURL)
	return m, nil
}

// FullText fetches a page and extracts its readable content.
func (s *Scraper) FullText(ctx context.Context, pageURL string) (FullText, error) {
	resp, err := s.get(ctx, pageURL)
	if err != nil {
		return FullText{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return FullText{}, fmt.Errorf("fetch %s: status %s", pageURL, resp.Status)
	}
	return ParseFullText(resp.Body, resp.Request.URL)
}

// ParseFullText runs readability over an HTML document.
func ParseFullText(r io.Reader, pageURL *url.URL) (FullText, error) {
	article, err := readability.FromReader(r, pageURL)
	if err != nil {
		return FullText{}, fmt.Errorf("extract article: %w", err)
	}
	text := CleanText(article.TextContent)
	if text == "" {
		return FullText{}, fmt.Errorf("no content extracted from %s", pageURL)
	}
	return FullText{
		HTML:  strings.TrimSpace(article.Content),
		Text:  text,
		Image: resolve(pageURL, article.Image),
	}, nil
}

// HTMLToText strips markup and collapses whitespace.
func HTMLToText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// CleanText trims every line and drops empty ones.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var cleaned []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}

func (s *Scraper) get(ctx context.Context, pageURL string) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the request context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func resolve(base *url.URL, ref string) string {
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
