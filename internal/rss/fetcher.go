package rss

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	gorss "github.com/mmcdole/gofeed/rss"
)

// FeedCreatorHost is the placeholder host used by feeds produced by a
// self-hosted feed creator. It is rewritten to the configured base URL.
const FeedCreatorHost = "http://FEED-CREATOR.local"

const (
	customSourceTitle = "source_title"
	customSourceURL   = "source_url"
)

// Item represents a normalized feed entry.
type Item struct {
	GUID        string
	Title       string
	Link        string
	Author      string
	ImageURL    string
	Description string
	Categories  []string
	PublishedAt time.Time // zero when the feed has no date
	UpdatedAt   time.Time // zero when the feed has no date
	Enclosure   string
	Duration    string
	Extensions  ext.Extensions

	// SourceTitle and SourceURL name the original publisher when the feed
	// is a news aggregator.
	SourceTitle string
	SourceURL   string
}

// Feed is a fetched and parsed feed.
type Feed struct {
	Title       string
	LastUpdated time.Time
	Items       []Item
}

// Fetcher pulls and parses RSS, Atom and JSON feeds.
type Fetcher struct {
	parser         *gofeed.Parser
	feedCreatorURL string
	logger         logr.Logger
	now            func() time.Time
}

// NewFetcher creates a feed fetcher.
func NewFetcher(feedCreatorURL string, client *http.Client, logger logr.Logger) *Fetcher {
	parser := gofeed.NewParser()
	parser.RSSTranslator = &sourceTranslator{base: &gofeed.DefaultRSSTranslator{}}
	parser.UserAgent = "Mozilla/5.0 (compatible; newsplatform)"
	if client != nil {
		parser.Client = client
	}
	return &Fetcher{
		parser:         parser,
		feedCreatorURL: strings.TrimSuffix(feedCreatorURL, "/"),
		logger:         logger,
		now:            time.Now,
	}
}

// ResolveURL rewrites feed creator placeholder URLs.
func (f *Fetcher) ResolveURL(feedURL string) string {
	if f.feedCreatorURL != "" && strings.Contains(feedURL, FeedCreatorHost) {
		return strings.Replace(feedURL, FeedCreatorHost, f.feedCreatorURL, 1)
	}
	return feedURL
}

// Fetch pulls the feed and returns the parsed items in feed order.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (Feed, error) {
	parsed, err := f.parser.ParseURLWithContext(f.ResolveURL(feedURL), ctx)
	if err != nil {
		return Feed{}, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	return f.normalize(parsed), nil
}

// Parse parses an already downloaded feed document.
func (f *Fetcher) Parse(body string) (Feed, error) {
	parsed, err := f.parser.ParseString(body)
	if err != nil {
		return Feed{}, fmt.Errorf("parse feed: %w", err)
	}
	return f.normalize(parsed), nil
}

func (f *Fetcher) normalize(parsed *gofeed.Feed) Feed {
	out := Feed{
		Title:       parsed.Title,
		LastUpdated: lastUpdated(parsed, f.now()),
		Items:       make([]Item, 0, len(parsed.Items)),
	}
	for _, entry := range parsed.Items {
		out.Items = append(out.Items, normalizeItem(entry))
	}
	return out
}

// lastUpdated is the latest of the feed's updated and published dates, or
// now when the feed carries neither.
func lastUpdated(feed *gofeed.Feed, now time.Time) time.Time {
	var latest time.Time
	for _, t := range []*time.Time{feed.UpdatedParsed, feed.PublishedParsed} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	if latest.IsZero() {
		return now
	}
	return latest
}

func normalizeItem(entry *gofeed.Item) Item {
	item := Item{
		GUID:        pickGUID(entry),
		Title:       strings.TrimSpace(html.UnescapeString(entry.Title)),
		Link:        strings.TrimSpace(entry.Link),
		Author:      pickAuthor(entry),
		ImageURL:    pickImage(entry),
		Description: entry.Description,
		Categories:  entry.Categories,
		Extensions:  entry.Extensions,
	}
	if item.Description == "" {
		item.Description = entry.Content
	}
	if entry.PublishedParsed != nil {
		item.PublishedAt = *entry.PublishedParsed
	}
	if entry.UpdatedParsed != nil {
		item.UpdatedAt = *entry.UpdatedParsed
	}
	for _, enc := range entry.Enclosures {
		if enc != nil && enc.URL != "" && !strings.HasPrefix(enc.Type, "image/") {
			item.Enclosure = enc.URL
			break
		}
	}
	if entry.ITunesExt != nil {
		item.Duration = entry.ITunesExt.Duration
		if item.Author == "" {
			item.Author = entry.ITunesExt.Author
		}
	}
	if entry.Custom != nil {
		item.SourceTitle = entry.Custom[customSourceTitle]
		item.SourceURL = entry.Custom[customSourceURL]
	}
	return item
}

func pickGUID(entry *gofeed.Item) string {
	if entry.GUID != "" {
		return entry.GUID
	}
	if entry.Link != "" {
		return entry.Link
	}
	return entry.Title
}

func pickAuthor(entry *gofeed.Item) string {
	var names []string
	for _, p := range entry.Authors {
		if p != nil && strings.TrimSpace(p.Name) != "" {
			names = append(names, strings.TrimSpace(p.Name))
		}
	}
	if len(names) == 0 && entry.DublinCoreExt != nil {
		names = entry.DublinCoreExt.Creator
	}
	return strings.Join(names, ", ")
}

func pickImage(entry *gofeed.Item) string {
	if entry.Image != nil && entry.Image.URL != "" {
		return entry.Image.URL
	}
	for _, enc := range entry.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	if media, ok := entry.Extensions["media"]; ok {
		for _, key := range []string{"content", "thumbnail"} {
			for _, e := range media[key] {
				if u := e.Attrs["url"]; u != "" {
					return u
				}
			}
		}
		for _, group := range media["group"] {
			for _, e := range group.Children["thumbnail"] {
				if u := e.Attrs["url"]; u != "" {
					return u
				}
			}
		}
	}
	return ""
}

// sourceTranslator keeps the RSS <source> element of aggregator feeds, which
// the default translator drops.
type sourceTranslator struct {
	base *gofeed.DefaultRSSTranslator
}

func (t *sourceTranslator) Translate(feed interface{}) (*gofeed.Feed, error) {
	rssFeed, ok := feed.(*gorss.Feed)
	if !ok {
		return nil, fmt.Errorf("feed did not match expected type of *rss.Feed")
	}
	out, err := t.base.Translate(rssFeed)
	if err != nil {
		return nil, err
	}
	for i, item := range rssFeed.Items {
		if item.Source == nil || i >= len(out.Items) {
			continue
		}
		if out.Items[i].Custom == nil {
			out.Items[i].Custom = make(map[string]string)
		}
		out.Items[i].Custom[customSourceTitle] = strings.TrimSpace(item.Source.Title)
		out.Items[i].Custom[customSourceURL] = strings.TrimSpace(item.Source.URL)
	}
	return out, nil
}
