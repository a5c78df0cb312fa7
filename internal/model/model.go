// Package model defines the records shared by ingestion, ranking, grouping
// and the HTTP surface.
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Feed types.
const (
	FeedRSS         = "rss"
	FeedYTChannel   = "y-channel"
	FeedYTPlaylist  = "y-playlist"
	FeedRSSPlaylist = "rss-playlist"
)

// Feed orderings: r = ranked by the publisher, d = chronological.
const (
	OrderRanked = "r"
	OrderDated  = "d"
)

// Article importance types.
const (
	ImportanceBreaking = "breaking"
	ImportanceHeadline = "headline"
	ImportanceNormal   = "normal"
)

// Article content types.
const (
	ContentArticle  = "article"
	ContentGroup    = "group"
	ContentTicker   = "ticker"
	ContentBriefing = "briefing"
	ContentVideo    = "video"
)

// Feed importance levels, 0 (normal) to 4 (lead articles).
const (
	ImportanceLevelNormal    = 0
	ImportanceLevelLatest    = 1
	ImportanceLevelFrontpage = 2
	ImportanceLevelTop       = 3
	ImportanceLevelLead      = 4
)

// Publisher is a news organisation or channel.
type Publisher struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Link     string `json:"link"`
	Renowned int    `json:"renowned"` // -3 (inaccurate) .. 3 (top publisher)
	Paywall  string `json:"paywall"`  // Y or N
	Language string `json:"language"`
}

// Feed is a single source URL owned by a publisher.
type Feed struct {
	ID               int64     `json:"id"`
	PublisherID      int64     `json:"publisher_id"`
	Publisher        Publisher `json:"publisher"`
	Name             string    `json:"name"`
	URL              string    `json:"url"`
	Active           bool      `json:"active"`
	FeedType         string    `json:"feed_type"`
	Importance       int       `json:"importance"`
	Ordering         string    `json:"ordering"`
	FullTextFetch    bool      `json:"full_text_fetch"`
	SourceCategories string    `json:"source_categories"`
	LastFetched      time.Time `json:"last_fetched"`
}

func (f Feed) String() string {
	return fmt.Sprintf("%s - %s", f.Publisher.Name, f.Name)
}

// Article is a single article, video or combined group entry.
type Article struct {
	ID          int64     `json:"id"`
	PublisherID int64     `json:"publisher_id"`
	Publisher   Publisher `json:"publisher"`
	GroupID     *int64    `json:"article_group,omitempty"`

	Title    string `json:"title"`
	Author   string `json:"author"`
	Link     string `json:"link"`
	ImageURL string `json:"image_url"`

	ImportanceType string `json:"importance_type"`
	ContentType    string `json:"content_type"`

	Extract    string `json:"extract"`
	HasExtract bool   `json:"has_extract"`
	AISummary  string `json:"ai_summary"`

	FullTextHTML string `json:"full_text_html"`
	FullTextText string `json:"full_text_text"`
	HasFullText  bool   `json:"has_full_text"`

	PubDate         time.Time `json:"pub_date"`
	AddedDate       time.Time `json:"added_date"`
	LastUpdatedDate time.Time `json:"last_updated_date"`

	ReadLater bool `json:"read_later"`
	Archive   bool `json:"archive"`

	Categories string `json:"categories"`
	Language   string `json:"language"`

	GUID string `json:"guid"`
	Hash string `json:"hash"`

	PublisherArticlePosition *int     `json:"publisher_article_position"`
	MinFeedPosition          *int     `json:"min_feed_position"`
	MinArticleRelevance      *float64 `json:"min_article_relevance"`
	MaxImportance            *int     `json:"max_importance"`

	MailtoLink string `json:"mailto_link"`
}

func (a Article) String() string {
	return fmt.Sprintf("%s - %s", a.Publisher.Name, a.Title)
}

// ArticleGroup links articles about the same story to one combined article.
type ArticleGroup struct {
	ID                int64  `json:"id"`
	CombinedArticleID *int64 `json:"combined_article"`
}

// FeedPosition records where an article appeared in a feed.
type FeedPosition struct {
	ID         int64   `json:"id"`
	FeedID     int64   `json:"feed_id"`
	ArticleID  int64   `json:"article_id"`
	Position   int     `json:"position"`
	Importance int     `json:"importance"`
	Relevance  float64 `json:"relevance"`
}

// Page is a saved article view, identified by its URL parameters.
type Page struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	PositionIndex int    `json:"position_index"`
	URLParameters string `json:"url_parameters"`
}

// Column limits applied before an article is stored.
var fieldLimits = map[string]int{
	"title":       200,
	"author":      90,
	"link":        300,
	"image_url":   400,
	"extract":     500,
	"ai_summary":  750,
	"categories":  250,
	"guid":        95,
	"hash":        100,
	"mailto_link": 300,
}

// Normalize blanks whitespace-only fields and truncates fields to their
// column limits.
func (a *Article) Normalize() {
	fields := map[string]*string{
		"title":       &a.Title,
		"author":      &a.Author,
		"link":        &a.Link,
		"image_url":   &a.ImageURL,
		"extract":     &a.Extract,
		"ai_summary":  &a.AISummary,
		"categories":  &a.Categories,
		"guid":        &a.GUID,
		"hash":        &a.Hash,
		"mailto_link": &a.MailtoLink,
	}
	for name, ptr := range fields {
		if strings.TrimSpace(*ptr) == "" {
			*ptr = ""
			continue
		}
		if name == "ai_summary" {
			*ptr = TruncateSummary(*ptr, fieldLimits[name])
			continue
		}
		*ptr = Truncate(*ptr, fieldLimits[name])
	}
	if a.ImportanceType == "" {
		a.ImportanceType = ImportanceNormal
	}
	if a.ContentType == "" {
		a.ContentType = ContentArticle
	}
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// TruncateSummary cuts an HTML bullet summary to at most max runes. A list
// is cut after its last complete item and closed again.
func TruncateSummary(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	const closing = "\n</ul>"
	if !strings.HasPrefix(s, "<ul>") {
		return Truncate(s, max)
	}
	cut := Truncate(s, max-len(closing))
	end := strings.LastIndex(cut, "</li>")
	if end < 0 {
		return ""
	}
	return cut[:end+len("</li>")] + closing
}

// BuildMailtoLink returns the mailto link used to share an article by email.
func BuildMailtoLink(publisherName, title, link string) string {
	subject := fmt.Sprintf("%s: %s", publisherName, title)
	body := "Hi,\n\nHave you seen this article:\n\n" + subject + "\n" + link + "\n\nBest wishes,\n\n"
	return "mailto:?subject=" + quote(subject) + "&body=" + quote(body)
}

// quote percent-escapes s for a mailto URL, leaving "/" intact.
func quote(s string) string {
	escaped := strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
	return strings.ReplaceAll(escaped, "%2F", "/")
}

// HasCategory reports whether a ";"-joined category list contains name,
// ignoring case.
func HasCategory(categories, name string) bool {
	return strings.Contains(strings.ToLower(categories), strings.ToLower(name))
}

// MergeCategories joins category lists, keeping the first spelling of each
// category and dropping empties.
func MergeCategories(lists ...string) string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, c := range strings.Split(list, ";") {
			c = strings.TrimSpace(c)
			key := strings.ToUpper(c)
			if c == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, c)
		}
	}
	return strings.Join(out, ";")
}

// Market data sources.
const (
	MarketYahoo           = "yfin"
	MarketTradingEconomic = "te"
)

// MarketGroup orders market sources on the dashboard.
type MarketGroup struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// MarketSource is a ticker scraped from one of the market data sites.
type MarketSource struct {
	ID         int64       `json:"id"`
	GroupID    int64       `json:"group_id"`
	Group      MarketGroup `json:"group"`
	Name       string      `json:"name"`
	Ticker     string      `json:"ticker"`
	DataSource string      `json:"data_source"`
	Pinned     bool        `json:"pinned"`
}

// MarketEntry is one scraped price observation. ChangeToday is in percent
// for quotes and basis points for bond yields.
type MarketEntry struct {
	ID           int64        `json:"id"`
	SourceID     int64        `json:"source_id"`
	Source       MarketSource `json:"source"`
	Price        float64      `json:"price"`
	ChangeToday  float64      `json:"change_today"`
	MarketClosed bool         `json:"market_closed"`
	RefDateTime  time.Time    `json:"ref_date_time"`
}
