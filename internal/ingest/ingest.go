// Package ingest refreshes feeds into articles, re-ranks publishers and
// triggers summaries, grouping and push notifications.
package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"newsplatform/internal/model"
	"newsplatform/internal/notify"
	"newsplatform/internal/relevance"
	"newsplatform/internal/rss"
	"newsplatform/internal/scrape"
	"newsplatform/internal/storage"
	"newsplatform/internal/summary"
)

const (
	staleAfter        = 21 * 24 * time.Hour
	recentFetchWindow = 4 * time.Hour
	sidebarWindow     = 2 * 24 * time.Hour
	summaryRank       = 20
	notifyMemory      = 1000 * time.Hour
)

// Grouper clusters articles about the same story.
type Grouper interface {
	FindGroupedArticles(ctx context.Context) (int, error)
}

// Options tune a refresh.
type Options struct {
	Location        *time.Location
	ForceRefetch    bool
	Testing         bool
	FullTextFetch   bool
	SummaryLogPath  string
	YouTubeFeedBase string
}

// Result reports a single feed refresh.
type Result struct {
	Added       int
	Updated     int
	Unchanged   int
	Skipped     bool
	LastUpdated time.Time
}

// Ingester runs feed refreshes against the store.
type Ingester struct {
	store      *storage.Store
	fetcher    *rss.Fetcher
	scraper    *scrape.Scraper
	summarizer summary.Summarizer
	notifier   notify.Notifier
	grouper    Grouper
	sent       *notify.SentSet
	opts       Options
	logger     logr.Logger
	now        func() time.Time

	mu          sync.Mutex
	lastRefresh time.Time
	onRefresh   []func(time.Time)
}

// New creates an Ingester. summarizer, notifier and grouper may be nil.
func New(store *storage.Store, fetcher *rss.Fetcher, scraper *scrape.Scraper, summarizer summary.Summarizer,
	notifier notify.Notifier, grouper Grouper, opts Options, logger logr.Logger) *Ingester {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.YouTubeFeedBase == "" {
		opts.YouTubeFeedBase = "https://www.youtube.com/feeds/videos.xml"
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Ingester{
		store:      store,
		fetcher:    fetcher,
		scraper:    scraper,
		summarizer: summarizer,
		notifier:   notifier,
		grouper:    grouper,
		sent:       notify.NewSentSet(notifyMemory),
		opts:       opts,
		logger:     logger.WithName("ingest"),
		now:        time.Now,
	}
}

// OnRefresh registers a callback run after every completed UpdateFeeds.
func (in *Ingester) OnRefresh(fn func(time.Time)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onRefresh = append(in.onRefresh, fn)
}

// LastRefresh returns when UpdateFeeds last completed.
func (in *Ingester) LastRefresh() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastRefresh
}

func (in *Ingester) localNow() time.Time {
	return in.now().In(in.opts.Location)
}

// UpdateFeeds refreshes every active RSS feed, re-ranks publishers, requests
// summaries during business hours, drops stale articles and regroups.
func (in *Ingester) UpdateFeeds(ctx context.Context) (int, error) {
	start := in.now()

	inactive := false
	feeds, err := in.store.ListFeeds(ctx, storage.FeedFilter{Active: &inactive})
	if err != nil {
		return 0, err
	}
	for _, f := range feeds {
		if err := in.store.DeleteFeedPositions(ctx, f.ID); err != nil {
			in.logger.Error(err, "delete positions of inactive feed", "feed", f.String())
		}
	}

	active := true
	feeds, err = in.store.ListFeeds(ctx, storage.FeedFilter{Active: &active, RSSOnly: true})
	if err != nil {
		return 0, err
	}
	if in.opts.Testing {
		feeds = sample(feeds)
	}

	added := 0
	for _, f := range feeds {
		if ctx.Err() != nil {
			return added, ctx.Err()
		}
		res, err := in.FetchFeed(ctx, f, in.opts.ForceRefetch)
		if err != nil {
			in.logger.Error(err, "fetch feed failed", "feed", f.String())
			continue
		}
		added += res.Added
		if err := in.store.MarkFeedFetched(ctx, f.ID, res.LastUpdated); err != nil {
			in.logger.Error(err, "mark feed fetched failed", "feed", f.String())
		}
	}

	if err := in.RankPublishers(ctx); err != nil {
		in.logger.Error(err, "publisher ranking failed")
	}

	if in.businessHours() {
		if err := in.addSummaries(ctx); err != nil && !errors.Is(err, summary.ErrDisabled) {
			in.logger.Error(err, "AI summaries failed")
		}
	} else {
		in.logger.Info("no AI summaries outside business hours (Mon-Fri 06:00-18:00)")
	}

	deleted, err := in.store.DeleteStaleArticles(ctx, in.now().Add(-staleAfter))
	if err != nil {
		in.logger.Error(err, "delete old articles failed")
	} else {
		in.logger.Info("deleted old articles", "count", deleted)
	}

	if in.grouper != nil {
		if _, err := in.grouper.FindGroupedArticles(ctx); err != nil {
			in.logger.Error(err, "grouping failed")
		}
	}

	in.markRefreshed()
	in.logger.Info("refreshed articles", "added", added, "feeds", len(feeds), "took", in.now().Sub(start).Round(time.Second).String())
	return added, nil
}

func (in *Ingester) markRefreshed() {
	now := in.now()
	in.mu.Lock()
	in.lastRefresh = now
	hooks := append([]func(time.Time){}, in.onRefresh...)
	in.mu.Unlock()
	for _, fn := range hooks {
		fn(now)
	}
}

// sample keeps every 10th feed.
func sample(feeds []model.Feed) []model.Feed {
	var out []model.Feed
	for i := 0; i < len(feeds); i += 10 {
		out = append(out, feeds[i])
	}
	return out
}

func (in *Ingester) businessHours() bool {
	now := in.localNow()
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	return now.Hour() >= 6 && now.Hour() < 18
}

// RankPublishers re-ranks the articles of every publisher by where they
// appear across the publisher's feeds.
func (in *Ingester) RankPublishers(ctx context.Context) error {
	publishers, err := in.store.ListPublishers(ctx)
	if err != nil {
		return err
	}
	for _, p := range publishers {
		candidates, err := in.store.RankingCandidates(ctx, p.ID)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			continue
		}
		if err := in.store.ApplyRanks(ctx, relevance.RankPublisher(candidates)); err != nil {
			return fmt.Errorf("rank publisher %s: %w", p.Name, err)
		}
	}
	return nil
}

func (in *Ingester) addSummaries(ctx context.Context) error {
	if in.summarizer == nil || !in.summarizer.Ready() {
		return summary.ErrDisabled
	}
	articles, err := in.store.ListArticles(ctx)
	if err != nil {
		return err
	}
	candidates := SummaryCandidates(articles, in.now())
	_, err = summary.SummarizeArticles(ctx, in.summarizer, in.store, candidates, in.opts.SummaryLogPath, in.logger)
	return err
}

// SummaryCandidates picks articles without a summary that are either among
// the most relevant front page articles or recent sidebar articles of well
// known publishers.
func SummaryCandidates(articles []model.Article, now time.Time) []model.Article {
	var frontpage []float64
	for _, a := range articles {
		if model.HasCategory(a.Categories, "FRONTPAGE") && a.MinArticleRelevance != nil {
			frontpage = append(frontpage, *a.MinArticleRelevance)
		}
	}
	sort.Float64s(frontpage)
	threshold := -1.0
	if len(frontpage) > 0 {
		threshold = frontpage[min(summaryRank, len(frontpage)-1)]
	}

	var out []model.Article
	for _, a := range articles {
		if !a.HasFullText || a.AISummary != "" || a.MinArticleRelevance == nil || a.ContentType != model.ContentArticle {
			continue
		}
		front := model.HasCategory(a.Categories, "FRONTPAGE") && *a.MinArticleRelevance <= threshold
		side := model.HasCategory(a.Categories, "SIDEBAR") && a.Publisher.Renowned >= 2 &&
			!a.PubDate.IsZero() && !a.PubDate.Before(now.Add(-sidebarWindow))
		if front || side {
			out = append(out, a)
		}
	}
	return out
}

// FetchFeed refreshes one feed. Unchanged feeds are skipped unless force is
// set. Every entry gets a new feed position and relevance score.
func (in *Ingester) FetchFeed(ctx context.Context, feed model.Feed, force bool) (Result, error) {
	parsed, err := in.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		return Result{}, err
	}
	res := Result{LastUpdated: parsed.LastUpdated.Truncate(time.Second)}

	if !feed.LastFetched.IsZero() && !feed.LastFetched.Before(res.LastUpdated) && !force {
		in.logger.V(1).Info("feed already up-to-date", "feed", feed.String(), "latestChange", res.LastUpdated)
		res.Skipped = true
		return res, nil
	}
	if len(parsed.Items) > 0 {
		if err := in.store.DeleteFeedPositions(ctx, feed.ID); err != nil {
			return res, err
		}
	}

	for i, item := range parsed.Items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := in.ingestItem(ctx, feed, item, i+1, &res); err != nil {
			in.logger.Error(err, "ingest article failed", "feed", feed.String(), "link", item.Link)
		}
	}

	in.logger.Info("refreshed feed", "feed", feed.String(), "added", res.Added, "changed", res.Updated,
		"unchanged", res.Unchanged, "total", len(parsed.Items))
	return res, nil
}

func (in *Ingester) ingestItem(ctx context.Context, feed model.Feed, item rss.Item, position int, res *Result) error {
	now := in.now()
	scraped := in.articleFromItem(feed, item)

	existing, err := in.store.FindArticleByGUID(ctx, scraped.GUID)
	if errors.Is(err, storage.ErrNotFound) {
		existing, err = in.store.FindArticleByHash(ctx, scraped.Hash)
	}
	found := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	fetch := !found
	if found {
		scraped.Categories = model.MergeCategories(existing.Categories, scraped.Categories)
		fetch = needsFetch(existing, item, now)
	}
	if fetch {
		in.enrich(ctx, feed, &scraped)
	}

	var article model.Article
	switch {
	case !found:
		publisher, err := in.resolvePublisher(ctx, feed, item)
		if err != nil {
			return err
		}
		scraped.PublisherID = publisher.ID
		scraped.Publisher = publisher
		if article, err = in.store.CreateArticle(ctx, scraped); err != nil {
			return err
		}
		res.Added++
	case fetch:
		mergeArticle(&existing, scraped)
		if article, err = in.store.UpdateArticle(ctx, existing); err != nil {
			return err
		}
		res.Updated++
	default:
		article = existing
		if scraped.Categories != existing.Categories {
			if err := in.store.SetCategories(ctx, existing.ID, scraped.Categories); err != nil {
				return err
			}
			article.Categories = scraped.Categories
		}
		res.Unchanged++
	}

	importance, score := relevance.Calculate(relevance.Input{
		Renowned:       feed.Publisher.Renowned,
		FeedImportance: feed.Importance,
		FeedType:       feed.FeedType,
		FeedOrdering:   feed.Ordering,
		FeedPosition:   position,
		Hash:           scraped.GUID,
		PubDate:        article.PubDate,
		ContentType:    article.ContentType,
		Now:            now,
	})
	if _, err := in.store.SaveFeedPosition(ctx, model.FeedPosition{
		FeedID:     feed.ID,
		ArticleID:  article.ID,
		Position:   position,
		Importance: importance,
		Relevance:  score,
	}); err != nil {
		return err
	}

	in.maybePush(ctx, feed, article, position)
	return nil
}

// needsFetch reports whether an already stored article should be scraped
// again: it changed, it is a ticker, or it is recent and still lacks an
// image or extract.
func needsFetch(existing model.Article, item rss.Item, now time.Time) bool {
	changed := item.UpdatedAt
	if item.PublishedAt.After(changed) {
		changed = item.PublishedAt
	}
	if !changed.IsZero() && existing.LastUpdatedDate.Before(changed) {
		return true
	}
	if existing.ContentType == model.ContentTicker {
		return true
	}
	recent := !existing.PubDate.IsZero() && now.Sub(existing.PubDate) < recentFetchWindow
	return recent && (existing.ImageURL == "" || existing.Extract == "")
}

func (in *Ingester) articleFromItem(feed model.Feed, item rss.Item) model.Article {
	extract := scrape.HTMLToText(item.Description)
	a := model.Article{
		PublisherID: feed.PublisherID,
		Publisher:   feed.Publisher,
		Title:       item.Title,
		Author:      item.Author,
		Link:        item.Link,
		ImageURL:    item.ImageURL,
		Extract:     extract,
		HasExtract:  extract != "",
		PubDate:     item.PublishedAt,
		Categories:  model.MergeCategories(feed.SourceCategories, strings.Join(item.Categories, ";")),
		Language:    feed.Publisher.Language,
		GUID:        item.GUID,
		Hash:        ArticleHash(item.Link),
		ContentType: contentType(feed),
	}
	if a.PubDate.IsZero() {
		a.PubDate = item.UpdatedAt
	}
	a.ImportanceType = importanceType(feed, a.Title, a.Categories)
	return a
}

// ArticleHash identifies an article by its link.
func ArticleHash(link string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(link)))
	return hex.EncodeToString(sum[:])
}

func contentType(feed model.Feed) string {
	switch {
	case model.HasCategory(feed.SourceCategories, "TICKER"):
		return model.ContentTicker
	case model.HasCategory(feed.SourceCategories, "BRIEFING"):
		return model.ContentBriefing
	default:
		return model.ContentArticle
	}
}

func importanceType(feed model.Feed, title, categories string) string {
	for _, c := range strings.Split(categories, ";") {
		if isBreakingWord(c) {
			return model.ImportanceBreaking
		}
	}
	for _, w := range strings.Fields(title) {
		if isBreakingWord(w) {
			return model.ImportanceBreaking
		}
	}
	if feed.Importance >= model.ImportanceLevelTop {
		return model.ImportanceHeadline
	}
	return model.ImportanceNormal
}

func isBreakingWord(s string) bool {
	s = strings.ToLower(strings.Trim(strings.TrimSpace(s), ":-|!.,"))
	return s == "breaking" || s == "live" || s == "breaking news"
}

// enrich fills missing fields from the article page: meta tags always, and
// full text when the feed asks for it.
func (in *Ingester) enrich(ctx context.Context, feed model.Feed, a *model.Article) {
	if in.scraper == nil || a.Link == "" {
		return
	}
	meta, err := in.scraper.Meta(ctx, a.Link)
	if err != nil {
		in.logger.V(1).Info("fetch meta failed", "title", a.Title, "err", err.Error())
	} else {
		if a.Title == "" {
			a.Title = meta.Title
		}
		if a.ImageURL == "" {
			a.ImageURL = meta.ImageURL
		}
		if a.Extract == "" && meta.Description != "" {
			a.Extract = meta.Description
			a.HasExtract = true
		}
		if a.Author == "" {
			a.Author = meta.Author
		}
	}

	if !feed.FullTextFetch || !in.opts.FullTextFetch {
		a.HasFullText = false
		return
	}
	ft, err := in.scraper.FullText(ctx, a.Link)
	if err != nil || ft.Text == "" {
		if err != nil {
			in.logger.V(1).Info("fetch full text failed", "title", a.Title, "err", err.Error())
		}
		a.HasFullText = false
		return
	}
	a.FullTextHTML = ft.HTML
	a.FullTextText = ft.Text
	a.HasFullText = true
	if a.ImageURL == "" {
		a.ImageURL = ft.Image
	}
}

// mergeArticle copies every non-empty scraped field onto the stored article.
func mergeArticle(dst *model.Article, src model.Article) {
	setString := func(d *string, s string) {
		if strings.TrimSpace(s) != "" {
			*d = s
		}
	}
	setString(&dst.Title, src.Title)
	setString(&dst.Author, src.Author)
	setString(&dst.Link, src.Link)
	setString(&dst.ImageURL, src.ImageURL)
	setString(&dst.Extract, src.Extract)
	setString(&dst.FullTextHTML, src.FullTextHTML)
	setString(&dst.FullTextText, src.FullTextText)
	setString(&dst.Categories, src.Categories)
	setString(&dst.Language, src.Language)
	setString(&dst.GUID, src.GUID)
	setString(&dst.Hash, src.Hash)
	setString(&dst.ImportanceType, src.ImportanceType)
	setString(&dst.ContentType, src.ContentType)
	if !src.PubDate.IsZero() {
		dst.PubDate = src.PubDate
	}
	if src.HasExtract {
		dst.HasExtract = true
	}
	if src.HasFullText {
		dst.HasFullText = true
	}
}

// resolvePublisher returns the publisher an article belongs to. Aggregator
// entries name their original publisher, which is matched by domain or
// created as an unknown publisher.
func (in *Ingester) resolvePublisher(ctx context.Context, feed model.Feed, item rss.Item) (model.Publisher, error) {
	if item.SourceURL == "" {
		return feed.Publisher, nil
	}
	domain := baseDomain(item.SourceURL)
	p, err := in.store.FindPublisherByDomain(ctx, domain)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Publisher{}, err
	}
	name := item.SourceTitle
	if name == "" {
		name = domain
	}
	return in.store.CreatePublisher(ctx, model.Publisher{
		Name:     name,
		Link:     item.SourceURL,
		Renowned: -2,
		Language: feed.Publisher.Language,
	})
}

// baseDomain keeps the last two labels of a URL host, e.g. bbc.co.uk -> co.uk
// and www.reuters.com -> reuters.com.
func baseDomain(link string) string {
	host := link
	if u, err := url.Parse(link); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.TrimSuffix(strings.ToLower(host), "/")
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

func (in *Ingester) maybePush(ctx context.Context, feed model.Feed, a model.Article, position int) {
	key := fmt.Sprintf("article-%d", a.ID)
	now := in.localNow()
	if !relevance.ShouldPush(relevance.PushInput{
		AlreadySent:    in.sent.Sent(key, now),
		Categories:     a.Categories,
		ImportanceType: a.ImportanceType,
		Renowned:       a.Publisher.Renowned,
		FeedImportance: feed.Importance,
		FeedPosition:   position,
		AddedDate:      a.AddedDate,
		PubDate:        a.PubDate,
		Now:            now,
	}) {
		return
	}
	if err := in.notifier.Send(ctx, ArticleMessage(a)); err != nil {
		in.logger.Error(err, "push notification failed", "article", a.String())
		return
	}
	in.sent.Mark(key, now)
	in.logger.Info("push notification sent", "id", a.ID, "article", a.String())
}

// ArticleMessage builds the push notification for an article.
func ArticleMessage(a model.Article) notify.Message {
	tag := "#Headline"
	switch {
	case a.ImportanceType == model.ImportanceBreaking:
		tag = "#Breaking"
	case model.HasCategory(a.Categories, "sidebar"):
		tag = "#Ticker"
	}
	link := a.Link
	if a.HasFullText {
		link = fmt.Sprintf("/view/%d/", a.ID)
	}
	return notify.Message{
		Head: a.Publisher.Name + " " + tag,
		Body: a.Title,
		URL:  link,
		TTL:  notify.DefaultTTL,
	}
}
