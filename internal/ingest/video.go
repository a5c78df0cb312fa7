package ingest

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"newsplatform/internal/model"
	"newsplatform/internal/relevance"
	"newsplatform/internal/rss"
	"newsplatform/internal/storage"
)

const maxVideos = 200

// UpdateVideos refreshes every active video feed. Ranked channel feeds are
// only fully reloaded once a week, on Sunday and Monday afternoons.
func (in *Ingester) UpdateVideos(ctx context.Context) (int, error) {
	active := true
	feeds, err := in.store.ListFeeds(ctx, storage.FeedFilter{Active: &active, VideoOnly: true})
	if err != nil {
		return 0, err
	}
	if in.opts.Testing {
		feeds = sample(feeds)
	}

	now := in.localNow()
	force := in.opts.ForceRefetch ||
		((now.Weekday() == time.Sunday || now.Weekday() == time.Monday) && now.Hour() >= 13 && now.Hour() < 15)

	added := 0
	for _, f := range feeds {
		if ctx.Err() != nil {
			return added, ctx.Err()
		}
		res, err := in.FetchVideos(ctx, f, force)
		if err != nil {
			in.logger.Error(err, "fetch videos failed", "feed", f.String())
			continue
		}
		added += res.Added
		if err := in.store.MarkFeedFetched(ctx, f.ID, in.now()); err != nil {
			in.logger.Error(err, "mark feed fetched failed", "feed", f.String())
		}
	}
	in.logger.Info("refreshed videos", "added", added, "feeds", len(feeds))
	return added, nil
}

// video is a feed entry reduced to what a video article needs.
type video struct {
	hash     string
	title    string
	author   string
	link     string
	image    string
	extract  string
	fullText string
	pubDate  time.Time
	cats     []string
}

// FetchVideos refreshes one video feed.
func (in *Ingester) FetchVideos(ctx context.Context, feed model.Feed, force bool) (Result, error) {
	src, err := in.videoFeedURL(feed)
	if err != nil {
		return Result{}, err
	}
	parsed, err := in.fetcher.Fetch(ctx, src)
	if err != nil {
		return Result{}, err
	}
	res := Result{LastUpdated: in.now()}

	items := parsed.Items
	if len(items) > maxVideos {
		items = items[:maxVideos]
	}
	if len(items) > 0 {
		if feed.FeedType == model.FeedYTChannel && feed.Ordering != model.OrderRanked && !force {
			if id := youtubeID(items[0]); id != "" {
				top, err := in.store.TopPositionHash(ctx, feed.ID, "youtube_"+id)
				if err != nil {
					return res, err
				}
				if top {
					in.logger.V(1).Info("video feed unchanged", "feed", feed.String())
					res.Skipped = true
					return res, nil
				}
			}
		}
		// positions are rebuilt from the feed, even when its first entry is unusable
		if err := in.store.DeleteFeedPositions(ctx, feed.ID); err != nil {
			return res, err
		}
	}
	for i, item := range items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		v, ok := in.videoFromItem(ctx, feed, item)
		if !ok {
			continue
		}
		if err := in.saveVideo(ctx, feed, v, i+1, &res); err != nil {
			in.logger.Error(err, "save video failed", "feed", feed.String(), "link", v.link)
		}
	}
	in.logger.Info("refreshed video feed", "feed", feed.String(), "added", res.Added, "changed", res.Updated, "total", len(items))
	return res, nil
}

func (in *Ingester) saveVideo(ctx context.Context, feed model.Feed, v video, position int, res *Result) error {
	categories := model.MergeCategories("Video", feed.SourceCategories, strings.Join(v.cats, ";")) + ";"

	article, err := in.store.FindArticleByHash(ctx, v.hash)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		article, err = in.store.CreateArticle(ctx, model.Article{
			PublisherID:    feed.PublisherID,
			Publisher:      feed.Publisher,
			Title:          v.title,
			Author:         v.author,
			Link:           v.link,
			ImageURL:       v.image,
			Extract:        v.extract,
			FullTextHTML:   v.fullText,
			HasFullText:    true,
			PubDate:        v.pubDate,
			Categories:     categories,
			Language:       feed.Publisher.Language,
			GUID:           v.link,
			Hash:           v.hash,
			ContentType:    model.ContentVideo,
			ImportanceType: model.ImportanceNormal,
		})
		if err != nil {
			return err
		}
		res.Added++
	case err != nil:
		return err
	default:
		article.ImageURL = v.image
		article.FullTextHTML = v.fullText
		article.Extract = v.extract
		article.Title = v.title
		if article.Author == "" {
			article.Author = v.author
		}
		if article.PubDate.IsZero() {
			article.PubDate = v.pubDate
		}
		if article.Link == "" {
			article.Link = v.link
		}
		article.Categories = model.MergeCategories(article.Categories, categories) + ";"
		article.HasFullText = true
		if article, err = in.store.UpdateArticle(ctx, article); err != nil {
			return err
		}
		res.Updated++
	}

	importance, score := relevance.Calculate(relevance.Input{
		Renowned:       feed.Publisher.Renowned,
		FeedImportance: feed.Importance,
		FeedType:       feed.FeedType,
		FeedOrdering:   feed.Ordering,
		FeedPosition:   position,
		Hash:           v.hash,
		PubDate:        article.PubDate,
		ContentType:    model.ContentVideo,
		Now:            in.now(),
	})
	_, err = in.store.SaveFeedPosition(ctx, model.FeedPosition{
		FeedID:     feed.ID,
		ArticleID:  article.ID,
		Position:   position,
		Importance: importance,
		Relevance:  score,
	})
	return err
}

// videoFeedURL maps a channel or playlist page to its feed.
func (in *Ingester) videoFeedURL(feed model.Feed) (string, error) {
	if feed.FeedType == model.FeedRSSPlaylist || strings.Contains(feed.URL, "/feeds/videos.xml") {
		return feed.URL, nil
	}
	u, err := url.Parse(feed.URL)
	if err != nil {
		return "", fmt.Errorf("parse video feed url %q: %w", feed.URL, err)
	}
	switch feed.FeedType {
	case model.FeedYTPlaylist:
		list := u.Query().Get("list")
		if list == "" {
			return "", fmt.Errorf("playlist url %q has no list parameter", feed.URL)
		}
		return in.opts.YouTubeFeedBase + "?playlist_id=" + url.QueryEscape(list), nil
	case model.FeedYTChannel:
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i := 0; i+1 < len(parts); i++ {
			if parts[i] == "channel" {
				return in.opts.YouTubeFeedBase + "?channel_id=" + url.QueryEscape(parts[i+1]), nil
			}
		}
		return "", fmt.Errorf("channel url %q has no /channel/{id}", feed.URL)
	default:
		return "", fmt.Errorf("feed %q is not a video feed", feed.String())
	}
}

func (in *Ingester) videoFromItem(ctx context.Context, feed model.Feed, item rss.Item) (video, bool) {
	v := video{
		title:   item.Title,
		author:  item.Author,
		link:    item.Link,
		image:   item.ImageURL,
		pubDate: item.PublishedAt,
		cats:    item.Categories,
	}
	if v.pubDate.IsZero() {
		v.pubDate = item.UpdatedAt
	}

	if feed.FeedType == model.FeedRSSPlaylist {
		id := item.GUID
		if id == "" || item.Enclosure == "" {
			return v, false
		}
		v.hash = "rss_" + id
		minutes := parseDuration(item.Duration) / 60
		v.extract = fmt.Sprintf("%d min  |  %s<br>\n%s", minutes, item.Author, item.Description)
		v.fullText = fmt.Sprintf(`<video controls width="100%%"><source src="%s" type="video/mp4"></video>`,
			html.EscapeString(item.Enclosure))
		if v.image == "" && in.scraper != nil && item.Link != "" {
			if meta, err := in.scraper.Meta(ctx, item.Link); err == nil {
				v.image = meta.ImageURL
			}
		}
		return v, true
	}

	id := youtubeID(item)
	if id == "" {
		return v, false
	}
	v.hash = "youtube_" + id
	v.link = "https://www.youtube.com/watch?v=" + id
	v.extract = youtubeDescription(item)
	v.fullText = fmt.Sprintf(`<iframe src="https://www.youtube-nocookie.com/embed/%s?rel=0&autoplay=1" `+
		`title="%s" frameborder="0" allow="autoplay; encrypted-media; picture-in-picture" allowfullscreen></iframe>`+
		"<div>%s</div>", id, html.EscapeString(item.Title), html.EscapeString(v.extract))
	return v, true
}

func youtubeID(item rss.Item) string {
	if yt, ok := item.Extensions["yt"]; ok {
		for _, e := range yt["videoId"] {
			if e.Value != "" {
				return strings.TrimSpace(e.Value)
			}
		}
	}
	if u, err := url.Parse(item.Link); err == nil {
		return u.Query().Get("v")
	}
	return ""
}

func youtubeDescription(item rss.Item) string {
	if media, ok := item.Extensions["media"]; ok {
		for _, group := range media["group"] {
			for _, d := range group.Children["description"] {
				if d.Value != "" {
					return strings.TrimSpace(d.Value)
				}
			}
		}
	}
	return strings.TrimSpace(item.Description)
}

// parseDuration reads itunes durations given as seconds, MM:SS or HH:MM:SS.
func parseDuration(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	total := 0
	for _, part := range strings.Split(s, ":") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}
