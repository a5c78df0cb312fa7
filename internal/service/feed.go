package service

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"newsplatform/internal/model"
	"newsplatform/internal/pages"
)

// feedHandler publishes a view as RSS. Query parameters select the view the
// same way they do for /api/articles.
func (s *Service) feedHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Pages.Articles(r.Context(), pages.FromValues(r.URL.Query()), false)
	if err != nil {
		s.logger.Error(err, "feed articles failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	rss, err := BuildFeed(s.opts.SiteTitle, s.opts.SiteURL, res.Articles).ToRss()
	if err != nil {
		s.logger.Error(err, "render feed failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	_, _ = w.Write([]byte(rss))
}

// BuildFeed turns articles into a feed. Articles with full text link to the
// reader view on siteURL.
func BuildFeed(title, siteURL string, articles []model.Article) *feeds.Feed {
	siteURL = strings.TrimRight(siteURL, "/")
	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: siteURL + "/"},
		Description: "Latest articles",
		Created:     time.Now(),
	}
	for _, a := range articles {
		link := a.Link
		if a.HasFullText && siteURL != "" {
			link = fmt.Sprintf("%s/view/%d/", siteURL, a.ID)
		}
		description := a.Extract
		if a.AISummary != "" {
			description = a.AISummary
		}
		item := &feeds.Item{
			Id:          a.Hash,
			Title:       a.Title,
			Link:        &feeds.Link{Href: link},
			Description: description,
			Author:      &feeds.Author{Name: a.Publisher.Name},
			Created:     a.PubDate,
			Updated:     a.LastUpdatedDate,
		}
		if a.ImageURL != "" {
			item.Enclosure = &feeds.Enclosure{Url: a.ImageURL, Type: "image/jpeg", Length: "0"}
		}
		feed.Items = append(feed.Items, item)
	}
	return feed
}
