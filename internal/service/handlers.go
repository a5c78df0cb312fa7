package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"newsplatform/internal/markets"
	"newsplatform/internal/pages"
	"newsplatform/internal/scheduler"
	"newsplatform/internal/storage"
)

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Error(err, "health check failed")
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// articlesHandler serves a view. Every query parameter filters except page
// and ungrouped.
func (s *Service) articlesHandler(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	ungrouped, _ := strconv.ParseBool(values.Get("ungrouped"))
	values.Del("ungrouped")

	q := pages.FromValues(values)
	q.Ungrouped = ungrouped
	res, err := s.deps.Pages.Articles(r.Context(), q, false)
	if err != nil {
		s.logger.Error(err, "list articles failed", "query", r.URL.RawQuery)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		pages.Result
		NextPage int `json:"next_page"`
	}{Result: res, NextPage: res.Page + 1})
}

func (s *Service) articleHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	a, err := s.deps.Store.GetArticle(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "article", id)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Service) publisherHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	p, err := s.deps.Store.GetPublisher(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "publisher", id)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) lastRefreshHandler(w http.ResponseWriter, _ *http.Request) {
	var last *time.Time
	if s.deps.Refresher != nil {
		if at := s.deps.Refresher.LastRefresh(); !at.IsZero() {
			last = &at
		}
	}
	refreshing := false
	if s.deps.Scheduler != nil {
		refreshing = s.deps.Scheduler.Running(scheduler.TaskRefresh)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lastRefreshed":       last,
		"currentlyRefreshing": refreshing,
	})
}

func (s *Service) readLaterHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)
	on := vars["action"] == "add"
	if err := s.deps.Pages.SetReadLater(r.Context(), id, on); err != nil {
		s.storeError(w, err, "article", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "read_later": on})
}

func (s *Service) archiveHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)
	on := vars["action"] == "add"
	if err := s.deps.Pages.SetArchive(r.Context(), id, on); err != nil {
		s.storeError(w, err, "article", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "archive": on})
}

// imageErrorHandler is called by clients that failed to load an article
// image. The image is checked at most once per article every two hours.
func (s *Service) imageErrorHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	key := fmt.Sprintf("image-%d", id)
	if _, ok := s.images.Get(key); ok {
		s.logger.V(1).Info("image issue already received", "article", id)
	} else {
		s.images.Set(key, true, imageRetryAfter)
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
			defer cancel()
			if err := s.refetchImage(ctx, id); err != nil {
				s.logger.Error(err, "image refetch failed", "article", id)
			}
		}()
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("RECEIVED"))
}

// refetchImage replaces an article image the source no longer serves.
func (s *Service) refetchImage(ctx context.Context, id int64) error {
	a, err := s.deps.Store.GetArticle(ctx, id)
	if err != nil {
		return err
	}
	if a.ImageURL != "" {
		status, err := s.deps.Scraper.Status(ctx, a.ImageURL)
		if err == nil && status != http.StatusBadRequest && status != http.StatusNotFound {
			return nil
		}
	}

	image := ""
	if meta, err := s.deps.Scraper.Meta(ctx, a.Link); err == nil {
		image = meta.ImageURL
	}
	if image == "" {
		if ft, err := s.deps.Scraper.FullText(ctx, a.Link); err == nil {
			image = ft.Image
		}
	}
	if image == "" || image == a.ImageURL {
		s.logger.Info("no replacement image found", "article", id)
		return nil
	}
	if err := s.deps.Store.SetImageURL(ctx, id, image); err != nil {
		return err
	}
	s.logger.Info("article image refetched", "article", id)
	return s.deps.Pages.Recache(ctx, nil)
}

func (s *Service) marketsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Markets == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	groups, err := s.deps.Markets.Snapshot(r.Context())
	if err != nil {
		s.logger.Error(err, "market snapshot failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if groups == nil {
		groups = []markets.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Service) basicAuth(next http.Handler) http.Handler {
	if s.opts.APIUser == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.opts.APIUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.opts.APIPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="newsplatform"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) storeError(w http.ResponseWriter, err error, kind string, id int64) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %d not found", kind, id))
		return
	}
	s.logger.Error(err, "store request failed", kind, id)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
