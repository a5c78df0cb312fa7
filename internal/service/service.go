package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"newsplatform/internal/markets"
	"newsplatform/internal/pages"
	"newsplatform/internal/scheduler"
	"newsplatform/internal/scrape"
	"newsplatform/internal/storage"
)

const imageRetryAfter = 2 * time.Hour

// Refresher reports feed refresh progress.
type Refresher interface {
	LastRefresh() time.Time
	OnRefresh(fn func(time.Time))
}

// Options configure the HTTP surface.
type Options struct {
	BindAddr    string
	APIUser     string
	APIPassword string
	SiteTitle   string
	SiteURL     string
}

// Deps are the components the API serves from. Markets, Scheduler and
// Refresher may be nil.
type Deps struct {
	Store     *storage.Store
	Pages     *pages.Service
	Markets   *markets.Service
	Scraper   *scrape.Scraper
	Scheduler *scheduler.Scheduler
	Refresher Refresher
}

// Service serves the article API and runs the scheduler.
type Service struct {
	deps   Deps
	opts   Options
	hub    *Hub
	images *pages.Cache[bool]
	logger logr.Logger

	// background image refetches
	bg sync.WaitGroup
}

// NewService creates a Service instance. Completed feed refreshes reload
// cached views and are pushed to websocket clients.
func NewService(deps Deps, opts Options, logger logr.Logger) *Service {
	if opts.SiteTitle == "" {
		opts.SiteTitle = "News"
	}
	logger = logger.WithName("api")
	s := &Service{
		deps:   deps,
		opts:   opts,
		hub:    NewHub(logger),
		images: pages.NewCache[bool](),
		logger: logger,
	}
	if deps.Refresher != nil {
		deps.Refresher.OnRefresh(s.refreshed)
	}
	return s
}

func (s *Service) refreshed(at time.Time) {
	if err := s.deps.Pages.Recache(context.Background(), nil); err != nil {
		s.logger.Error(err, "recaching views failed")
	}
	s.hub.Broadcast(Event{Type: "refresh", Data: map[string]any{"lastRefreshed": at}, Timestamp: time.Now()})
}

// Handler returns the routed API with CORS applied.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)

	r.HandleFunc("/api/articles", s.articlesHandler).Methods(http.MethodGet)
	r.Handle("/api/article/{id:[0-9]+}", s.basicAuth(http.HandlerFunc(s.articleHandler))).Methods(http.MethodGet)
	r.HandleFunc("/api/publisher/{id:[0-9]+}", s.publisherHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/last-refresh", s.lastRefreshHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/read-later/{action:add|remove}/{id:[0-9]+}", s.readLaterHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/archive/{action:add|remove}/{id:[0-9]+}", s.archiveHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/image-error/{id:[0-9]+}", s.imageErrorHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/markets", s.marketsHandler).Methods(http.MethodGet)

	r.HandleFunc("/feed.rss", s.feedHandler).Methods(http.MethodGet)
	r.Handle("/ws", s.hub)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	})
	return c.Handler(r)
}

// Run starts the HTTP server and the scheduler, kicks off an initial feed
// refresh and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.BindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.opts.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if sched := s.deps.Scheduler; sched != nil {
		sched.Start(ctx)
		defer func() { <-sched.Stop().Done() }()

		go func() {
			if err := sched.Run(ctx, scheduler.TaskRefresh); err != nil && !errors.Is(err, scheduler.ErrAlreadyRunning) {
				s.logger.Error(err, "initial refresh failed")
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("stopping service, context cancelled")
		s.bg.Wait()
		return nil
	case err := <-errc:
		return err
	}
}
