package main

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"newsplatform/internal/config"
	"newsplatform/internal/grouping"
	"newsplatform/internal/ingest"
	"newsplatform/internal/markets"
	"newsplatform/internal/notify"
	"newsplatform/internal/pages"
	"newsplatform/internal/rss"
	"newsplatform/internal/scheduler"
	"newsplatform/internal/scrape"
	"newsplatform/internal/storage"
	"newsplatform/internal/summary"
)

// app wires every component from configuration.
type app struct {
	cfg       config.Config
	logger    logr.Logger
	store     *storage.Store
	scraper   *scrape.Scraper
	pages     *pages.Service
	grouper   *grouping.Grouper
	ingester  *ingest.Ingester
	markets   *markets.Service
	scheduler *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg config.Config, logger logr.Logger) (*app, error) {
	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	a.scraper = scrape.New(nil, 5)
	a.pages = pages.NewService(store, pages.Options{
		PageSize:  cfg.PageSize,
		Languages: cfg.Languages(),
		Location:  cfg.Location,
	}, logger)

	var grouper ingest.Grouper
	if cfg.OpenAIKey == "" {
		logger.Info("OPENAI_API_KEY is not set, article grouping and summaries are disabled")
	} else {
		embed := grouping.NewOpenAIEmbeddings(cfg.OpenAIBase, cfg.OpenAIKey, cfg.EmbeddingModel)
		a.grouper, err = grouping.New(store, a.pages, embed, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		grouper = a.grouper
	}

	notifier := notify.New(notify.Options{
		WebhookURL:        cfg.NotifyWebhookURL,
		NtfyTopic:         cfg.NtfyTopic,
		NtfyToken:         cfg.NtfyToken,
		DiscordWebhookURL: cfg.DiscordWebhookURL,
	}, logger)

	a.ingester = ingest.New(store,
		rss.NewFetcher(cfg.FeedCreatorURL, nil, logger),
		a.scraper,
		summary.NewClient(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBase, logger),
		notifier,
		grouper,
		ingest.Options{
			Location:       cfg.Location,
			ForceRefetch:   cfg.ForceRefetch,
			Testing:        cfg.Testing,
			FullTextFetch:  cfg.FullTextFetch,
			SummaryLogPath: cfg.SummaryLogPath,
		}, logger)

	a.markets = markets.NewService(store, a.scraper, notifier, markets.Options{Location: cfg.Location}, logger)
	return a, nil
}

// schedule registers the periodic tasks.
func (a *app) schedule() error {
	a.scheduler = scheduler.NewScheduler(a.cfg.Location, a.logger)

	refresh := func(ctx context.Context) error {
		if _, err := a.ingester.UpdateFeeds(ctx); err != nil {
			return err
		}
		_, err := a.ingester.UpdateVideos(ctx)
		return err
	}
	if err := a.scheduler.AddTask(scheduler.TaskRefresh, refresh, scheduler.DayRefresh, scheduler.NightRefresh); err != nil {
		return err
	}
	marketRefresh := func(ctx context.Context) error {
		_, err := a.markets.Refresh(ctx)
		return err
	}
	return a.scheduler.AddTask(scheduler.TaskMarkets, marketRefresh, scheduler.Every(a.cfg.MarketInterval))
}

func (a *app) Close() error {
	return a.store.Close()
}
