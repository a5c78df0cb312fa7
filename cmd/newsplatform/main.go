package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"newsplatform/internal/config"
	"newsplatform/internal/logging"
	"newsplatform/internal/service"
)

func main() {
	root := &cobra.Command{
		Use:           "newsplatform",
		Short:         "Personal news aggregation: feeds, rankings, story groups and market data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		serveCmd(),
		refreshCmd(),
		videosCmd(),
		marketsCmd(),
		groupCmd(),
		seedCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp loads configuration, builds the app and runs fn until it returns
// or the process is interrupted.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and run scheduled refreshes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.schedule(); err != nil {
					return err
				}
				svc := service.NewService(service.Deps{
					Store:     a.store,
					Pages:     a.pages,
					Markets:   a.markets,
					Scraper:   a.scraper,
					Scheduler: a.scheduler,
					Refresher: a.ingester,
				}, service.Options{
					BindAddr:    a.cfg.BindAddr,
					APIUser:     a.cfg.APIUser,
					APIPassword: a.cfg.APIPassword,
					SiteTitle:   a.cfg.SiteTitle,
					SiteURL:     a.cfg.SiteURL,
				}, a.logger)
				return svc.Run(ctx)
			})
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh every active feed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				added, err := a.ingester.UpdateFeeds(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %d articles\n", added)
				return nil
			})
		},
	}
}

func videosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "videos",
		Short: "Refresh every active video feed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				added, err := a.ingester.UpdateVideos(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %d videos\n", added)
				return nil
			})
		},
	}
}

func marketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "markets",
		Short: "Scrape market data once and print the snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				groups, err := a.markets.Refresh(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, g := range groups {
					fmt.Fprintln(out, g.Name)
					for _, e := range g.Entries {
						fmt.Fprintf(out, "  %-24s %10.3f %+8.2f\n", e.Source.Name, e.Price, e.ChangeToday)
					}
				}
				return nil
			})
		},
	}
}

func groupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "group",
		Short: "Find article groups once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if a.grouper == nil {
					return fmt.Errorf("grouping needs OPENAI_API_KEY for embeddings")
				}
				n, err := a.grouper.FindGroupedArticles(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "found %d groups\n", n)
				return nil
			})
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import publishers, feeds, market sources and pages from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				path, _ := cmd.Flags().GetString("file")
				if path == "" {
					path = a.cfg.SeedFile
				}
				seed, err := config.LoadSeed(path)
				if err != nil {
					return err
				}
				stats, err := a.store.ImportSeed(ctx, seed)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d publishers, %d feeds, %d market sources, %d pages\n",
					stats.Publishers, stats.Feeds, stats.MarketSources, stats.Pages)
				return nil
			})
		},
	}
	cmd.Flags().StringP("file", "f", "", "seed file (defaults to SEED_FILE)")
	return cmd
}
