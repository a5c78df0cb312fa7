package storage

import (
	"context"

	"newsplatform/internal/config"
	"newsplatform/internal/model"
)

// SeedStats counts the rows written by ImportSeed.
type SeedStats struct {
	Publishers    int
	Feeds         int
	MarketSources int
	Pages         int
}

// ImportSeed upserts every publisher, feed, market source and page of seed.
func (s *Store) ImportSeed(ctx context.Context, seed config.Seed) (SeedStats, error) {
	var stats SeedStats
	for _, sp := range seed.Publishers {
		p, err := s.UpsertPublisher(ctx, model.Publisher{
			Name:     sp.Name,
			Link:     sp.Link,
			Renowned: sp.Renowned,
			Paywall:  sp.Paywall,
			Language: sp.Language,
		})
		if err != nil {
			return stats, err
		}
		stats.Publishers++
		for _, sf := range sp.Feeds {
			active := true
			if sf.Active != nil {
				active = *sf.Active
			}
			if _, err := s.UpsertFeed(ctx, model.Feed{
				PublisherID:      p.ID,
				Name:             sf.Name,
				URL:              sf.URL,
				Active:           active,
				FeedType:         sf.FeedType,
				Importance:       sf.Importance,
				Ordering:         sf.Ordering,
				FullTextFetch:    sf.FullTextFetch,
				SourceCategories: sf.SourceCategories,
			}); err != nil {
				return stats, err
			}
			stats.Feeds++
		}
	}
	for _, sg := range seed.Markets {
		g, err := s.UpsertMarketGroup(ctx, model.MarketGroup{Name: sg.Name, Position: sg.Position})
		if err != nil {
			return stats, err
		}
		for _, src := range sg.Sources {
			if _, err := s.UpsertMarketSource(ctx, model.MarketSource{
				GroupID:    g.ID,
				Name:       src.Name,
				Ticker:     src.Ticker,
				DataSource: src.DataSource,
				Pinned:     src.Pinned,
			}); err != nil {
				return stats, err
			}
			stats.MarketSources++
		}
	}
	for _, sp := range seed.Pages {
		if _, err := s.UpsertPage(ctx, model.Page{Name: sp.Name, PositionIndex: sp.PositionIndex, URLParameters: sp.URLParameters}); err != nil {
			return stats, err
		}
		stats.Pages++
	}
	return stats, nil
}
