package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is the publisher, feed, market and page catalogue kept in a YAML file.
type Seed struct {
	Publishers []SeedPublisher   `yaml:"publishers"`
	Markets    []SeedMarketGroup `yaml:"markets"`
	Pages      []SeedPage        `yaml:"pages"`
}

type SeedPublisher struct {
	Name     string     `yaml:"name"`
	Link     string     `yaml:"link"`
	Renowned int        `yaml:"renowned"`
	Paywall  string     `yaml:"paywall"`
	Language string     `yaml:"language"`
	Feeds    []SeedFeed `yaml:"feeds"`
}

type SeedFeed struct {
	Name             string `yaml:"name"`
	URL              string `yaml:"url"`
	Active           *bool  `yaml:"active"`
	FeedType         string `yaml:"feed_type"`
	Importance       int    `yaml:"importance"`
	Ordering         string `yaml:"ordering"`
	FullTextFetch    bool   `yaml:"full_text_fetch"`
	SourceCategories string `yaml:"source_categories"`
}

type SeedMarketGroup struct {
	Name     string             `yaml:"name"`
	Position int                `yaml:"position"`
	Sources  []SeedMarketSource `yaml:"sources"`
}

type SeedMarketSource struct {
	Name       string `yaml:"name"`
	Ticker     string `yaml:"ticker"`
	DataSource string `yaml:"data_source"`
	Pinned     bool   `yaml:"pinned"`
}

type SeedPage struct {
	Name          string `yaml:"name"`
	PositionIndex int    `yaml:"position_index"`
	URLParameters string `yaml:"url_parameters"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML.
func ParseSeed(data []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	for _, p := range seed.Publishers {
		if p.Name == "" {
			return Seed{}, fmt.Errorf("seed publisher without name")
		}
		if p.Renowned < -3 || p.Renowned > 3 {
			return Seed{}, fmt.Errorf("seed publisher %q: renowned %d out of range -3..3", p.Name, p.Renowned)
		}
		for _, f := range p.Feeds {
			if f.URL == "" {
				return Seed{}, fmt.Errorf("seed feed %q of %q without url", f.Name, p.Name)
			}
			if f.Importance < 0 || f.Importance > 4 {
				return Seed{}, fmt.Errorf("seed feed %q: importance %d out of range 0..4", f.Name, f.Importance)
			}
		}
	}
	for _, g := range seed.Markets {
		for _, s := range g.Sources {
			if s.DataSource != "yfin" && s.DataSource != "te" {
				return Seed{}, fmt.Errorf("market source %q: unknown data source %q", s.Name, s.DataSource)
			}
		}
	}
	return seed, nil
}
