// Package markets scrapes bond yields and stock quotes, stores them as market
// entries and alerts on large daily moves.
package markets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-logr/logr"

	"newsplatform/internal/model"
	"newsplatform/internal/notify"
	"newsplatform/internal/scrape"
	"newsplatform/internal/storage"
)

const (
	DefaultBondsURL = "https://tradingeconomics.com/bonds"
	DefaultQuoteURL = "https://finance.yahoo.com/quote/"

	// Retention is how long market entries are kept.
	Retention = 45 * 24 * time.Hour

	quoteAlertPercent = 5.0
	bondAlertBps      = 25.0
	alertMemory       = 48 * time.Hour
)

// ErrTableNotFound is returned when a page lacks the data we scrape.
var ErrTableNotFound = errors.New("markets: table not found")

// Bond is one row of the bonds table.
type Bond struct {
	Yield float64
	Day   float64
}

// Quote is the headline data of a quote page.
type Quote struct {
	Price         float64
	ChangePercent float64
	Notice        string
}

// Closed reports whether the market notice says the market is closed.
func (q Quote) Closed() bool {
	return strings.Contains(strings.ToLower(q.Notice), "close")
}

// Group is a market group with its latest entries.
type Group struct {
	Name    string              `json:"name"`
	Entries []model.MarketEntry `json:"entries"`
}

type Options struct {
	BondsURL string
	QuoteURL string
	Location *time.Location
}

// Service refreshes market data.
type Service struct {
	store    *storage.Store
	scraper  *scrape.Scraper
	notifier notify.Notifier
	sent     *notify.SentSet
	opts     Options
	logger   logr.Logger
	now      func() time.Time
}

func NewService(store *storage.Store, scraper *scrape.Scraper, notifier notify.Notifier, opts Options, logger logr.Logger) *Service {
	if opts.BondsURL == "" {
		opts.BondsURL = DefaultBondsURL
	}
	if opts.QuoteURL == "" {
		opts.QuoteURL = DefaultQuoteURL
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{
		store:    store,
		scraper:  scraper,
		notifier: notifier,
		sent:     notify.NewSentSet(alertMemory),
		opts:     opts,
		logger:   logger.WithName("markets"),
		now:      time.Now,
	}
}

// Refresh scrapes every market source, stores new entries, sends alerts,
// drops old entries and returns the latest snapshot.
func (s *Service) Refresh(ctx context.Context) ([]Group, error) {
	s.logger.Info("refreshing market data")
	sources, err := s.store.ListMarketSources(ctx)
	if err != nil {
		return nil, err
	}

	var bondSources, quoteSources []model.MarketSource
	for _, src := range sources {
		if src.DataSource == model.MarketYahoo {
			quoteSources = append(quoteSources, src)
		} else {
			bondSources = append(bondSources, src)
		}
	}

	var entries []model.MarketEntry
	if len(bondSources) > 0 {
		added, err := s.refreshBonds(ctx, bondSources)
		if err != nil {
			s.logger.Error(err, "bond refresh failed")
		}
		entries = append(entries, added...)
	}
	for _, src := range quoteSources {
		e, err := s.refreshQuote(ctx, src)
		if err != nil {
			s.logger.Error(err, "quote refresh failed", "ticker", src.Ticker)
			continue
		}
		entries = append(entries, e)
	}

	s.alert(ctx, entries)

	removed, err := s.store.DeleteMarketEntriesBefore(ctx, s.now().Add(-Retention))
	if err != nil {
		return nil, err
	}
	s.logger.Info("market data refreshed", "entries", len(entries), "removed", removed)
	return s.Snapshot(ctx)
}

func (s *Service) refreshBonds(ctx context.Context, sources []model.MarketSource) ([]model.MarketEntry, error) {
	doc, err := s.scraper.Document(ctx, s.opts.BondsURL)
	if err != nil {
		return nil, err
	}
	bonds, err := BondsFromDocument(doc)
	if err != nil {
		return nil, err
	}
	var out []model.MarketEntry
	for _, src := range sources {
		b, ok := bonds[src.Ticker]
		if !ok {
			continue
		}
		e, err := s.store.AddMarketEntry(ctx, model.MarketEntry{
			SourceID:    src.ID,
			Source:      src,
			Price:       b.Yield,
			ChangeToday: b.Day * 100,
			RefDateTime: s.now(),
		})
		if err != nil {
			return out, err
		}
		e.Source = src
		out = append(out, e)
	}
	return out, nil
}

func (s *Service) refreshQuote(ctx context.Context, src model.MarketSource) (model.MarketEntry, error) {
	doc, err := s.scraper.Document(ctx, s.quoteURL(src.Ticker))
	if err != nil {
		return model.MarketEntry{}, err
	}
	q, err := QuoteFromDocument(doc)
	if err != nil {
		return model.MarketEntry{}, fmt.Errorf("%s: %w", src.Ticker, err)
	}
	e, err := s.store.AddMarketEntry(ctx, model.MarketEntry{
		SourceID:     src.ID,
		Price:        q.Price,
		ChangeToday:  q.ChangePercent * 100,
		MarketClosed: q.Closed(),
		RefDateTime:  s.now(),
	})
	if err != nil {
		return model.MarketEntry{}, err
	}
	e.Source = src
	return e, nil
}

// Snapshot returns the latest entry of every source, grouped in group order.
func (s *Service) Snapshot(ctx context.Context) ([]Group, error) {
	entries, err := s.store.LatestMarketEntries(ctx)
	if err != nil {
		return nil, err
	}
	var out []Group
	for _, e := range entries {
		if len(out) == 0 || out[len(out)-1].Name != e.Source.Group.Name {
			out = append(out, Group{Name: e.Source.Group.Name})
		}
		last := &out[len(out)-1]
		last.Entries = append(last.Entries, e)
	}
	return out, nil
}

func (s *Service) alert(ctx context.Context, entries []model.MarketEntry) {
	now := s.now().In(s.opts.Location)
	for _, e := range entries {
		if !ShouldAlert(e) {
			continue
		}
		key := fmt.Sprintf("market-%d", e.SourceID)
		if s.sent.SentOn(key, now) {
			continue
		}
		if err := s.notifier.Send(ctx, s.AlertMessage(e)); err != nil {
			s.logger.Error(err, "market alert failed", "source", e.Source.Name)
			continue
		}
		s.logger.Info("market alert sent", "source", e.Source.Name, "change", e.ChangeToday)
		s.sent.Mark(key, now)
	}
}

// ShouldAlert reports whether an entry moved enough to notify about, while
// its market is open.
func ShouldAlert(e model.MarketEntry) bool {
	if e.MarketClosed {
		return false
	}
	limit := bondAlertBps
	if e.Source.DataSource == model.MarketYahoo {
		limit = quoteAlertPercent
	}
	return math.Abs(e.ChangeToday) >= limit
}

// AlertMessage describes a large move of one source.
func (s *Service) AlertMessage(e model.MarketEntry) notify.Message {
	unit := "bps"
	link := "https://tradingeconomics.com/" + strings.ReplaceAll(strings.ToLower(e.Source.Ticker), " ", "-") + "/government-bond-yield"
	if e.Source.DataSource == model.MarketYahoo {
		unit = "%"
		link = s.quoteURL(e.Source.Ticker)
	}
	direction := "down"
	if e.ChangeToday > 0 {
		direction = "up"
	}
	return notify.Message{
		Head: "Market Alert",
		Body: fmt.Sprintf("%s: %s  %+.2f%s %s", e.Source.Group.Name, e.Source.Name, e.ChangeToday, unit, direction),
		URL:  link,
		TTL:  notify.DefaultTTL,
	}
}

func (s *Service) quoteURL(ticker string) string {
	return s.opts.QuoteURL + ticker + "?p=" + ticker
}

// ParseBonds reads the bonds table from a page.
func ParseBonds(r io.Reader) (map[string]Bond, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse bonds page: %w", err)
	}
	return BondsFromDocument(doc)
}

// BondsFromDocument reads the first table keyed by its Major10Y column.
// Negative markers are images on the page and become minus signs.
func BondsFromDocument(doc *goquery.Document) (map[string]Bond, error) {
	doc.Find("span.market-negative-image").ReplaceWithHtml("-")

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, ErrTableNotFound
	}
	nameCol, yieldCol, dayCol := -1, -1, -1
	table.Find("tr").First().Find("th, td").Each(func(i int, cell *goquery.Selection) {
		switch strings.TrimSpace(cell.Text()) {
		case "Major10Y":
			nameCol = i
		case "Yield":
			yieldCol = i
		case "Day":
			dayCol = i
		}
	})
	if nameCol < 0 || yieldCol < 0 || dayCol < 0 {
		return nil, ErrTableNotFound
	}

	out := map[string]Bond{}
	table.Find("tr").Slice(1, goquery.ToEnd).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() <= max(nameCol, yieldCol, dayCol) {
			return
		}
		name := strings.TrimSpace(cells.Eq(nameCol).Text())
		yield, err1 := ParseNumber(cells.Eq(yieldCol).Text())
		day, err2 := ParseNumber(cells.Eq(dayCol).Text())
		if name == "" || err1 != nil || err2 != nil {
			return
		}
		out[name] = Bond{Yield: yield, Day: day}
	})
	return out, nil
}

// ParseQuote reads a quote page.
func ParseQuote(r io.Reader) (Quote, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Quote{}, fmt.Errorf("parse quote page: %w", err)
	}
	return QuoteFromDocument(doc)
}

// QuoteFromDocument reads the price fields next to the market notice.
func QuoteFromDocument(doc *goquery.Document) (Quote, error) {
	notice := doc.Find("#quote-market-notice").First()
	if notice.Length() == 0 {
		return Quote{}, ErrTableNotFound
	}
	fields := map[string]string{}
	notice.Parent().Find("fin-streamer").Each(func(_ int, el *goquery.Selection) {
		field, ok1 := el.Attr("data-field")
		value, ok2 := el.Attr("value")
		if ok1 && ok2 {
			fields[field] = value
		}
	})

	price, err := ParseNumber(fields["regularMarketPrice"])
	if err != nil {
		return Quote{}, fmt.Errorf("%w: regularMarketPrice", ErrTableNotFound)
	}
	change, err := ParseNumber(fields["regularMarketChangePercent"])
	if err != nil {
		return Quote{}, fmt.Errorf("%w: regularMarketChangePercent", ErrTableNotFound)
	}
	return Quote{Price: price, ChangePercent: change, Notice: strings.TrimSpace(notice.Text())}, nil
}

// ParseNumber keeps digits, minus signs and dots and parses the rest.
func ParseNumber(s string) (float64, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '-' || r == '.' {
			b.WriteRune(r)
		}
	}
	return strconv.ParseFloat(b.String(), 64)
}
