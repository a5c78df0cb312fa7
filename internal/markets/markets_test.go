package markets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsplatform/internal/model"
	"newsplatform/internal/notify"
	"newsplatform/internal/scrape"
	"newsplatform/internal/storage"
)

const bondsPage = `<html><body>
<table class="table">
<thead><tr><th></th><th>Major10Y</th><th>Yield</th><th>Day</th><th>Weekly</th></tr></thead>
<tbody>
<tr><td><img src="us.png"></td><td> US </td><td>4.312</td><td><span class="market-negative-image"></span>0.301</td><td>0.1%</td></tr>
<tr><td></td><td>Germany</td><td>2.401</td><td>0.012</td><td>0.2%</td></tr>
<tr><td></td><td>Broken</td><td>n/a</td><td>0.1</td><td></td></tr>
</tbody>
</table>
</body></html>`

func quotePage(price, change, notice string) string {
	return `<html><body><div class="price">
<fin-streamer data-field="regularMarketPrice" value="` + price + `">1,234.50</fin-streamer>
<fin-streamer data-field="regularMarketChangePercent" value="` + change + `">(-6.00%)</fin-streamer>
<div id="quote-market-notice"><span>` + notice + `</span></div>
</div></body></html>`
}

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestParseBonds(t *testing.T) {
	bonds, err := ParseBonds(strings.NewReader(bondsPage))
	require.NoError(t, err)
	require.Len(t, bonds, 2)
	assert.Equal(t, Bond{Yield: 4.312, Day: -0.301}, bonds["US"])
	assert.Equal(t, Bond{Yield: 2.401, Day: 0.012}, bonds["Germany"])

	_, err = ParseBonds(strings.NewReader(`<html><body><p>maintenance</p></body></html>`))
	assert.ErrorIs(t, err, ErrTableNotFound)

	_, err = ParseBonds(strings.NewReader(`<table><tr><th>Country</th></tr></table>`))
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestParseQuote(t *testing.T) {
	q, err := ParseQuote(strings.NewReader(quotePage("1234.5", "-0.06", "At close: 4:00PM EST")))
	require.NoError(t, err)
	assert.Equal(t, 1234.5, q.Price)
	assert.Equal(t, -0.06, q.ChangePercent)
	assert.True(t, q.Closed())

	q, err = ParseQuote(strings.NewReader(quotePage("10", "0.01", "Market open.")))
	require.NoError(t, err)
	assert.False(t, q.Closed())

	_, err = ParseQuote(strings.NewReader(`<html><body></body></html>`))
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestParseNumber(t *testing.T) {
	v, err := ParseNumber(" 4.31% ")
	require.NoError(t, err)
	assert.Equal(t, 4.31, v)
	v, err = ParseNumber("-1,234.5")
	require.NoError(t, err)
	assert.Equal(t, -1234.5, v)
	_, err = ParseNumber("n/a")
	assert.Error(t, err)
}

func TestShouldAlert(t *testing.T) {
	quote := model.MarketSource{DataSource: model.MarketYahoo}
	bond := model.MarketSource{DataSource: model.MarketTradingEconomic}

	assert.True(t, ShouldAlert(model.MarketEntry{Source: quote, ChangeToday: -5}))
	assert.False(t, ShouldAlert(model.MarketEntry{Source: quote, ChangeToday: 4.99}))
	assert.False(t, ShouldAlert(model.MarketEntry{Source: quote, ChangeToday: 8, MarketClosed: true}))
	assert.True(t, ShouldAlert(model.MarketEntry{Source: bond, ChangeToday: 25}))
	assert.False(t, ShouldAlert(model.MarketEntry{Source: bond, ChangeToday: 24}))
}

func TestAlertMessage(t *testing.T) {
	s := NewService(nil, nil, nil, Options{}, logr.Discard())
	msg := s.AlertMessage(model.MarketEntry{
		ChangeToday: -6,
		Source: model.MarketSource{
			Name: "Nasdaq", Ticker: "^IXIC", DataSource: model.MarketYahoo,
			Group: model.MarketGroup{Name: "Stocks"},
		},
	})
	assert.Equal(t, "Market Alert", msg.Head)
	assert.Equal(t, "Stocks: Nasdaq  -6.00% down", msg.Body)
	assert.Equal(t, "https://finance.yahoo.com/quote/^IXIC?p=^IXIC", msg.URL)

	msg = s.AlertMessage(model.MarketEntry{
		ChangeToday: 30.1,
		Source: model.MarketSource{
			Name: "UK 10Y", Ticker: "United Kingdom", DataSource: model.MarketTradingEconomic,
			Group: model.MarketGroup{Name: "Bonds"},
		},
	})
	assert.Equal(t, "Bonds: UK 10Y  +30.10bps up", msg.Body)
	assert.Equal(t, "https://tradingeconomics.com/united-kingdom/government-bond-yield", msg.URL)
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/bonds":
			_, _ = w.Write([]byte(bondsPage))
		case strings.HasPrefix(r.URL.Path, "/quote/AAPL"):
			_, _ = w.Write([]byte(quotePage("180.25", "-0.06", "Market open.")))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	store, err := storage.OpenSQLite(ctx, ":memory:", logr.Discard())
	require.NoError(t, err)
	defer store.Close()

	bonds, err := store.UpsertMarketGroup(ctx, model.MarketGroup{Name: "Bonds", Position: 2})
	require.NoError(t, err)
	stocks, err := store.UpsertMarketGroup(ctx, model.MarketGroup{Name: "Stocks", Position: 1})
	require.NoError(t, err)
	for _, src := range []model.MarketSource{
		{GroupID: bonds.ID, Name: "US 10Y", Ticker: "US", DataSource: model.MarketTradingEconomic},
		{GroupID: bonds.ID, Name: "Bund", Ticker: "Germany", DataSource: model.MarketTradingEconomic},
		{GroupID: bonds.ID, Name: "Missing", Ticker: "Atlantis", DataSource: model.MarketTradingEconomic},
		{GroupID: stocks.ID, Name: "Apple", Ticker: "AAPL", DataSource: model.MarketYahoo},
		{GroupID: stocks.ID, Name: "Gone", Ticker: "GONE", DataSource: model.MarketYahoo},
	} {
		_, err := store.UpsertMarketSource(ctx, src)
		require.NoError(t, err)
	}

	now := time.Date(2024, 3, 12, 15, 0, 0, 0, time.UTC)
	sources, err := store.ListMarketSources(ctx)
	require.NoError(t, err)
	for _, src := range sources {
		if src.Ticker == "Atlantis" {
			_, err = store.AddMarketEntry(ctx, model.MarketEntry{SourceID: src.ID, Price: 1, RefDateTime: now.Add(-50 * 24 * time.Hour)})
			require.NoError(t, err)
		}
	}

	rec := &recorder{}
	s := NewService(store, scrape.New(srv.Client(), 1000), rec, Options{
		BondsURL: srv.URL + "/bonds",
		QuoteURL: srv.URL + "/quote/",
	}, logr.Discard())
	s.now = func() time.Time { return now }

	groups, err := s.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "Stocks", groups[0].Name)
	require.Len(t, groups[0].Entries, 1)
	assert.Equal(t, 180.25, groups[0].Entries[0].Price)
	assert.InDelta(t, -6.0, groups[0].Entries[0].ChangeToday, 1e-9)

	assert.Equal(t, "Bonds", groups[1].Name)
	require.Len(t, groups[1].Entries, 2)
	assert.Equal(t, "US 10Y", groups[1].Entries[0].Source.Name)
	assert.InDelta(t, -30.1, groups[1].Entries[0].ChangeToday, 1e-9)
	assert.InDelta(t, 1.2, groups[1].Entries[1].ChangeToday, 1e-9)

	require.Len(t, rec.msgs, 2)
	assert.Equal(t, "Stocks: Apple  -6.00% down", rec.msgs[1].Body)

	// alerts go out once per source and day
	_, err = s.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, rec.msgs, 2)

	s.now = func() time.Time { return now.Add(24 * time.Hour) }
	_, err = s.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, rec.msgs, 4)
}
