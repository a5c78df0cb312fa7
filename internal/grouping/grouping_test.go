package grouping

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsplatform/internal/model"
	"newsplatform/internal/storage"
)

// topicEmbedding maps stories about the same topic to nearby unit vectors.
func topicEmbedding(_ context.Context, text string) ([]float32, error) {
	switch {
	case strings.Contains(text, "Storm"):
		if strings.Contains(text, "coast") {
			return []float32{0.8, 0.6, 0}, nil
		}
		return []float32{1, 0, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

type storePages struct{ store *storage.Store }

func (p storePages) PageArticles(ctx context.Context) ([][]model.Article, error) {
	all, err := p.store.ListArticles(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Article
	for _, a := range all {
		if a.ContentType != model.ContentGroup {
			out = append(out, a)
		}
	}
	return [][]model.Article{out}, nil
}

func setup(t *testing.T) (*storage.Store, *Grouper, model.Publisher) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenSQLite(ctx, ":memory:", logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p, err := store.UpsertPublisher(ctx, model.Publisher{Name: "Daily Planet", Link: "https://dailyplanet.com", Renowned: 1, Language: "en"})
	require.NoError(t, err)
	g, err := New(store, storePages{store}, topicEmbedding, logr.Discard())
	require.NoError(t, err)
	return store, g, p
}

func addArticle(t *testing.T, store *storage.Store, p model.Publisher, title string, relevance float64, cats string) model.Article {
	t.Helper()
	a, err := store.CreateArticle(context.Background(), model.Article{
		PublisherID:         p.ID,
		Title:               title,
		Link:                "https://dailyplanet.com/" + strings.ReplaceAll(title, " ", "-"),
		Hash:                title,
		Categories:          cats,
		PubDate:             time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC),
		MinArticleRelevance: &relevance,
	})
	require.NoError(t, err)
	return a
}

func TestClusterWard(t *testing.T) {
	vectors := [][]float32{{0, 0}, {0.1, 0}, {5, 5}, {5, 5.2}, {10, 0}}
	labels := Cluster(vectors, 1.0)
	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[2], labels[3])
	assert.NotEqual(t, labels[0], labels[2])
	assert.NotEqual(t, labels[4], labels[0])
	assert.NotEqual(t, labels[4], labels[2])
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, clusters(labels))

	assert.Empty(t, Cluster(nil, 1.0))
}

func TestClusterThresholdIsExclusive(t *testing.T) {
	labels := Cluster([][]float32{{0}, {1}}, 1.0)
	assert.NotEqual(t, labels[0], labels[1])
	labels = Cluster([][]float32{{0}, {0.99}}, 1.0)
	assert.Equal(t, labels[0], labels[1])
}

func TestFindGroupedArticles(t *testing.T) {
	store, g, p := setup(t)
	ctx := context.Background()
	storm := addArticle(t, store, p, "Storm hits town", 2, "FRONTPAGE")
	coast := addArticle(t, store, p, "Storm reaches coast", 1, "World")
	budget := addArticle(t, store, p, "Budget approved", 3, "FRONTPAGE")

	n, err := g.FindGroupedArticles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	storm, err = store.GetArticle(ctx, storm.ID)
	require.NoError(t, err)
	coast, err = store.GetArticle(ctx, coast.ID)
	require.NoError(t, err)
	budget, err = store.GetArticle(ctx, budget.ID)
	require.NoError(t, err)
	require.NotNil(t, storm.GroupID)
	assert.Equal(t, storm.GroupID, coast.GroupID)
	assert.Nil(t, budget.GroupID)

	group, err := store.GetGroup(ctx, *storm.GroupID)
	require.NoError(t, err)
	require.NotNil(t, group.CombinedArticleID)
	combined, err := store.GetArticle(ctx, *group.CombinedArticleID)
	require.NoError(t, err)
	assert.Equal(t, model.ContentGroup, combined.ContentType)
	assert.Equal(t, "Storm reaches coast", combined.Title)
	assert.Nil(t, combined.GroupID)
	assert.False(t, combined.HasFullText)
	assert.True(t, strings.HasPrefix(combined.Hash, "group_"))
	assert.Contains(t, combined.FullTextHTML, "Storm hits town")
	assert.NotContains(t, combined.FullTextHTML, "Storm reaches coast")
	assert.Equal(t, "World;FRONTPAGE", combined.Categories)
	require.NotNil(t, combined.MinArticleRelevance)
	assert.Equal(t, 1.0, *combined.MinArticleRelevance)

	// a second run keeps the group and replaces its combined article
	n, err = g.FindGroupedArticles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	groups, err := store.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, group.ID, groups[0].ID)
	_, err = store.GetArticle(ctx, combined.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	var grouped int
	all, err := store.ListArticles(ctx)
	require.NoError(t, err)
	for _, a := range all {
		if a.ContentType == model.ContentGroup {
			grouped++
		}
	}
	assert.Equal(t, 1, grouped)
}

func TestFindGroupedArticlesMergesSplitGroups(t *testing.T) {
	store, g, p := setup(t)
	ctx := context.Background()
	storm := addArticle(t, store, p, "Storm hits town", 2, "")
	coast := addArticle(t, store, p, "Storm reaches coast", 1, "")

	g1, err := store.CreateGroup(ctx)
	require.NoError(t, err)
	g2, err := store.CreateGroup(ctx)
	require.NoError(t, err)
	require.NoError(t, store.SetArticleGroup(ctx, storm.ID, &g1.ID))
	require.NoError(t, store.SetArticleGroup(ctx, coast.ID, &g2.ID))

	_, err = g.FindGroupedArticles(ctx)
	require.NoError(t, err)

	_, err = store.GetGroup(ctx, g1.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetGroup(ctx, g2.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	storm, err = store.GetArticle(ctx, storm.ID)
	require.NoError(t, err)
	coast, err = store.GetArticle(ctx, coast.ID)
	require.NoError(t, err)
	require.NotNil(t, storm.GroupID)
	assert.Equal(t, *storm.GroupID, *coast.GroupID)
}

func TestCombinedArticleAggregates(t *testing.T) {
	pos := func(v int) *int { return &v }
	rel := func(v float64) *float64 { return &v }
	early := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	members := []model.Article{
		{ID: 1, Title: "Lead", Categories: "A;B", PubDate: early, MinFeedPosition: pos(3), MaxImportance: pos(1), MinArticleRelevance: rel(1)},
		{ID: 2, Title: "Second", Categories: "b;C", PubDate: late, MinFeedPosition: pos(1), MaxImportance: pos(4), HasFullText: true},
		{ID: 3, Title: "Third"},
		{ID: 4, Title: "Fourth"},
		{ID: 5, Title: "Fifth"},
	}
	a := CombinedArticle(members)
	assert.Equal(t, "Lead", a.Title)
	assert.Equal(t, "A;B;C", a.Categories)
	assert.Equal(t, late, a.PubDate)
	assert.Equal(t, 1, *a.MinFeedPosition)
	assert.Equal(t, 4, *a.MaxImportance)
	assert.Equal(t, 1.0, *a.MinArticleRelevance)
	assert.Nil(t, a.PublisherArticlePosition)
	assert.Contains(t, a.FullTextHTML, `article_id="2" article_target="view"`)
	assert.Contains(t, a.FullTextHTML, "Fourth")
	assert.NotContains(t, a.FullTextHTML, "Fifth")
	assert.True(t, strings.HasPrefix(a.FullTextHTML, "\n<tbody>\n"))
}
