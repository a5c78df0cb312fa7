// Package grouping clusters articles about the same story into article
// groups, each shown through one combined article.
package grouping

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"newsplatform/internal/model"
	"newsplatform/internal/storage"
)

const (
	// DistanceThreshold is the Ward linkage distance at which stories stop
	// being merged.
	DistanceThreshold = 1.0

	// clusters this large are most likely wrong
	maxGroupSize = 10
	relatedRows  = 3
)

// PageSource lists the articles of every saved page, ungrouped.
type PageSource interface {
	PageArticles(ctx context.Context) ([][]model.Article, error)
}

// Grouper finds and maintains article groups.
type Grouper struct {
	store      *storage.Store
	pages      PageSource
	collection *chromem.Collection
	logger     logr.Logger

	// embedding ids used in the previous run
	known map[string]bool
}

// NewOpenAIEmbeddings embeds text with an OpenAI compatible API.
func NewOpenAIEmbeddings(baseURL, apiKey, model string) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOpenAICompat(baseURL, apiKey, model, nil)
}

// New creates a Grouper. Embeddings are cached in memory by text.
func New(store *storage.Store, pages PageSource, embed chromem.EmbeddingFunc, logger logr.Logger) (*Grouper, error) {
	if embed == nil {
		return nil, errors.New("grouping: no embedding function")
	}
	collection, err := chromem.NewDB().CreateCollection("articles", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create embedding collection: %w", err)
	}
	return &Grouper{
		store:      store,
		pages:      pages,
		collection: collection,
		logger:     logger.WithName("grouping"),
		known:      map[string]bool{},
	}, nil
}

// FindGroupedArticles clusters the articles of every page, creates or
// reuses groups for the clusters found, removes groups left empty and
// refreshes the ranking fields of every combined article.
func (g *Grouper) FindGroupedArticles(ctx context.Context) (int, error) {
	g.logger.Info("finding article groups")
	lists, err := g.pages.PageArticles(ctx)
	if err != nil {
		return 0, err
	}

	used := map[string]bool{}
	found := 0
	for _, articles := range lists {
		if len(articles) < 2 {
			continue
		}
		vectors, err := g.embeddings(ctx, articles, used)
		if err != nil {
			return found, err
		}
		for _, cluster := range clusters(Cluster(vectors, DistanceThreshold)) {
			if len(cluster) < 2 || len(cluster) >= maxGroupSize {
				continue
			}
			ids := make([]int64, len(cluster))
			for i, idx := range cluster {
				ids[i] = articles[idx].ID
			}
			if err := g.group(ctx, ids); err != nil {
				return found, err
			}
			found++
		}
	}
	g.forget(ctx, used)

	if _, err := g.store.DeleteEmptyGroups(ctx); err != nil {
		return found, err
	}
	if _, err := g.store.DeleteOrphanGroupArticles(ctx); err != nil {
		return found, err
	}
	if _, err := g.store.RefreshGroupStats(ctx); err != nil {
		return found, err
	}
	g.logger.Info("found article groups", "count", found)
	return found, nil
}

// clusters turns labels into lists of indexes, in label order.
func clusters(labels []int) [][]int {
	byLabel := map[int][]int{}
	maxLabel := -1
	for i, l := range labels {
		byLabel[l] = append(byLabel[l], i)
		maxLabel = max(maxLabel, l)
	}
	out := make([][]int, 0, maxLabel+1)
	for l := 0; l <= maxLabel; l++ {
		out = append(out, byLabel[l])
	}
	return out
}

// EmbeddingText is the text a story is compared by.
func EmbeddingText(a model.Article) string {
	return a.Title + ".\n" + a.Extract
}

func (g *Grouper) embeddings(ctx context.Context, articles []model.Article, used map[string]bool) ([][]float32, error) {
	out := make([][]float32, len(articles))
	for i, a := range articles {
		text := EmbeddingText(a)
		sum := sha1.Sum([]byte(text))
		id := hex.EncodeToString(sum[:])
		used[id] = true

		if !g.known[id] {
			if err := g.collection.AddDocument(ctx, chromem.Document{ID: id, Content: text}); err != nil {
				return nil, fmt.Errorf("embed article %d: %w", a.ID, err)
			}
			g.known[id] = true
		}
		doc, err := g.collection.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load embedding of article %d: %w", a.ID, err)
		}
		out[i] = doc.Embedding
	}
	return out, nil
}

// forget drops cached embeddings no page used in this run.
func (g *Grouper) forget(ctx context.Context, used map[string]bool) {
	var stale []string
	for id := range g.known {
		if !used[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := g.collection.Delete(ctx, nil, nil, stale...); err != nil {
		g.logger.Error(err, "dropping cached embeddings failed")
		return
	}
	for _, id := range stale {
		delete(g.known, id)
	}
}

// group puts articles into one group. Members already sharing a single
// group keep it; members spread over several groups get a fresh group and
// the old ones are removed.
func (g *Grouper) group(ctx context.Context, ids []int64) error {
	existing := map[int64]bool{}
	for _, id := range ids {
		a, err := g.store.GetArticle(ctx, id)
		if err != nil {
			return err
		}
		if a.GroupID != nil {
			existing[*a.GroupID] = true
		}
	}

	var groupID int64
	switch len(existing) {
	case 0:
	case 1:
		for id := range existing {
			if _, err := g.store.GetGroup(ctx, id); err == nil {
				groupID = id
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
	default:
		stale := make([]int64, 0, len(existing))
		for id := range existing {
			stale = append(stale, id)
		}
		if err := g.store.DeleteGroups(ctx, stale); err != nil {
			return err
		}
	}
	if groupID == 0 {
		created, err := g.store.CreateGroup(ctx)
		if err != nil {
			return err
		}
		groupID = created.ID
	}

	for _, id := range ids {
		if err := g.store.SetArticleGroup(ctx, id, &groupID); err != nil {
			return err
		}
	}
	members, err := g.store.GroupMembers(ctx, groupID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	combined, err := g.store.CreateArticle(ctx, CombinedArticle(members))
	if err != nil {
		return err
	}
	return g.store.SetCombinedArticle(ctx, groupID, combined.ID)
}

// CombinedArticle builds the article representing a group from its members,
// most relevant first. It carries the lead member's story and lists up to
// three related members.
func CombinedArticle(members []model.Article) model.Article {
	lead := members[0]
	a := model.Article{
		PublisherID:  lead.PublisherID,
		Publisher:    lead.Publisher,
		Title:        lead.Title,
		Link:         lead.Link,
		ImageURL:     lead.ImageURL,
		Language:     lead.Language,
		MailtoLink:   lead.MailtoLink,
		Extract:      lead.Extract,
		HasExtract:   lead.HasExtract,
		FullTextText: lead.FullTextText,
		AISummary:    lead.AISummary,
		ContentType:  model.ContentGroup,
		HasFullText:  false,
		Hash:         "group_" + uuid.NewString(),
	}

	var categories []string
	for _, m := range members {
		categories = append(categories, m.Categories)
		a.PubDate = latest(a.PubDate, m.PubDate)
		a.AddedDate = latest(a.AddedDate, m.AddedDate)
		a.LastUpdatedDate = latest(a.LastUpdatedDate, m.LastUpdatedDate)
		a.PublisherArticlePosition = minInt(a.PublisherArticlePosition, m.PublisherArticlePosition)
		a.MinFeedPosition = minInt(a.MinFeedPosition, m.MinFeedPosition)
		a.MaxImportance = maxInt(a.MaxImportance, m.MaxImportance)
		if m.MinArticleRelevance != nil && (a.MinArticleRelevance == nil || *m.MinArticleRelevance < *a.MinArticleRelevance) {
			v := *m.MinArticleRelevance
			a.MinArticleRelevance = &v
		}
	}
	a.Categories = model.MergeCategories(categories...)

	var rows []string
	for _, m := range members[1:] {
		if len(rows) == relatedRows {
			break
		}
		rows = append(rows, relatedRow(m))
	}
	a.FullTextHTML = "\n<tbody>\n" + strings.Join(rows, "\n") + "\n</tbody>\n"
	return a
}

func relatedRow(m model.Article) string {
	target := "redirect"
	if m.HasFullText {
		target = "view"
	}
	date := m.PubDate
	if date.IsZero() {
		date = m.AddedDate
	}
	return fmt.Sprintf(`<tr class="context-card border-top border-bottom" article_id="%d" article_target="%s">`+
		`<td>%s<br><span class="text-muted">%s - <time datetime="%s">%s</time></span></td></tr>`,
		m.ID, target, html.EscapeString(m.Title), html.EscapeString(m.Publisher.Name),
		date.Format(time.RFC3339), date.Format("02 Jan 15:04"))
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func minInt(a, b *int) *int {
	if b == nil {
		return a
	}
	if a == nil || *b < *a {
		v := *b
		return &v
	}
	return a
}

func maxInt(a, b *int) *int {
	if b == nil {
		return a
	}
	if a == nil || *b > *a {
		v := *b
		return &v
	}
	return a
}
