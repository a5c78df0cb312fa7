package pages

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"newsplatform/internal/model"
)

// Special filter values.
const (
	SpecialFreeOnly = "free-only"
	SpecialSidebar  = "sidebar"
)

const sidebarMaxAge = 5 * 24 * time.Hour

// Query is a parsed article view request. Every URL parameter except page
// filters on the article field of the same name; repeated keys are ORed.
type Query struct {
	Params url.Values
	Page   int

	// Ungrouped lists group members instead of their combined article.
	Ungrouped bool
}

// ParseQuery parses URL parameters such as "categories=tech&categories=ai&page=2".
func ParseQuery(raw string) (Query, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(strings.TrimSpace(raw), "?"))
	if err != nil {
		return Query{}, fmt.Errorf("parse query %q: %w", raw, err)
	}
	return FromValues(values), nil
}

// FromValues builds a Query from already parsed parameters.
func FromValues(values url.Values) Query {
	q := Query{Params: url.Values{}, Page: 1}
	for key, list := range values {
		key = strings.TrimSpace(key)
		if key == "page" {
			if len(list) > 0 {
				if n, err := strconv.Atoi(list[0]); err == nil && n > 1 {
					q.Page = n
				}
			}
			continue
		}
		for _, v := range list {
			if v = strings.TrimSpace(v); v != "" && key != "" {
				q.Params.Add(key, v)
			}
		}
	}
	return q
}

// Key identifies the view for caching.
func (q Query) Key() string {
	key := q.Params.Encode()
	if q.Ungrouped {
		key += "#ungrouped"
	}
	return fmt.Sprintf("%s|page=%d", key, q.Page)
}

func (q Query) has(field string) bool {
	_, ok := q.Params[field]
	return ok
}

func (q Query) special(value string) bool {
	for _, v := range q.Params["special"] {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

type condition func(model.Article) bool

// convertValue turns a parameter into an int, float, bool or nil when it
// parses as one, and leaves it a string otherwise.
func convertValue(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	case "none", "null":
		return nil
	}
	return v
}

// fieldValue reads a filterable article field. Missing optional values are
// returned as nil.
func fieldValue(a model.Article, field string) (any, bool) {
	switch strings.ToLower(field) {
	case "id", "pk":
		return a.ID, true
	case "title":
		return a.Title, true
	case "author":
		return a.Author, true
	case "link":
		return a.Link, true
	case "image_url":
		return a.ImageURL, true
	case "importance_type":
		return a.ImportanceType, true
	case "content_type":
		return a.ContentType, true
	case "extract":
		return a.Extract, true
	case "ai_summary":
		return a.AISummary, true
	case "full_text_text":
		return a.FullTextText, true
	case "categories":
		return a.Categories, true
	case "language":
		return a.Language, true
	case "guid":
		return a.GUID, true
	case "hash":
		return a.Hash, true
	case "has_extract":
		return a.HasExtract, true
	case "has_full_text":
		return a.HasFullText, true
	case "read_later":
		return a.ReadLater, true
	case "archive":
		return a.Archive, true
	case "publisher", "publisher__id", "publisher__pk":
		return a.PublisherID, true
	case "publisher__name":
		return a.Publisher.Name, true
	case "publisher__renowned":
		return int64(a.Publisher.Renowned), true
	case "publisher__paywall":
		return a.Publisher.Paywall, true
	case "publisher__language":
		return a.Publisher.Language, true
	case "article_group", "article_group__id":
		if a.GroupID == nil {
			return nil, true
		}
		return *a.GroupID, true
	case "publisher_article_position":
		return intValue(a.PublisherArticlePosition), true
	case "min_feed_position":
		return intValue(a.MinFeedPosition), true
	case "max_importance":
		return intValue(a.MaxImportance), true
	case "min_article_relevance":
		if a.MinArticleRelevance == nil {
			return nil, true
		}
		return *a.MinArticleRelevance, true
	}
	return nil, false
}

func intValue(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

// matches compares one field against a converted parameter: strings match
// case-insensitively as substrings, everything else by value.
func matches(value any, want any) bool {
	switch w := want.(type) {
	case nil:
		return value == nil || value == ""
	case string:
		if value == nil {
			return false
		}
		return strings.Contains(strings.ToLower(fmt.Sprint(value)), strings.ToLower(w))
	case bool:
		switch v := value.(type) {
		case bool:
			return v == w
		case int64:
			return (v != 0) == w
		}
		return false
	case int64:
		n, ok := number(value)
		return ok && n == float64(w)
	case float64:
		n, ok := number(value)
		return ok && n == w
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func specialCondition(value string) (condition, bool) {
	switch strings.ToLower(value) {
	case SpecialFreeOnly:
		return func(a model.Article) bool {
			return (a.HasFullText || a.Publisher.Paywall == "N") && model.HasCategory(a.Categories, "frontpage")
		}, true
	case SpecialSidebar:
		return func(a model.Article) bool { return model.HasCategory(a.Categories, "SIDEBAR") }, true
	}
	return nil, false
}

// fieldCondition ORs every value of a field; special values are ANDed.
func fieldCondition(field string, values []string) (condition, bool) {
	if field == "special" {
		var conds []condition
		for _, v := range values {
			if c, ok := specialCondition(v); ok {
				conds = append(conds, c)
			}
		}
		if len(conds) == 0 {
			return nil, false
		}
		return func(a model.Article) bool {
			for _, c := range conds {
				if !c(a) {
					return false
				}
			}
			return true
		}, true
	}

	if _, ok := fieldValue(model.Article{}, field); !ok {
		return nil, false
	}
	wants := make([]any, len(values))
	for i, v := range values {
		wants[i] = convertValue(v)
	}
	return func(a model.Article) bool {
		value, _ := fieldValue(a, field)
		for _, w := range wants {
			if matches(value, w) {
				return true
			}
		}
		return false
	}, true
}

// selection is the filter and ordering logic of one view.
type selection struct {
	languages []string
	location  *time.Location
	now       time.Time
}

// apply filters and orders articles for q, without paging. A field filter
// that matches no article at all is ignored.
func (s selection) apply(all []model.Article, q Query) []model.Article {
	fields := make([]string, 0, len(q.Params))
	for field := range q.Params {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	excludeSidebar := true
	var conds []condition
	for _, field := range fields {
		if field != "special" {
			excludeSidebar = false
		} else if q.special(SpecialSidebar) {
			excludeSidebar = false
		}
		c, ok := fieldCondition(field, q.Params[field])
		if !ok || !anyMatch(all, c) {
			continue
		}
		conds = append(conds, c)
	}

	readLater := q.has("read_later")
	languageFilter := q.has("language") || readLater
	ungrouped := q.Ungrouped || readLater || q.has("archive")
	sidebar := q.special(SpecialSidebar)
	sidebarCutoff := s.now.Add(-sidebarMaxAge)

	out := make([]model.Article, 0, len(all))
	for _, a := range all {
		if !allMatch(a, conds) {
			continue
		}
		if excludeSidebar && model.HasCategory(a.Categories, "SIDEBAR") {
			continue
		}
		if sidebar && !a.PubDate.IsZero() && !a.PubDate.After(sidebarCutoff) {
			continue
		}
		if !languageFilter && !s.allowedLanguage(a.Language) {
			continue
		}
		if ungrouped && a.ContentType == model.ContentGroup {
			continue
		}
		if !ungrouped && a.GroupID != nil && a.ContentType != model.ContentGroup {
			continue
		}
		out = append(out, a)
	}

	switch {
	case sidebar:
		sort.SliceStable(out, func(i, j int) bool { return s.sidebarLess(out[i], out[j]) })
	case readLater:
		sort.SliceStable(out, func(i, j int) bool { return out[i].LastUpdatedDate.After(out[j].LastUpdatedDate) })
	default:
		sort.SliceStable(out, func(i, j int) bool { return s.less(out[i], out[j]) })
	}
	return out
}

func anyMatch(all []model.Article, c condition) bool {
	for _, a := range all {
		if c(a) {
			return true
		}
	}
	return false
}

func allMatch(a model.Article, conds []condition) bool {
	for _, c := range conds {
		if !c(a) {
			return false
		}
	}
	return true
}

func (s selection) allowedLanguage(lang string) bool {
	if len(s.languages) == 0 {
		return true
	}
	lang = strings.ToLower(lang)
	for _, l := range s.languages {
		if strings.Contains(lang, strings.ToLower(l)) {
			return true
		}
	}
	return false
}

// less orders by relevance (nulls last), publication day, importance and
// last update.
func (s selection) less(a, b model.Article) bool {
	switch {
	case a.MinArticleRelevance == nil && b.MinArticleRelevance != nil:
		return false
	case a.MinArticleRelevance != nil && b.MinArticleRelevance == nil:
		return true
	case a.MinArticleRelevance != nil && *a.MinArticleRelevance != *b.MinArticleRelevance:
		return *a.MinArticleRelevance < *b.MinArticleRelevance
	}
	if da, db := s.day(a.PubDate), s.day(b.PubDate); da != db {
		return da > db
	}
	if ia, ib := importance(a), importance(b); ia != ib {
		return ia > ib
	}
	return a.LastUpdatedDate.After(b.LastUpdatedDate)
}

func (s selection) sidebarLess(a, b model.Article) bool {
	if !a.AddedDate.Equal(b.AddedDate) {
		return a.AddedDate.After(b.AddedDate)
	}
	if !a.PubDate.Equal(b.PubDate) {
		return a.PubDate.After(b.PubDate)
	}
	ra, rb := relevanceOrMax(a), relevanceOrMax(b)
	return ra < rb
}

func (s selection) day(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	loc := s.location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

func importance(a model.Article) int {
	if a.MaxImportance == nil {
		return -1
	}
	return *a.MaxImportance
}

func relevanceOrMax(a model.Article) float64 {
	if a.MinArticleRelevance == nil {
		return 1e12
	}
	return *a.MinArticleRelevance
}
