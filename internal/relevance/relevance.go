// Package relevance scores articles for ordering. Lower scores rank higher.
package relevance

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"newsplatform/internal/model"
)

const (
	// MaxRelevance caps a single feed position score.
	MaxRelevance = 999999.0
	// MaxRankedRelevance caps the score after publisher re-ranking.
	MaxRankedRelevance = 10000.0

	unknownAgeHours = 3.0
)

var renownedFactor = map[int]float64{
	3:  2.0 / 9, // top publisher, 4.5x
	2:  4.0 / 6, // highly renowned, 1.5x
	1:  5.0 / 6, // renowned, 1.2x
	0:  6.0 / 6,
	-1: 8.0 / 6,  // lesser known, 0.75x
	-2: 10.0 / 6, // unknown, 0.6x
	-3: 12.0 / 6, // inaccurate, 0.5x
}

var importanceFactor = map[int]float64{
	4: 1.0 / 4, // lead articles, 4x
	3: 2.0 / 4, // breaking & top news, 2x
	2: 3.0 / 4, // frontpage, 1.3x
	1: 4.0 / 4, // latest news
	0: 5.0 / 4, // normal, 0.8x
}

// Input carries everything needed to score one article in one feed.
type Input struct {
	Renowned       int
	FeedImportance int
	FeedType       string
	FeedOrdering   string
	FeedPosition   int
	Hash           string
	PubDate        time.Time // zero when unknown
	ContentType    string
	Now            time.Time
}

// Calculate returns the feed importance and the relevance score of an
// article at a feed position.
func Calculate(in Input) (int, float64) {
	importance := clamp(in.FeedImportance, model.ImportanceLevelNormal, model.ImportanceLevelLead)
	renowned := clamp(in.Renowned, -3, 3)

	age := unknownAgeHours
	if !in.PubDate.IsZero() {
		age = math.Abs(in.Now.Sub(in.PubDate).Hours())
	}

	var ageFactor float64
	switch {
	case in.FeedType != model.FeedRSS:
		ageFactor = 10/(1+math.Exp(-0.01*age+4)) + 1
	case in.FeedOrdering == model.OrderRanked:
		ageFactor = 3/(1+math.Exp(-0.25*age+4)) + 1
	default:
		ageFactor = 4/(1+math.Exp(-0.25*age+4)) + 1
	}

	position := 1.0
	if in.ContentType == model.ContentVideo {
		position = float64(in.FeedPosition)
	}
	typeFactor := 1.0
	if in.ContentType == model.ContentTicker {
		typeFactor = 0.5
	}
	if in.ContentType == model.ContentBriefing && age < 10 {
		typeFactor = 0.25
	}

	score := renownedFactor[renowned]*position*importanceFactor[importance]*ageFactor*typeFactor + jitter(in.Hash)
	return importance, math.Min(round6(score), MaxRelevance)
}

// jitter is a stable tie breaker in [0, 0.0009) derived from the article hash.
func jitter(hash string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(hash))
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	return float64(r.Intn(9)) / 10000
}

// Candidate is an article eligible for publisher re-ranking.
type Candidate struct {
	ArticleID       int64
	MinFeedPosition int
	MaxImportance   int
	Relevance       float64 // best feed position relevance
	FeedCount       int
}

// Rank is the outcome of publisher re-ranking for one article.
type Rank struct {
	ArticleID int64
	Position  int
	Relevance float64
}

// RankPublisher orders a publisher's articles from weakest to strongest feed
// placement and scales relevance by the resulting publisher position, so the
// publisher's strongest article keeps its score and weaker ones fall back.
func RankPublisher(candidates []Candidate) []Rank {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := placement(sorted[i]), placement(sorted[j])
		if ci != cj {
			return ci > cj
		}
		if sorted[i].FeedCount != sorted[j].FeedCount {
			return sorted[i].FeedCount < sorted[j].FeedCount
		}
		return sorted[i].ArticleID < sorted[j].ArticleID
	})

	n := len(sorted)
	ranks := make([]Rank, n)
	for i, c := range sorted {
		pos := n - i
		ranks[i] = Rank{
			ArticleID: c.ArticleID,
			Position:  pos,
			Relevance: math.Min(round6(float64(pos)*c.Relevance), MaxRankedRelevance),
		}
	}
	return ranks
}

// placement divides in integers, like the database columns it comes from.
func placement(c Candidate) int {
	return c.MinFeedPosition * 1000 / (c.MaxImportance + 4)
}

// PushInput describes an article just seen in a feed.
type PushInput struct {
	AlreadySent    bool
	Categories     string
	ImportanceType string
	Renowned       int
	FeedImportance int
	FeedPosition   int
	AddedDate      time.Time
	PubDate        time.Time
	Now            time.Time
}

// ShouldPush decides whether an article is worth a push notification.
func ShouldPush(in PushInput) bool {
	if in.AlreadySent {
		return false
	}
	cats := strings.ToLower(in.Categories)
	if strings.Contains(cats, "no push") {
		return false
	}
	hour := in.Now.Hour()
	important := (strings.Contains(cats, "sidebar") && in.Renowned >= 2) ||
		(strings.Contains(cats, "frontpage") && in.ImportanceType == model.ImportanceBreaking) ||
		(in.FeedImportance == model.ImportanceLevelLead && in.FeedPosition <= 3 && in.Renowned >= 2 && hour >= 5 && hour <= 19)
	if !important {
		return false
	}
	if in.Now.Sub(in.AddedDate) >= 15*time.Minute {
		return false
	}
	return !in.PubDate.IsZero() && in.Now.Sub(in.PubDate) < 72*time.Hour
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
