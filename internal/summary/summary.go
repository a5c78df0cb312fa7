package summary

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"newsplatform/internal/model"
	"newsplatform/internal/scrape"
)

// ErrDisabled is returned when no OpenAI key is configured.
var ErrDisabled = errors.New("openai client disabled: missing OPENAI_API_KEY")

// ErrTooShort is returned for articles too short to be worth a summary.
var ErrTooShort = errors.New("article text too short to summarize")

const (
	maxChars = 15000
	minChars = 2500

	costPerKInput  = 0.0005
	costPerKOutput = 0.0015
	usdToGrossGBP  = 1.2 * 0.785

	requestsPerMinute = 30
)

// ChatClient is the part of the OpenAI client the summarizer needs.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Summarizer abstracts AI article summaries.
type Summarizer interface {
	Summarize(ctx context.Context, fullTextHTML string) (Result, error)
	Ready() bool
}

// Result is a generated summary and what it cost.
type Result struct {
	HTML             string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
}

// Client implements Summarizer using the OpenAI chat completion API.
type Client struct {
	chat    ChatClient
	model   string
	limiter *rate.Limiter
	logger  logr.Logger

	mu        sync.Mutex
	totalCost float64
}

// NewClient builds a Client. If apiKey is empty, calls return ErrDisabled.
func NewClient(apiKey, model, baseURL string, logger logr.Logger) *Client {
	var chat ChatClient
	if apiKey != "" {
		cfg := openai.DefaultConfig(apiKey)
		if baseURL != "" {
			cfg.BaseURL = baseURL
		}
		chat = openai.NewClientWithConfig(cfg)
	}
	return NewClientWithChat(chat, model, logger)
}

// NewClientWithChat builds a Client on top of an existing chat client.
func NewClientWithChat(chat ChatClient, model string, logger logr.Logger) *Client {
	return &Client{
		chat:    chat,
		model:   model,
		limiter: rate.NewLimiter(rate.Every(time.Minute/requestsPerMinute), requestsPerMinute),
		logger:  logger.WithName("summary"),
	}
}

// Ready indicates whether the summarizer is usable.
func (c *Client) Ready() bool {
	return c.chat != nil
}

// TotalCost is the summed cost of every summary since start, in GBP.
func (c *Client) TotalCost() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCost
}

// Summarize asks the model for a bullet point summary of an article.
func (c *Client) Summarize(ctx context.Context, fullTextHTML string) (Result, error) {
	if !c.Ready() {
		return Result{}, ErrDisabled
	}
	text := []rune(scrape.HTMLToText(fullTextHTML))
	if len(text) > maxChars {
		text = text[:maxChars]
	}
	bullets := Bullets(len(text))
	if bullets == 0 {
		return Result{}, ErrTooShort
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}
	c.logger.V(1).Info("requesting summary", "chars", len(text), "bullets", bullets)
	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf("Summarize this article in %d bulletpoints", bullets)},
			{Role: openai.ChatMessageRoleUser, Content: string(text)},
		},
	})
	if err != nil {
		return Result{}, err
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("no choices returned by OpenAI")
	}

	out := Result{
		HTML:             BulletsToHTML(cleanupResponse(resp.Choices[0].Message.Content)),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Cost:             Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	c.mu.Lock()
	c.totalCost += out.Cost
	c.mu.Unlock()
	return out, nil
}

// Bullets returns how many bullet points to ask for given the text length,
// or 0 when the text is too short.
func Bullets(chars int) int {
	switch {
	case chars < minChars:
		return 0
	case chars < 5000:
		return 2
	case chars < 10000:
		return 3
	default:
		return 4
	}
}

// BulletsToHTML turns "- " prefixed lines into an HTML list.
func BulletsToHTML(s string) string {
	s = strings.ReplaceAll(s, "- ", "<li>")
	s = strings.ReplaceAll(s, "\n", "</li>\n")
	return "<ul>\n" + s + "</li>\n</ul>"
}

// Cost converts token usage into GBP.
func Cost(promptTokens, completionTokens int) float64 {
	usd := (float64(promptTokens)*costPerKInput + float64(completionTokens)*costPerKOutput) / 1000
	return math.Round(usd*usdToGrossGBP*1e8) / 1e8
}

// Store persists generated summaries.
type Store interface {
	SetAISummary(ctx context.Context, id int64, summary string) error
}

// RunStats reports a batch of summaries.
type RunStats struct {
	Summarized int
	Skipped    int
	Failed     int
	Cost       float64
}

// SummarizeArticles summarizes every article, stores the results and writes
// one CSV log line per attempt. Failures are logged and skipped.
func SummarizeArticles(ctx context.Context, s Summarizer, store Store, articles []model.Article, logPath string, logger logr.Logger) (RunStats, error) {
	var stats RunStats
	if !s.Ready() {
		logger.Info("not requesting AI summaries, OPENAI_API_KEY not set")
		return stats, ErrDisabled
	}
	logger.Info("requesting AI summaries", "articles", len(articles))

	var records [][]string
	for _, a := range articles {
		if ctx.Err() != nil {
			break
		}
		record := []string{
			time.Now().Format(time.RFC3339),
			strconv.FormatInt(a.ID, 10),
			a.Publisher.Name,
			a.Title,
			formatTime(a.PubDate),
			formatRelevance(a.MinArticleRelevance),
			a.Categories,
		}
		res, err := s.Summarize(ctx, a.FullTextHTML)
		switch {
		case errors.Is(err, ErrTooShort):
			stats.Skipped++
			continue
		case err != nil:
			logger.Error(err, "AI summary failed", "article", a.String())
			stats.Failed++
			record = append(record, "ERROR", "0")
		default:
			if err := store.SetAISummary(ctx, a.ID, res.HTML); err != nil {
				logger.Error(err, "store AI summary failed", "article", a.String())
				stats.Failed++
				record = append(record, "ERROR", "0")
				break
			}
			stats.Summarized++
			stats.Cost += res.Cost
			record = append(record, "SUCCESS", strconv.FormatFloat(res.Cost, 'f', -1, 64))
		}
		records = append(records, record)
	}

	if err := appendLog(logPath, records); err != nil {
		logger.Error(err, "write AI summary log failed", "path", logPath)
	}
	total := 0.0
	if c, ok := s.(*Client); ok {
		total = c.TotalCost()
	}
	logger.Info("summarized articles", "count", stats.Summarized, "costGBP", stats.Cost, "totalCostGBP", total)
	return stats, nil
}

func appendLog(path string, records [][]string) error {
	if path == "" || len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Comma = ';'
	if err := w.WriteAll(records); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatRelevance(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// cleanupResponse removes code fences around the model answer.
func cleanupResponse(s string) string {
	c := strings.TrimSpace(s)
	if strings.HasPrefix(c, "```") {
		if idx := strings.Index(c, "\n"); idx != -1 {
			c = c[idx+1:]
		}
		c = strings.TrimSuffix(c, "```")
		c = strings.TrimSpace(c)
	}
	return c
}
