package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultDBDriver       = "mysql"
	defaultDBHost         = "localhost"
	defaultDBPort         = 3306
	defaultDBUser         = "root"
	defaultDBName         = "newsplatform"
	defaultSQLitePath     = "data/newsplatform.db"
	defaultBindAddr       = ":8080"
	defaultTimeZone       = "Europe/London"
	defaultOpenAIModel    = "gpt-3.5-turbo"
	defaultOpenAIBase     = "https://api.openai.com/v1"
	defaultEmbedModel     = "text-embedding-3-small"
	defaultLanguages      = "*"
	defaultSummaryLog     = "data/ai_summaries.csv"
	defaultPageSize       = 72
	defaultSeedFile       = "data/sources.yaml"
	defaultRefreshMinutes = 15
	defaultSiteTitle      = "News"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	DBDriver   string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPass     string
	DBName     string
	SQLitePath string

	BindAddr string
	Location *time.Location

	OpenAIKey      string
	OpenAIModel    string
	OpenAIBase     string
	EmbeddingModel string

	ForceRefetch     bool
	Testing          bool
	AllowedLanguages string
	FeedCreatorURL   string
	FullTextFetch    bool
	SummaryLogPath   string
	PageSize         int
	MarketInterval   time.Duration

	NotifyWebhookURL  string
	NtfyTopic         string
	NtfyToken         string
	DiscordWebhookURL string

	SiteURL   string
	SiteTitle string

	APIUser     string
	APIPassword string

	LogLevel string
	SeedFile string
}

// Load reads an optional .env file and the process environment, filling in
// reasonable defaults.
func Load() Config {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	return Config{
		DBDriver:          strings.ToLower(stringWithDefault("DB_DRIVER", defaultDBDriver)),
		DBHost:            stringWithDefault("DB_HOST", defaultDBHost),
		DBPort:            intWithDefault("DB_PORT", defaultDBPort),
		DBUser:            stringWithDefault("DB_USER", defaultDBUser),
		DBPass:            os.Getenv("DB_PASSWORD"),
		DBName:            stringWithDefault("DB_NAME", defaultDBName),
		SQLitePath:        stringWithDefault("SQLITE_PATH", defaultSQLitePath),
		BindAddr:          stringWithDefault("BIND_ADDR", defaultBindAddr),
		Location:          locationWithDefault("TIME_ZONE", defaultTimeZone),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       stringWithDefault("OPENAI_MODEL", defaultOpenAIModel),
		OpenAIBase:        stringWithDefault("OPENAI_BASE_URL", defaultOpenAIBase),
		EmbeddingModel:    stringWithDefault("EMBEDDING_MODEL", defaultEmbedModel),
		ForceRefetch:      boolWithDefault("FORCE_REFETCH", false),
		Testing:           boolWithDefault("TESTING", false),
		AllowedLanguages:  stringWithDefault("ALLOWED_LANGUAGES", defaultLanguages),
		FeedCreatorURL:    os.Getenv("FEED_CREATOR_URL"),
		FullTextFetch:     boolWithDefault("FULL_TEXT_FETCH", true),
		SummaryLogPath:    stringWithDefault("SUMMARY_LOG_PATH", defaultSummaryLog),
		PageSize:          intWithDefault("PAGE_SIZE", defaultPageSize),
		MarketInterval:    durationFromMinutes("MARKET_INTERVAL_MINUTES", defaultRefreshMinutes),
		NotifyWebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
		NtfyTopic:         os.Getenv("NTFY_TOPIC"),
		NtfyToken:         os.Getenv("NTFY_TOKEN"),
		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
		SiteURL:           os.Getenv("SITE_URL"),
		SiteTitle:         stringWithDefault("SITE_TITLE", defaultSiteTitle),
		APIUser:           os.Getenv("API_USER"),
		APIPassword:       os.Getenv("API_PASSWORD"),
		LogLevel:          stringWithDefault("LOG_LEVEL", "info"),
		SeedFile:          stringWithDefault("SEED_FILE", defaultSeedFile),
	}
}

// Languages returns the allowed article languages, or nil when every
// language is allowed.
func (c Config) Languages() []string {
	if strings.Contains(c.AllowedLanguages, "*") {
		return nil
	}
	var out []string
	for _, l := range strings.Split(c.AllowedLanguages, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func stringWithDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationFromMinutes(key string, fallback int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if minutes, err := strconv.Atoi(v); err == nil && minutes > 0 {
			return time.Duration(minutes) * time.Minute
		}
		log.Printf("invalid %s=%s, using default %d minutes", key, v, fallback)
	}
	return time.Duration(fallback) * time.Minute
}

func intWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
		log.Printf("invalid %s=%s, using default %d", key, v, fallback)
	}
	return fallback
}

func boolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
		log.Printf("invalid %s=%s, using default %t", key, v, fallback)
	}
	return fallback
}

func locationWithDefault(key, fallback string) *time.Location {
	name := stringWithDefault(key, fallback)
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("invalid %s=%s, using UTC", key, name)
		return time.UTC
	}
	return loc
}
