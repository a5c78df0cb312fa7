package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"newsplatform/internal/config"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const (
	dialectMySQL  = "mysql"
	dialectSQLite = "sqlite"
)

// Store persists publishers, feeds, articles, groups and market data.
type Store struct {
	db      *sql.DB
	dialect string
	logger  logr.Logger
}

// Open connects to the database selected by cfg.DBDriver and ensures the
// schema exists.
func Open(ctx context.Context, cfg config.Config, logger logr.Logger) (*Store, error) {
	switch cfg.DBDriver {
	case dialectSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath, logger)
	case dialectMySQL, "":
		return NewMySQLStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

// NewMySQLStore creates the database (if needed), ensures schema, and returns a ready store.
func NewMySQLStore(ctx context.Context, cfg config.Config, logger logr.Logger) (*Store, error) {
	rootDSN := fmt.Sprintf("%s:%s@tcp(%s:%d)/?charset=utf8mb4&parseTime=true&loc=UTC", cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort)
	rootDB, err := sql.Open("mysql", rootDSN)
	if err != nil {
		return nil, fmt.Errorf("open root mysql connection: %w", err)
	}
	if err := rootDB.PingContext(ctx); err != nil {
		_ = rootDB.Close()
		return nil, fmt.Errorf("ping root mysql: %w", err)
	}
	createDB := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", cfg.DBName)
	if _, err := rootDB.ExecContext(ctx, createDB); err != nil {
		_ = rootDB.Close()
		return nil, fmt.Errorf("create database: %w", err)
	}
	_ = rootDB.Close()

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=UTC", cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql with db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql with db: %w", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	return newStore(ctx, db, dialectMySQL, logger)
}

// OpenSQLite opens (or creates) a SQLite database file. Use ":memory:" for a
// throwaway database.
func OpenSQLite(ctx context.Context, path string, logger logr.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single connection: SQLite has one writer and :memory: is per connection
	db.SetMaxOpenConns(1)
	return newStore(ctx, db, dialectSQLite, logger)
}

func newStore(ctx context.Context, db *sql.DB, dialect string, logger logr.Logger) (*Store, error) {
	store := &Store{db: db, dialect: dialect, logger: logger}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type table struct {
	name    string
	columns string
	indexes []string
}

var tables = []table{
	{
		name: "publishers",
		columns: `
	name VARCHAR(150) NOT NULL,
	link VARCHAR(300) NOT NULL DEFAULT '',
	renowned INTEGER NOT NULL DEFAULT 0,
	paywall VARCHAR(1) NOT NULL DEFAULT 'N',
	language VARCHAR(6) NOT NULL DEFAULT ''`,
		indexes: []string{"name"},
	},
	{
		name: "feeds",
		columns: `
	publisher_id BIGINT NOT NULL,
	name VARCHAR(150) NOT NULL,
	url VARCHAR(500) NOT NULL,
	active TINYINT(1) NOT NULL DEFAULT 1,
	feed_type VARCHAR(20) NOT NULL DEFAULT 'rss',
	importance INTEGER NOT NULL DEFAULT 0,
	ordering VARCHAR(1) NOT NULL DEFAULT 'r',
	full_text_fetch TINYINT(1) NOT NULL DEFAULT 0,
	source_categories VARCHAR(250) NULL,
	last_fetched DATETIME NULL`,
		indexes: []string{"publisher_id", "url"},
	},
	{
		name: "article_groups",
		columns: `
	combined_article_id BIGINT NULL`,
	},
	{
		name: "articles",
		columns: `
	publisher_id BIGINT NOT NULL,
	article_group_id BIGINT NULL,
	title VARCHAR(200) NULL,
	author VARCHAR(90) NULL,
	link VARCHAR(300) NOT NULL,
	image_url VARCHAR(400) NULL,
	importance_type VARCHAR(8) NOT NULL DEFAULT 'normal',
	content_type VARCHAR(10) NOT NULL DEFAULT 'article',
	extract_text VARCHAR(500) NULL,
	has_extract TINYINT(1) NOT NULL DEFAULT 1,
	ai_summary TEXT NULL,
	full_text_html MEDIUMTEXT NULL,
	full_text_text MEDIUMTEXT NULL,
	has_full_text TINYINT(1) NOT NULL DEFAULT 1,
	pub_date DATETIME NULL,
	added_date DATETIME NOT NULL,
	last_updated_date DATETIME NOT NULL,
	read_later TINYINT(1) NOT NULL DEFAULT 0,
	archive TINYINT(1) NOT NULL DEFAULT 0,
	categories VARCHAR(250) NULL,
	language VARCHAR(6) NULL,
	guid VARCHAR(95) NULL,
	hash VARCHAR(100) NOT NULL,
	publisher_article_position INTEGER NULL,
	min_feed_position INTEGER NULL,
	min_article_relevance DOUBLE NULL,
	max_importance INTEGER NULL,
	mailto_link VARCHAR(300) NULL`,
		indexes: []string{"guid", "hash", "publisher_id", "article_group_id"},
	},
	{
		name: "feed_positions",
		columns: `
	feed_id BIGINT NOT NULL,
	article_id BIGINT NOT NULL,
	position INTEGER NOT NULL,
	importance INTEGER NOT NULL,
	relevance DOUBLE NULL`,
		indexes: []string{"feed_id", "article_id"},
	},
	{
		name: "pages",
		columns: `
	name VARCHAR(100) NOT NULL,
	position_index INTEGER NOT NULL DEFAULT 0,
	url_parameters VARCHAR(500) NOT NULL DEFAULT ''`,
	},
	{
		name: "market_groups",
		columns: `
	name VARCHAR(100) NOT NULL,
	position INTEGER NOT NULL DEFAULT 0`,
	},
	{
		name: "market_sources",
		columns: `
	group_id BIGINT NOT NULL,
	name VARCHAR(100) NOT NULL,
	ticker VARCHAR(50) NOT NULL,
	data_source VARCHAR(10) NOT NULL,
	pinned TINYINT(1) NOT NULL DEFAULT 0`,
		indexes: []string{"group_id"},
	},
	{
		name: "market_entries",
		columns: `
	source_id BIGINT NOT NULL,
	price DOUBLE NOT NULL,
	change_today DOUBLE NOT NULL,
	market_closed TINYINT(1) NOT NULL DEFAULT 0,
	ref_date_time DATETIME NOT NULL`,
		indexes: []string{"source_id"},
	},
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, t := range tables {
		for _, stmt := range s.tableDDL(t) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("ensure schema %s: %w", t.name, err)
			}
		}
	}
	return nil
}

func (s *Store) tableDDL(t table) []string {
	if s.dialect == dialectMySQL {
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\tid BIGINT AUTO_INCREMENT PRIMARY KEY,%s", t.name, t.columns)
		for _, col := range t.indexes {
			fmt.Fprintf(&b, ",\n\tINDEX idx_%s_%s (%s)", t.name, col, col)
		}
		b.WriteString("\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci")
		return []string{b.String()}
	}
	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\tid INTEGER PRIMARY KEY AUTOINCREMENT,%s\n)", t.name, t.columns)}
	for _, col := range t.indexes {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", t.name, col, t.name, col))
	}
	return stmts
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// dbTime stores every timestamp in UTC at second precision so values compare
// consistently in both dialects.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return dbTime(t)
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timeOrZero(v sql.NullTime) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time.UTC()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
