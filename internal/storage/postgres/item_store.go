// Package postgres persists feed items in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagefeed/internal/feed"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "feed_items"

// Config controls the Postgres connection pool used for item rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ItemStore upserts generated items and records enriched content.
type ItemStore struct {
	pool  execCloser
	table string
}

// NewItemStore creates a Postgres-backed ItemStore using the provided config.
func NewItemStore(ctx context.Context, cfg Config) (*ItemStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ItemStore{pool: pool, table: table}, nil
}

// NewItemStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewItemStoreWithPool(pool execCloser, table string) (*ItemStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ItemStore{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the item table when missing.
func (s *ItemStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	source_ref TEXT NOT NULL,
	guid TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	link TEXT NOT NULL DEFAULT '',
	pub_date TIMESTAMPTZ,
	author TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	extra JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_ref, guid)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// UpsertItems inserts items or refreshes their metadata. Stored content is
// kept when the incoming item has none.
func (s *ItemStore) UpsertItems(ctx context.Context, items []feed.Item) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("item store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	source_ref,
	guid,
	title,
	link,
	pub_date,
	author,
	summary,
	content,
	extra,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,now()
)
ON CONFLICT (source_ref, guid) DO UPDATE SET
	title = EXCLUDED.title,
	link = EXCLUDED.link,
	pub_date = EXCLUDED.pub_date,
	author = EXCLUDED.author,
	summary = EXCLUDED.summary,
	content = COALESCE(NULLIF(EXCLUDED.content, ''), %[1]s.content),
	extra = EXCLUDED.extra,
	updated_at = now()`, s.table)

	for _, item := range items {
		if item.GUID == "" {
			return fmt.Errorf("item guid is required")
		}
		extraJSON, err := marshalExtra(item.Extra)
		if err != nil {
			return err
		}
		args := []any{
			item.SourceRef,
			item.GUID,
			item.Title,
			item.Link,
			pubDate(item.PubDate),
			item.Author,
			item.Summary,
			item.Content,
			extraJSON,
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert item %s: %w", item.GUID, err)
		}
	}
	return nil
}

// UpdateItemContent stores the enriched body of one item.
func (s *ItemStore) UpdateItemContent(ctx context.Context, item feed.Item) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("item store is not configured")
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	title = $3,
	author = $4,
	summary = $5,
	content = $6,
	updated_at = now()
WHERE source_ref = $1 AND guid = $2`, s.table)

	tag, err := s.pool.Exec(ctx, query, item.SourceRef, item.GUID, item.Title, item.Author, item.Summary, item.Content)
	if err != nil {
		return fmt.Errorf("update item %s: %w", item.GUID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update item %s: %w", item.GUID, feed.ErrNotFound)
	}
	return nil
}

func marshalExtra(extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("marshal extra: %w", err)
	}
	return data, nil
}

func pubDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
