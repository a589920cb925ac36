// Package sqlite persists feed items in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/pagefeed/internal/feed"
)

// ItemStore keeps one row per (source_ref, guid). Writes go through a
// single connection.
type ItemStore struct {
	readDB  *sql.DB
	writeDB *sql.DB
}

// Open creates the database file and schema when missing.
func Open(ctx context.Context, dbPath string) (*ItemStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	writeDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite write db: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("open sqlite read db: %w", err)
	}

	s := &ItemStore{readDB: readDB, writeDB: writeDB}
	if err := s.init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *ItemStore) init(ctx context.Context) error {
	_, err := s.writeDB.ExecContext(ctx, `
		PRAGMA journal_mode = WAL;
		CREATE TABLE IF NOT EXISTS feed_items (
			source_ref TEXT NOT NULL,
			guid       TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			link       TEXT NOT NULL DEFAULT '',
			pub_date   TEXT NOT NULL DEFAULT '',
			author     TEXT NOT NULL DEFAULT '',
			summary    TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			extra      TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (source_ref, guid)
		);
		CREATE INDEX IF NOT EXISTS idx_feed_items_pub_date ON feed_items(source_ref, pub_date DESC);
	`)
	if err != nil {
		return fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return nil
}

// Close releases both handles.
func (s *ItemStore) Close() error {
	return errors.Join(s.readDB.Close(), s.writeDB.Close())
}

// UpsertItems inserts items or refreshes their metadata in one transaction.
// Stored content is kept when the incoming item has none.
func (s *ItemStore) UpsertItems(ctx context.Context, items []feed.Item) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feed_items (source_ref, guid, title, link, pub_date, author, summary, content, extra, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_ref, guid) DO UPDATE SET
			title = excluded.title,
			link = excluded.link,
			pub_date = excluded.pub_date,
			author = excluded.author,
			summary = excluded.summary,
			content = CASE WHEN excluded.content = '' THEN feed_items.content ELSE excluded.content END,
			extra = excluded.extra,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := formatTime(time.Now())
	for _, item := range items {
		extra, err := marshalExtra(item.Extra)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			item.SourceRef, item.GUID, item.Title, item.Link, formatTime(item.PubDate),
			item.Author, item.Summary, item.Content, extra, now)
		if err != nil {
			return fmt.Errorf("upsert item %s: %w", item.GUID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// UpdateItemContent stores the enriched body of one item.
func (s *ItemStore) UpdateItemContent(ctx context.Context, item feed.Item) error {
	res, err := s.writeDB.ExecContext(ctx, `
		UPDATE feed_items
		SET title = ?, author = ?, summary = ?, content = ?, updated_at = ?
		WHERE source_ref = ? AND guid = ?`,
		item.Title, item.Author, item.Summary, item.Content, formatTime(time.Now()),
		item.SourceRef, item.GUID)
	if err != nil {
		return fmt.Errorf("update item %s: %w", item.GUID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item %s: %w", item.GUID, err)
	}
	if n == 0 {
		return fmt.Errorf("update item %s: %w", item.GUID, feed.ErrNotFound)
	}
	return nil
}

// Items returns the stored items for sourceRef, newest first.
func (s *ItemStore) Items(ctx context.Context, sourceRef string) ([]feed.Item, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT source_ref, guid, title, link, pub_date, author, summary, content, extra
		FROM feed_items
		WHERE source_ref = ?
		ORDER BY pub_date DESC, guid`, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []feed.Item
	for rows.Next() {
		var (
			item         feed.Item
			pub, rawJSON string
		)
		if err := rows.Scan(&item.SourceRef, &item.GUID, &item.Title, &item.Link, &pub,
			&item.Author, &item.Summary, &item.Content, &rawJSON); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if pub != "" {
			if item.PubDate, err = time.Parse(time.RFC3339Nano, pub); err != nil {
				return nil, fmt.Errorf("parse pub_date for %s: %w", item.GUID, err)
			}
		}
		if rawJSON != "" && rawJSON != "{}" {
			if err := json.Unmarshal([]byte(rawJSON), &item.Extra); err != nil {
				return nil, fmt.Errorf("decode extra for %s: %w", item.GUID, err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func marshalExtra(extra map[string]any) (string, error) {
	if len(extra) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("marshal extra: %w", err)
	}
	return string(data), nil
}
