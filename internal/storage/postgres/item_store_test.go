package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagefeed/internal/feed"
)

func TestUpsertItemsInsertsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStoreWithPool(mock, "")
	require.NoError(t, err)

	published := time.Unix(1700000000, 0).UTC()
	items := []feed.Item{
		{
			GUID:      "https://example.com/a",
			Title:     "A",
			Link:      "https://example.com/a",
			PubDate:   published,
			SourceRef: "https://example.com/list",
			Extra:     map[string]any{"categories": []string{"go"}},
		},
		{
			GUID:      "https://example.com/b",
			Title:     "B",
			Link:      "https://example.com/b",
			SourceRef: "https://example.com/list",
		},
	}

	mock.ExpectExec("INSERT INTO feed_items").
		WithArgs(
			items[0].SourceRef,
			items[0].GUID,
			items[0].Title,
			items[0].Link,
			published,
			"",
			"",
			"",
			[]byte(`{"categories":["go"]}`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO feed_items").
		WithArgs(
			items[1].SourceRef,
			items[1].GUID,
			items[1].Title,
			items[1].Link,
			nil,
			"",
			"",
			"",
			[]byte(`{}`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertItems(context.Background(), items))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertItemsStopsOnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStoreWithPool(mock, "items")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO items").WillReturnError(errors.New("connection reset"))

	err = store.UpsertItems(context.Background(), []feed.Item{{GUID: "a"}, {GUID: "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert item a")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateItemContent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStoreWithPool(mock, "")
	require.NoError(t, err)

	item := feed.Item{GUID: "g", SourceRef: "ref", Title: "T", Summary: "S", Content: "C"}
	mock.ExpectExec("UPDATE feed_items SET").
		WithArgs("ref", "g", "T", "", "S", "C").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateItemContent(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateItemContentMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("UPDATE feed_items SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateItemContent(context.Background(), feed.Item{GUID: "g", SourceRef: "ref"})
	assert.ErrorIs(t, err, feed.ErrNotFound)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS feed_items").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewItemStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewItemStoreWithPool(nil, "")
	assert.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewItemStoreWithPool(mock, "bad-name;drop")
	assert.Error(t, err)
}

func TestNewItemStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewItemStore(context.Background(), Config{})
	assert.Error(t, err)
}
