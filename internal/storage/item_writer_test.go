package storage_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/hash/sha256"
	"github.com/JakeFAU/pagefeed/internal/storage"
	"github.com/JakeFAU/pagefeed/internal/storage/memory"
)

func TestItemWriterWritesItemsAndIndex(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	writer, err := storage.NewItemWriter(blobs, "/items/")
	require.NoError(t, err)

	items := []feed.Item{
		{GUID: "https://example.com/1", Title: "One", SourceRef: "https://example.com/list", PubDate: time.Unix(10, 0).UTC()},
		{GUID: "https://example.com/2", Title: "Two", SourceRef: "https://example.com/list"},
	}
	require.NoError(t, writer.WriteItems(context.Background(), items))

	dir := "items/" + sha256.HexString("https://example.com/list")
	raw, err := blobs.GetObject(context.Background(), dir+"/"+sha256.HexString("https://example.com/1")+".json")
	require.NoError(t, err)
	var got feed.Item
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "One", got.Title)

	index, err := blobs.GetObject(context.Background(), dir+"/index.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"sourceRef":"https://example.com/list","guids":["https://example.com/1","https://example.com/2"]}`, string(index))
}

func TestItemWriterRejectsMissingGUID(t *testing.T) {
	t.Parallel()

	writer, err := storage.NewItemWriter(memory.NewBlobStore(), "")
	require.NoError(t, err)
	require.Error(t, writer.WriteItem(context.Background(), feed.Item{Title: "x"}))

	_, err = storage.NewItemWriter(nil, "")
	require.Error(t, err)
}
