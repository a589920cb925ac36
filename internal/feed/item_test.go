package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeriveGUIDPrefersLink(t *testing.T) {
	t.Parallel()

	got := DeriveGUID(Item{Link: " https://example.com/a ", Title: "A"})
	require.Equal(t, "https://example.com/a", got)
}

func TestDeriveGUIDStableWithoutLink(t *testing.T) {
	t.Parallel()

	pub := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := DeriveGUID(Item{Title: "A", PubDate: pub, SourceRef: "ref"})
	b := DeriveGUID(Item{Title: "A", PubDate: pub.In(time.FixedZone("x", 3600)), SourceRef: "ref"})
	c := DeriveGUID(Item{Title: "B", PubDate: pub, SourceRef: "ref"})

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.True(t, strings.HasPrefix(a, "urn:sha256:"))
}

func TestNormalizeFillsMissingFields(t *testing.T) {
	t.Parallel()

	item := Normalize(Item{Title: "  Hello ", Link: "https://example.com/x"}, "https://example.com/list")
	require.Equal(t, "Hello", item.Title)
	require.Equal(t, "https://example.com/x", item.GUID)
	require.Equal(t, "https://example.com/list", item.SourceRef)

	kept := Normalize(Item{GUID: "custom", SourceRef: "other"}, "ignored")
	require.Equal(t, "custom", kept.GUID)
	require.Equal(t, "other", kept.SourceRef)
}

func TestItemJSONUsesISODates(t *testing.T) {
	t.Parallel()

	item := Item{GUID: "g", PubDate: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	data, err := json.Marshal(item)
	require.NoError(t, err)
	require.Contains(t, string(data), `"pubDate":"2024-01-02T03:04:05Z"`)
}

func TestCloneItemsCopiesExtra(t *testing.T) {
	t.Parallel()

	src := []Item{{GUID: "a", Extra: map[string]any{"k": "v"}}}
	cp := CloneItems(src)
	cp[0].Extra["k"] = "changed"
	require.Equal(t, "v", src[0].Extra["k"])
	require.Nil(t, CloneItems(nil))
}

func TestErrorsWrap(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("login page: %w", ErrAuthRequired)
	require.True(t, errors.Is(err, ErrAuthRequired))
	require.False(t, errors.Is(err, ErrNotFound))
}
