package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, fetchPagesTotal)
	require.NotNil(t, enrichRunning)
}

func TestObserveHelpers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(fetchCacheTotal.WithLabelValues("hit"))
	ObserveFetchCache(true)
	assert.Equal(t, before+1, testutil.ToFloat64(fetchCacheTotal.WithLabelValues("hit")))

	ObserveFetch("https://Example.org/a", 200, 512)
	assert.GreaterOrEqual(t, testutil.ToFloat64(fetchBytesTotal.WithLabelValues("example.org")), float64(512))

	IncRunningEnrichments()
	running := testutil.ToFloat64(enrichRunning)
	DecRunningEnrichments()
	assert.Equal(t, running-1, testutil.ToFloat64(enrichRunning))

	ObserveRateLimitDelay("example.org", 150*time.Millisecond)
	assert.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds))
}

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	Init()
	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	missing := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, path := range []string{"/ok", "/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, ok+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")))
	assert.Equal(t, missing+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")))
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
