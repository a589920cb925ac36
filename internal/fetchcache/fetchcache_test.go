package fetchcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/browser"
	"github.com/JakeFAU/pagefeed/internal/cachekey"
	collyfetcher "github.com/JakeFAU/pagefeed/internal/fetcher/colly"
	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/storage/memory"
)

func TestStore_RoundTripAndMaxAge(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	blobs := memory.NewBlobStore()
	store := NewStore(blobs, time.Hour, clock)
	ctx := context.Background()
	key := cachekey.New("https://example.com", cachekey.WindowForever, clock.Now())

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	rec := Record{FinalURL: "https://example.com/", Status: 200, StatusText: "OK", Body: "hi", CachedAt: clock.Now()}
	require.NoError(t, store.Put(ctx, key, rec))
	assert.Equal(t, []string{"fetch/" + key.String() + ".json"}, blobs.Keys())

	got, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Body, got.Body)
	assert.True(t, got.OK())

	clock.advance(2 * time.Hour)
	_, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "records older than maxAge miss")
}

func TestStore_CorruptRecord(t *testing.T) {
	blobs := memory.NewBlobStore()
	store := NewStore(blobs, 0, &fakeClock{now: time.Now()})
	key := cachekey.New("ref", cachekey.WindowForever, time.Now())
	_, err := blobs.PutObject(context.Background(), "fetch/"+key.String()+".json", "application/json", []byte("{"))
	require.NoError(t, err)

	_, ok, err := store.Get(context.Background(), key)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestFetcher_CachesWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)}
	static := &fakeStatic{body: "v1"}
	f := newTestFetcher(clock, static, nil)
	ctx := context.Background()

	first, err := f.Fetch(ctx, "https://example.com/a", Options{Window: cachekey.Window10Min})
	require.NoError(t, err)
	assert.Equal(t, "v1", first.Body)
	assert.Equal(t, clock.Now(), first.CachedAt)

	static.setBody("v2")
	clock.advance(5 * time.Minute)
	second, err := f.Fetch(ctx, "https://example.com/a", Options{Window: cachekey.Window10Min})
	require.NoError(t, err)
	assert.Equal(t, "v1", second.Body, "same bucket is served from cache")
	assert.Equal(t, int32(1), static.calls.Load())

	clock.advance(5 * time.Minute)
	third, err := f.Fetch(ctx, "https://example.com/a", Options{Window: cachekey.Window10Min})
	require.NoError(t, err)
	assert.Equal(t, "v2", third.Body, "new bucket fetches live")
	assert.Equal(t, int32(2), static.calls.Load())
}

func TestFetcher_BypassStillWrites(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	static := &fakeStatic{body: "v1"}
	f := newTestFetcher(clock, static, nil)
	ctx := context.Background()

	_, err := f.Fetch(ctx, "https://example.com", Options{})
	require.NoError(t, err)
	static.setBody("v2")
	got, err := f.Fetch(ctx, "https://example.com", Options{Bypass: true})
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Body)

	cached, err := f.Fetch(ctx, "https://example.com", Options{})
	require.NoError(t, err)
	assert.Equal(t, "v2", cached.Body)
	assert.Equal(t, int32(2), static.calls.Load())
}

func TestFetcher_SingleFlightsConcurrentMisses(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	release := make(chan struct{})
	static := &fakeStatic{body: "shared", gate: release}
	f := newTestFetcher(clock, static, nil)

	var wg sync.WaitGroup
	bodies := make([]string, 5)
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.Fetch(context.Background(), "https://example.com/slow", Options{})
			assert.NoError(t, err)
			bodies[i] = rec.Body
		}()
	}
	require.Eventually(t, func() bool { return static.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), static.calls.Load())
	for _, b := range bodies {
		assert.Equal(t, "shared", b)
	}
}

func TestFetcher_RenderedUsesBrowser(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	static := &fakeStatic{body: "static"}
	renderer := &fakeRenderer{}
	f := newTestFetcher(clock, static, renderer)

	rec, err := f.Fetch(context.Background(), "https://example.com", Options{Render: true, Mode: browser.Headless})
	require.NoError(t, err)
	assert.Equal(t, "<rendered/>", rec.Body)
	assert.Equal(t, int32(0), static.calls.Load())

	plain, err := f.Fetch(context.Background(), "https://example.com", Options{})
	require.NoError(t, err)
	assert.Equal(t, "static", plain.Body, "rendered and static fetches are cached separately")
}

func TestFetcher_RenderWithoutBrowser(t *testing.T) {
	f := newTestFetcher(&fakeClock{now: time.Now()}, &fakeStatic{}, nil)
	_, err := f.Fetch(context.Background(), "https://example.com", Options{Render: true})
	require.ErrorIs(t, err, feed.ErrConfiguration)
}

func TestFetcher_ErrorsAreNotCached(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	static := &fakeStatic{err: errors.New("connection reset")}
	f := newTestFetcher(clock, static, nil)

	_, err := f.Fetch(context.Background(), "https://example.com", Options{})
	require.Error(t, err)

	static.mu.Lock()
	static.err = nil
	static.body = "recovered"
	static.mu.Unlock()
	rec, err := f.Fetch(context.Background(), "https://example.com", Options{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", rec.Body)
}

func TestFetcher_TransientStatusIsNotCached(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)}
	static := &fakeStatic{body: "busy", status: http.StatusServiceUnavailable}
	f := newTestFetcher(clock, static, nil)
	ctx := context.Background()

	first, err := f.Fetch(ctx, "https://example.com/a", Options{Window: cachekey.Window10Min})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, first.Status)

	static.mu.Lock()
	static.status = http.StatusOK
	static.body = "ok"
	static.mu.Unlock()
	clock.advance(time.Minute)

	second, err := f.Fetch(ctx, "https://example.com/a", Options{Window: cachekey.Window10Min})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, second.Status)
	assert.Equal(t, "ok", second.Body)
	assert.Equal(t, int32(2), static.calls.Load())

	third, err := f.Fetch(ctx, "https://example.com/a", Options{Window: cachekey.Window10Min})
	require.NoError(t, err)
	assert.Equal(t, "ok", third.Body)
	assert.Equal(t, int32(2), static.calls.Load(), "2xx responses are cached")
}

func TestRecord_Cacheable(t *testing.T) {
	assert.True(t, Record{Status: http.StatusOK}.Cacheable())
	assert.True(t, Record{Status: http.StatusNotFound}.Cacheable())
	assert.False(t, Record{Status: http.StatusTooManyRequests}.Cacheable())
	assert.False(t, Record{Status: http.StatusBadGateway}.Cacheable())
}

func TestFetcher_CancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	release := make(chan struct{})
	static := &fakeStatic{body: "shared", gate: release}
	f := newTestFetcher(clock, static, nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.Fetch(leaderCtx, "https://example.com/slow", Options{})
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return static.calls.Load() == 1 }, time.Second, time.Millisecond)

	joined := make(chan Record, 1)
	go func() {
		rec, err := f.Fetch(context.Background(), "https://example.com/slow", Options{})
		assert.NoError(t, err)
		joined <- rec
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)
	close(release)

	select {
	case rec := <-joined:
		assert.Equal(t, "shared", rec.Body)
	case <-time.After(time.Second):
		t.Fatal("joined caller did not receive the shared fetch")
	}
	assert.Equal(t, int32(1), static.calls.Load())
}

func TestFetcher_MissThatRacesACompletedFetchReusesIt(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	static := &fakeStatic{body: "v1"}
	blobs := &stallingBlobs{BlobStore: memory.NewBlobStore(), held: make(chan struct{}), release: make(chan struct{})}
	blobs.armed.Store(true)
	f := NewFetcher(Config{
		Store:  NewStore(blobs, 0, clock),
		Static: static,
		Clock:  clock,
		Logger: zap.NewNop(),
	})

	slow := make(chan Record, 1)
	go func() {
		rec, err := f.Fetch(context.Background(), "https://example.com", Options{})
		assert.NoError(t, err)
		slow <- rec
	}()
	<-blobs.held

	fast, err := f.Fetch(context.Background(), "https://example.com", Options{})
	require.NoError(t, err)
	assert.Equal(t, "v1", fast.Body)
	require.Equal(t, int32(1), static.calls.Load())

	close(blobs.release)
	rec := <-slow
	assert.Equal(t, "v1", rec.Body)
	assert.Equal(t, int32(1), static.calls.Load(), "the stale miss is re-checked before fetching")
}

func newTestFetcher(clock *fakeClock, static *fakeStatic, renderer Renderer) *Fetcher {
	return NewFetcher(Config{
		Store:    NewStore(memory.NewBlobStore(), 0, clock),
		Renderer: renderer,
		Static:   static,
		Clock:    clock,
		Logger:   zap.NewNop(),
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStatic struct {
	calls atomic.Int32
	gate  chan struct{}

	mu     sync.Mutex
	body   string
	status int
	err    error
}

func (f *fakeStatic) setBody(body string) {
	f.mu.Lock()
	f.body = body
	f.mu.Unlock()
}

func (f *fakeStatic) Fetch(_ context.Context, req collyfetcher.Request) (collyfetcher.Response, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return collyfetcher.Response{}, f.err
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return collyfetcher.Response{
		FinalURL:   req.URL,
		StatusCode: status,
		StatusText: http.StatusText(status),
		Headers:    http.Header{},
		Body:       []byte(f.body),
	}, nil
}

type fakeRenderer struct{}

func (fakeRenderer) FetchRendered(_ context.Context, url string, _ browser.FetchOptions) (browser.Rendered, error) {
	return browser.Rendered{FinalURL: url, Status: 200, StatusText: "OK", HTML: "<rendered/>"}, nil
}

// stallingBlobs holds the first armed read after it has observed the store,
// so a caller can act on a result that has since gone stale.
type stallingBlobs struct {
	*memory.BlobStore
	armed   atomic.Bool
	held    chan struct{}
	release chan struct{}
}

func (s *stallingBlobs) GetObject(ctx context.Context, path string) ([]byte, error) {
	data, err := s.BlobStore.GetObject(ctx, path)
	if s.armed.CompareAndSwap(true, false) {
		close(s.held)
		<-s.release
	}
	return data, err
}
