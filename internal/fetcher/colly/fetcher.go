// Package collyfetcher performs static (non-rendered) page fetches using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	RespectRobots  bool
	Timeout        time.Duration
}

// Request describes one static fetch.
type Request struct {
	URL     string
	Headers http.Header
	// Proxy, when set, routes the request through the given proxy URL.
	Proxy string
}

// Response is the captured result of a static fetch. Non-2xx statuses are
// returned as responses, not errors.
type Response struct {
	FinalURL   string
	StatusCode int
	StatusText string
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher executes static GETs through Colly collectors sharing one pooled transport.
type Fetcher struct {
	cfg       Config
	transport *http.Transport

	mu      sync.Mutex
	proxies map[string]*http.Transport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		proxies:   make(map[string]*http.Transport),
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request Request) (Response, error) {
	var (
		result   Response
		fetchErr error
	)
	collector, err := f.buildCollector(request)
	if err != nil {
		return Response{}, err
	}
	f.configureCollectorHooks(collector, request, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return Response{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(request Request) (*colly.Collector, error) {
	collector := colly.NewCollector(colly.Async(false))
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	collector.AllowURLRevisit = true

	transport, err := f.transportFor(request.Proxy)
	if err != nil {
		return nil, err
	}
	collector.WithTransport(transport)
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector, nil
}

func (f *Fetcher) transportFor(proxy string) (*http.Transport, error) {
	if proxy == "" {
		return f.transport, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.proxies[proxy]; ok {
		return t, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
	}
	t := newHTTPTransport()
	t.Proxy = http.ProxyURL(proxyURL)
	f.proxies[proxy] = t
	return t, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if f.cfg.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
		}
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = Response{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			StatusText: http.StatusText(r.StatusCode),
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
