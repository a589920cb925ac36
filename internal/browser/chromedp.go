package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const webdriverMask = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

var execCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
	"headless-shell",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
}

// ChromedpConfig controls how browser processes are started.
type ChromedpConfig struct {
	// ExecPath overrides executable discovery.
	ExecPath      string
	LaunchTimeout time.Duration
}

// ChromedpLauncher launches Chrome or Chromium through chromedp.
type ChromedpLauncher struct {
	cfg      ChromedpConfig
	lookPath func(string) (string, error)
}

// NewChromedpLauncher builds a launcher.
func NewChromedpLauncher(cfg ChromedpConfig) *ChromedpLauncher {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	return &ChromedpLauncher{cfg: cfg, lookPath: exec.LookPath}
}

// Launch starts a browser process. The process outlives ctx; ctx only bounds startup.
func (l *ChromedpLauncher) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	execPath, err := l.findExec()
	if err != nil {
		return nil, err
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if opts.Mode == Headful {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	} else {
		allocOpts = append(allocOpts, chromedp.Flag("headless", "new"))
	}
	if opts.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.Proxy != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.Proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer cancel()
	if err := startTarget(startCtx, browserCtx, browserCancel); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &chromedpInstance{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

func (l *ChromedpLauncher) findExec() (string, error) {
	if l.cfg.ExecPath != "" {
		path, err := l.lookPath(l.cfg.ExecPath)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrBrowserNotFound, l.cfg.ExecPath)
		}
		return path, nil
	}
	for _, candidate := range execCandidates {
		if path, err := l.lookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", ErrBrowserNotFound
}

// startTarget runs the first action on a chromedp context, which allocates
// the browser or tab. That first run must use the long-lived context itself,
// so startup is bounded by watching ctx separately.
func startTarget(ctx, tctx context.Context, cancelTarget context.CancelFunc) error {
	errc := make(chan error, 1)
	go func() {
		errc <- chromedp.Run(tctx)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		cancelTarget()
		return ctx.Err()
	}
}

// bind derives a context from a chromedp context that also ends when ctx
// ends or timeout elapses.
func bind(base, ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(base)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		prev := cancel
		cancel = func() { cancelDeadline(); prev() }
	}
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		prev := cancel
		cancel = func() { cancelTimeout(); prev() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

type chromedpInstance struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	closeOnce     sync.Once
	closeErr      error
}

func (i *chromedpInstance) NewPage(ctx context.Context) (Page, error) {
	if err := i.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser closed: %w", err)
	}
	tabCtx, tabCancel := chromedp.NewContext(i.browserCtx)
	if err := startTarget(ctx, tabCtx, tabCancel); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromedpPage{ctx: tabCtx, cancel: tabCancel}, nil
}

func (i *chromedpInstance) Ping(ctx context.Context) error {
	if err := i.browserCtx.Err(); err != nil {
		return fmt.Errorf("browser context done: %w", err)
	}
	runCtx, cancel := bind(i.browserCtx, ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := target.GetTargets().Do(ctx)
		return err
	}))
}

func (i *chromedpInstance) Close() error {
	i.closeOnce.Do(func() {
		err := chromedp.Cancel(i.browserCtx)
		i.browserCancel()
		i.allocCancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			i.closeErr = err
		}
	})
	return i.closeErr
}

type chromedpPage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *chromedpPage) Navigate(ctx context.Context, url string, opts NavigateOptions) (Rendered, error) {
	runCtx, cancel := bind(p.ctx, ctx, opts.Timeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(runCtx, meta.captureEvent)

	var html, finalURL string
	actions := []chromedp.Action{
		networkSetupAction(opts),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return Rendered{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, statusText, headers, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	return Rendered{
		FinalURL:   responseURL,
		Status:     status,
		StatusText: statusText,
		Headers:    headers,
		HTML:       html,
	}, nil
}

func (p *chromedpPage) Evaluate(ctx context.Context, script string, out any) error {
	runCtx, cancel := bind(p.ctx, ctx, 0)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (p *chromedpPage) Close() error {
	p.cancel()
	return nil
}

func networkSetupAction(opts NavigateOptions) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		headers := cloneHeader(opts.Headers)
		if headers == nil {
			headers = http.Header{}
		}
		if opts.UserAgent != "" {
			override := emulation.SetUserAgentOverride(opts.UserAgent)
			if opts.AcceptLanguage != "" {
				override = override.WithAcceptLanguage(opts.AcceptLanguage)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		} else if opts.AcceptLanguage != "" && headers.Get("Accept-Language") == "" {
			headers.Set("Accept-Language", opts.AcceptLanguage)
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if opts.MaskWebdriver {
			if _, err := cdppage.AddScriptToEvaluateOnNewDocument(webdriverMask).Do(ctx); err != nil {
				return fmt.Errorf("install webdriver mask: %w", err)
			}
		}
		return nil
	})
}

type responseMeta struct {
	mu         sync.RWMutex
	status     int
	statusText string
	headers    http.Header
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.statusText = event.Response.StatusText
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string, http.Header, string) {
	m.mu.RLock()
	status, statusText, headers, url := m.status, m.statusText, cloneHeader(m.headers), m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if statusText == "" {
		statusText = http.StatusText(status)
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, statusText, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	return src.Clone()
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
