package browser

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/metrics"
)

// FetchOptions selects the browser configuration and per-request headers for
// a rendered fetch.
type FetchOptions struct {
	Mode    Mode
	WorkDir string
	Proxy   string
	Headers http.Header
	Timeout time.Duration
}

// FetchRendered navigates a fresh page of the shared browser to url and
// returns the rendered document. The page is always closed; the browser is not.
func (m *Manager) FetchRendered(ctx context.Context, url string, opts FetchOptions) (Rendered, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx, url); err != nil {
			return Rendered{}, err
		}
	}

	nav := NavigateOptions{
		UserAgent:      m.cfg.UserAgent,
		AcceptLanguage: m.cfg.AcceptLanguage,
		Headers:        opts.Headers,
		MaskWebdriver:  true,
		Timeout:        opts.Timeout,
	}
	if nav.Timeout <= 0 {
		nav.Timeout = m.cfg.NavigationTimeout
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		inst, err := m.GetOrCreate(ctx, opts.Mode, opts.WorkDir, opts.Proxy)
		if err != nil {
			return Rendered{}, err
		}
		rendered, err := m.navigateOnce(ctx, inst, url, nav)
		if err == nil {
			metrics.ObserveFetch(url, rendered.Status, len(rendered.HTML))
			return rendered, nil
		}
		lastErr = err
		if !isDetached(err) {
			break
		}
		m.logger.Debug("frame detached; retrying navigation", zap.String("url", url), zap.Error(err))
	}
	return Rendered{}, fmt.Errorf("render %s: %w", url, lastErr)
}

func (m *Manager) navigateOnce(ctx context.Context, inst Instance, url string, nav NavigateOptions) (Rendered, error) {
	page, err := inst.NewPage(ctx)
	if err != nil {
		return Rendered{}, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			m.logger.Debug("close page", zap.Error(cerr))
		}
	}()
	return page.Navigate(ctx, url, nav)
}
