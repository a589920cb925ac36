package browser

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/feed"
)

// AuthFlow describes how to detect a logged-in session for a site.
type AuthFlow struct {
	Name     string
	LoginURL string
	// CheckScript is a JavaScript expression that evaluates to true once the
	// session is authenticated.
	CheckScript string
}

// PreCheckAuth opens the login URL in a headless page and evaluates the
// flow's check script.
func (m *Manager) PreCheckAuth(ctx context.Context, flow AuthFlow, workDir string) (bool, error) {
	inst, err := m.GetOrCreate(ctx, Headless, workDir, "")
	if err != nil {
		return false, err
	}
	page, err := inst.NewPage(ctx)
	if err != nil {
		return false, fmt.Errorf("open page: %w", err)
	}
	defer m.closePage(page)

	if _, err := page.Navigate(ctx, flow.LoginURL, m.authNavigation()); err != nil {
		return false, fmt.Errorf("open login page for %s: %w", flow.Name, err)
	}
	var ok bool
	if err := page.Evaluate(ctx, flow.CheckScript, &ok); err != nil {
		return false, fmt.Errorf("evaluate auth check for %s: %w", flow.Name, err)
	}
	return ok, nil
}

// EnsureAuth switches the browser to a visible window, opens the login URL
// and waits for the user to finish logging in. It returns feed.ErrAuthRequired
// when the check does not pass within the configured timeout.
func (m *Manager) EnsureAuth(ctx context.Context, flow AuthFlow, workDir string) error {
	inst, err := m.GetOrCreate(ctx, Headful, workDir, "")
	if err != nil {
		return err
	}
	page, err := inst.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer m.closePage(page)

	if _, err := page.Navigate(ctx, flow.LoginURL, m.authNavigation()); err != nil {
		return fmt.Errorf("open login page for %s: %w", flow.Name, err)
	}
	m.logger.Info("waiting for interactive login",
		zap.String("flow", flow.Name),
		zap.String("url", flow.LoginURL),
		zap.Duration("timeout", m.cfg.AuthTimeout))

	deadline := time.NewTimer(m.cfg.AuthTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.AuthPollInterval)
	defer ticker.Stop()

	for {
		var ok bool
		if err := page.Evaluate(ctx, flow.CheckScript, &ok); err != nil {
			m.logger.Debug("auth check failed", zap.String("flow", flow.Name), zap.Error(err))
		} else if ok {
			m.logger.Info("login detected", zap.String("flow", flow.Name))
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for login %s: %w", flow.Name, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("login for %s not completed within %s: %w", flow.Name, m.cfg.AuthTimeout, feed.ErrAuthRequired)
		case <-ticker.C:
		}
	}
}

func (m *Manager) authNavigation() NavigateOptions {
	return NavigateOptions{
		UserAgent:      m.cfg.UserAgent,
		AcceptLanguage: m.cfg.AcceptLanguage,
		MaskWebdriver:  true,
		Timeout:        m.cfg.NavigationTimeout,
	}
}

func (m *Manager) closePage(page Page) {
	if err := page.Close(); err != nil {
		m.logger.Debug("close page", zap.Error(err))
	}
}
