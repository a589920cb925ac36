// Package browser manages the single headless browser shared by all rendered
// fetches and authentication flows.
//
// One live instance exists per process. Requests for a different mode,
// profile directory or proxy close it and relaunch; concurrent requests for
// the same configuration join a single in-flight launch.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/pagefeed/internal/feed"
)

// Mode selects whether the browser window is visible.
type Mode string

const (
	// Headless runs without a visible window.
	Headless Mode = "headless"
	// Headful opens a visible window, used for interactive logins.
	Headful Mode = "headful"
)

// LaunchOptions identify a browser configuration. Two requests share an
// instance only when their options are equal.
type LaunchOptions struct {
	Mode       Mode
	ProfileDir string
	Proxy      string
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Instance, error)
}

// Instance is one running browser.
type Instance interface {
	// NewPage opens a tab. Callers must close it.
	NewPage(ctx context.Context) (Page, error)
	// Ping returns an error when the browser is no longer reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Page is a single browser tab.
type Page interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) (Rendered, error)
	Evaluate(ctx context.Context, script string, out any) error
	Close() error
}

// NavigateOptions controls request normalization for one navigation.
type NavigateOptions struct {
	UserAgent      string
	AcceptLanguage string
	Headers        http.Header
	MaskWebdriver  bool
	Timeout        time.Duration
}

// Rendered is the captured result of a rendered navigation.
type Rendered struct {
	FinalURL   string
	Status     int
	StatusText string
	Headers    http.Header
	HTML       string
}

var (
	// ErrBrowserNotFound reports that no browser executable could be located.
	ErrBrowserNotFound = fmt.Errorf("browser executable not found: %w", feed.ErrConfiguration)
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("browser manager is shut down")
	// errLockHeld marks a profile directory whose lock is owned by a live process.
	errLockHeld = errors.New("profile SingletonLock held by a running process")
)

// ProfileLockError reports a profile directory that stayed locked after
// stale-process recovery was exhausted.
type ProfileLockError struct {
	Dir string
	Err error
}

func (e *ProfileLockError) Error() string {
	return fmt.Sprintf(
		"browser profile %s is locked by another browser process; close any browser using it or delete %s/SingletonLock and retry: %v",
		e.Dir, e.Dir, e.Err)
}

// Unwrap exposes both the transient classification and the last launch error.
func (e *ProfileLockError) Unwrap() []error {
	return []error{feed.ErrTransient, e.Err}
}

var lockMarkers = []string{
	"singletonlock",
	"processsingleton",
	"profile appears to be in use",
	"user data directory is already in use",
}

func isProfileLock(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errLockHeld) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range lockMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var detachMarkers = []string{
	"frame was detached",
	"frame detached",
	"target closed",
	"execution context was destroyed",
}

func isDetached(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range detachMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
