package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/metrics"
)

// Config controls the manager's timeouts, recovery and request normalization.
type Config struct {
	ProfileDir        string
	UserAgent         string
	AcceptLanguage    string
	NavigationTimeout time.Duration
	PingTimeout       time.Duration
	LockRetries       int
	LockRetryDelay    time.Duration
	// LaunchTimeout bounds one shared launch, lock recovery included. The
	// launch outlives the caller that started it.
	LaunchTimeout    time.Duration
	AuthPollInterval time.Duration
	AuthTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 3 * time.Second
	}
	if c.LockRetries < 0 {
		c.LockRetries = 0
	}
	if c.LockRetryDelay <= 0 {
		c.LockRetryDelay = 500 * time.Millisecond
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 2 * time.Minute
	}
	if c.AuthPollInterval <= 0 {
		c.AuthPollInterval = 2 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Minute
	}
	return c
}

// ProfileRecoverer clears stale browser processes and lock files for a profile.
type ProfileRecoverer interface {
	// Held reports whether the profile lock is owned by a running process.
	Held(ctx context.Context, profileDir string) bool
	// Recover terminates processes referencing profileDir and removes stale locks.
	Recover(ctx context.Context, profileDir string) error
}

// RateLimiter throttles live navigations per host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

type handle struct {
	inst Instance
	opts LaunchOptions
}

type launch struct {
	done chan struct{}
	opts LaunchOptions
	inst Instance
	err  error
}

// Manager owns the single live browser instance.
type Manager struct {
	cfg       Config
	launcher  Launcher
	recoverer ProfileRecoverer
	limiter   RateLimiter
	logger    *zap.Logger

	mu        sync.Mutex
	live      *handle
	launching *launch
	closed    bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRecoverer installs stale-process recovery for locked profiles.
func WithRecoverer(r ProfileRecoverer) Option {
	return func(m *Manager) { m.recoverer = r }
}

// WithRateLimiter throttles FetchRendered per host.
func WithRateLimiter(l RateLimiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// NewManager builds a Manager around launcher.
func NewManager(cfg Config, launcher Launcher, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		launcher: launcher,
		logger:   logger.Named("browser"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the live instance when it matches mode, workDir and
// proxy and still answers a ping. Otherwise it closes the live instance and
// launches a new one. An empty workDir uses the configured profile directory.
func (m *Manager) GetOrCreate(ctx context.Context, mode Mode, workDir, proxy string) (Instance, error) {
	if mode == "" {
		mode = Headless
	}
	if workDir == "" {
		workDir = m.cfg.ProfileDir
	}
	want := LaunchOptions{Mode: mode, ProfileDir: workDir, Proxy: proxy}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}

		if l := m.launching; l != nil {
			m.mu.Unlock()
			select {
			case <-l.done:
			case <-ctx.Done():
				return nil, fmt.Errorf("wait for browser launch: %w", ctx.Err())
			}
			if l.opts == want {
				return l.inst, l.err
			}
			continue
		}

		if h := m.live; h != nil && h.opts == want {
			m.mu.Unlock()
			err := m.ping(ctx, h.inst)
			if err == nil {
				return h.inst, nil
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("ping browser: %w", ctx.Err())
			}
			m.logger.Warn("browser ping failed; relaunching", zap.Error(err))
			m.mu.Lock()
			if m.live == h {
				m.live = nil
			}
			m.mu.Unlock()
			m.closeInstance(h.inst)
			continue
		}

		old := m.live
		m.live = nil
		l := &launch{done: make(chan struct{}), opts: want}
		m.launching = l
		m.mu.Unlock()

		go m.runLaunch(context.WithoutCancel(ctx), l, old)
		select {
		case <-l.done:
			return l.inst, l.err
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for browser launch: %w", ctx.Err())
		}
	}
}

// runLaunch replaces old with a fresh instance for l.opts and publishes the
// result to every caller waiting on l.done.
func (m *Manager) runLaunch(ctx context.Context, l *launch, old *handle) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.LaunchTimeout)
	defer cancel()

	if old != nil {
		m.logger.Info("closing browser for configuration change",
			zap.String("from_mode", string(old.opts.Mode)),
			zap.String("to_mode", string(l.opts.Mode)),
			zap.String("profile_dir", l.opts.ProfileDir))
		m.closeInstance(old.inst)
	}

	inst, err := m.launch(ctx, l.opts)

	m.mu.Lock()
	if err == nil && m.closed {
		m.closeInstance(inst)
		inst, err = nil, ErrClosed
	}
	if err == nil {
		m.live = &handle{inst: inst, opts: l.opts}
	}
	l.inst, l.err = inst, err
	m.launching = nil
	m.mu.Unlock()
	close(l.done)
}

// Shutdown closes the live instance. Later calls to GetOrCreate fail with ErrClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	l := m.launching
	m.mu.Unlock()

	if l != nil {
		select {
		case <-l.done:
		case <-ctx.Done():
			return fmt.Errorf("wait for browser launch: %w", ctx.Err())
		}
	}

	m.mu.Lock()
	h := m.live
	m.live = nil
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.inst.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	m.logger.Info("browser closed")
	return nil
}

func (m *Manager) ping(ctx context.Context, inst Instance) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	if err := inst.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping browser: %w", err)
	}
	return nil
}

func (m *Manager) closeInstance(inst Instance) {
	if err := inst.Close(); err != nil {
		m.logger.Warn("close browser", zap.Error(err))
	}
}

// launch starts a browser, recovering from profile-lock failures with
// exponential backoff until LockRetries is exhausted.
func (m *Manager) launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	if opts.ProfileDir != "" {
		if err := os.MkdirAll(opts.ProfileDir, 0o700); err != nil {
			return nil, fmt.Errorf("create profile dir %s: %w", opts.ProfileDir, err)
		}
	}

	attempt := 0
	op := func() (Instance, error) {
		attempt++
		if m.recoverer != nil && opts.ProfileDir != "" && m.recoverer.Held(ctx, opts.ProfileDir) {
			m.recover(ctx, opts.ProfileDir)
		}
		inst, err := m.launcher.Launch(ctx, opts)
		if err == nil {
			metrics.ObserveBrowserLaunch(string(opts.Mode), "ok")
			m.logger.Info("browser launched",
				zap.String("mode", string(opts.Mode)),
				zap.String("profile_dir", opts.ProfileDir),
				zap.Int("attempt", attempt))
			return inst, nil
		}
		metrics.ObserveBrowserLaunch(string(opts.Mode), "error")
		if !isProfileLock(err) {
			return nil, backoff.Permanent(err)
		}
		m.logger.Warn("browser profile locked",
			zap.String("profile_dir", opts.ProfileDir),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if m.recoverer != nil && opts.ProfileDir != "" {
			m.recover(ctx, opts.ProfileDir)
		}
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.LockRetryDelay
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.cfg.LockRetries)), ctx)

	inst, err := backoff.RetryWithData(op, b)
	if err == nil {
		return inst, nil
	}
	if isProfileLock(err) {
		return nil, &ProfileLockError{Dir: opts.ProfileDir, Err: err}
	}
	if errors.Is(err, ErrBrowserNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("launch browser: %w", err)
}

func (m *Manager) recover(ctx context.Context, dir string) {
	if err := m.recoverer.Recover(ctx, dir); err != nil {
		m.logger.Warn("profile recovery failed", zap.String("profile_dir", dir), zap.Error(err))
	}
}
