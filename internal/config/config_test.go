package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagefeed/internal/cachekey"
	"github.com/JakeFAU/pagefeed/internal/feed"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ".pagefeed", cfg.Cache.Dir)
	assert.Equal(t, string(cachekey.Window1Hour), cfg.Cache.DefaultWindow)
	assert.Equal(t, 45*time.Second, cfg.Browser.NavigationTimeout)
	assert.Equal(t, 3*time.Second, cfg.Browser.PingTimeout)
	assert.Equal(t, 2*time.Second, cfg.Browser.AuthPollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Browser.AuthTimeout)
	assert.Equal(t, 3, cfg.Enrich.Concurrency)
	assert.Equal(t, 100, cfg.Enrich.MaxTasks)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.True(t, cfg.Sources.RSS.Enabled)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: true
  level: debug
cache:
  dir: /tmp/pagefeed
  default_window: 6h
  fetch_max_age: 15m
fetch:
  rate_limit_rps: 0.5
  host_limits:
    - host: Example.com
      rps: 5
browser:
  headless: false
  lock_retries: 5
  auth_poll_interval: 500ms
  ping_timeout: 1s
enrich:
  concurrency: 6
  retry_base_delay: 2s
storage:
  backend: gcs
  gcs_bucket: feeds
sources:
  rss:
    refresh: 30min
  pages:
    - id: news
      pattern: https://news.example.com/
      refresh: 10min
      render: true
      link_selector: "article a"
      auth:
        login_url: https://news.example.com/login
        check_script: "!!document.querySelector('.account')"
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Auth.Enabled)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, cachekey.Window6Hour, Window(cfg.Cache.DefaultWindow))
	assert.Equal(t, 15*time.Minute, cfg.Cache.FetchMaxAge)
	assert.InDelta(t, 0.5, cfg.Fetch.RateLimitRPS, 1e-9)
	assert.InDelta(t, 5.0, cfg.Fetch.HostRPS()["example.com"], 1e-9)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 5, cfg.Browser.LockRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Browser.AuthPollInterval)
	assert.Equal(t, time.Second, cfg.Browser.PingTimeout)
	assert.Equal(t, 6, cfg.Enrich.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Enrich.RetryBaseDelay)
	assert.Equal(t, "feeds", cfg.Storage.GCSBucket)
	require.Len(t, cfg.Sources.Pages, 1)
	page := cfg.Sources.Pages[0]
	assert.Equal(t, "news", page.ID)
	assert.Equal(t, "article a", page.LinkSelector)
	require.NotNil(t, page.Auth)
	assert.Equal(t, "https://news.example.com/login", page.Auth.LoginURL)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PAGEFEED_SERVER_PORT", "7070")
	t.Setenv("PAGEFEED_ENRICH_CONCURRENCY", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 9, cfg.Enrich.Concurrency)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"empty cache dir", func(c *Config) { c.Cache.Dir = " " }, "cache.dir"},
		{"unknown window", func(c *Config) { c.Cache.DefaultWindow = "2h" }, "cache.default_window"},
		{"invalid concurrency", func(c *Config) { c.Enrich.Concurrency = 0 }, "enrich.concurrency"},
		{"negative retries", func(c *Config) { c.Enrich.MaxRetries = -1 }, "enrich.max_retries"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"host limit without host", func(c *Config) {
			c.Fetch.HostLimits = []HostLimit{{RPS: 1}}
		}, "fetch.host_limits[0].host"},
		{"negative auth poll", func(c *Config) { c.Browser.AuthPollInterval = -time.Second }, "browser.auth_poll_interval"},
		{"half pubsub", func(c *Config) { c.PubSub.ProjectID = "p" }, "pubsub"},
		{"page without pattern", func(c *Config) {
			c.Sources.Pages = []PageSourceConfig{{ID: "x"}}
		}, "pattern or regexp"},
		{"bad page id", func(c *Config) {
			c.Sources.Pages = []PageSourceConfig{{ID: "Bad ID", Pattern: "https://"}}
		}, "sources.pages[0].id"},
		{"duplicate page id", func(c *Config) {
			c.Sources.Pages = []PageSourceConfig{{ID: "rss", Pattern: "https://"}}
		}, "duplicate"},
		{"bad page regexp", func(c *Config) {
			c.Sources.Pages = []PageSourceConfig{{ID: "x", Regexp: "("}}
		}, "regexp"},
		{"render without browser", func(c *Config) {
			c.Browser.Enabled = false
			c.Sources.Pages = []PageSourceConfig{{ID: "x", Pattern: "https://", Render: true}}
		}, "browser.enabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, errors.Is(err, feed.ErrConfiguration))
		})
	}
}
