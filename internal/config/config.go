// Package config loads and validates pagefeed configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/pagefeed/internal/cachekey"
	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/logging"
)

// EnvPrefix namespaces environment overrides, e.g. PAGEFEED_SERVER_PORT.
const EnvPrefix = "PAGEFEED"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  logging.Config `mapstructure:"logging"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Enrich   EnrichConfig   `mapstructure:"enrich"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Sources  SourcesConfig  `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CacheConfig locates the cache root and sets default windows.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
	// DefaultWindow applies to feeds whose source declares none.
	DefaultWindow string `mapstructure:"default_window"`
	// FetchWindow buckets cached page fetches.
	FetchWindow string        `mapstructure:"fetch_window"`
	FetchMaxAge time.Duration `mapstructure:"fetch_max_age"`
}

// FetchConfig configures static fetches and per-host rate limits.
type FetchConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	AcceptLanguage string        `mapstructure:"accept_language"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// HostLimits is a list because viper splits map keys on dots.
	HostLimits []HostLimit `mapstructure:"host_limits"`
}

// HostLimit overrides the request rate for one host.
type HostLimit struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HostRPS returns the overrides keyed by lowercase host.
func (f FetchConfig) HostRPS() map[string]float64 {
	out := make(map[string]float64, len(f.HostLimits))
	for _, l := range f.HostLimits {
		out[strings.ToLower(l.Host)] = l.RPS
	}
	return out
}

// BrowserConfig configures the shared browser instance.
type BrowserConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	ProfileDir        string        `mapstructure:"profile_dir"`
	Proxy             string        `mapstructure:"proxy"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	LockRetries       int           `mapstructure:"lock_retries"`
	LockRetryDelay    time.Duration `mapstructure:"lock_retry_delay"`
	ReapGrace         time.Duration `mapstructure:"reap_grace"`
	PingTimeout       time.Duration `mapstructure:"ping_timeout"`
	AuthTimeout       time.Duration `mapstructure:"auth_timeout"`
	AuthPollInterval  time.Duration `mapstructure:"auth_poll_interval"`
}

// EnrichConfig configures the enrichment pool.
type EnrichConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	ItemTimeout    time.Duration `mapstructure:"item_timeout"`
	MaxTasks       int           `mapstructure:"max_tasks"`
}

// FeedConfig tunes feed generation.
type FeedConfig struct {
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"`
	MaxEntries      int           `mapstructure:"max_entries"`
}

// StorageConfig selects the blob backend for cache records, snapshots, and
// item files.
type StorageConfig struct {
	// Backend is one of local, gcs, memory.
	Backend    string `mapstructure:"backend"`
	GCSBucket  string `mapstructure:"gcs_bucket"`
	ItemPrefix string `mapstructure:"item_prefix"`
	// WriteItems enables the JSON item sink on the blob backend.
	WriteItems bool `mapstructure:"write_items"`
}

// PostgresConfig enables the Postgres item sink when DSN is set.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SQLiteConfig enables the SQLite item sink when Path is set.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PubSubConfig enables item notifications when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SourcesConfig declares the adapters to register.
type SourcesConfig struct {
	RSS   RSSSourceConfig    `mapstructure:"rss"`
	Pages []PageSourceConfig `mapstructure:"pages"`
}

// RSSSourceConfig configures the feed-reading adapter.
type RSSSourceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Regexp  string `mapstructure:"regexp"`
	Refresh string `mapstructure:"refresh"`
	Proxy   string `mapstructure:"proxy"`
	Limit   int    `mapstructure:"limit"`
	Render  bool   `mapstructure:"render"`
}

// PageSourceConfig configures one listing-page adapter.
type PageSourceConfig struct {
	ID           string          `mapstructure:"id"`
	Pattern      string          `mapstructure:"pattern"`
	Regexp       string          `mapstructure:"regexp"`
	Refresh      string          `mapstructure:"refresh"`
	Proxy        string          `mapstructure:"proxy"`
	Render       bool            `mapstructure:"render"`
	LinkSelector string          `mapstructure:"link_selector"`
	SameHost     bool            `mapstructure:"same_host"`
	Limit        int             `mapstructure:"limit"`
	Auth         *AuthFlowConfig `mapstructure:"auth"`
}

// AuthFlowConfig describes how to verify and obtain a site login.
type AuthFlowConfig struct {
	LoginURL    string `mapstructure:"login_url"`
	CheckScript string `mapstructure:"check_script"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("cache.dir", ".pagefeed")
	v.SetDefault("cache.default_window", string(cachekey.DefaultWindow))
	v.SetDefault("cache.fetch_window", string(cachekey.Window10Min))
	v.SetDefault("cache.fetch_max_age", "0s")
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetch.accept_language", "en-US,en;q=0.9")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.rate_limit_rps", 1.0)
	v.SetDefault("fetch.rate_limit_burst", 2)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.lock_retries", 3)
	v.SetDefault("browser.lock_retry_delay", "500ms")
	v.SetDefault("browser.reap_grace", "3s")
	v.SetDefault("browser.ping_timeout", "3s")
	v.SetDefault("browser.auth_timeout", "5m")
	v.SetDefault("browser.auth_poll_interval", "2s")
	v.SetDefault("enrich.concurrency", 3)
	v.SetDefault("enrich.max_retries", 2)
	v.SetDefault("enrich.retry_base_delay", "0s")
	v.SetDefault("enrich.retry_max_delay", "1m")
	v.SetDefault("enrich.item_timeout", "2m")
	v.SetDefault("enrich.max_tasks", 100)
	v.SetDefault("feed.generate_timeout", "2m")
	v.SetDefault("feed.max_entries", 256)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.item_prefix", "items")
	v.SetDefault("storage.write_items", false)
	v.SetDefault("postgres.table", "feed_items")
	v.SetDefault("sources.rss.enabled", true)
}

var validSourceID = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate enforces required values and reasonable limits. Failures wrap
// feed.ErrConfiguration.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", feed.ErrConfiguration, err)
	}
	return nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		return fmt.Errorf("cache.dir is required")
	}
	for key, raw := range map[string]string{
		"cache.default_window": c.Cache.DefaultWindow,
		"cache.fetch_window":   c.Cache.FetchWindow,
		"sources.rss.refresh":  c.Sources.RSS.Refresh,
	} {
		if _, err := cachekey.ParseWindow(raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.Cache.FetchMaxAge < 0 {
		return fmt.Errorf("cache.fetch_max_age must be >= 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.RateLimitBurst < 0 {
		return fmt.Errorf("fetch.rate_limit_burst must be >= 0")
	}
	for i, l := range c.Fetch.HostLimits {
		if l.Host == "" {
			return fmt.Errorf("fetch.host_limits[%d].host is required", i)
		}
	}
	if c.Enrich.Concurrency <= 0 {
		return fmt.Errorf("enrich.concurrency must be > 0")
	}
	if c.Enrich.MaxRetries < 0 {
		return fmt.Errorf("enrich.max_retries must be >= 0")
	}
	if c.Enrich.MaxTasks <= 0 {
		return fmt.Errorf("enrich.max_tasks must be > 0")
	}
	if c.Browser.LockRetries < 0 {
		return fmt.Errorf("browser.lock_retries must be >= 0")
	}
	if c.Browser.PingTimeout < 0 || c.Browser.AuthPollInterval < 0 {
		return fmt.Errorf("browser.ping_timeout and browser.auth_poll_interval must be >= 0")
	}
	switch c.Storage.Backend {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be one of local, gcs, memory", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return c.validatePages()
}

func (c Config) validatePages() error {
	seen := map[string]bool{}
	if c.Sources.RSS.Enabled {
		seen["rss"] = true
	}
	for i, p := range c.Sources.Pages {
		if !validSourceID.MatchString(p.ID) {
			return fmt.Errorf("sources.pages[%d].id %q must be lowercase letters, digits, '-' or '_'", i, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("sources.pages[%d].id %q is a duplicate", i, p.ID)
		}
		seen[p.ID] = true
		if p.Pattern == "" && p.Regexp == "" {
			return fmt.Errorf("sources.pages[%d] needs pattern or regexp", i)
		}
		if p.Regexp != "" {
			if _, err := regexp.Compile(p.Regexp); err != nil {
				return fmt.Errorf("sources.pages[%d].regexp: %w", i, err)
			}
		}
		if _, err := cachekey.ParseWindow(p.Refresh); err != nil {
			return fmt.Errorf("sources.pages[%d].refresh: %w", i, err)
		}
		if p.Auth != nil && (p.Auth.LoginURL == "" || p.Auth.CheckScript == "") {
			return fmt.Errorf("sources.pages[%d].auth needs login_url and check_script", i)
		}
		if (p.Render || p.Auth != nil) && !c.Browser.Enabled {
			return fmt.Errorf("sources.pages[%d] needs browser.enabled", i)
		}
	}
	return nil
}

// Window returns raw as a Window. Callers must have validated it.
func Window(raw string) cachekey.Window {
	w, _ := cachekey.ParseWindow(raw)
	return w
}
