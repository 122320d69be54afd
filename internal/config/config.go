// Package config loads and validates monitor configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata" // change.timezone must resolve on hosts without zoneinfo

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/utility-tariff-monitor/internal/reconcile"
)

// Ledger backends.
const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Selection providers.
const (
	SelectorAnthropic = "anthropic"
	SelectorKeyword   = "keyword"
)

// Storage and publisher providers. ProviderNone disables the side effect.
const (
	ProviderNone   = "none"
	ProviderMemory = "memory"
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
	ProviderPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Seeds     []reconcile.Seed `mapstructure:"seeds"`
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Crawler   CrawlerConfig    `mapstructure:"crawler"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Headless  HeadlessConfig   `mapstructure:"headless"`
	Normalize NormalizeConfig  `mapstructure:"normalize"`
	Change    ChangeConfig     `mapstructure:"change"`
	Selector  SelectorConfig   `mapstructure:"selector"`
	Ledger    LedgerConfig     `mapstructure:"ledger"`
	Reconcile ReconcileConfig  `mapstructure:"reconcile"`
	Storage   StorageConfig    `mapstructure:"storage"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
}

// ServerConfig controls the long-running serve mode.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// Interval between scheduled runs.
	Interval       time.Duration `mapstructure:"interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	APIKey         string        `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs seed page discovery.
type CrawlerConfig struct {
	UserAgent     string `mapstructure:"user_agent"`
	RespectRobots bool   `mapstructure:"respect_robots"`
	LinkPattern   string `mapstructure:"link_pattern"`
	MaxLinks      int    `mapstructure:"max_links"`
	// Headless renders seed pages with Chrome before extracting links.
	Headless bool `mapstructure:"headless"`
	// HeadlessFallback renders only pages that look client-rendered.
	HeadlessFallback bool `mapstructure:"headless_fallback"`
}

// HTTPConfig bounds every outbound request.
type HTTPConfig struct {
	PageTimeout      time.Duration `mapstructure:"page_timeout"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	MaxDocumentBytes int           `mapstructure:"max_document_bytes"`
	RatePerHost      float64       `mapstructure:"rate_per_host"`
	Burst            int           `mapstructure:"burst"`
}

// FetchConfig controls which fetched bodies count as documents.
type FetchConfig struct {
	AcceptedContentTypes []string `mapstructure:"accepted_content_types"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	MaxParallel   int           `mapstructure:"max_parallel"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	SettleTimeout time.Duration `mapstructure:"settle"`
	// PromotionThreshold and Markers tune the client-rendered page detector.
	PromotionThreshold int      `mapstructure:"promotion_threshold"`
	Markers            []string `mapstructure:"markers"`
}

// NormalizeConfig controls candidate URL canonicalization.
type NormalizeConfig struct {
	VolatileParams []string `mapstructure:"volatile_params"`
	Schemes        []string `mapstructure:"schemes"`
}

// ChangeConfig tunes the metadata probe tier.
type ChangeConfig struct {
	ProbeEnabled bool   `mapstructure:"probe_enabled"`
	Timezone     string `mapstructure:"timezone"`
}

// SelectorConfig picks and tunes the selection oracle.
type SelectorConfig struct {
	Provider   string         `mapstructure:"provider"`
	Target     string         `mapstructure:"target"`
	MaxChoices int            `mapstructure:"max_choices"`
	Model      string         `mapstructure:"model"`
	MaxTokens  int64          `mapstructure:"max_tokens"`
	Timeout    time.Duration  `mapstructure:"timeout"`
	APIKey     string         `mapstructure:"api_key"`
	BaseURL    string         `mapstructure:"base_url"`
	Keywords   map[string]int `mapstructure:"keywords"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Provider string `mapstructure:"provider"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ReconcileConfig toggles batch-level behavior of the driver.
type ReconcileConfig struct {
	RetireUnmatched bool `mapstructure:"retire_unmatched"`
}

// StorageConfig sets where fetched documents are archived.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds change-notification settings.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig controls metric export for one-shot runs.
type MetricsConfig struct {
	// TextfilePath, when set, receives the registry after each run.
	TextfilePath string `mapstructure:"textfile_path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TARIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("selector.api_key", "TARIFF_SELECTOR_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind api key env: %w", err)
	}

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
	v.SetDefault("server.interval", "24h")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.user_agent", "utility-tariff-monitor/1.0")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.link_pattern", `(?i)\.pdf`)
	v.SetDefault("crawler.max_links", 0)
	v.SetDefault("crawler.headless", false)
	v.SetDefault("crawler.headless_fallback", false)
	v.SetDefault("http.page_timeout", "30s")
	v.SetDefault("http.probe_timeout", "15s")
	v.SetDefault("http.fetch_timeout", "60s")
	v.SetDefault("http.max_document_bytes", 50<<20)
	v.SetDefault("http.rate_per_host", 1.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("fetch.accepted_content_types", reconcile.DefaultAcceptedContentTypes)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "30s")
	v.SetDefault("headless.settle", "500ms")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.markers", []string{})
	v.SetDefault("change.probe_enabled", true)
	v.SetDefault("change.timezone", "UTC")
	v.SetDefault("selector.provider", SelectorAnthropic)
	v.SetDefault("selector.target", "Electric Utility Commercial Tariff Rates")
	v.SetDefault("selector.max_choices", 1)
	v.SetDefault("selector.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("selector.max_tokens", 512)
	v.SetDefault("selector.timeout", "60s")
	v.SetDefault("selector.base_url", "")
	v.SetDefault("ledger.provider", LedgerSQLite)
	v.SetDefault("ledger.dsn", "tariff_monitor.db")
	v.SetDefault("ledger.table", "tariff_documents")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("ledger.min_conns", 0)
	v.SetDefault("ledger.max_conn_lifetime", "30m")
	v.SetDefault("reconcile.retire_unmatched", true)
	v.SetDefault("storage.provider", ProviderNone)
	v.SetDefault("storage.prefix", "tariffs")
	v.SetDefault("storage.local_dir", "archive")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("pubsub.provider", ProviderNone)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "tariff-changes")
	v.SetDefault("metrics.textfile_path", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.Interval <= 0 {
		return fmt.Errorf("server.interval must be > 0")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.HTTP.PageTimeout <= 0 || c.HTTP.ProbeTimeout <= 0 || c.HTTP.FetchTimeout <= 0 {
		return fmt.Errorf("http.page_timeout, http.probe_timeout and http.fetch_timeout must be > 0")
	}
	if len(c.Fetch.AcceptedContentTypes) == 0 {
		return fmt.Errorf("fetch.accepted_content_types must not be empty")
	}
	if (c.Crawler.Headless || c.Crawler.HeadlessFallback) && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless rendering is enabled")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Selector.Provider {
	case SelectorAnthropic, SelectorKeyword:
	default:
		return fmt.Errorf("selector.provider must be %q or %q, got %q", SelectorAnthropic, SelectorKeyword, c.Selector.Provider)
	}
	switch c.Ledger.Provider {
	case LedgerSQLite, LedgerPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the %s ledger", c.Ledger.Provider)
		}
	case LedgerMemory:
	default:
		return fmt.Errorf("unknown ledger.provider %q", c.Ledger.Provider)
	}
	switch c.Storage.Provider {
	case ProviderNone, ProviderMemory:
	case ProviderLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for local storage")
		}
	case ProviderGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	switch c.PubSub.Provider {
	case ProviderNone:
	case ProviderMemory, ProviderPubSub:
		if c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.topic_name is required")
		}
		if c.PubSub.Provider == ProviderPubSub && c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required for the pubsub publisher")
		}
	default:
		return fmt.Errorf("unknown pubsub.provider %q", c.PubSub.Provider)
	}
	for i, s := range c.Seeds {
		if err := validateSeed(s); err != nil {
			return fmt.Errorf("seeds[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateRun adds the checks that only matter when reconciling.
func (c Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Seeds) == 0 {
		return fmt.Errorf("at least one seed is required")
	}
	if c.Selector.Provider == SelectorAnthropic && c.Selector.APIKey == "" {
		return fmt.Errorf("selector.api_key (or ANTHROPIC_API_KEY) is required for the anthropic selector")
	}
	return nil
}

// Location resolves change.timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Change.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Change.Timezone)
	if err != nil {
		return nil, fmt.Errorf("change.timezone: %w", err)
	}
	return loc, nil
}

// LogLevel returns the parsed logging.level, defaulting to info.
func (c Config) LogLevel() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func validateSeed(s reconcile.Seed) error {
	u, err := url.Parse(strings.TrimSpace(s.URL))
	if err != nil {
		return fmt.Errorf("parse url %q: %w", s.URL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be an absolute http(s) URL", s.URL)
	}
	return nil
}
