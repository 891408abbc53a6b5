// Package config loads and validates marmelspade configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/marmelspade/internal/crawler"
	"github.com/JakeFAU/marmelspade/internal/indexsync"
)

// EnvPrefix prefixes every environment override, e.g. MARMELSPADE_SEARCH_MASTER_KEY.
const EnvPrefix = "MARMELSPADE"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Search  SearchConfig  `mapstructure:"search"`
	Harvest HarvestConfig `mapstructure:"harvest"`
	Archive ArchiveConfig `mapstructure:"archive"`
	History HistoryConfig `mapstructure:"history"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the search gateway.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	// RateLimitRPS is the per-client request rate. Zero disables limiting.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// SearchConfig describes the Meilisearch instance and index.
type SearchConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Scheme           string        `mapstructure:"scheme"`
	MasterKey        string        `mapstructure:"master_key"`
	SearchKey        string        `mapstructure:"search_key"`
	IndexName        string        `mapstructure:"index_name"`
	Strategy         string        `mapstructure:"strategy"`
	SettleInterval   time.Duration `mapstructure:"settle_interval"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	TaskPollInterval time.Duration `mapstructure:"task_poll_interval"`
}

// URL renders the engine base URL.
func (s SearchConfig) URL() string {
	u := url.URL{Scheme: s.Scheme, Host: net.JoinHostPort(s.Host, strconv.Itoa(s.Port))}
	return u.String()
}

// HarvestConfig governs the crawl of the inventory API.
type HarvestConfig struct {
	APIBase              string         `mapstructure:"api_base"`
	AssetBase            string         `mapstructure:"asset_base"`
	AssetExtensions      []string       `mapstructure:"asset_extensions"`
	InventoryPaths       []crawler.Root `mapstructure:"inventory_paths"`
	PathSeparator        string         `mapstructure:"path_separator"`
	UserAgent            string         `mapstructure:"user_agent"`
	AuthUser             string         `mapstructure:"auth_user"`
	AuthToken            string         `mapstructure:"auth_token"`
	RequestTimeout       time.Duration  `mapstructure:"request_timeout"`
	RequestsPerSecond    float64        `mapstructure:"requests_per_second"`
	MaxAttempts          int            `mapstructure:"max_attempts"`
	BackoffInitial       time.Duration  `mapstructure:"backoff_initial"`
	BackoffMax           time.Duration  `mapstructure:"backoff_max"`
	RootWorkers          int            `mapstructure:"root_workers"`
	MaxFrontier          int            `mapstructure:"max_frontier"`
	DropFields           []string       `mapstructure:"drop_fields"`
	DuplicateReportLimit int            `mapstructure:"duplicate_report_limit"`
}

// Archive providers.
const (
	ArchiveNone   = "none"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
	ArchiveMemory = "memory"
)

// ArchiveConfig selects where harvested batches are written.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// HistoryConfig controls the run history database. An empty DSN disables it.
type HistoryConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Enabled reports whether run history is persisted.
func (h HistoryConfig) Enabled() bool {
	return strings.TrimSpace(h.DSN) != ""
}

// Notify providers.
const (
	NotifyNone   = "none"
	NotifyMemory = "memory"
	NotifyPubSub = "pubsub"
)

// NotifyConfig selects where completion notices go.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from the JSON file at path and the environment. A
// missing path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	index, err := SanitizeIndexName(cfg.Search.IndexName)
	if err != nil {
		return Config{}, err
	}
	cfg.Search.IndexName = index

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.request_timeout", "10s")
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 20)

	v.SetDefault("search.host", "localhost")
	v.SetDefault("search.port", 7700)
	v.SetDefault("search.scheme", "http")
	v.SetDefault("search.index_name", "inventory")
	v.SetDefault("search.strategy", string(indexsync.StrategySwap))
	v.SetDefault("search.settle_interval", "0s")
	v.SetDefault("search.task_timeout", "5m")
	v.SetDefault("search.task_poll_interval", "50ms")

	v.SetDefault("harvest.api_base", "https://api.resonite.com")
	v.SetDefault("harvest.asset_base", crawler.DefaultAssetBase)
	v.SetDefault("harvest.asset_extensions", []string{".webp"})
	v.SetDefault("harvest.path_separator", crawler.DefaultSeparator)
	v.SetDefault("harvest.user_agent", "marmelspade/0.1")
	v.SetDefault("harvest.auth_user", "")
	v.SetDefault("harvest.auth_token", "")
	v.SetDefault("harvest.request_timeout", "30s")
	v.SetDefault("harvest.requests_per_second", 2)
	v.SetDefault("harvest.max_attempts", 3)
	v.SetDefault("harvest.backoff_initial", "500ms")
	v.SetDefault("harvest.backoff_max", "10s")
	v.SetDefault("harvest.root_workers", 1)
	v.SetDefault("harvest.max_frontier", 0)
	v.SetDefault("harvest.drop_fields", []string{})
	v.SetDefault("harvest.duplicate_report_limit", 20)

	v.SetDefault("archive.provider", ArchiveNone)
	v.SetDefault("archive.prefix", "harvests")

	v.SetDefault("history.max_conns", 4)

	v.SetDefault("notify.provider", NotifyNone)

	v.SetDefault("logging.development", false)
}

var indexNameDisallowed = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeIndexName strips characters the engine does not accept in an index
// uid. An empty result is an error.
func SanitizeIndexName(name string) (string, error) {
	clean := indexNameDisallowed.ReplaceAllString(name, "")
	if clean == "" {
		return "", fmt.Errorf("search.index_name %q has no valid characters", name)
	}
	return clean, nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be in 1..65535"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be > 0"))
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, errors.New("server.rate_limit_rps must be >= 0"))
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("server.rate_limit_burst must be > 0 when rate limiting"))
	}
	if c.Search.Port <= 0 || c.Search.Port > 65535 {
		errs = append(errs, errors.New("search.port must be in 1..65535"))
	}
	if c.Search.Scheme != "http" && c.Search.Scheme != "https" {
		errs = append(errs, errors.New("search.scheme must be http or https"))
	}
	if _, err := indexsync.ParseStrategy(c.Search.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("search.strategy: %w", err))
	}
	if c.Search.SettleInterval < 0 {
		errs = append(errs, errors.New("search.settle_interval must be >= 0"))
	}
	if (c.Harvest.AuthUser == "") != (c.Harvest.AuthToken == "") {
		errs = append(errs, errors.New("harvest.auth_user and harvest.auth_token must be set together"))
	}
	if c.Harvest.RequestTimeout <= 0 {
		errs = append(errs, errors.New("harvest.request_timeout must be > 0"))
	}
	if c.Harvest.MaxAttempts <= 0 {
		errs = append(errs, errors.New("harvest.max_attempts must be > 0"))
	}
	if c.Harvest.RootWorkers <= 0 {
		errs = append(errs, errors.New("harvest.root_workers must be > 0"))
	}
	if c.Harvest.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("harvest.requests_per_second must be >= 0"))
	}
	for i, root := range c.Harvest.InventoryPaths {
		if root.OwnerID == "" {
			errs = append(errs, fmt.Errorf("harvest.inventory_paths[%d].owner_id is required", i))
		}
	}
	switch c.Archive.Provider {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			errs = append(errs, errors.New("archive.base_dir is required for the local provider"))
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			errs = append(errs, errors.New("archive.gcs_bucket is required for the gcs provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.provider %q is not supported", c.Archive.Provider))
	}
	switch c.Notify.Provider {
	case NotifyNone:
	case NotifyMemory:
		if c.Notify.Topic == "" {
			errs = append(errs, errors.New("notify.topic is required when notifications are enabled"))
		}
	case NotifyPubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			errs = append(errs, errors.New("notify.project_id and notify.topic are required for pubsub"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.provider %q is not supported", c.Notify.Provider))
	}
	return errors.Join(errs...)
}

// ValidateHarvest checks the settings only the harvest command needs. The
// master key is only required when a real engine will be synchronized.
func (c Config) ValidateHarvest(needsEngine bool) error {
	if len(c.Harvest.InventoryPaths) == 0 {
		return errors.New("harvest.inventory_paths must list at least one root")
	}
	if needsEngine && c.Search.MasterKey == "" {
		return errors.New("search.master_key is required to synchronize the index")
	}
	return nil
}

// ValidateServe checks the settings only the gateway needs.
func (c Config) ValidateServe() error {
	if c.Search.SearchKey == "" {
		return errors.New("search.search_key is required; run rotate-key first")
	}
	return nil
}
