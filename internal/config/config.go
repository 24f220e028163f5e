// Package config loads storyforge configuration.
//
// Values come, in increasing precedence, from built-in defaults, the
// storyforge.yaml file and STORYFORGE_* environment variables (dots in a
// key become underscores: sync.max_retries is STORYFORGE_SYNC_MAX_RETRIES).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file name without extension.
const FileName = "storyforge"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STORYFORGE"

// Config holds the complete configuration.
type Config struct {
	// DataDir holds the database, legacy store and inbox unless their
	// paths are set explicitly.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	Legacy    LegacyConfig    `yaml:"legacy" mapstructure:"legacy"`
	Remote    RemoteConfig    `yaml:"remote" mapstructure:"remote"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Network   NetworkConfig   `yaml:"network" mapstructure:"network"`
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`
	Assets    AssetsConfig    `yaml:"assets" mapstructure:"assets"`
	Inbox     InboxConfig     `yaml:"inbox" mapstructure:"inbox"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// LegacyConfig locates the pre-offline flat project store.
type LegacyConfig struct {
	Path   string `yaml:"path" mapstructure:"path"`
	Backup bool   `yaml:"backup" mapstructure:"backup"`
}

// RemoteConfig configures the generation services.
type RemoteConfig struct {
	BaseURL    string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey     string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Decomposer string        `yaml:"decomposer" mapstructure:"decomposer"` // http or anthropic
}

// AnthropicConfig configures the Claude scene decomposer.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	Model  string `yaml:"model" mapstructure:"model"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	BaseBackoff     time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" mapstructure:"dispatch_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	Retention       time.Duration `yaml:"retention" mapstructure:"retention"`
}

// NetworkConfig configures reachability probing. An empty probe URL means
// always online.
type NetworkConfig struct {
	ProbeURL      string        `yaml:"probe_url" mapstructure:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
}

// DashboardConfig configures the live dashboard.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host" mapstructure:"host"`
	Port    int    `yaml:"port" mapstructure:"port"`
}

// AssetsConfig configures the optional MinIO media mirror.
type AssetsConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Endpoint  string        `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string        `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string        `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string        `yaml:"bucket" mapstructure:"bucket"`
	UseSSL    bool          `yaml:"use_ssl" mapstructure:"use_ssl"`
	URLExpiry time.Duration `yaml:"url_expiry" mapstructure:"url_expiry"`
}

// InboxConfig configures the legacy export inbox. An empty dir disables it.
type InboxConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// LogConfig configures the process log. An empty file logs to stderr only.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// Default returns the built-in configuration. Paths left empty are derived
// from DataDir by Load.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Legacy:  LegacyConfig{Backup: true},
		Remote: RemoteConfig{
			Timeout:    2 * time.Minute,
			Decomposer: "http",
		},
		Anthropic: AnthropicConfig{Model: "claude-sonnet-4-5"},
		Sync: SyncConfig{
			MaxRetries:      3,
			BaseBackoff:     2 * time.Second,
			MaxBackoff:      5 * time.Minute,
			DispatchTimeout: 2 * time.Minute,
			PollInterval:    5 * time.Second,
			SweepInterval:   time.Hour,
			Retention:       24 * time.Hour,
		},
		Network: NetworkConfig{ProbeInterval: 15 * time.Second},
		Dashboard: DashboardConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Assets: AssetsConfig{
			Bucket:    "storyforge",
			URLExpiry: 72 * time.Hour,
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".storyforge"
	}
	return filepath.Join(home, ".storyforge")
}

// setDefaults registers every key so environment overrides work for keys
// the file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", d.DBPath)

	v.SetDefault("legacy.path", d.Legacy.Path)
	v.SetDefault("legacy.backup", d.Legacy.Backup)

	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.decomposer", d.Remote.Decomposer)

	v.SetDefault("anthropic.api_key", d.Anthropic.APIKey)
	v.SetDefault("anthropic.model", d.Anthropic.Model)

	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.base_backoff", d.Sync.BaseBackoff)
	v.SetDefault("sync.max_backoff", d.Sync.MaxBackoff)
	v.SetDefault("sync.dispatch_timeout", d.Sync.DispatchTimeout)
	v.SetDefault("sync.poll_interval", d.Sync.PollInterval)
	v.SetDefault("sync.sweep_interval", d.Sync.SweepInterval)
	v.SetDefault("sync.retention", d.Sync.Retention)

	v.SetDefault("network.probe_url", d.Network.ProbeURL)
	v.SetDefault("network.probe_interval", d.Network.ProbeInterval)

	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.host", d.Dashboard.Host)
	v.SetDefault("dashboard.port", d.Dashboard.Port)

	v.SetDefault("assets.enabled", d.Assets.Enabled)
	v.SetDefault("assets.endpoint", d.Assets.Endpoint)
	v.SetDefault("assets.access_key", d.Assets.AccessKey)
	v.SetDefault("assets.secret_key", d.Assets.SecretKey)
	v.SetDefault("assets.bucket", d.Assets.Bucket)
	v.SetDefault("assets.use_ssl", d.Assets.UseSSL)
	v.SetDefault("assets.url_expiry", d.Assets.URLExpiry)

	v.SetDefault("inbox.dir", d.Inbox.Dir)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// Load reads configuration. configFile, when set, must exist; otherwise
// storyforge.yaml is looked up in $STORYFORGE_HOME, ~/.storyforge and the
// working directory, and a missing file is not an error. The returned path
// is the file used, or empty.
func Load(configFile string) (*Config, string, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
			v.AddConfigPath(dir)
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".storyforge"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, "", fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

// resolvePaths fills paths derived from DataDir.
func (c *Config) resolvePaths() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "storyforge.db")
	}
	if c.Legacy.Path == "" {
		c.Legacy.Path = filepath.Join(c.DataDir, "projects.json")
	}
}

// Validate checks values that would otherwise fail far from their source.
func (c *Config) Validate() error {
	var problems []string

	switch c.Remote.Decomposer {
	case "http", "anthropic":
	default:
		problems = append(problems, fmt.Sprintf("remote.decomposer must be http or anthropic (got %q)", c.Remote.Decomposer))
	}
	if c.Sync.MaxRetries < 0 {
		problems = append(problems, "sync.max_retries must be non-negative")
	}
	for key, d := range map[string]time.Duration{
		"sync.base_backoff":     c.Sync.BaseBackoff,
		"sync.max_backoff":      c.Sync.MaxBackoff,
		"sync.dispatch_timeout": c.Sync.DispatchTimeout,
		"sync.poll_interval":    c.Sync.PollInterval,
		"sync.sweep_interval":   c.Sync.SweepInterval,
		"sync.retention":        c.Sync.Retention,
	} {
		if d <= 0 {
			problems = append(problems, key+" must be positive")
		}
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 0 || c.Dashboard.Port > 65535) {
		problems = append(problems, fmt.Sprintf("dashboard.port out of range (got %d)", c.Dashboard.Port))
	}
	if c.Assets.Enabled && (c.Assets.Endpoint == "" || c.Assets.Bucket == "") {
		problems = append(problems, "assets.endpoint and assets.bucket are required when assets are enabled")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
