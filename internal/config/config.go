package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Server   ServerConfig   `mapstructure:"server"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
}

// UpstreamConfig describes the Aurora analysis backend the gateway
// proxies to.
type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	IdentityHeader string `mapstructure:"identity_header"`
	Timeout        string `mapstructure:"timeout"`
}

type ServerConfig struct {
	Listen     string `mapstructure:"listen"`
	ReadOnly   bool   `mapstructure:"read_only"`
	APIToken   string `mapstructure:"api_token"`
	CORSOrigin string `mapstructure:"cors_origin"`
}

type RefreshConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

// StreamConfig bounds the reconnect backoff for live update streams.
type StreamConfig struct {
	BackoffMin string `mapstructure:"backoff_min"`
	BackoffMax string `mapstructure:"backoff_max"`
}

type CacheConfig struct {
	Backend string      `mapstructure:"backend"`
	TTL     string      `mapstructure:"ttl"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ArchiveConfig struct {
	Path string `mapstructure:"path"`
}

type AlertsConfig struct {
	Webhook WebhookConfig `mapstructure:"webhook"`
	Stdout  StdoutConfig  `mapstructure:"stdout"`
}

type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type StdoutConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads the configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".aurora"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("aurora")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AURORA")
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("upstream.base_url", "http://localhost:9090")
	viper.SetDefault("upstream.identity_header", "X-Aurora-User")
	viper.SetDefault("upstream.timeout", "15s")
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.read_only", false)
	viper.SetDefault("refresh.enabled", true)
	viper.SetDefault("refresh.interval", "30s")
	viper.SetDefault("stream.backoff_min", "1s")
	viper.SetDefault("stream.backoff_max", "30s")
	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("cache.ttl", "15s")
	viper.SetDefault("cache.redis.addr", "localhost:6379")
	viper.SetDefault("alerts.stdout.enabled", true)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Duration parses the named duration field, falling back to def when
// the value is empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
