// Package config loads watchlistd settings from an optional config.yaml
// and the environment. Environment variables use flat upper-case names
// (HTTP_ADDR, BACKEND_BASE_URL, GATEWAY_JWT_SECRET, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// BackendConfig points at the REST backend serving auth, watchlist and
// questionnaire endpoints.
type BackendConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	LegacyProfilePaths bool          `mapstructure:"legacy_profile_paths"`
	CookieFile         string        `mapstructure:"cookie_file"`
}

type AniListConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	RedisURL  string        `mapstructure:"redis_url"`
}

// SessionConfig selects where the forced-logout marker lives.
type SessionConfig struct {
	MarkerPath  string `mapstructure:"marker_path"`
	MarkerScope string `mapstructure:"marker_scope"`
	RedisDSN    string `mapstructure:"redis_dsn"`
	DatabaseURL string `mapstructure:"database_url"`
}

type GatewayConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	EventsTokenTTL time.Duration `mapstructure:"events_token_ttl"`
	LoginRate      float64       `mapstructure:"login_rate"`
	LoginBurst     int           `mapstructure:"login_burst"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type JobsConfig struct {
	SessionProbeInterval     time.Duration `mapstructure:"session_probe_interval"`
	WatchlistRefreshInterval time.Duration `mapstructure:"watchlist_refresh_interval"`
}

type WatchlistConfig struct {
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

type AppConfig struct {
	ServiceName string          `mapstructure:"service_name"`
	Env         string          `mapstructure:"env"`
	LogLevel    string          `mapstructure:"log_level"`
	LogFormat   string          `mapstructure:"log_format"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	GRPC        GRPCConfig      `mapstructure:"grpc"`
	Backend     BackendConfig   `mapstructure:"backend"`
	AniList     AniListConfig   `mapstructure:"anilist"`
	Session     SessionConfig   `mapstructure:"session"`
	Gateway     GatewayConfig   `mapstructure:"gateway"`
	NATS        NATSConfig      `mapstructure:"nats"`
	Jobs        JobsConfig      `mapstructure:"jobs"`
	Watchlist   WatchlistConfig `mapstructure:"watchlist"`
}

// IsProd reports whether development fallbacks must be refused.
func (c AppConfig) IsProd() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "watchlistd")
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("backend.max_retries", 2)
	v.SetDefault("backend.legacy_profile_paths", false)
	v.SetDefault("backend.cookie_file", "")

	v.SetDefault("anilist.endpoint", "https://graphql.anilist.co")
	v.SetDefault("anilist.timeout", 10*time.Second)
	v.SetDefault("anilist.cache_size", 256)
	v.SetDefault("anilist.cache_ttl", 5*time.Minute)
	v.SetDefault("anilist.redis_url", "")

	v.SetDefault("session.marker_path", "")
	v.SetDefault("session.marker_scope", "default")
	v.SetDefault("session.redis_dsn", "")
	v.SetDefault("session.database_url", "")

	v.SetDefault("gateway.jwt_secret", "")
	v.SetDefault("gateway.token_ttl", 12*time.Hour)
	v.SetDefault("gateway.events_token_ttl", time.Minute)
	v.SetDefault("gateway.login_rate", 0.5)
	v.SetDefault("gateway.login_burst", 5)

	v.SetDefault("nats.url", "")

	v.SetDefault("jobs.session_probe_interval", 5*time.Minute)
	v.SetDefault("jobs.watchlist_refresh_interval", 15*time.Minute)

	v.SetDefault("watchlist.op_timeout", 15*time.Second)
}

func Load() (AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir := strings.TrimSpace(os.Getenv("WATCHLISTD_CONFIG_DIR")); dir != "" {
		v.AddConfigPath(dir)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return AppConfig{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalize() {
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	c.LogLevel = strings.TrimSpace(c.LogLevel)
	c.HTTP.Addr = strings.TrimSpace(c.HTTP.Addr)
	c.GRPC.Addr = strings.TrimSpace(c.GRPC.Addr)
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	c.AniList.Endpoint = strings.TrimSpace(c.AniList.Endpoint)
	c.Gateway.JWTSecret = strings.TrimSpace(c.Gateway.JWTSecret)
	c.NATS.URL = strings.TrimSpace(c.NATS.URL)
}

func (c AppConfig) validate() error {
	if c.ServiceName == "" {
		return errors.New("SERVICE_NAME is required")
	}
	if c.Backend.BaseURL == "" {
		return errors.New("BACKEND_BASE_URL is required")
	}
	if c.AniList.Endpoint == "" {
		return errors.New("ANILIST_ENDPOINT is required")
	}
	if c.Gateway.JWTSecret == "" {
		return errors.New("GATEWAY_JWT_SECRET is required")
	}
	if len(c.Gateway.JWTSecret) < 32 {
		return errors.New("GATEWAY_JWT_SECRET must be at least 32 bytes")
	}
	if c.Watchlist.OpTimeout <= 0 {
		return errors.New("WATCHLIST_OP_TIMEOUT must be positive")
	}
	return nil
}
