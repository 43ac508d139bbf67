package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr      string `mapstructure:"addr"`
		LogLevel  string `mapstructure:"log_level"`
		LogFormat string `mapstructure:"log_format"`
	} `mapstructure:"server"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
		Migrate      bool   `mapstructure:"migrate"`
	} `mapstructure:"postgres"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`

	Redis struct {
		Addr       string `mapstructure:"addr"`
		Password   string `mapstructure:"password"`
		DB         int    `mapstructure:"db"`
		Prefix     string `mapstructure:"prefix"`
		TTLSeconds int    `mapstructure:"ttl_seconds"`
	} `mapstructure:"redis"`

	// Browser points at a Chrome DevTools endpoint. Empty ControlURL runs
	// against an in-memory page.
	Browser struct {
		ControlURL string `mapstructure:"control_url"`
		PageURL    string `mapstructure:"page_url"`
	} `mapstructure:"browser"`

	Scheduler struct {
		TickMS          int `mapstructure:"tick_ms"`
		MaxItemsPerTick int `mapstructure:"max_items_per_tick"`
	} `mapstructure:"scheduler"`

	Watcher struct {
		RetryMS              int `mapstructure:"retry_ms"`
		MaxRetries           int `mapstructure:"max_retries"`
		TargetMissingSeconds int `mapstructure:"target_missing_seconds"`
	} `mapstructure:"watcher"`

	Session struct {
		ExpiryHours int `mapstructure:"expiry_hours"`
	} `mapstructure:"session"`

	Transport struct {
		EventsPerSecond int `mapstructure:"events_per_second"`
		Backlog         int `mapstructure:"backlog"`
	} `mapstructure:"transport"`

	// Content.FixturePath seeds the in-memory server when no database is
	// configured.
	Content struct {
		FixturePath string `mapstructure:"fixture_path"`
	} `mapstructure:"content"`

	Identity struct {
		UserID string `mapstructure:"user_id"`
	} `mapstructure:"identity"`
}

var keys = []string{
	"server.addr", "server.log_level", "server.log_format",
	"postgres.host", "postgres.port", "postgres.user", "postgres.password",
	"postgres.db_name", "postgres.ssl_mode", "postgres.max_open_conns",
	"postgres.max_idle_conns", "postgres.migrate",
	"listener.channel", "listener.reconnect_seconds",
	"redis.addr", "redis.password", "redis.db", "redis.prefix", "redis.ttl_seconds",
	"browser.control_url", "browser.page_url",
	"scheduler.tick_ms", "scheduler.max_items_per_tick",
	"watcher.retry_ms", "watcher.max_retries", "watcher.target_missing_seconds",
	"session.expiry_hours",
	"transport.events_per_second", "transport.backlog",
	"content.fixture_path",
	"identity.user_id",
}

func Load() Config {
	cfg, err := LoadFrom("configs")
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadFrom reads application.yaml from dir, then applies APP_ env overrides
// (APP_POSTGRES_HOST for postgres.host and so on).
func LoadFrom(dir string) (Config, error) {
	v := viper.New()
	v.SetConfigName("application")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	_ = v.ReadInConfig() // optional; env can fully configure

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	validate(&cfg)
	return cfg, nil
}

func validate(c *Config) {
	if c.Server.Addr == "" { c.Server.Addr = ":8080" }
	if c.Server.LogFormat == "" { c.Server.LogFormat = "console" }
	if c.Postgres.Port == 0 { c.Postgres.Port = 5432 }
	if c.Postgres.SSLMode == "" { c.Postgres.SSLMode = "disable" }
	if c.Postgres.MaxOpenConns == 0 { c.Postgres.MaxOpenConns = 10 }
	if c.Postgres.MaxIdleConns == 0 { c.Postgres.MaxIdleConns = 10 }
	if c.Listener.ReconnectSeconds <= 0 { c.Listener.ReconnectSeconds = 5 }
	if c.Redis.Prefix == "" { c.Redis.Prefix = "guidance:" }
	if c.Browser.PageURL == "" { c.Browser.PageURL = "about:blank" }
	if c.Scheduler.TickMS <= 0 { c.Scheduler.TickMS = 16 }
	if c.Scheduler.MaxItemsPerTick <= 0 { c.Scheduler.MaxItemsPerTick = 64 }
	if c.Watcher.RetryMS <= 0 { c.Watcher.RetryMS = 200 }
	if c.Watcher.MaxRetries <= 0 { c.Watcher.MaxRetries = 30 }
	if c.Watcher.TargetMissingSeconds <= 0 { c.Watcher.TargetMissingSeconds = 6 }
	if c.Session.ExpiryHours < 0 { c.Session.ExpiryHours = 0 }
	if c.Transport.EventsPerSecond <= 0 { c.Transport.EventsPerSecond = 20 }
	if c.Transport.Backlog <= 0 { c.Transport.Backlog = 1024 }
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

func (c Config) Backoff() time.Duration { return time.Duration(c.Listener.ReconnectSeconds) * time.Second }

func (c Config) TickInterval() time.Duration { return time.Duration(c.Scheduler.TickMS) * time.Millisecond }

func (c Config) RetryInterval() time.Duration { return time.Duration(c.Watcher.RetryMS) * time.Millisecond }

func (c Config) TargetMissing() time.Duration {
	return time.Duration(c.Watcher.TargetMissingSeconds) * time.Second
}

// SessionExpiry is zero when sessions never expire.
func (c Config) SessionExpiry() time.Duration { return time.Duration(c.Session.ExpiryHours) * time.Hour }

func (c Config) RedisTTL() time.Duration { return time.Duration(c.Redis.TTLSeconds) * time.Second }

// UsePostgres reports whether a database is configured.
func (c Config) UsePostgres() bool { return c.Postgres.Host != "" }

// UseRedis reports whether a Redis server is configured.
func (c Config) UseRedis() bool { return c.Redis.Addr != "" }
