// Package config loads opsgate settings from config/config.yaml and the
// environment. Environment variables win over the file.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Config holds every setting of the process
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	History   HistoryConfig   `mapstructure:"history"`
	NATS      NATSConfig      `mapstructure:"nats"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	Version         string        `mapstructure:"version"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AuthConfig struct {
	JWTSecret         string `mapstructure:"jwt_secret"`
	AdminEmail        string `mapstructure:"admin_email"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
}

type RateLimitConfig struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

type WebhookConfig struct {
	Secret       string        `mapstructure:"secret"`
	ReplayWindow time.Duration `mapstructure:"replay_window"`
	FixerTimeout time.Duration `mapstructure:"fixer_timeout"`
}

type SchedulerConfig struct {
	Tick           time.Duration `mapstructure:"tick"`
	AllowShellJobs bool          `mapstructure:"allow_shell_jobs"`
	FilesDir       string        `mapstructure:"files_dir"`
}

// HistoryConfig selects the execution log. An empty DB keeps history in
// memory only.
type HistoryConfig struct {
	DB        string        `mapstructure:"db"`
	Capacity  int           `mapstructure:"capacity"`
	Retention time.Duration `mapstructure:"retention"`
}

// NATSConfig enables event publishing when URL is set
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// GitHubConfig enables real pull requests when Token is set
type GitHubConfig struct {
	Token             string  `mapstructure:"token"`
	APIURL            string  `mapstructure:"api_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type MonitorConfig struct {
	DockerEnabled bool `mapstructure:"docker_enabled"`
}

// envBindings maps config keys to the environment variables that override them
var envBindings = map[string]string{
	"server.port":                "PORT",
	"server.env":                 "NODE_ENV",
	"server.version":             "APP_VERSION",
	"server.cors_origin":         "CORS_ORIGIN",
	"server.shutdown_timeout":    "SHUTDOWN_TIMEOUT",
	"log.level":                  "LOG_LEVEL",
	"auth.jwt_secret":            "JWT_SECRET",
	"auth.admin_email":           "ADMIN_EMAIL",
	"auth.admin_password_hash":   "ADMIN_PASSWORD_HASH",
	"rate_limit.max":             "API_RATE_LIMIT",
	"rate_limit.window":          "API_RATE_WINDOW",
	"webhook.secret":             "WEBHOOK_SECRET",
	"scheduler.tick":             "SCHEDULER_TICK",
	"scheduler.allow_shell_jobs": "ALLOW_SHELL_JOBS",
	"scheduler.files_dir":        "FILE_JOBS_DIR",
	"history.db":                 "HISTORY_DB",
	"history.retention":          "HISTORY_RETENTION",
	"nats.url":                   "NATS_URL",
	"github.token":               "GITHUB_TOKEN",
	"github.api_url":             "GITHUB_API_URL",
	"monitor.docker_enabled":     "DOCKER_HEALTH",
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.version", "dev")
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("rate_limit.max", 100)
	v.SetDefault("rate_limit.window", 15*time.Minute)

	v.SetDefault("webhook.replay_window", 5*time.Minute)
	v.SetDefault("webhook.fixer_timeout", 30*time.Second)

	v.SetDefault("scheduler.tick", time.Second)
	v.SetDefault("scheduler.allow_shell_jobs", false)

	v.SetDefault("history.capacity", 10000)
	v.SetDefault("history.retention", 30*24*time.Hour)

	v.SetDefault("nats.name", "opsgate")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.requests_per_second", 1.3)

	v.SetDefault("monitor.docker_enabled", false)
}

// Load reads config.yaml from dir (when present) and applies environment
// overrides. A missing file is not an error.
func Load(dir string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "failed to bind %s", env)
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper decodes and validates configuration from a prepared viper
// instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the process cannot start with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("invalid port %d", c.Server.Port)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf("invalid log level %q", c.Log.Level)
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	if c.Scheduler.Tick <= 0 {
		return errors.New("scheduler tick must be positive")
	}
	if c.History.Capacity <= 0 {
		return errors.New("history capacity must be positive")
	}
	return nil
}

// IsProduction reports whether error details must be hidden from clients
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}
