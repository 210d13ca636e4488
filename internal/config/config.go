// Package config loads dockerjobs configuration from defaults, an optional
// YAML file, DOCKERJOBS_* environment variables and bound command flags.
package config

import (
	"dockerjobs/internal/apperrors"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	EnvPrefix       = "DOCKERJOBS"
	configName      = "dockerjobs"
	systemConfigDir = "/etc/dockerjobs"
)

// Config is the full dockerjobs configuration.
type Config struct {
	Queue        string        `mapstructure:"queue"`
	Concurrency  int           `mapstructure:"concurrency"`
	EagerLogs    bool          `mapstructure:"eager_logs"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WorkerName   string        `mapstructure:"worker_name"`

	Docker DockerConfig `mapstructure:"docker"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`
	Events EventsConfig `mapstructure:"events"`
	Server ServerConfig `mapstructure:"server"`
}

type DockerConfig struct {
	Host         string  `mapstructure:"host"`
	DefaultImage string  `mapstructure:"default_image"`
	WorkingDir   string  `mapstructure:"working_dir"`
	APIQPS       float64 `mapstructure:"api_qps"`
}

type StoreConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type EventsConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	SigningKeyFile string        `mapstructure:"signing_key_file"`
	Types          []string      `mapstructure:"types"`
	BufferSize     int           `mapstructure:"buffer_size"`
	Workers        int           `mapstructure:"workers"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`

	// SigningKey is read from SigningKeyFile by Load.
	SigningKey string `mapstructure:"-"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIKeyFile      string        `mapstructure:"api_key_file"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// APIKey is read from APIKeyFile by Load.
	APIKey string `mapstructure:"-"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every known key. Keys without a default still need
// one so that Unmarshal picks up their environment overrides.
func SetDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()

	v.SetDefault("queue", "default")
	v.SetDefault("concurrency", 4)
	v.SetDefault("eager_logs", true)
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("worker_name", hostname)

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.default_image", "")
	v.SetDefault("docker.working_dir", "/app")
	v.SetDefault("docker.api_qps", 0)

	v.SetDefault("store.path", "dockerjobs.db")
	v.SetDefault("store.busy_timeout", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("events.webhook_url", "")
	v.SetDefault("events.signing_key_file", "")
	v.SetDefault("events.types", []string{})
	v.SetDefault("events.buffer_size", 1000)
	v.SetDefault("events.workers", 2)
	v.SetDefault("events.http_timeout", "10s")

	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.api_key_file", "")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// Load reads the config file (explicit path, or dockerjobs.yaml in the
// working directory or /etc/dockerjobs when present), decodes everything
// into a Config and resolves secret files.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(systemConfigDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	var err error
	if cfg.Events.SigningKey, err = ReadSecretFile(cfg.Events.SigningKeyFile); err != nil {
		return nil, err
	}
	if cfg.Server.APIKey, err = ReadSecretFile(cfg.Server.APIKeyFile); err != nil {
		return nil, err
	}

	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Queue == "" {
		c.Queue = "default"
	}
}

// Validate checks the settings needed to run the orchestration loop.
func (c *Config) Validate() error {
	if c.Docker.DefaultImage == "" {
		return apperrors.Validation("docker.default_image", "docker.default_image is required")
	}
	if c.Docker.APIQPS < 0 {
		return apperrors.Validation("docker.api_qps", "docker.api_qps must not be negative")
	}
	if c.Events.WebhookURL != "" && !strings.HasPrefix(c.Events.WebhookURL, "http://") &&
		!strings.HasPrefix(c.Events.WebhookURL, "https://") {
		return apperrors.Validation("events.webhook_url", "events.webhook_url must be an http or https URL")
	}
	return nil
}

// ReadSecretFile reads a secret from a file path, as mounted by Docker
// secrets (/run/secrets/) or Kubernetes volumes. An empty path yields "".
func ReadSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
