package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/svcwatch/internal/env"
	"github.com/loykin/svcwatch/internal/logger"
	"github.com/loykin/svcwatch/internal/service"
	tlsx "github.com/loykin/svcwatch/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. SVCWATCH_SERVER_LISTEN.
const EnvPrefix = "SVCWATCH"

// Config is the top-level TOML structure.
type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Monitor    MonitorConfig        `mapstructure:"monitor"`
	Supervisor SupervisorConfig     `mapstructure:"supervisor"`
	Logs       LogsConfig           `mapstructure:"logs"`
	Log        logger.Config        `mapstructure:"log"`
	Metrics    MetricsConfig        `mapstructure:"metrics"`
	RateLimit  RateLimitConfig      `mapstructure:"ratelimit"`
	Services   []service.Definition `mapstructure:"services"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      tlsx.Config `mapstructure:"tls"`
}

type MonitorConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	CPUInterval  time.Duration `mapstructure:"cpu_interval"`
	Concurrency  int           `mapstructure:"concurrency"`
}

// SupervisorConfig describes the status command. Its environment is the
// process environment (unless inherit_env is false), then env_files, then env.
type SupervisorConfig struct {
	Command    string        `mapstructure:"command"`
	Args       []string      `mapstructure:"args"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Env        []string      `mapstructure:"env"`
	EnvFiles   []string      `mapstructure:"env_files"`
	InheritEnv bool          `mapstructure:"inherit_env"`
}

type LogsConfig struct {
	DefaultLines int `mapstructure:"default_lines"`
	MaxLines     int `mapstructure:"max_lines"`
}

// MetricsConfig enables /metrics. With Listen set, metrics are served on a
// separate listener instead of the API router.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// RateLimitConfig limits one-shot API requests per client IP. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":9999")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")

	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.probe_timeout", "5s")
	v.SetDefault("monitor.cpu_interval", "1s")
	v.SetDefault("monitor.concurrency", 8)

	v.SetDefault("supervisor.command", "pm2")
	v.SetDefault("supervisor.args", []string{"jlist"})
	v.SetDefault("supervisor.timeout", "10s")
	v.SetDefault("supervisor.inherit_env", true)

	v.SetDefault("logs.default_lines", 100)
	v.SetDefault("logs.max_lines", 5000)

	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.file.path", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("ratelimit.rps", 20)
	v.SetDefault("ratelimit.burst", 40)
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) { return Load("") }

// Load reads the TOML file at path (skipped when empty), applies defaults and
// SVCWATCH_* environment overrides, fills in the default service catalog
// when none is configured and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(c.Services) == 0 {
		c.Services = service.Defaults()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen required"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be > 0"))
	}
	if c.Monitor.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("monitor.probe_timeout must be > 0"))
	}
	if c.Monitor.CPUInterval <= 0 {
		errs = append(errs, errors.New("monitor.cpu_interval must be > 0"))
	} else if c.Monitor.Interval > 0 && c.Monitor.CPUInterval >= c.Monitor.Interval {
		errs = append(errs, fmt.Errorf("monitor.cpu_interval (%s) must be shorter than monitor.interval (%s)", c.Monitor.CPUInterval, c.Monitor.Interval))
	}
	if c.Monitor.Concurrency < 1 {
		errs = append(errs, errors.New("monitor.concurrency must be >= 1"))
	}
	if strings.TrimSpace(c.Supervisor.Command) == "" {
		errs = append(errs, errors.New("supervisor.command required"))
	}
	if c.Supervisor.Timeout <= 0 {
		errs = append(errs, errors.New("supervisor.timeout must be > 0"))
	}
	if c.Logs.DefaultLines <= 0 {
		errs = append(errs, errors.New("logs.default_lines must be > 0"))
	}
	if c.Logs.MaxLines < c.Logs.DefaultLines {
		errs = append(errs, errors.New("logs.max_lines must be >= logs.default_lines"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit values must be >= 0"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("ratelimit.burst must be > 0 when rps is set"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if _, err := service.NewCatalog(c.Services); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Catalog returns the configured services.
func (c *Config) Catalog() (*service.Catalog, error) {
	return service.NewCatalog(c.Services)
}

// Environ builds the status command environment.
func (s SupervisorConfig) Environ() ([]string, error) {
	e := env.Isolated()
	if s.InheritEnv {
		e = env.New()
	}
	for _, f := range s.EnvFiles {
		var err error
		if e, err = e.WithFile(f); err != nil {
			return nil, fmt.Errorf("supervisor env file: %w", err)
		}
	}
	return e.Merge(s.Env), nil
}
