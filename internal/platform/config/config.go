// Package config loads service configuration from an optional YAML file and
// environment variable overrides.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Approval ApprovalConfig `yaml:"approval"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the storage driver. "memory" keeps tasks and users in
// process, seeded from FixturesFile, "postgres" uses the pgx pool.
type DatabaseConfig struct {
	Driver       string        `yaml:"driver"`
	FixturesFile string        `yaml:"fixtures_file"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"ssl_mode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Name    string `yaml:"name"`
}

type ApprovalConfig struct {
	// RulesFile seeds the rule catalog. It defaults to configs/rules.yaml for
	// the memory driver. When empty and the database driver is postgres,
	// hierarchies are loaded from the approval_hierarchies table.
	RulesFile              string `yaml:"rules_file"`
	SigningSecret          string `yaml:"signing_secret"`
	StrictSequence         bool   `yaml:"strict_sequence"`
	DefaultEscalationHours int    `yaml:"default_escalation_hours"`
}

type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`
}

// Load reads path (if non-empty and present), applies environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Service.Name, "SERVICE_NAME")
	setString(&c.Service.Version, "SERVICE_VERSION")
	setString(&c.Service.Environment, "ENVIRONMENT")
	setString(&c.Service.LogLevel, "LOG_LEVEL")

	setInt(&c.Server.Port, "HTTP_PORT")
	setInt(&c.Server.GRPCPort, "GRPC_PORT")

	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.FixturesFile, "DB_FIXTURES_FILE")
	setString(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Database, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSL_MODE")

	setBool(&c.Redis.Enabled, "REDIS_ENABLED")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setBool(&c.NATS.Enabled, "NATS_ENABLED")
	setString(&c.NATS.URL, "NATS_URL")

	setString(&c.Approval.RulesFile, "APPROVAL_RULES_FILE")
	setString(&c.Approval.SigningSecret, "APPROVAL_SIGNING_SECRET")
	setBool(&c.Approval.StrictSequence, "APPROVAL_STRICT_SEQUENCE")

	setBool(&c.Tracing.Enabled, "TRACING_ENABLED")
	setString(&c.Tracing.Output, "TRACING_OUTPUT")
}

// Files shipped under configs/ and used by the memory driver.
const (
	DefaultRulesFile    = "configs/rules.yaml"
	DefaultFixturesFile = "configs/fixtures.yaml"
)

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "be-pm-approvals"
	}
	if c.Service.Version == "" {
		c.Service.Version = "dev"
	}
	if c.Service.Environment == "" {
		c.Service.Environment = "development"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8086
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9086
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Database.Driver == "memory" {
		if c.Database.FixturesFile == "" {
			c.Database.FixturesFile = DefaultFixturesFile
		}
		if c.Approval.RulesFile == "" {
			c.Approval.RulesFile = DefaultRulesFile
		}
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MaxConnTime == 0 {
		c.Database.MaxConnTime = time.Hour
	}
	if c.Database.MaxIdleTime == 0 {
		c.Database.MaxIdleTime = 30 * time.Minute
	}
	if c.Database.HealthCheck == 0 {
		c.Database.HealthCheck = time.Minute
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 10 * time.Second
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = c.Service.Name
	}
	if c.Approval.DefaultEscalationHours == 0 {
		c.Approval.DefaultEscalationHours = 24
	}
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("database host and name are required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.Server.Port)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc port: %d", c.Server.GRPCPort)
	}
	if c.Approval.SigningSecret == "" && c.Service.Environment == "production" {
		return fmt.Errorf("approval signing secret is required in production")
	}
	if c.Approval.DefaultEscalationHours < 0 {
		return fmt.Errorf("default escalation hours must be positive")
	}
	return nil
}

// DSN returns the postgres connection URL with credentials escaped.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Database,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
