// Package config provides typed configuration loading for the mvIRC daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the daemon.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Limits    LimitsConfig    `yaml:"limits"`
	MOTD      string          `yaml:"motd"`
	Admin     AdminConfig     `yaml:"admin"`
	Operators []Operator      `yaml:"operators"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Scripts   []Script        `yaml:"scripts"`

	// Root is the directory relative paths are resolved against. Set by the
	// CLI, never read from the file.
	Root string `yaml:"-"`
}

// ServerConfig contains listener and identity settings.
type ServerConfig struct {
	Name            string        `yaml:"name" env:"MVIRC_SERVER_NAME"`
	Network         string        `yaml:"network" env:"MVIRC_NETWORK"`
	Listen          string        `yaml:"listen" env:"MVIRC_LISTEN"`
	TLSListen       string        `yaml:"tls_listen" env:"MVIRC_TLS_LISTEN"`
	TLSCert         string        `yaml:"tls_cert" env:"MVIRC_TLS_CERT"`
	TLSKey          string        `yaml:"tls_key" env:"MVIRC_TLS_KEY"`
	WSListen        string        `yaml:"ws_listen" env:"MVIRC_WS_LISTEN"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"MVIRC_ALLOWED_ORIGINS" envSeparator:","`
	PingInterval    time.Duration `yaml:"ping_interval" env:"MVIRC_PING_INTERVAL"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"MVIRC_SHUTDOWN_TIMEOUT"`
}

// LimitsConfig contains connection and flood limits.
type LimitsConfig struct {
	MaxConnections int           `yaml:"max_connections" env:"MVIRC_MAX_CONNECTIONS"`
	FloodPenalty   time.Duration `yaml:"flood_penalty" env:"MVIRC_FLOOD_PENALTY"`
	FloodBurst     time.Duration `yaml:"flood_burst" env:"MVIRC_FLOOD_BURST"`
	SendQueue      int           `yaml:"send_queue" env:"MVIRC_SEND_QUEUE"`
	MaxNickLength  int           `yaml:"max_nick_length" env:"MVIRC_MAX_NICK_LENGTH"`
}

// AdminConfig holds the key used to verify PASS account tokens.
type AdminConfig struct {
	TokenKey    string        `yaml:"token_key" env:"MVIRC_TOKEN_KEY"`
	TokenExpiry time.Duration `yaml:"token_expiry" env:"MVIRC_TOKEN_EXPIRY"`
}

// Operator is an OPER credential. Password is an argon2id hash.
type Operator struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// SchedulerConfig contains job scheduler settings.
type SchedulerConfig struct {
	GracePeriod time.Duration `yaml:"grace_period" env:"MVIRC_SCHEDULER_GRACE_PERIOD"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled" env:"MVIRC_DB_ENABLED"`
	Host            string        `yaml:"host" env:"MVIRC_DB_HOST"`
	Port            int           `yaml:"port" env:"MVIRC_DB_PORT"`
	Name            string        `yaml:"name" env:"MVIRC_DB_NAME"`
	User            string        `yaml:"user" env:"MVIRC_DB_USER"`
	Password        string        `yaml:"password" env:"MVIRC_DB_PASSWORD"`
	SSLMode         string        `yaml:"ssl_mode" env:"MVIRC_DB_SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SQLTimeout      int           `yaml:"sql_timeout"`
	EncryptionKey   string        `yaml:"encryption_key" env:"MVIRC_DB_ENCRYPTION_KEY"`
	Retention       time.Duration `yaml:"retention" env:"MVIRC_DB_RETENTION"`
}

// DSN returns a PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode, c.SQLTimeout,
	)
}

// RedisConfig contains cross-node presence settings.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled" env:"MVIRC_REDIS_ENABLED"`
	Addr        string        `yaml:"addr" env:"MVIRC_REDIS_ADDR"`
	Password    string        `yaml:"password" env:"MVIRC_REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"MVIRC_REDIS_DB"`
	NodeID      string        `yaml:"node_id" env:"MVIRC_NODE_ID"`
	Prefix      string        `yaml:"prefix" env:"MVIRC_REDIS_PREFIX"`
	PresenceTTL time.Duration `yaml:"presence_ttl" env:"MVIRC_REDIS_PRESENCE_TTL"`
}

// PluginsConfig selects plugins and carries their settings.
type PluginsConfig struct {
	Enabled  []string                     `yaml:"enabled"`
	Settings map[string]map[string]string `yaml:"settings"`
}

// Script is a Lua script run at startup, and every Interval when set.
type Script struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads and parses a YAML config file, then applies MVIRC_*
// environment overrides, defaults and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Root == "" {
		cfg.Root = filepath.Dir(path)
	}
	return cfg, nil
}

// Parse decodes raw YAML the same way Load does.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Path resolves p against Root unless it is already absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Root == "" {
		return p
	}
	return filepath.Join(c.Root, p)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands ${VAR} and ${VAR:default} patterns in the config.
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		envVar := parts[1]
		defaultVal := ""
		if len(parts) > 2 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(envVar); val != "" {
			return val
		}
		return defaultVal
	})
}

// applyEnv overlays MVIRC_* variables onto the sections that declare them.
// Unset variables leave the file values alone.
func (c *Config) applyEnv() error {
	targets := []any{&c.Server, &c.Limits, &c.Admin, &c.Scheduler, &c.Database, &c.Redis}
	for _, target := range targets {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

// applyDefaults sets default values for unset fields.
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Name == "" {
		c.Server.Name = "irc.localhost"
	}
	if c.Server.Network == "" {
		c.Server.Network = "mvIRC"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":6667"
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 90 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	// Limits defaults
	if c.Limits.MaxConnections == 0 {
		c.Limits.MaxConnections = 1024
	}
	if c.Limits.FloodPenalty == 0 {
		c.Limits.FloodPenalty = 2 * time.Second
	}
	if c.Limits.FloodBurst == 0 {
		c.Limits.FloodBurst = 10 * time.Second
	}
	if c.Limits.SendQueue == 0 {
		c.Limits.SendQueue = 128
	}
	if c.Limits.MaxNickLength == 0 {
		c.Limits.MaxNickLength = 30
	}

	if c.Admin.TokenExpiry == 0 {
		c.Admin.TokenExpiry = 14 * 24 * time.Hour
	}

	if c.Scheduler.GracePeriod == 0 {
		c.Scheduler.GracePeriod = 5 * time.Second
	}

	// Database defaults
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Name == "" {
		c.Database.Name = "mvirc"
	}
	if c.Database.User == "" {
		c.Database.User = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Database.SQLTimeout == 0 {
		c.Database.SQLTimeout = 10
	}
	if c.Database.Retention == 0 {
		c.Database.Retention = 30 * 24 * time.Hour
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "mvirc:"
	}
	if c.Redis.PresenceTTL == 0 {
		c.Redis.PresenceTTL = 2 * time.Minute
	}
	if c.Redis.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Redis.NodeID = host
		}
	}
}

// insecureKeys are sample values that must never reach production.
var insecureKeys = map[string]bool{
	"changeme":                    true,
	"secret":                      true,
	"your-secret-key":             true,
	"CHANGE_ME_TO_A_RANDOM_VALUE": true,
}

// validate checks that required fields are set.
func (c *Config) validate() error {
	if c.Server.TLSListen != "" && (c.Server.TLSCert == "" || c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key are required with server.tls_listen")
	}
	if c.Server.PingInterval < time.Second {
		return fmt.Errorf("server.ping_interval must be at least 1s")
	}
	if c.Limits.FloodPenalty > c.Limits.FloodBurst {
		return fmt.Errorf("limits.flood_penalty must not exceed limits.flood_burst")
	}

	if c.Admin.TokenKey != "" {
		if insecureKeys[c.Admin.TokenKey] {
			return fmt.Errorf("admin.token_key is using an insecure default value - generate a new key")
		}
		if len(c.Admin.TokenKey) < 32 {
			return fmt.Errorf("admin.token_key must be at least 32 characters")
		}
	}

	for i, op := range c.Operators {
		if op.Name == "" || op.Password == "" {
			return fmt.Errorf("operators[%d]: name and password are required", i)
		}
	}

	if c.Database.Enabled {
		if c.Database.EncryptionKey == "" {
			return fmt.Errorf("database.encryption_key is required")
		}
		if insecureKeys[c.Database.EncryptionKey] {
			return fmt.Errorf("database.encryption_key is using an insecure default value - generate a new key")
		}
	}

	for i, s := range c.Scripts {
		if s.Path == "" {
			return fmt.Errorf("scripts[%d]: path is required", i)
		}
		if s.Interval < 0 {
			return fmt.Errorf("scripts[%d]: interval must not be negative", i)
		}
	}
	return nil
}
