package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration for the relay and both device roles
type Config struct {
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
	Relay   RelayConfig   `yaml:"relay"`
	Device  DeviceConfig  `yaml:"device"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Output string `yaml:"output" env:"OUTPUT"`
}

// RelayConfig holds configuration for cmd/relay
type RelayConfig struct {
	Server     ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Store      string         `yaml:"store" env:"RELAY_STORE"` // "memory" or "postgres"
	Database   DatabaseConfig `yaml:"database" envPrefix:"DB_"`
	Mint       MintConfig     `yaml:"mint" envPrefix:"MINT_"`
	Auth       AuthConfig     `yaml:"auth"`
	CORS       CORSConfig     `yaml:"cors" envPrefix:"CORS_"`
	RosterFile string         `yaml:"roster_file" env:"ROSTER_FILE"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `yaml:"host" env:"HOST"`
	Port         string        `yaml:"port" env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// RateLimit is the number of REST requests allowed per client per minute; 0 disables it.
	RateLimit int `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            string        `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MintConfig selects how the relay submits membership mints
type MintConfig struct {
	Mode        string        `yaml:"mode" env:"MODE"` // "dryrun" or "http"
	URL         string        `yaml:"url" env:"URL"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	DryRunDelay time.Duration `yaml:"dryrun_delay" env:"DRYRUN_DELAY"`
}

// AuthConfig holds staff token configuration
type AuthConfig struct {
	OracleTokenSecret string        `yaml:"oracle_token_secret" env:"ORACLE_TOKEN_SECRET"`
	OracleTokenTTL    time.Duration `yaml:"oracle_token_ttl" env:"ORACLE_TOKEN_TTL"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	AllowedMethods []string `yaml:"allowed_methods" env:"ALLOWED_METHODS"`
	AllowedHeaders []string `yaml:"allowed_headers" env:"ALLOWED_HEADERS"`
}

// DeviceConfig holds configuration shared by the applicant and oracle roles
type DeviceConfig struct {
	RelayURL       string          `yaml:"relay_url" env:"RELAY_WS_URL"`
	APIURL         string          `yaml:"api_url" env:"RELAY_API_URL"`
	ExplorerTxURL  string          `yaml:"explorer_tx_url" env:"EXPLORER_TX_URL"`
	QRServiceURL   string          `yaml:"qr_service_url" env:"QR_SERVICE_URL"`
	DisplayDelay   time.Duration   `yaml:"display_delay" env:"APPROVAL_DISPLAY_DELAY"`
	WaitTimeout    time.Duration   `yaml:"wait_timeout" env:"APPROVAL_WAIT_TIMEOUT"`
	ApproveTimeout time.Duration   `yaml:"approve_timeout" env:"ORACLE_APPROVE_TIMEOUT"`
	OracleToken    string          `yaml:"oracle_token" env:"ORACLE_TOKEN"`
	NotifyDeny     bool            `yaml:"notify_deny" env:"ORACLE_NOTIFY_DENY"`
	Reconnect      ReconnectConfig `yaml:"reconnect" envPrefix:"RECONNECT_"`
}

// ReconnectConfig bounds the session client's reconnection attempts
type ReconnectConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Relay: RelayConfig{
			Server: ServerConfig{
				Host:         "0.0.0.0",
				Port:         "8090",
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				RateLimit:    120,
			},
			Store: "memory",
			Database: DatabaseConfig{
				Host:            "localhost",
				Port:            "5432",
				User:            "club",
				Password:        "club",
				Name:            "club",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Mint: MintConfig{
				Mode:        "dryrun",
				Timeout:     2 * time.Minute,
				DryRunDelay: 2 * time.Second,
			},
			Auth: AuthConfig{
				OracleTokenTTL: 12 * time.Hour,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
			},
		},
		Device: DeviceConfig{
			RelayURL:       "ws://localhost:8090/ws/",
			APIURL:         "http://localhost:8090/api",
			ExplorerTxURL:  "https://amoy.polygonscan.com/tx/",
			QRServiceURL:   "https://api.qrserver.com/v1/create-qr-code/?size=200x200&data=",
			DisplayDelay:   5 * time.Second,
			WaitTimeout:    10 * time.Minute,
			ApproveTimeout: 5 * time.Minute,
			Reconnect: ReconnectConfig{
				MaxAttempts:  5,
				InitialDelay: 1 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
			},
		},
	}
}

// Load builds configuration from defaults, an optional YAML file and the
// environment, in that order of precedence. An empty path falls back to
// CLUB_CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CLUB_CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	switch c.Relay.Store {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("relay store must be memory or postgres, got %q", c.Relay.Store))
	}

	switch c.Relay.Mint.Mode {
	case "dryrun":
	case "http":
		if c.Relay.Mint.URL == "" {
			errs = append(errs, errors.New("MINT_URL is required when MINT_MODE=http"))
		}
	default:
		errs = append(errs, fmt.Errorf("mint mode must be dryrun or http, got %q", c.Relay.Mint.Mode))
	}

	if c.Device.DisplayDelay < 0 {
		errs = append(errs, errors.New("display delay must not be negative"))
	}
	if c.Device.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect max attempts must not be negative"))
	}
	if c.Device.Reconnect.Multiplier < 1 {
		errs = append(errs, errors.New("reconnect multiplier must be at least 1"))
	}

	return errors.Join(errs...)
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

// Addr returns host:port for the HTTP listener
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// ExplorerLink returns the block explorer URL for a transaction hash
func (c *DeviceConfig) ExplorerLink(txHash string) string {
	if txHash == "" {
		return ""
	}
	return strings.TrimRight(c.ExplorerTxURL, "/") + "/" + txHash
}
