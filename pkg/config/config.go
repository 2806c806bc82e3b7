package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Connection ConnectionConfig `json:"connection"`
	Presence   PresenceConfig   `json:"presence"`
	Roster     RosterConfig     `json:"roster"`
	Console    ConsoleConfig    `json:"console"`
	Log        LogConfig        `json:"log"`
	Identity   IdentityConfig   `json:"-"`
}

type ServerConfig struct {
	WSURL              string `env:"TEAMCHAT_SERVER_WS_URL"               json:"ws_url"`
	APIBaseURL         string `env:"TEAMCHAT_SERVER_API_BASE_URL"         json:"api_base_url"`
	HTTPTimeoutSeconds int    `env:"TEAMCHAT_SERVER_HTTP_TIMEOUT_SECONDS" json:"http_timeout_seconds"`
}

type ConnectionConfig struct {
	HeartbeatIntervalSeconds int `env:"TEAMCHAT_CONNECTION_HEARTBEAT_INTERVAL_SECONDS" json:"heartbeat_interval_seconds"`
	ReconnectIntervalSeconds int `env:"TEAMCHAT_CONNECTION_RECONNECT_INTERVAL_SECONDS" json:"reconnect_interval_seconds"`
	// MaxReconnectAttempts caps consecutive reconnect tries; 0 retries forever.
	MaxReconnectAttempts    int `env:"TEAMCHAT_CONNECTION_MAX_RECONNECT_ATTEMPTS"    json:"max_reconnect_attempts"`
	WriteTimeoutSeconds     int `env:"TEAMCHAT_CONNECTION_WRITE_TIMEOUT_SECONDS"     json:"write_timeout_seconds"`
	HandshakeTimeoutSeconds int `env:"TEAMCHAT_CONNECTION_HANDSHAKE_TIMEOUT_SECONDS" json:"handshake_timeout_seconds"`
	ReadLimitBytes          int `env:"TEAMCHAT_CONNECTION_READ_LIMIT_BYTES"          json:"read_limit_bytes"`
}

type PresenceConfig struct {
	BannerTTLSeconds int `env:"TEAMCHAT_PRESENCE_BANNER_TTL_SECONDS" json:"banner_ttl_seconds"`
}

type RosterConfig struct {
	CacheTTLMinutes int `env:"TEAMCHAT_ROSTER_CACHE_TTL_MINUTES" json:"cache_ttl_minutes"`
}

type ConsoleConfig struct {
	Host string `env:"TEAMCHAT_CONSOLE_HOST" json:"host"`
	Port int    `env:"TEAMCHAT_CONSOLE_PORT" json:"port"`
}

type LogConfig struct {
	Level      string `env:"TEAMCHAT_LOG_LEVEL"      json:"level"`
	File       string `env:"TEAMCHAT_LOG_FILE"       json:"file,omitempty"`
	Console    bool   `env:"TEAMCHAT_LOG_CONSOLE"    json:"console"`
	Production bool   `env:"TEAMCHAT_LOG_PRODUCTION" json:"production"`
}

// IdentityConfig carries the login identity and the opaque bearer credential.
// It is populated from the environment or flags only and never written to disk.
type IdentityConfig struct {
	UserID string `env:"TEAMCHAT_USER_ID"`
	Token  string `env:"TEAMCHAT_TOKEN"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WSURL:              "ws://localhost:8080/ws",
			APIBaseURL:         "http://localhost:8080",
			HTTPTimeoutSeconds: 5,
		},
		Connection: ConnectionConfig{
			HeartbeatIntervalSeconds: 15,
			ReconnectIntervalSeconds: 3,
			MaxReconnectAttempts:     5,
			WriteTimeoutSeconds:      10,
			HandshakeTimeoutSeconds:  10,
			ReadLimitBytes:           1 << 20,
		},
		Presence: PresenceConfig{
			BannerTTLSeconds: 5,
		},
		Roster: RosterConfig{
			CacheTTLMinutes: 10,
		},
		Console: ConsoleConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// LoadConfig reads path (a missing file yields defaults), then applies a .env
// file from the working directory if present, then TEAMCHAT_* overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.WSURL)
	if err != nil {
		return fmt.Errorf("server.ws_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.ws_url: scheme must be ws or wss, got %q", u.Scheme)
	}
	if strings.TrimSpace(c.Server.APIBaseURL) != "" {
		if _, err := url.Parse(c.Server.APIBaseURL); err != nil {
			return fmt.Errorf("server.api_base_url: %w", err)
		}
	}
	if c.Connection.HeartbeatIntervalSeconds <= 0 {
		return errors.New("connection.heartbeat_interval_seconds must be positive")
	}
	if c.Connection.ReconnectIntervalSeconds <= 0 {
		return errors.New("connection.reconnect_interval_seconds must be positive")
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		return errors.New("connection.max_reconnect_attempts must not be negative")
	}
	return nil
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Connection.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.Connection.ReconnectIntervalSeconds) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Connection.WriteTimeoutSeconds) * time.Second
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Connection.HandshakeTimeoutSeconds) * time.Second
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Server.HTTPTimeoutSeconds) * time.Second
}

func (c *Config) BannerTTL() time.Duration {
	return time.Duration(c.Presence.BannerTTLSeconds) * time.Second
}

func (c *Config) RosterTTL() time.Duration {
	return time.Duration(c.Roster.CacheTTLMinutes) * time.Minute
}

func (c *Config) ConsoleAddr() string {
	return fmt.Sprintf("%s:%d", c.Console.Host, c.Console.Port)
}
