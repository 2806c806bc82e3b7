package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/teamchat/pkg/api"
	"github.com/tinyland-inc/teamchat/pkg/auth"
	"github.com/tinyland-inc/teamchat/pkg/bus"
	"github.com/tinyland-inc/teamchat/pkg/config"
	"github.com/tinyland-inc/teamchat/pkg/connection"
	"github.com/tinyland-inc/teamchat/pkg/dispatcher"
	"github.com/tinyland-inc/teamchat/pkg/events"
	"github.com/tinyland-inc/teamchat/pkg/logger"
	"github.com/tinyland-inc/teamchat/pkg/protocol"
	"github.com/tinyland-inc/teamchat/pkg/roster"
	"github.com/tinyland-inc/teamchat/pkg/transport"
)

const Logo = "💬"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

func GetConfigPath() string {
	if p := os.Getenv("TEAMCHAT_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".teamchat", "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// InitLogging applies the log section of cfg; debug forces DEBUG level.
func InitLogging(cfg *config.Config, debug bool) {
	level := logger.ParseLevel(cfg.Log.Level)
	if debug {
		level = logger.DEBUG
	}
	logger.Init(logger.Options{
		Level:      level,
		FilePath:   cfg.Log.File,
		Console:    cfg.Log.Console,
		Production: cfg.Log.Production,
	})
}

// ResolveCredential picks the identity and token from flags, then the
// environment-backed config, then prompts for a pasted token on out/in.
func ResolveCredential(cfg *config.Config, userID, token string, in io.Reader, out io.Writer) (*auth.Credential, error) {
	if userID == "" {
		userID = cfg.Identity.UserID
	}
	if token == "" {
		token = cfg.Identity.Token
	}
	if token == "" {
		var err error
		token, err = auth.LoginPasteToken(out, in)
		if err != nil {
			return nil, err
		}
	}
	return auth.Resolve(userID, token)
}

// NewAPIClient returns nil when no API base URL is configured.
func NewAPIClient(cfg *config.Config, token string) (*api.Client, error) {
	if cfg.Server.APIBaseURL == "" {
		return nil, nil
	}
	return api.NewClient(api.Config{
		BaseURL: cfg.Server.APIBaseURL,
		Token:   token,
		Timeout: cfg.HTTPTimeout(),
	})
}

// Client bundles the wired chat subsystem of one identity.
type Client struct {
	Config     *config.Config
	Credential *auth.Credential
	Bus        *bus.MessageBus
	Feed       *events.Feed
	Conn       *connection.Manager
	Dispatcher *dispatcher.Dispatcher
}

func NewClient(cfg *config.Config, cred *auth.Credential) (*Client, error) {
	dialer, err := transport.NewWSDialer(transport.WSOptions{
		URL:              cfg.Server.WSURL,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		WriteTimeout:     cfg.WriteTimeout(),
		ReadLimit:        int64(cfg.Connection.ReadLimitBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("error creating dialer: %w", err)
	}

	apiClient, err := NewAPIClient(cfg, cred.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("error creating api client: %w", err)
	}
	// keep the interfaces nil when there is no API
	var (
		sessions dispatcher.SessionAPI
		source   roster.Source
	)
	if apiClient != nil {
		sessions, source = apiClient, apiClient
	}

	msgBus := bus.NewMessageBus()
	feed := events.NewFeed()
	conn := connection.NewManager(dialer, msgBus, protocol.NewCodec(), connection.Options{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		ReconnectInterval: cfg.ReconnectInterval(),
		MaxAttempts:       cfg.Connection.MaxReconnectAttempts,
	})
	d := dispatcher.New(conn, msgBus, sessions, roster.New(source, cfg.RosterTTL()), feed, dispatcher.Options{
		BannerTTL:   cfg.BannerTTL(),
		CallTimeout: cfg.HTTPTimeout(),
	})

	return &Client{
		Config:     cfg,
		Credential: cred,
		Bus:        msgBus,
		Feed:       feed,
		Conn:       conn,
		Dispatcher: d,
	}, nil
}

// Start seeds sessions and opens the supervised connection.
func (c *Client) Start(ctx context.Context) error {
	return c.Dispatcher.Connect(ctx, c.Credential.UserID, c.Credential.AccessToken)
}

func (c *Client) Close() {
	c.Dispatcher.Disconnect()
	_ = c.Feed.Close()
	c.Bus.Close()
	_ = logger.Sync()
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
