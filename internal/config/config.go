// Package config reads the viper-backed settings of the notification server and watch client.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "GROUPNOTIFY"

	defaultServerURL        = "ws://127.0.0.1:8080/ws"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "groupnotify.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultJoinTimeout      = 10 * time.Second
	defaultAckTimeout       = 5 * time.Second
	defaultReconnectDelay   = 2 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultIssuer           = "groupnotify"
	defaultAudience         = "groupnotify-clients"
	defaultTokenTTL         = 24 * time.Hour
)

// ClientConfig captures the settings of the watch client.
type ClientConfig struct {
	ServerURL             string
	Token                 string
	LogLevel              string
	LogFormat             string
	JoinTimeout           time.Duration
	AckTimeout            time.Duration
	OptimisticReads       bool
	MaxGroupNotifications int
	ReconnectDelay        time.Duration
	HandshakeTimeout      time.Duration
}

// ServerConfig captures the settings of the reference notification server.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	LogLevel      string
	LogFormat     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("notifications.join_timeout", defaultJoinTimeout)
	configViper.SetDefault("notifications.ack_timeout", defaultAckTimeout)
	configViper.SetDefault("notifications.optimistic_reads", false)
	configViper.SetDefault("notifications.max_group", 0)
	configViper.SetDefault("transport.reconnect_delay", defaultReconnectDelay)
	configViper.SetDefault("transport.handshake_timeout", defaultHandshakeTimeout)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
}

// LoadDotEnv loads variables from the given .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// LoadClient parses the watch client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:             strings.TrimSpace(configViper.GetString("server.url")),
		Token:                 strings.TrimSpace(configViper.GetString("auth.token")),
		LogLevel:              configViper.GetString("log.level"),
		LogFormat:             configViper.GetString("log.format"),
		JoinTimeout:           configViper.GetDuration("notifications.join_timeout"),
		AckTimeout:            configViper.GetDuration("notifications.ack_timeout"),
		OptimisticReads:       configViper.GetBool("notifications.optimistic_reads"),
		MaxGroupNotifications: configViper.GetInt("notifications.max_group"),
		ReconnectDelay:        configViper.GetDuration("transport.reconnect_delay"),
		HandshakeTimeout:      configViper.GetDuration("transport.handshake_timeout"),
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// LoadServer parses the notification server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   strings.TrimSpace(configViper.GetString("http.address")),
		DatabasePath:  strings.TrimSpace(configViper.GetString("database.path")),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        strings.TrimSpace(configViper.GetString("auth.issuer")),
		Audience:      strings.TrimSpace(configViper.GetString("auth.audience")),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		LogLevel:      configViper.GetString("log.level"),
		LogFormat:     configViper.GetString("log.format"),
	}
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server.url is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
		return fmt.Errorf("server.url must be a ws:// or wss:// url")
	}
	if c.Token == "" {
		return fmt.Errorf("auth.token is required")
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("notifications.join_timeout must be positive")
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("notifications.ack_timeout must be positive")
	}
	if c.MaxGroupNotifications < 0 {
		return fmt.Errorf("notifications.max_group must not be negative")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("transport.reconnect_delay must be positive")
	}
	return nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}
