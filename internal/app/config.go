package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nwolfenzon/dhis2-chai/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TokenStorageType represents the different storage types supported for stored sessions.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeEnv     TokenStorageType = "env"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
)

// keyringService names the keyring entry holding stored sessions.
const keyringService = "dhis2-chai-session"

// Default configuration values
const (
	DefaultConfigLogFormat         = LogFormatText
	DefaultConfigCredentialsPrefix = "DHIS2"
	DefaultConfigHTTPTimeout       = 30 * time.Second
	DefaultConfigAuthStorage       = TokenStorageTypeFile
	DefaultConfigProxyHost         = "127.0.0.1"
	DefaultConfigProxyPort         = 8081
	DefaultConfigShutdownTimeout   = 5 * time.Second
)

// ProxyConfig holds the listen address of the local API proxy.
type ProxyConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// CredentialsConfig selects which environment credentials to use.
type CredentialsConfig struct {
	// Prefix of the <PREFIX>_SERVER, <PREFIX>_USERNAME, ... variables.
	Prefix string `json:"prefix" validate:"required"`
}

// HTTPConfig holds outbound HTTP settings.
type HTTPConfig struct {
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
	// DefaultParams are query parameters added to every API request, e.g. paging=false.
	DefaultParams map[string]string `json:"default_params,omitempty"`
}

// AuthConfig describes where sessions are persisted between runs.
type AuthConfig struct {
	Storage TokenStorageType `json:"storage" validate:"required,oneof=file env keyring"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File        string `json:"file,omitempty"`         // For file storage: path to session file
	EnvKey      string `json:"env_key,omitempty"`      // For env storage: variable holding a refresh token
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier
}

// NewTokenStore creates a tokenstore.Store from the authentication configuration.
func (a *AuthConfig) NewTokenStore() (tokenstore.Store, error) {
	switch a.Storage {
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(a.File)
	case TokenStorageTypeEnv:
		return tokenstore.NewEnvStore(a.EnvKey)
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringStore(keyringService, a.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level `json:"log_level"`
	LogFormat LogFormat  `json:"log_format" validate:"oneof=text json"`
	// LogExporter ships logs via OpenTelemetry instead of stderr.
	LogExporter string `json:"log_exporter" validate:"omitempty,oneof=stdout otlp-http otlp-grpc"`

	// Server overrides the <PREFIX>_SERVER credential.
	Server string `json:"server,omitempty" validate:"omitempty,url"`

	Credentials CredentialsConfig `json:"credentials"`
	HTTP        HTTPConfig        `json:"http"`
	Auth        AuthConfig        `json:"auth"`
	Proxy       ProxyConfig       `json:"proxy"`
	Shutdown    ShutdownConfig    `json:"shutdown"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Credentials.Prefix == "" {
		c.Credentials.Prefix = DefaultConfigCredentialsPrefix
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = DefaultConfigHTTPTimeout
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Proxy.Host == "" {
		c.Proxy.Host = DefaultConfigProxyHost
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = DefaultConfigProxyPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(configDir, "dhis2-chai", "session.json")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	case TokenStorageTypeEnv:
		// env_key must be explicitly configured (no sensible default)
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			return errors.New("file path required for file storage")
		}
	case TokenStorageTypeEnv:
		if c.Auth.EnvKey == "" {
			return errors.New("env_key required for env storage")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	}

	return nil
}
