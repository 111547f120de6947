// Package credentials loads DHIS2 server credentials from environment
// variables named after a caller-supplied prefix:
//
//	<PREFIX>_SERVER
//	<PREFIX>_USERNAME
//	<PREFIX>_PASSWORD
//	<PREFIX>_OAUTH_CLIENT_ID
//	<PREFIX>_OAUTH_CLIENT_NAME
//	<PREFIX>_OAUTH_SECRET
//
// The environment is passed in as a function so tests never touch the
// process environment. LoadDotenv merges a .env file into the process
// environment beforehand.
package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"
)

// ErrMissingCredentials is returned when neither a user login nor an OAuth
// client is configured.
var ErrMissingCredentials = errors.New("either username and password or client_id and secret are required")

// Credentials holds one named set of server credentials. Empty fields are unset.
type Credentials struct {
	Server     string `json:"server" validate:"omitempty,url"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	ClientID   string `json:"oauth_client_id"`
	ClientName string `json:"oauth_client_name"`
	Secret     string `json:"oauth_secret"`
}

// Load reads the credentials for prefix from the environment returned by
// environ (typically os.Environ).
//
// Loading fails only when username and password are both unset and client
// id and secret are both unset. One half of a pair is enough to pass.
func Load(prefix string, environ func() []string) (*Credentials, error) {
	if prefix == "" {
		return nil, fmt.Errorf("credentials prefix cannot be empty")
	}
	envPrefix := strings.TrimSuffix(prefix, "_") + "_"

	k := koanf.New(".")
	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, envPrefix)), value
		},
		EnvironFunc: environ,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	creds := &Credentials{}
	if err := k.UnmarshalWithConf("", creds, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling credentials: %w", err)
	}

	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s credentials: %w", strings.TrimSuffix(envPrefix, "_"), err)
	}

	return creds, nil
}

// Validate checks the server URL and that at least one credential pair is
// partially present.
func (c *Credentials) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Username == "" && c.Password == "" && c.ClientID == "" && c.Secret == "" {
		return ErrMissingCredentials
	}
	return nil
}

// HasUserLogin reports whether both username and password are set.
func (c *Credentials) HasUserLogin() bool {
	return c.Username != "" && c.Password != ""
}

// HasClient reports whether both OAuth client id and secret are set.
func (c *Credentials) HasClient() bool {
	return c.ClientID != "" && c.Secret != ""
}

// String renders the credentials with secrets masked.
func (c *Credentials) String() string {
	return fmt.Sprintf("server=%s username=%s password=%s client_id=%s client_name=%s secret=%s",
		c.Server, c.Username, mask(c.Password), c.ClientID, c.ClientName, mask(c.Secret))
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// LoadDotenv merges .env files into the process environment without
// overriding variables that are already set. Without paths it reads ./.env
// and ignores its absence.
func LoadDotenv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && len(paths) == 0 && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading dotenv: %w", err)
	}
	return nil
}
