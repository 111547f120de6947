package tokenstore

import (
	"context"
	"fmt"
	"os"

	"github.com/nwolfenzon/dhis2-chai/internal/session"
)

// EnvStore provides read-only access to a refresh token stored in an
// environment variable. Sessions loaded from it refresh on first use.
type EnvStore struct {
	envKey string
	lookup func(string) (string, bool)
}

// Compile-time check to ensure EnvStore implements Store
var _ Store = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore for the given environment variable.
// Returns error if the variable name is empty or not set in the environment.
func NewEnvStore(envKey string) (*EnvStore, error) {
	return newEnvStore(envKey, os.LookupEnv)
}

func newEnvStore(envKey string, lookup func(string) (string, bool)) (*EnvStore, error) {
	if envKey == "" {
		return nil, fmt.Errorf("environment key cannot be empty")
	}

	if _, exists := lookup(envKey); !exists {
		return nil, fmt.Errorf("environment variable %s not set", envKey)
	}

	return &EnvStore{
		envKey: envKey,
		lookup: lookup,
	}, nil
}

// Load returns tokens holding only the refresh token from the environment.
func (e *EnvStore) Load(ctx context.Context) (session.Tokens, error) {
	if err := ctx.Err(); err != nil {
		return session.Tokens{}, err
	}

	refreshToken, _ := e.lookup(e.envKey)
	if refreshToken == "" {
		return session.Tokens{}, fmt.Errorf("environment variable %s is empty: %w", e.envKey, ErrNotFound)
	}
	return session.Tokens{RefreshToken: refreshToken}, nil
}

// Save is not supported for environment variables.
func (e *EnvStore) Save(ctx context.Context, _ session.Tokens) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("environment variable %s: %w", e.envKey, ErrReadOnly)
}

// Clear is not supported for environment variables.
func (e *EnvStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("environment variable %s: %w", e.envKey, ErrReadOnly)
}
