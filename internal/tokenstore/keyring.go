package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/nwolfenzon/dhis2-chai/internal/session"
)

// KeyringStore keeps session tokens as a JSON secret in the OS-native
// credential storage (macOS Keychain, Windows Credential Manager, Linux Secret Service).
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the given service and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// Load returns the tokens from the system keyring.
func (k *KeyringStore) Load(ctx context.Context) (session.Tokens, error) {
	if err := ctx.Err(); err != nil {
		return session.Tokens{}, err
	}

	secret, err := keyring.Get(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return session.Tokens{}, ErrNotFound
	}
	if err != nil {
		return session.Tokens{}, err
	}

	var tokens session.Tokens
	if err := json.Unmarshal([]byte(secret), &tokens); err != nil {
		return session.Tokens{}, fmt.Errorf("decoding keyring entry for service %s, user %s: %w", k.service, k.user, err)
	}
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		return session.Tokens{}, fmt.Errorf("empty session in keyring for service %s, user %s", k.service, k.user)
	}
	return tokens, nil
}

// Save writes the tokens to the system keyring, overwriting any existing value.
func (k *KeyringStore) Save(ctx context.Context, tokens session.Tokens) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return keyring.Set(k.service, k.user, string(data))
}

// Clear deletes the keyring entry.
func (k *KeyringStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := keyring.Delete(k.service, k.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}
