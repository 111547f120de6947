package tokenstore

import (
	"context"
	"errors"

	"github.com/nwolfenzon/dhis2-chai/internal/session"
)

var (
	// ErrNotFound is returned by Load when no tokens are stored.
	ErrNotFound = errors.New("no stored session")

	// ErrReadOnly is returned by Save and Clear on read-only storage.
	ErrReadOnly = errors.New("token storage is read-only")
)

// Store reads and writes session tokens to persistent storage.
type Store interface {
	// Load returns the stored tokens, or ErrNotFound if there are none.
	Load(ctx context.Context) (session.Tokens, error)

	// Save persists the tokens, replacing anything stored before.
	Save(ctx context.Context, tokens session.Tokens) error

	// Clear removes the stored tokens. Clearing empty storage is not an error.
	Clear(ctx context.Context) error
}
