package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nwolfenzon/dhis2-chai/internal/session"
	"github.com/nwolfenzon/dhis2-chai/internal/tokenstore"
)

// PersistentSession wraps a session.Session with token persistence.
// Stored tokens are loaded once, on first use, and written back whenever
// the session obtains new ones.
type PersistentSession struct {
	*session.Session
	tokenStore tokenstore.Store

	restore func() error

	lastSaved atomic.Pointer[session.Tokens]
	writeMu   sync.Mutex
}

// NewPersistentSession creates a PersistentSession.
// No I/O is performed until the first Load call.
func NewPersistentSession(s *session.Session, tokenStore tokenstore.Store) (*PersistentSession, error) {
	if s == nil {
		return nil, fmt.Errorf("missing session")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("missing token store")
	}

	p := &PersistentSession{
		Session:    s,
		tokenStore: tokenStore,
	}
	p.restore = sync.OnceValue(func() error {
		// context.Background: the outcome is shared by every caller
		return p.load(context.Background())
	})

	return p, nil
}

// Load seeds the session from storage once. ErrNotFound is returned when
// nothing is stored yet.
func (p *PersistentSession) Load() error {
	return p.restore()
}

func (p *PersistentSession) load(ctx context.Context) error {
	tokens, err := p.tokenStore.Load(ctx)
	if err != nil {
		return err
	}

	p.Restore(tokens)
	// Remember what was loaded to avoid an unnecessary write-back
	snapshot := p.Tokens()
	p.lastSaved.Store(&snapshot)
	return nil
}

// Persist writes the session's tokens to storage if they changed since the
// last load or save. Read-only storage is skipped silently.
func (p *PersistentSession) Persist(ctx context.Context) error {
	current := p.Tokens()
	if current.AccessToken == "" && current.RefreshToken == "" {
		return nil
	}

	// Hot path: lock-free atomic read
	if last := p.lastSaved.Load(); last != nil && last.Equal(current) {
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if last := p.lastSaved.Load(); last != nil && last.Equal(current) {
		return nil
	}

	if err := p.tokenStore.Save(ctx, current); err != nil {
		if errors.Is(err, tokenstore.ErrReadOnly) {
			slog.DebugContext(ctx, "token storage is read-only, session not persisted")
			return nil
		}
		// The access token is still usable but later runs will have to log in again
		slog.ErrorContext(ctx, "failed to persist session", "error", err)
		return fmt.Errorf("persisting session: %w", err)
	}

	// Update cached tokens only on success - allows retry on next call
	p.lastSaved.Store(&current)
	return nil
}

// Forget clears stored tokens.
func (p *PersistentSession) Forget(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.tokenStore.Clear(ctx); err != nil {
		return fmt.Errorf("clearing stored session: %w", err)
	}
	p.lastSaved.Store(nil)
	return nil
}
