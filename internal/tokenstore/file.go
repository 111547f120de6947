package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nwolfenzon/dhis2-chai/internal/session"
)

// FileStore keeps session tokens as JSON in a single file readable only by
// its owner. Writes use temp file + rename for crash safety.
type FileStore struct {
	filePath string
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given path, creating parent directories
// with 0700 permissions if they don't exist.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		filePath: filePath,
	}, nil
}

// Load reads the stored tokens. Returns an error if the file has insecure
// permissions or holds no refresh or access token.
func (f *FileStore) Load(ctx context.Context) (session.Tokens, error) {
	if err := ctx.Err(); err != nil {
		return session.Tokens{}, err
	}

	info, err := os.Stat(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return session.Tokens{}, ErrNotFound
	}
	if err != nil {
		return session.Tokens{}, err
	}
	if info.Mode().Perm() != 0600 {
		return session.Tokens{}, fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm())
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return session.Tokens{}, err
	}

	var tokens session.Tokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return session.Tokens{}, fmt.Errorf("decoding %s: %w", f.filePath, err)
	}
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		return session.Tokens{}, fmt.Errorf("empty session file %s", f.filePath)
	}
	return tokens, nil
}

// Save atomically writes the tokens with 0600 permissions.
func (f *FileStore) Save(ctx context.Context, tokens session.Tokens) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	// Temp file in the same directory so the rename stays atomic
	tempFile, err := os.CreateTemp(filepath.Dir(f.filePath), "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(data); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tempName, f.filePath); err != nil {
		return err
	}

	return os.Chmod(f.filePath, 0600)
}

// Clear removes the session file.
func (f *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(f.filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
