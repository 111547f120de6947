// Package tokenstore persists session tokens between runs of the CLI.
//
// Supports three storage backends with different security and deployment tradeoffs:
//   - File: JSON file on the local filesystem, atomic writes, 0600 permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Env: read-only refresh token from an environment variable (requires external secret management)
//
// Logging in requires writable storage (file or keyring). A read-only env
// store only seeds a session that refreshes on first use.
package tokenstore
