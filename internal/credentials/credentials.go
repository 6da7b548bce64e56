// Package credentials defines the seam to the credential store and
// secret-encryption primitive. Both are external collaborators (spec.md
// §1, §9): this package only declares the contract the core depends on
// and a minimal environment-backed implementation for headless runs
// (spec.md §6 "Environment"). A real deployment supplies its own Store.
package credentials

import (
	"context"
	"fmt"
	"os"
)

// Connection is an opaque handle to one saved connection's endpoint and
// session. The credential store owns how the session token is obtained
// and refreshed; this system only ever reads Token.
type Connection struct {
	Name       string
	BaseURL    string
	APIVersion string
}

// Store is the external collaborator contract: Open/Read/Write/Close
// (spec.md §9). Implementations may back onto an OS keychain, an
// encrypted file, or a secrets manager; none of that belongs in the core.
type Store interface {
	Open(ctx context.Context) error
	Read(ctx context.Context, name string) (Connection, error)
	Token(ctx context.Context, name string) (string, error)
	Write(ctx context.Context, conn Connection, token string) error
	Close(ctx context.Context) error
}

// EnvStore is a minimal Store for headless runs (spec.md §6): it reads a
// single connection's fields from environment variables. It is not a
// credential manager — no encryption, no persistence beyond the process
// environment — and exists only so the core is runnable without a real
// secret-encryption primitive wired in.
type EnvStore struct {
	Prefix string // e.g. "BACKUPFORCE_SOURCE_" or "BACKUPFORCE_TARGET_"
}

func NewEnvStore(prefix string) *EnvStore { return &EnvStore{Prefix: prefix} }

func (s *EnvStore) Open(ctx context.Context) error  { return nil }
func (s *EnvStore) Close(ctx context.Context) error { return nil }

func (s *EnvStore) Read(ctx context.Context, name string) (Connection, error) {
	base := os.Getenv(s.Prefix + "BASE_URL")
	if base == "" {
		return Connection{}, fmt.Errorf("%s: %sBASE_URL is not set", name, s.Prefix)
	}
	version := os.Getenv(s.Prefix + "API_VERSION")
	if version == "" {
		version = "62.0"
	}
	return Connection{Name: name, BaseURL: base, APIVersion: version}, nil
}

func (s *EnvStore) Token(ctx context.Context, name string) (string, error) {
	tok := os.Getenv(s.Prefix + "SESSION_TOKEN")
	if tok == "" {
		return "", fmt.Errorf("%s: %sSESSION_TOKEN is not set", name, s.Prefix)
	}
	return tok, nil
}

func (s *EnvStore) Write(ctx context.Context, conn Connection, token string) error {
	return fmt.Errorf("EnvStore is read-only; configure %sBASE_URL/%sSESSION_TOKEN instead", s.Prefix, s.Prefix)
}
