// Package credentials supplies the bearer token attached to outbound calls.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Provider returns the current bearer token, or "" when none is available.
// An empty token means the call goes out unauthenticated.
type Provider interface {
	Token(ctx context.Context) string
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) string

func (f ProviderFunc) Token(ctx context.Context) string { return f(ctx) }

// Static always returns the same token.
type Static string

func (s Static) Token(context.Context) string { return string(s) }

// None never supplies a token.
var None Provider = Static("")

// FileStore keeps tokens encrypted on disk under dir/secure/<account>.cred,
// readable only by the owner.
type FileStore struct {
	dir     string
	account string
	key     []byte
}

// NewFileStore creates a store for account. A nil key uses MachineKey.
func NewFileStore(dir, account string, key []byte) *FileStore {
	if key == nil {
		key = MachineKey()
	}
	return &FileStore{dir: dir, account: account, key: key}
}

func (s *FileStore) path() string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s.account)
	return filepath.Join(s.dir, "secure", safe+".cred")
}

// Save encrypts and writes token.
func (s *FileStore) Save(token string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.path()), 0700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}
	encrypted, err := Encrypt([]byte(token), s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	if err := os.WriteFile(s.path(), []byte(encrypted), 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}

// Load returns the stored token, or "" with a nil error when none is saved.
func (s *FileStore) Load() (string, error) {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}
	plaintext, err := Decrypt(strings.TrimSpace(string(data)), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

// Delete removes the stored token.
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

// Token implements Provider. Unreadable or undecryptable files yield "".
func (s *FileStore) Token(context.Context) string {
	token, err := s.Load()
	if err != nil {
		return ""
	}
	return token
}

// First returns the first non-empty token from providers.
func First(providers ...Provider) Provider {
	return ProviderFunc(func(ctx context.Context) string {
		for _, p := range providers {
			if p == nil {
				continue
			}
			if token := p.Token(ctx); token != "" {
				return token
			}
		}
		return ""
	})
}
