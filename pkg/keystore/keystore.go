// Package keystore keeps the API key encrypted on disk. A random secret key
// is generated on first use and stored next to the sealed credentials,
// both readable only by the owner.
package keystore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keyFile   = "secret.key"
	credsFile = "credentials.enc"
	nonceSize = 24
)

var (
	// ErrNotFound is returned by Load when no key has been saved.
	ErrNotFound = errors.New("no stored api key")
	// ErrCorrupt is returned when the credentials cannot be decrypted.
	ErrCorrupt = errors.New("stored credentials cannot be decrypted")
)

type credentials struct {
	APIKey string `json:"openai_api_key"`
}

// Store reads and writes sealed credentials under one directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. Nothing is created until Save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory holding the key and credentials.
func (s *Store) Dir() string { return s.dir }

// Save encrypts apiKey and replaces any stored key.
func (s *Store) Save(apiKey string) error {
	if apiKey == "" {
		return errors.New("api key is empty")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	secret, err := s.secret(true)
	if err != nil {
		return err
	}

	plain, err := json.Marshal(credentials{APIKey: apiKey})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, secret)

	if err := os.WriteFile(filepath.Join(s.dir, credsFile), sealed, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Load returns the stored API key, or ErrNotFound.
func (s *Store) Load() (string, error) {
	sealed, err := os.ReadFile(filepath.Join(s.dir, credsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	secret, err := s.secret(false)
	if err != nil {
		return "", err
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrCorrupt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, secret)
	if !ok {
		return "", ErrCorrupt
	}
	var c credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if c.APIKey == "" {
		return "", ErrNotFound
	}
	return c.APIKey, nil
}

// Has reports whether a readable key is stored.
func (s *Store) Has() bool {
	_, err := s.Load()
	return err == nil
}

// Clear removes the stored credentials. The secret key is kept.
func (s *Store) Clear() error {
	err := os.Remove(filepath.Join(s.dir, credsFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// secret reads the secret key, generating it when create is set.
func (s *Store) secret(create bool) (*[32]byte, error) {
	path := filepath.Join(s.dir, keyFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != 32 {
			return nil, fmt.Errorf("%w: secret key has %d bytes", ErrCorrupt, len(data))
		}
		var key [32]byte
		copy(key[:], data)
		return &key, nil
	case errors.Is(err, fs.ErrNotExist) && create:
		var key [32]byte
		if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
			return nil, fmt.Errorf("generate secret key: %w", err)
		}
		if err := os.WriteFile(path, key[:], 0o600); err != nil {
			return nil, fmt.Errorf("write secret key: %w", err)
		}
		return &key, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: secret key missing", ErrCorrupt)
	default:
		return nil, fmt.Errorf("read secret key: %w", err)
	}
}
