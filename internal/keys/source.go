// Package keys unlocks the signing key for an account.
//
// Key storage is not this service's concern: the configured key arrives via
// SIGNER_PRIVATE_KEY (or signer.private_key) and is parsed once on first use.
package keys

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-aa-wallet/internal/userop"
)

// Source returns the private key that controls account.
type Source interface {
	Key(ctx context.Context, account common.Address) (*ecdsa.PrivateKey, error)
}

// ParseHex parses a 32-byte hex private key, with or without 0x.
func ParseHex(raw string) (*ecdsa.PrivateKey, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if keyHex == "" {
		return nil, fmt.Errorf("%w: signer key not configured", userop.ErrSigning)
	}
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("%w: private key must be a 32-byte hex string (got %d chars)", userop.ErrSigning, len(keyHex))
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", userop.ErrSigning, err)
	}
	return key, nil
}

// Static is a single configured owner key used for every account.
type Static struct {
	mu    sync.Mutex
	fetch func() (string, error)
	key   *ecdsa.PrivateKey
}

// NewStatic wraps an already parsed key.
func NewStatic(key *ecdsa.PrivateKey) *Static {
	return &Static{key: key}
}

// FromConfig parses raw lazily; an empty value fails at first use so the
// service can start without fallback signing.
func FromConfig(raw string) *Static {
	return &Static{fetch: func() (string, error) { return raw, nil }}
}

// FromEnv reads the key from an environment variable on first use.
func FromEnv(name string) *Static {
	return &Static{fetch: func() (string, error) {
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("%w: %s is empty", userop.ErrSigning, name)
		}
		return v, nil
	}}
}

// Address returns the key's address, loading it if needed.
func (s *Static) Address() (common.Address, error) {
	key, err := s.load()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func (s *Static) Key(_ context.Context, _ common.Address) (*ecdsa.PrivateKey, error) {
	return s.load()
}

// load caches a successful parse; errors are not cached so a later call can
// pick up a corrected environment.
func (s *Static) load() (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key, nil
	}
	raw, err := s.fetch()
	if err != nil {
		return nil, err
	}
	key, err := ParseHex(raw)
	if err != nil {
		return nil, err
	}
	s.key = key
	return key, nil
}
