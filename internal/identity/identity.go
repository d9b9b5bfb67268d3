// Package identity manages the persistent device identity used to
// attribute anonymous votes. The identity is created lazily on first
// need and never rotated afterwards.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
)

// tokenBytes matches the backend's soft device ids (16 random bytes,
// URL-safe base64 without padding).
const tokenBytes = 16

// Store persists the device identity string.
type Store interface {
	// Load returns the stored identity, or "" when absent.
	Load() (string, error)
	// Save writes the identity. Implementations must not be called twice
	// with different values by the Provider.
	Save(id string) error
}

// Provider returns the device identity, generating and persisting it on
// first access. Safe for concurrent use; after the first successful call
// every caller observes the same value.
type Provider struct {
	store Store

	mu     sync.Mutex
	cached string
}

// NewProvider constructs a Provider over the given store.
func NewProvider(store Store) *Provider {
	return &Provider{store: store}
}

// DeviceID returns the stable device identity, creating it on first miss.
func (p *Provider) DeviceID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached, nil
	}
	id, err := p.store.Load()
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if id == "" {
		id, err = generate()
		if err != nil {
			return "", err
		}
		if err := p.store.Save(id); err != nil {
			return "", fmt.Errorf("save device id: %w", err)
		}
	}
	p.cached = id
	return p.cached, nil
}

func generate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
