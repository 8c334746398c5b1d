package keyring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const ServiceName = "tunnelmgr"

var ErrNoPassword = errors.New("no password stored")

// Passwords stores one password per tunnel key
type Passwords struct {
	ring keyring.Keyring
}

// New wraps an already opened keyring
func New(ring keyring.Keyring) *Passwords {
	return &Passwords{ring: ring}
}

// Open opens the OS keyring for the tunnelmgr service
func Open() (*Passwords, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return New(ring), nil
}

var (
	defaultPasswords *Passwords
	defaultOnce      sync.Once
	defaultErr       error
)

// Default returns the process-wide keyring, opened on first use
func Default() (*Passwords, error) {
	defaultOnce.Do(func() {
		defaultPasswords, defaultErr = Open()
	})
	return defaultPasswords, defaultErr
}

func (p *Passwords) Set(key, password string) error {
	if password == "" {
		return fmt.Errorf("password for '%s' cannot be empty", key)
	}
	return p.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(password),
		Label:       fmt.Sprintf("tunnelmgr: %s", key),
		Description: "SSH password for tunnel proxy host",
	})
}

// Get returns the password for key or ErrNoPassword
func (p *Passwords) Get(key string) (string, error) {
	item, err := p.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w for '%s'", ErrNoPassword, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve password: %w", err)
	}
	return string(item.Data), nil
}

// Delete removes the password for key. Backends differ on whether removing a
// missing item fails, so presence is checked first.
func (p *Passwords) Delete(key string) error {
	if !p.Has(key) {
		return fmt.Errorf("%w for '%s'", ErrNoPassword, key)
	}
	return p.ring.Remove(key)
}

func (p *Passwords) Has(key string) bool {
	_, err := p.ring.Get(key)
	return err == nil
}

// Rename moves a stored password after a tunnel key move
func (p *Passwords) Rename(oldKey, newKey string) error {
	password, err := p.Get(oldKey)
	if errors.Is(err, ErrNoPassword) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.Set(newKey, password); err != nil {
		return err
	}
	return p.ring.Remove(oldKey)
}
