// Package auth holds the bearer token used to authenticate bus streams
// and REST seeding calls.
//
// Token acquisition (login, refresh) happens elsewhere; this package only
// stores the current token and loads it from disk.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrEmptyToken is returned when a token file contains no token.
var ErrEmptyToken = errors.New("token is empty")

// TokenSource supplies the current bearer token. An empty string means
// no token has been set.
type TokenSource interface {
	Token() string
}

// TokenStore is a process-wide, mutable token holder. Connections read it
// at open time, so updating it does not affect sockets that are already
// open.
type TokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewTokenStore returns a store holding token (which may be empty).
func NewTokenStore(token string) *TokenStore {
	return &TokenStore{token: strings.TrimSpace(token)}
}

// Set replaces the current token.
func (s *TokenStore) Set(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// Token returns the current token.
func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// LoadToken reads a bearer token from a file, trimming whitespace.
func LoadToken(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("token path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%s: %w", path, ErrEmptyToken)
	}
	return token, nil
}
