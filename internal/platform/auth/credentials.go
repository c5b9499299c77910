package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// unknownUserHash keeps the unknown-user path as slow as a real comparison.
func unknownUserHash() []byte {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("unknown-operator"), bcrypt.DefaultCost)
	})
	return dummyHash
}

// OperatorStore holds operator bcrypt hashes loaded from configuration.
type OperatorStore struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

// ParseOperators reads "username:bcrypt-hash" entries.
func ParseOperators(entries []string) (*OperatorStore, error) {
	s := &OperatorStore{hashes: make(map[string][]byte, len(entries))}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		user, hash, ok := strings.Cut(raw, ":")
		user = strings.TrimSpace(user)
		hash = strings.TrimSpace(hash)
		if !ok || user == "" || hash == "" {
			return nil, fmt.Errorf("operator entry %q must be username:bcrypt-hash", raw)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("operator %s: %w", user, err)
		}
		s.hashes[user] = []byte(hash)
	}
	return s, nil
}

func (s *OperatorStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes)
}

// Authenticate checks password against the stored hash for username.
func (s *OperatorStore) Authenticate(username, password string) (Actor, error) {
	var hash []byte
	if s != nil {
		s.mu.RLock()
		hash = s.hashes[username]
		s.mu.RUnlock()
	}
	if hash == nil {
		_ = bcrypt.CompareHashAndPassword(unknownUserHash(), []byte(password))
		return Actor{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return Actor{}, ErrInvalidCredentials
	}
	return Actor{ID: username, Role: RoleOperator}, nil
}
