// Package memory provides in-process implementations of outbound ports for
// single-instance runs and tests.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that SignerLock implements outbound.SignerLock
var _ outbound.SignerLock = (*SignerLock)(nil)

// SignerLock serialises cycles within one process. It gives no protection
// against a second process using the same key.
type SignerLock struct {
	mu     sync.Mutex
	tokens map[string]string
}

// NewSignerLock creates an empty in-memory lock.
func NewSignerLock() *SignerLock {
	return &SignerLock{tokens: make(map[string]string)}
}

// Acquire takes the lock for key or returns outbound.ErrSignerLocked.
func (l *SignerLock) Acquire(ctx context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.tokens[key]; held {
		return "", outbound.ErrSignerLocked
	}
	token := uuid.NewString()
	l.tokens[key] = token
	return token, nil
}

// Extend reports whether token still owns the lock. Entries never expire, so
// there is nothing to renew.
func (l *SignerLock) Extend(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tokens[key] != token {
		return outbound.ErrSignerLockLost
	}
	return nil
}

// Release drops the lock if token still owns it.
func (l *SignerLock) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tokens[key] == token {
		delete(l.tokens, key)
	}
	return nil
}
