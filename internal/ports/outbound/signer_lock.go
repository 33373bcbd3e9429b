package outbound

import (
	"context"
	"errors"
)

var (
	// ErrSignerLocked is returned by SignerLock.Acquire when another holder owns the lock.
	ErrSignerLocked = errors.New("signer lock held by another process")

	// ErrSignerLockLost is returned by SignerLock.Extend when the token no longer
	// owns the lock, because it expired or another holder took it.
	ErrSignerLockLost = errors.New("signer lock no longer held")
)

// SignerLock serialises execution for one signing account across processes so
// two liquidators never race on the same nonce.
type SignerLock interface {
	// Acquire takes the lock for key and returns a token identifying this holder.
	Acquire(ctx context.Context, key string) (token string, err error)

	// Extend renews the lock's expiry if it is still held with token and returns
	// ErrSignerLockLost otherwise.
	Extend(ctx context.Context, key, token string) error

	// Release drops the lock only if it is still held with token.
	Release(ctx context.Context, key, token string) error
}
