package main

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher wraps bcrypt behind a bounded semaphore so a burst of
// logins cannot occupy every scheduler thread with CPU-bound hashing.
// The digest embeds cost and salt, so hashing the same plaintext twice
// yields distinct digests and Verify needs no stored salt.
type PasswordHasher struct {
	cost int
	sem  chan struct{}
}

func NewPasswordHasher(cost, maxConcurrent int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if maxConcurrent < 1 {
		maxConcurrent = 4
	}
	return &PasswordHasher{cost: cost, sem: make(chan struct{}, maxConcurrent)}
}

// Hash produces a salted bcrypt digest. It respects context cancellation
// while waiting for a worker slot; work already started runs to completion
// but the caller is expected to discard the result if ctx is done.
func (h *PasswordHasher) Hash(ctx context.Context, plaintext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-h.sem }()
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify reports whether plaintext matches digest. The comparison is
// constant time; a structurally invalid digest reports false rather than
// an error so callers cannot tell a corrupt record from a wrong password.
func (h *PasswordHasher) Verify(ctx context.Context, plaintext, digest string) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	defer func() { <-h.sem }()
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}
