package main

import (
	"context"
	"errors"
)

// minPasswordLen is the shortest secret accepted at registration or change.
const minPasswordLen = 6

// CredentialStore owns the hashed secrets. Verification never compares
// plaintext against anything stored; it recomputes through the hasher.
type CredentialStore struct {
	store  Store
	hasher *PasswordHasher

	// dummy is a digest of a throwaway value. When the account does not
	// exist, Verify still runs a full comparison against it, so the latency
	// of "no such account" matches "wrong password".
	dummy string
}

func NewCredentialStore(store Store, hasher *PasswordHasher) (*CredentialStore, error) {
	throwaway, err := genToken(16)
	if err != nil {
		return nil, err
	}
	dummy, err := hasher.Hash(context.Background(), throwaway)
	if err != nil {
		return nil, err
	}
	return &CredentialStore{store: store, hasher: hasher, dummy: dummy}, nil
}

// SetCredential hashes plaintext and persists it on the user. The plaintext
// itself is validated before any store access and never written anywhere.
func (c *CredentialStore) SetCredential(ctx context.Context, userID, plaintext string) error {
	if len(plaintext) < minPasswordLen {
		return &ValidationError{Field: "password", Reason: "must be at least 6 characters"}
	}
	digest, err := c.hasher.Hash(ctx, plaintext)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	u, err := c.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	u.PasswordHash = digest
	return c.store.UpdateUser(ctx, u)
}

// Verify resolves the account by normalized email and checks the secret.
// Unknown account and wrong password collapse into the same
// ErrInvalidCredentials so the response cannot be used to probe for
// registered addresses.
func (c *CredentialStore) Verify(ctx context.Context, email, plaintext string) (*User, error) {
	u, err := c.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.hasher.Verify(ctx, plaintext, c.dummy)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !c.hasher.Verify(ctx, plaintext, u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}
