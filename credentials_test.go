package main

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestCredentialStore(t *testing.T) (*CredentialStore, Store) {
	t.Helper()
	store := NewMemStore()
	hasher := NewPasswordHasher(bcrypt.MinCost, 4)
	creds, err := NewCredentialStore(store, hasher)
	require.NoError(t, err)
	return creds, store
}

func registerTestUser(t *testing.T, creds *CredentialStore, store Store, email, password string) *User {
	t.Helper()
	ctx := context.Background()
	hash, err := creds.hasher.Hash(ctx, password)
	require.NoError(t, err)
	u := &User{ID: uuid.New().String(), Email: email, PasswordHash: hash}
	require.NoError(t, store.CreateUser(ctx, u))
	return u
}

func TestVerifyCredentials(t *testing.T) {
	creds, store := newTestCredentialStore(t)
	u := registerTestUser(t, creds, store, "real@x.com", "secret123")

	got, err := creds.Verify(context.Background(), "real@x.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestVerifyNormalizesEmail(t *testing.T) {
	creds, store := newTestCredentialStore(t)
	registerTestUser(t, creds, store, "real@x.com", "secret123")

	_, err := creds.Verify(context.Background(), "  REAL@X.com ", "secret123")
	assert.NoError(t, err)
}

func TestAuthFailureIndistinguishable(t *testing.T) {
	creds, store := newTestCredentialStore(t)
	registerTestUser(t, creds, store, "real@x.com", "secret123")
	ctx := context.Background()

	_, errUnknown := creds.Verify(ctx, "unknown@x.com", "anything")
	_, errWrongPass := creds.Verify(ctx, "real@x.com", "wrongpass")

	// Account absence and a wrong secret must be the same failure.
	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.ErrorIs(t, errWrongPass, ErrInvalidCredentials)
	assert.Equal(t, errUnknown, errWrongPass)
}

func TestSetCredential(t *testing.T) {
	creds, store := newTestCredentialStore(t)
	u := registerTestUser(t, creds, store, "real@x.com", "secret123")
	ctx := context.Background()

	require.NoError(t, creds.SetCredential(ctx, u.ID, "newsecret"))

	_, err := creds.Verify(ctx, "real@x.com", "secret123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = creds.Verify(ctx, "real@x.com", "newsecret")
	assert.NoError(t, err)
}

func TestSetCredentialTooShort(t *testing.T) {
	creds, store := newTestCredentialStore(t)
	u := registerTestUser(t, creds, store, "real@x.com", "secret123")

	err := creds.SetCredential(context.Background(), u.ID, "short")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	// The rejected value never reached the store.
	_, err = creds.Verify(context.Background(), "real@x.com", "secret123")
	assert.NoError(t, err)
}
