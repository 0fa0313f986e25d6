package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewSessionStore(time.Minute)
	defer s.Close()

	id, err := s.Start("user-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	userID, ok := s.Resolve(id)
	assert.True(t, ok)
	assert.Equal(t, "user-1", userID)

	s.End(id)
	_, ok = s.Resolve(id)
	assert.False(t, ok)
}

func TestSessionUnknownID(t *testing.T) {
	s := NewSessionStore(time.Minute)
	defer s.Close()

	_, ok := s.Resolve("deadbeef")
	assert.False(t, ok)

	// Ending an unknown session is a no-op, not a panic.
	s.End("deadbeef")
}

func TestSessionExpiry(t *testing.T) {
	s := NewSessionStore(30 * time.Millisecond)
	defer s.Close()

	id, err := s.Start("user-1")
	require.NoError(t, err)

	_, ok := s.Resolve(id)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = s.Resolve(id)
	assert.False(t, ok)
}

func TestSessionIDsOpaqueAndUnique(t *testing.T) {
	s := NewSessionStore(time.Minute)
	defer s.Close()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := s.Start("user-1")
		require.NoError(t, err)
		assert.Len(t, id, 64)
		assert.False(t, seen[id], "session ids must not repeat")
		seen[id] = true
	}
}
