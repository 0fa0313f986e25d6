package main

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// genToken returns n random bytes, hex-encoded, from a cryptographically
// strong source. Used for session identifiers, which must be opaque and
// unguessable.
func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type sessionRecord struct {
	userID    string
	createdAt time.Time
	expiresAt time.Time
}

// SessionStore maps opaque session identifiers to user IDs for the lifetime
// of a browser-style client. Records live in a sync.Map, so resolving one
// session never blocks another. Lifetime is fixed (not sliding) and comes
// from configuration.
type SessionStore struct {
	ttl time.Duration

	records sync.Map // session id -> *sessionRecord

	stop chan struct{}
	once sync.Once
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &SessionStore{ttl: ttl, stop: make(chan struct{})}
	go s.janitor()
	return s
}

// Start creates a session bound to userID and returns its opaque id.
func (s *SessionStore) Start(userID string) (string, error) {
	id, err := genToken(32)
	if err != nil {
		return "", err
	}
	now := time.Now()
	s.records.Store(id, &sessionRecord{
		userID:    userID,
		createdAt: now,
		expiresAt: now.Add(s.ttl),
	})
	return id, nil
}

// Resolve returns the user bound to id. Unknown and expired sessions both
// report false; an expired record is dropped on the way out.
func (s *SessionStore) Resolve(id string) (string, bool) {
	value, ok := s.records.Load(id)
	if !ok {
		return "", false
	}
	rec := value.(*sessionRecord)
	if time.Now().After(rec.expiresAt) {
		s.records.Delete(id)
		return "", false
	}
	return rec.userID, true
}

// End invalidates a session. Ending an unknown session is a no-op.
func (s *SessionStore) End(id string) {
	s.records.Delete(id)
}

func (s *SessionStore) janitor() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.records.Range(func(key, value interface{}) bool {
				if now.After(value.(*sessionRecord).expiresAt) {
					s.records.Delete(key)
				}
				return true
			})
		}
	}
}

// Close stops the background janitor.
func (s *SessionStore) Close() {
	s.once.Do(func() { close(s.stop) })
}
