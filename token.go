package main

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token verification failures, distinguished for logging. The HTTP surface
// collapses all of them into a uniform 401.
var (
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenSignature = errors.New("token signature invalid")
)

// Claims is the self-contained claim set carried by a bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// TokenManager signs and verifies compact bearer tokens. The signing key is
// process-wide configuration loaded once at startup; rotating it invalidates
// every previously issued token, which is the whole revocation story in this
// stateless design.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenManager(secret []byte, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: secret, ttl: ttl}
}

// TTL returns the configured token lifetime.
func (tm *TokenManager) TTL() time.Duration { return tm.ttl }

// Issue signs a token for the user, valid for the configured lifetime.
func (tm *TokenManager) Issue(u *User) (string, error) {
	return tm.IssueAt(u, time.Now())
}

// IssueAt signs a token with an explicit issue time. Exposed so expiry
// behavior can be exercised without waiting out a real lifetime.
func (tm *TokenManager) IssueAt(u *User, issuedAt time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(tm.ttl)),
		},
		Email: u.Email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secret)
}

// Parse checks signature integrity and expiry. Any tampering with the claim
// bytes fails the signature check; there is no partial acceptance.
func (tm *TokenManager) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenSignature
		}
		return tm.secret, nil
	})
	switch {
	case err == nil && token.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenMalformed
	default:
		return nil, ErrTokenSignature
	}
}
