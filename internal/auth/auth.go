// Package auth issues and verifies the bearer tokens that bind a respondent to a public session.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypePublicSession is the type claim carried by respondent tokens.
const TokenTypePublicSession = "public_session"

// DefaultTTL is the lifetime of a session token when none is configured.
const DefaultTTL = 24 * time.Hour

var (
	// ErrInvalidToken is returned for missing, malformed, expired or foreign tokens.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrMissingSecret is returned when a signer is built without a key.
	ErrMissingSecret = errors.New("session token secret is required")
)

// Claims is the payload of a session token.
type Claims struct {
	SessionID string `json:"sid"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

// Signer issues HS256 session tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer. A non-positive ttl uses DefaultTTL.
func NewSigner(secret []byte, ttl time.Duration) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for sessionID.
func (s *Signer) Issue(sessionID string) (string, error) {
	now := s.now()
	claims := Claims{
		SessionID: sessionID,
		Type:      TokenTypePublicSession,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks that token is valid and was issued for sessionID.
func (s *Signer) Verify(token, sessionID string) error {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != TokenTypePublicSession {
		return fmt.Errorf("%w: unexpected type %q", ErrInvalidToken, claims.Type)
	}
	if claims.SessionID != sessionID {
		return fmt.Errorf("%w: token is for another session", ErrInvalidToken)
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
