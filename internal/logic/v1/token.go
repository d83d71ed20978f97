package v1

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
)

const tokenIssuer = "ordering-session-service"

// TokenClaims is the signed payload binding a caller to a session.
type TokenClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Owner returns the session owner carried in the subject claim.
func (c *TokenClaims) Owner() string {
	return c.Subject
}

// TokenSigner issues and verifies HS256 session tokens. A token expires at
// the deadline of the session it names; lifetime is only the fallback for
// callers that pass no deadline.
type TokenSigner struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// SignerOption customizes a TokenSigner.
type SignerOption func(*TokenSigner)

// WithSignerClock replaces the signer's time source.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(t *TokenSigner) { t.now = now }
}

// NewTokenSigner creates a TokenSigner.
func NewTokenSigner(secret string, lifetime time.Duration, opts ...SignerOption) *TokenSigner {
	t := &TokenSigner{secret: []byte(secret), lifetime: lifetime, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Issue signs a token for the session that expires at expiresAt. A zero
// expiresAt falls back to now plus the signer's lifetime.
func (t *TokenSigner) Issue(sessionID, owner string, expiresAt time.Time) (string, error) {
	now := t.now()
	if expiresAt.IsZero() {
		expiresAt = now.Add(t.lifetime)
	}
	claims := TokenClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   owner,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks signature, expiry and issuer. Every failure is reported as
// domain.ErrInvalidToken regardless of the cause.
func (t *TokenSigner) Verify(token string) (*TokenClaims, error) {
	var claims TokenClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, domain.InvalidToken(err)
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return nil, domain.InvalidToken(errors.New("missing session or owner claim"))
	}
	return &claims, nil
}
