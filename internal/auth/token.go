// Package auth issues and checks the short-lived tokens that let the
// mobile companion open its websocket.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTTL is how long a mobile token stays valid.
const TokenTTL = time.Hour

// SubjectMobile is the subject claim of mobile tokens.
const SubjectMobile = "mobile"

const issuer = "rafi"

var (
	// ErrNoSecret is returned when tokens are requested without a
	// signing secret configured.
	ErrNoSecret = errors.New("mobile token secret not configured")

	// ErrInvalidToken covers malformed, forged and expired tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims are the JWT claims of a mobile token. CallSID links the
// session to a phone call when the token was sent during one.
type Claims struct {
	CallSID string `json:"call_sid,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and validates HS256 mobile tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an issuer for secret. A zero ttl means [TokenTTL].
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = TokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue creates a token, optionally bound to a call SID, and returns
// it with its expiry.
func (i *Issuer) Issue(callSID string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := &Claims{
		CallSID: callSID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   SubjectMobile,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign mobile token: %w", err)
	}
	return signed, exp, nil
}

// Validate parses token and checks signature, algorithm, subject and
// expiry.
func (i *Issuer) Validate(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(SubjectMobile),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// KeyMatches compares an admin key in constant time. An empty
// expected key never matches.
func KeyMatches(expected, got string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
