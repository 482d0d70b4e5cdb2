package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewIssuer(t *testing.T) {
	if _, err := NewIssuer("", 0); !errors.Is(err, ErrNoSecret) {
		t.Errorf("NewIssuer(\"\") error = %v, want ErrNoSecret", err)
	}
	i, err := NewIssuer("s3cret", 0)
	if err != nil {
		t.Fatal(err)
	}
	if i.ttl != TokenTTL {
		t.Errorf("ttl = %v, want %v", i.ttl, TokenTTL)
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	i, _ := NewIssuer("s3cret", 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	i.now = func() time.Time { return now }

	tok, exp, err := i.Issue("CA123")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Errorf("expiry = %v, want one hour after issue", exp)
	}
	if strings.Count(tok, ".") != 2 {
		t.Errorf("token %q is not a compact JWT", tok)
	}

	claims, err := i.Validate(tok)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if claims.CallSID != "CA123" || claims.Subject != SubjectMobile || claims.ID == "" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestIssuer_ValidateRejects(t *testing.T) {
	i, _ := NewIssuer("s3cret", 0)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	i.now = func() time.Time { return start }
	good, _, _ := i.Issue("")

	other, _ := NewIssuer("different", 0)
	other.now = i.now
	forged, _, _ := other.Issue("")

	wrongSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(start.Add(time.Hour)),
		},
	}).SignedString([]byte("s3cret"))

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: SubjectMobile, Issuer: issuer},
	}).SignedString([]byte("s3cret"))

	tests := []struct {
		name  string
		token string
		at    time.Time
	}{
		{"empty", "", start},
		{"garbage", "not.a.jwt", start},
		{"wrong secret", forged, start},
		{"wrong subject", wrongSubject, start},
		{"no expiry", noExpiry, start},
		{"expired", good, start.Add(61 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i.now = func() time.Time { return tt.at }
			if _, err := i.Validate(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
			}
		})
	}

	i.now = func() time.Time { return start.Add(59 * time.Minute) }
	if _, err := i.Validate(good); err != nil {
		t.Errorf("Validate() before expiry error = %v", err)
	}
}

func TestKeyMatches(t *testing.T) {
	tests := []struct {
		expected, got string
		want          bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := KeyMatches(tt.expected, tt.got); got != tt.want {
			t.Errorf("KeyMatches(%q, %q) = %v, want %v", tt.expected, tt.got, got, tt.want)
		}
	}
}
