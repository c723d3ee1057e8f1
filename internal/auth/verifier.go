package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix          = "bearer "
	accessTokenQueryParam = "access_token"
	// DefaultAudience is the audience stamped on tokens by the hosted auth platform.
	DefaultAudience = "authenticated"
)

var (
	ErrMissingSigningKey = errors.New("auth: signing key required")
	ErrMissingToken      = errors.New("auth: token required")
	ErrInvalidToken      = errors.New("auth: invalid token")
	ErrExpiredToken      = errors.New("auth: token expired")
	ErrMissingSubject    = errors.New("auth: subject required")
	ErrUnsupportedScheme = errors.New("auth: authorization header is not a bearer token")
)

// Claims is the verified bearer token payload.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the verified subject.
func (c Claims) UserID() string {
	return c.Subject
}

// VerifierConfig describes how bearer tokens are validated. Issuer is optional.
type VerifierConfig struct {
	SigningSecret []byte
	Audience      string
	Issuer        string
	Clock         func() time.Time
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	signingSecret []byte
	audience      string
	issuer        string
	clock         func() time.Time
}

// NewVerifier constructs a verifier with the provided configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = DefaultAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		audience:      audience,
		issuer:        strings.TrimSpace(cfg.Issuer),
		clock:         clock,
	}, nil
}

// Verify validates the supplied JWT string and returns the parsed claims.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}

// BearerToken extracts the token from the Authorization header, falling back to the
// access_token query parameter used by EventSource clients. A present header that does not
// carry a bearer token yields ErrUnsupportedScheme; no credential at all yields ErrMissingToken.
func BearerToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			return "", ErrUnsupportedScheme
		}
		token := strings.TrimSpace(header[len(bearerPrefix):])
		if token == "" {
			return "", ErrUnsupportedScheme
		}
		return token, nil
	}
	if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam)); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}
