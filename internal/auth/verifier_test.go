package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testUserID        = "user-123"
	testUserEmail     = "user@example.com"
)

func newTestVerifier(t *testing.T, clockNow time.Time, issuer string) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(VerifierConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        issuer,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	return verifier
}

func signClaims(t *testing.T, claims Claims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestVerifierAcceptsIssuedToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Clock:         func() time.Time { return clockNow.Add(-time.Minute) },
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	token, _, err := issuer.IssueToken(context.Background(), testUserID, testUserEmail)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	claims, err := newTestVerifier(t, clockNow, "").Verify(token)
	if err != nil {
		t.Fatalf("unexpected verification failure: %v", err)
	}
	if claims.UserID() != testUserID || claims.Email != testUserEmail {
		t.Fatalf("unexpected claims %#v", claims)
	}
}

func TestVerifierRejections(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	valid := jwt.RegisteredClaims{
		Subject:   testUserID,
		Audience:  []string{DefaultAudience},
		IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
	}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
	wrongAudience := valid
	wrongAudience.Audience = []string{"someone-else"}
	noSubject := valid
	noSubject.Subject = ""
	noExpiry := valid
	noExpiry.ExpiresAt = nil

	testCases := []struct {
		name     string
		token    string
		expected error
	}{
		{name: "empty", token: "  ", expected: ErrMissingToken},
		{name: "garbage", token: "not.a.token", expected: ErrInvalidToken},
		{name: "expired", token: signClaims(t, Claims{RegisteredClaims: expired}, testSigningSecret), expected: ErrExpiredToken},
		{name: "wrong secret", token: signClaims(t, Claims{RegisteredClaims: valid}, "other"), expected: ErrInvalidToken},
		{name: "wrong audience", token: signClaims(t, Claims{RegisteredClaims: wrongAudience}, testSigningSecret), expected: ErrInvalidToken},
		{name: "missing subject", token: signClaims(t, Claims{RegisteredClaims: noSubject}, testSigningSecret), expected: ErrMissingSubject},
		{name: "missing expiry", token: signClaims(t, Claims{RegisteredClaims: noExpiry}, testSigningSecret), expected: ErrInvalidToken},
	}
	verifier := newTestVerifier(t, clockNow, "")
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := verifier.Verify(testCase.token); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestVerifierEnforcesConfiguredIssuer(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	token := signClaims(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   testUserID,
		Issuer:    "https://elsewhere.example.com",
		Audience:  []string{DefaultAudience},
		ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
	}}, testSigningSecret)

	if _, err := newTestVerifier(t, clockNow, "https://auth.example.com").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer mismatch to be rejected, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	testCases := []struct {
		name          string
		target        string
		authorization string
		expected      string
		expectedErr   error
	}{
		{name: "header", target: "/usage", authorization: "Bearer abc.def.ghi", expected: "abc.def.ghi"},
		{name: "lowercase scheme", target: "/usage", authorization: "bearer abc", expected: "abc"},
		{name: "query fallback", target: "/usage/events?access_token=xyz", expected: "xyz"},
		{name: "nothing", target: "/usage", expectedErr: ErrMissingToken},
		{name: "basic scheme", target: "/usage?access_token=xyz", authorization: "Basic dXNlcg==", expectedErr: ErrUnsupportedScheme},
		{name: "empty bearer", target: "/usage", authorization: "Bearer   ", expectedErr: ErrUnsupportedScheme},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest("GET", testCase.target, nil)
			if testCase.authorization != "" {
				request.Header.Set("Authorization", testCase.authorization)
			}
			token, err := BearerToken(request)
			if testCase.expectedErr != nil {
				if !errors.Is(err, testCase.expectedErr) {
					t.Fatalf("expected %v, got token %q err %v", testCase.expectedErr, token, err)
				}
				return
			}
			if err != nil || token != testCase.expected {
				t.Fatalf("expected %q, got %q (%v)", testCase.expected, token, err)
			}
		})
	}
}
