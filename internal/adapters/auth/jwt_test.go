package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
)

var (
	secret = []byte("test-secret-test-secret-test-sec")
	now    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func verifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(Config{
		Secret:   secret,
		Issuer:   "lobby-auth",
		Audience: "lobby",
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	return v
}

func TestVerifyValidToken(t *testing.T) {
	token, err := Sign(secret, "uid-123", "  Ann ", "lobby-auth", "lobby", now.Add(time.Hour))
	require.NoError(t, err)

	id, err := verifier(t).Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.Authenticated{SubjectID: "uid-123", Name: "Ann"}, id)
}

func TestVerifyRejects(t *testing.T) {
	valid := func(mut func(*claims)) string {
		c := claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "uid-1",
				Issuer:    "lobby-auth",
				Audience:  jwt.ClaimStrings{"lobby"},
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}
		if mut != nil {
			mut(&c)
		}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
		require.NoError(t, err)
		return s
	}

	otherKey, err := Sign([]byte("another-secret-another-secret-00"), "uid-1", "", "lobby-auth", "lobby", now.Add(time.Hour))
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject: "uid-1", Issuer: "lobby-auth", Audience: jwt.ClaimStrings{"lobby"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":          "",
		"garbage":        "not.a.jwt",
		"wrong key":      otherKey,
		"wrong alg":      hs512,
		"expired":        valid(func(c *claims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute)) }),
		"no expiry":      valid(func(c *claims) { c.ExpiresAt = nil }),
		"wrong issuer":   valid(func(c *claims) { c.Issuer = "someone-else" }),
		"wrong audience": valid(func(c *claims) { c.Audience = jwt.ClaimStrings{"other"} }),
		"no subject":     valid(func(c *claims) { c.Subject = "" }),
	}
	v := verifier(t)
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			assert.ErrorIs(t, err, core.ErrAuthFailure)
		})
	}
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier(Config{})
	assert.Error(t, err)
}
