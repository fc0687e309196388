// Package auth verifies client identity tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
)

// Config defines how identity tokens are verified.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// JWTVerifier accepts HS256 tokens carrying sub and an optional name.
type JWTVerifier struct {
	cfg    Config
	parser *jwt.Parser
}

var _ core.Authenticator = (*JWTVerifier)(nil)

func NewJWTVerifier(cfg Config) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTVerifier{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Verify returns domain.Authenticated or an error wrapping core.ErrAuthFailure.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", core.ErrAuthFailure)
	}

	var parsed claims
	_, err := v.parser.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrAuthFailure, describe(err))
	}

	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: sub is required", core.ErrAuthFailure)
	}
	if len(subject) > domain.MaxSubjectIDLen {
		return nil, fmt.Errorf("%w: sub too long", core.ErrAuthFailure)
	}
	return domain.Authenticated{SubjectID: subject, Name: strings.TrimSpace(parsed.Name)}, nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature invalid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer mismatch"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "audience mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "alg not allowed"
	default:
		return "token invalid"
	}
}

// Sign issues an HS256 token that JWTVerifier accepts.
func Sign(secret []byte, subject, name, issuer, audience string, expiresAt time.Time) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Name: name,
	}
	if audience != "" {
		c.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}
