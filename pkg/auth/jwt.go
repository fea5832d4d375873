// Package auth validates inbound bearer tokens and resolves the caller
// context (role, session, expiry) used by the permission gate.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/ensembleworks/ensemble/pkg/fault"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

// Claims are the token fields the runtime cares about.
type Claims struct {
	Subject   string
	Role      tools.Role
	SessionID string
	ExpiresAt time.Time
}

// Caller identifies who is making a request. Role defaults to developer when
// no credential is presented and auth is disabled.
type Caller struct {
	Role      tools.Role
	SessionID string
	ExpiresAt time.Time
}

// Expired reports whether the caller's credential has an expiry in the past.
func (c Caller) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// DefaultCaller is used when authentication is disabled.
func DefaultCaller() Caller {
	return Caller{Role: tools.RoleDeveloper}
}

// Validator validates JWTs either against a remote JWKS (auto-refreshed to
// handle key rotation) or a static HS256 secret for local setups.
type Validator struct {
	jwksURL  string
	cache    *jwk.Cache
	secret   []byte
	issuer   string
	audience string
}

// NewJWKSValidator builds a validator backed by a remote key set.
func NewJWKSValidator(ctx context.Context, jwksURL, issuer, audience string) (*Validator, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	return &Validator{jwksURL: jwksURL, cache: cache, issuer: issuer, audience: audience}, nil
}

// NewSecretValidator builds an HS256 validator from a shared secret.
func NewSecretValidator(secret, issuer, audience string) *Validator {
	return &Validator{secret: []byte(secret), issuer: issuer, audience: audience}
}

// ValidateToken verifies the signature, expiry, issuer, and audience, and
// extracts the claims the runtime uses.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	if v.cache != nil {
		keyset, err := v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fault.Wrap(fault.KindUnauthorized, "failed to get JWKS", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.secret))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnauthorized, "invalid token", err)
	}

	claims := &Claims{
		Subject:   token.Subject(),
		ExpiresAt: token.Expiration(),
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = tools.Role(s)
		}
	}
	if sid, ok := token.Get("session_id"); ok {
		if s, ok := sid.(string); ok {
			claims.SessionID = s
		}
	}
	return claims, nil
}

// CallerFromClaims maps claims to a caller context, applying the developer
// default for tokens without a role.
func CallerFromClaims(claims *Claims) Caller {
	caller := Caller{
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt,
		Role:      claims.Role,
	}
	switch caller.Role {
	case tools.RoleStakeholder, tools.RoleDeveloper, tools.RoleAdmin:
	default:
		caller.Role = tools.RoleDeveloper
	}
	return caller
}
