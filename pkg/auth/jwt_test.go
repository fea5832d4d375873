package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/pkg/fault"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Subject("user-1").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	mutate(b)

	token, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func TestValidateTokenExtractsClaims(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")

	raw := signToken(t, func(b *jwt.Builder) {
		b.Claim("role", "admin").Claim("session_id", "sess-9")
	})

	claims, err := v.ValidateToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, tools.RoleAdmin, claims.Role)
	assert.Equal(t, "sess-9", claims.SessionID)
	assert.False(t, claims.ExpiresAt.IsZero())
}

func TestValidateTokenRejectsBadSignature(t *testing.T) {
	v := NewSecretValidator("other-secret", "", "")
	raw := signToken(t, func(b *jwt.Builder) {})

	_, err := v.ValidateToken(context.Background(), raw)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindUnauthorized))
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")
	raw := signToken(t, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-time.Minute))
	})

	_, err := v.ValidateToken(context.Background(), raw)
	assert.Error(t, err)
}

func TestCallerFromClaimsDefaultsRole(t *testing.T) {
	caller := CallerFromClaims(&Claims{SessionID: "s"})
	assert.Equal(t, tools.RoleDeveloper, caller.Role)

	caller = CallerFromClaims(&Claims{Role: "superuser"})
	assert.Equal(t, tools.RoleDeveloper, caller.Role)

	caller = CallerFromClaims(&Claims{Role: tools.RoleStakeholder})
	assert.Equal(t, tools.RoleStakeholder, caller.Role)
}

func TestCallerExpired(t *testing.T) {
	assert.False(t, Caller{}.Expired())
	assert.False(t, Caller{ExpiresAt: time.Now().Add(time.Hour)}.Expired())
	assert.True(t, Caller{ExpiresAt: time.Now().Add(-time.Second)}.Expired())
}

func TestMiddlewareWithoutValidator(t *testing.T) {
	var got Caller
	handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = CallerFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("x-session-id", "sess-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, tools.RoleDeveloper, got.Role)
	assert.Equal(t, "sess-7", got.SessionID)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")
	raw := signToken(t, func(b *jwt.Builder) {
		b.Claim("role", "stakeholder").Claim("session_id", "from-token")
	})

	var got Caller
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = CallerFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tools.RoleStakeholder, got.Role)
	assert.Equal(t, "from-token", got.SessionID)

	// Header overrides the token claim.
	req.Header.Set("x-session-id", "override")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "override", got.SessionID)
}
