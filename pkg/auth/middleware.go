package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey struct{}

// CallerFrom returns the caller stored by Middleware, or the default caller.
func CallerFrom(ctx context.Context) Caller {
	if caller, ok := ctx.Value(contextKey{}).(Caller); ok {
		return caller
	}
	return DefaultCaller()
}

// WithCaller stores a caller on the context. Used by tests and embedded
// (in-process) callers.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, caller)
}

// Middleware resolves the caller for each request. With a nil validator every
// request gets the default developer caller; with a validator, a missing or
// invalid bearer token is rejected. The x-session-id header takes precedence
// over the token's session claim.
func Middleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := DefaultCaller()

			if validator != nil {
				token := bearerToken(r)
				if token == "" {
					writeAuthError(w, "missing bearer token")
					return
				}
				claims, err := validator.ValidateToken(r.Context(), token)
				if err != nil {
					writeAuthError(w, "invalid token")
					return
				}
				caller = CallerFromClaims(claims)
			}

			if sid := r.Header.Get("x-session-id"); sid != "" {
				caller.SessionID = sid
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
