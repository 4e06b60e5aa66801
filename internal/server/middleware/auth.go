// Package middleware provides HTTP middleware for authentication and request logging.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

// accountIDKey is the context key for the authenticated account.
const accountIDKey ContextKey = "accountID"

// TokenValidator validates bearer tokens. It is implemented by an adapter
// over the server's JWT service so this package has no dependency on it.
type TokenValidator interface {
	ValidateToken(tokenString string) (AccountIDGetter, error)
}

// AccountIDGetter exposes the account a token was issued for.
type AccountIDGetter interface {
	GetAccountID() uuid.UUID
}

// AuthMiddleware rejects requests without a valid bearer token and stores the
// token's account id in the request context.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w)
				return
			}

			claims, err := validator.ValidateToken(tokenString)
			if err != nil {
				unauthorized(w)
				return
			}
			accountID := claims.GetAccountID()
			if accountID == uuid.Nil {
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), accountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from an Authorization header. The scheme is
// case-insensitive.
func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="assets"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// GetAccountID returns the authenticated account id from the request context.
func GetAccountID(r *http.Request) (uuid.UUID, error) {
	accountID, ok := r.Context().Value(accountIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("account ID not found in request context")
	}
	return accountID, nil
}

// WithAccountID returns ctx carrying accountID, as AuthMiddleware would.
func WithAccountID(ctx context.Context, accountID uuid.UUID) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}
