package security

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{}

// SessionVerifier validates an administrator session token.
type SessionVerifier interface {
	VerifySession(token string) (string, error)
}

// AuthMiddleware requires a valid administrator session on HTTP requests.
type AuthMiddleware struct {
	verifier SessionVerifier
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(v SessionVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: v}
}

// Wrap returns a handler that requires a valid session token.
// The token can be provided via Authorization header or "token" query parameter.
func (a *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}

		user, err := a.verifier.VerifySession(token)
		if err != nil {
			http.Error(w, `{"error":"invalid session"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// WithUser returns a context carrying the authenticated username.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFromContext returns the authenticated username, or "" if none.
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(contextKey{}).(string)
	return user
}

// extractToken gets the session token from the request.
// Checks Authorization: Bearer <token> header first, then "token" query param.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return r.URL.Query().Get("token")
}
