package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthContext is the resolved identity of an authenticated request.
type AuthContext struct {
	UserID string
}

// Denial is the error arm of an authentication decision.
type Denial struct {
	Status  int
	Message string
}

type contextKey int

const (
	authContextKey contextKey = iota
	requestIDKey
)

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request's correlation ID, empty outside the
// middleware chain.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Auth returns the request's AuthContext. It is always present on
// requests that passed the auth middleware.
func Auth(ctx context.Context) AuthContext {
	ac, _ := ctx.Value(authContextKey).(AuthContext)
	return ac
}

// authenticate decides a request exactly once: it returns either an
// AuthContext or a Denial, never both. The session layer in front of
// the gateway asserts the user in the identity header; the API token
// proves the caller is that session layer.
func (s *Server) authenticate(r *http.Request) (AuthContext, *Denial) {
	if s.apiToken != "" {
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			return AuthContext{}, &Denial{Status: http.StatusUnauthorized, Message: "unauthorized"}
		}
	}

	userID := r.Header.Get("X-Aurora-User")
	if userID == "" {
		userID = "anonymous"
	}
	return AuthContext{UserID: userID}, nil
}

// authMiddleware protects /api/ routes (not healthz) and installs the
// AuthContext for handlers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		ac, denial := s.authenticate(r)
		if denial != nil {
			writeError(w, denial.Status, denial.Message)
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey, ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
