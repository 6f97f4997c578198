package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey int

const accountIDKey contextKey = 0

// AccountID extracts the authenticated account identifier a previous call
// to Middleware attached to the request context. Returns false if the
// request context carries none (i.e. Middleware was never applied, or the
// route is unauthenticated).
func AccountID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(accountIDKey).(uuid.UUID)
	return id, ok
}

// Middleware validates the Authorization: Bearer header on every request,
// calling onError with the classification the HTTP layer needs to pick a
// status code and machine error code.
func (g *Gate) Middleware(onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) || len(header) <= len(prefix) {
				onError(w, r, ErrUnauthorized)
				return
			}
			bearer := header[len(prefix):]

			accountID, err := g.Authenticate(r.Context(), bearer)
			if err != nil {
				onError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), accountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
