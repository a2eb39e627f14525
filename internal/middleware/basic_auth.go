package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"detectsvc/internal/domain"
)

// PasswordStore looks up the bcrypt hash of a user. It returns
// domain.ErrNotFound for unknown users.
type PasswordStore interface {
	PasswordHash(ctx context.Context, username string) (string, error)
}

// BasicAuth checks HTTP basic credentials against store. With optional set,
// requests without an Authorization header pass through anonymously; bad
// credentials are always rejected.
func BasicAuth(store PasswordStore, optional bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" && optional {
				next.ServeHTTP(w, r)
				return
			}
			username, password, ok := r.BasicAuth()
			if !ok {
				unauthorized(w, "missing credentials")
				return
			}
			if err := verify(r.Context(), store, username, password); err != nil {
				if !errors.Is(err, domain.ErrUnauthorized) {
					zerolog.Ctx(r.Context()).Error().Err(err).Msg("auth: credential lookup failed")
				}
				unauthorized(w, "invalid credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithOwner(r.Context(), username)))
		})
	}
}

func verify(ctx context.Context, store PasswordStore, username, password string) error {
	if strings.TrimSpace(username) == "" {
		return domain.ErrUnauthorized
	}
	hash, err := store.PasswordHash(ctx, username)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return domain.ErrUnauthorized
	}
	return nil
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="detect"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": msg})
}

// OwnerFromContext returns the authenticated username or "".
func OwnerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey).(string); ok {
		return v
	}
	return ""
}

func ContextWithOwner(ctx context.Context, owner string) context.Context {
	if strings.TrimSpace(owner) == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerKey, owner)
}
