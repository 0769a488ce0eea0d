// Package auth provides authentication and tenant-scoping middleware.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tessara/accesscore/pkg/types"
)

type contextKey string

const orgKey contextKey = "org_id"

// OrgFromContext extracts the authenticated organization ID from the context.
func OrgFromContext(ctx context.Context) string {
	v, _ := ctx.Value(orgKey).(string)
	return v
}

// APIKeyAuth returns middleware that validates API keys, sets the org
// context, and rejects requests whose {orgID} path segment does not match the
// key's organization. A key can never read or write another tenant's rows.
func APIKeyAuth(keys *KeyStore) func(http.Handler) http.Handler {
	skipPaths := map[string]bool{
		"/healthz": true,
		"/readyz":  true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				// Also check Authorization: Bearer
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					apiKey = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if apiKey == "" {
				types.ErrUnauthorized("missing API key").WriteJSON(w, r)
				return
			}

			orgID, ok := keys.Lookup(apiKey)
			if !ok {
				types.ErrUnauthorized("invalid API key").WriteJSON(w, r)
				return
			}

			if pathOrg := chi.URLParam(r, "orgID"); pathOrg != "" && pathOrg != orgID {
				// Indistinguishable from a missing resource on purpose.
				types.ErrNotFound("not found").WriteJSON(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), orgKey, orgID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
