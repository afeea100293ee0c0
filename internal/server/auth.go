package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"glow/internal/domain"
	"glow/internal/guard"
	"glow/internal/metrics"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}

// requireScope resolves the authenticated principal and checks it carries
// scope. Handlers call this before touching the engine.
func requireScope(ctx context.Context, scope string) (domain.Principal, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return domain.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if scope != "" && !domain.HasScope(p.Scopes, scope) {
		return domain.Principal{}, newAPIError(http.StatusForbidden, "forbidden", "scope "+scope+" required", map[string]any{"scope": scope})
	}
	return p, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware authenticates every API request with the guard. Every
// credential failure produces the same 401; the cause is never surfaced.
func newAuthMiddleware(basePath string, g guard.Guard, m *metrics.Metrics) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			reject := func() {
				if m != nil {
					m.AuthFailures.Inc()
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				reject()
				return
			}
			credential, ok := bearerToken(authz)
			if !ok {
				reject()
				return
			}
			principal, err := g.Authorize(req.Context(), credential, "")
			if err != nil {
				if errors.Is(err, guard.ErrUnauthenticated) {
					reject()
					return
				}
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
