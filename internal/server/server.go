package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"glow/internal/config"
	"glow/internal/credstore"
	"glow/internal/domain"
	"glow/internal/engine"
	"glow/internal/guard"
	"glow/internal/metrics"
	"glow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Store    credstore.Store
	Guard    guard.Guard
	App      *config.Config
	Metrics  *metrics.Metrics
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"scope jobs:write required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Glow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Guard, cfg.Metrics))
	hcfg := huma.DefaultConfig("Glow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	if cfg.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerJobs(group, cfg.Engine, cfg.Metrics)
	registerTokens(group, cfg.Store)
	registerApps(group, cfg.Store, cfg.Guard, cfg.App)
	registerAudit(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe guard.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"scope": fe.Scope})
	}
	switch {
	case errors.Is(err, guard.ErrUnauthenticated):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	case errors.Is(err, credstore.ErrNotOwner):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, credstore.ErrInvalidScope):
		return newAPIError(http.StatusBadRequest, "invalid_scope", err.Error(), nil)
	case errors.Is(err, credstore.ErrCredentialInvalid):
		return newAPIError(http.StatusConflict, "grant_revoked", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownKind):
		return newAPIError(http.StatusBadRequest, "unknown_kind", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidParameters):
		return newAPIError(http.StatusBadRequest, "invalid_parameters", err.Error(), nil)
	case errors.Is(err, repo.ErrStaleTransition):
		return newAPIError(http.StatusConflict, "invalid_state", "job is in a terminal state", nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:   "http",
		Scheme: "bearer",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Glow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Job counts by state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := requireScope(ctx, domain.ScopeJobsRead); authErr != nil {
			return nil, authErr
		}
		counts, err := e.Repo.CountJobsByState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"job_counts": counts}}, nil
	})
}

func registerJobs(api huma.API, e *engine.Engine, m *metrics.Metrics) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Submit job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requireScope(ctx, domain.ScopeJobsWrite)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Kind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind is required", nil)
		}
		j, err := e.SubmitJob(ctx, principal.ID, input.Body.Kind, input.Body.Parameters)
		if err != nil {
			return nil, handleError(err)
		}
		if m != nil {
			m.JobsSubmitted.WithLabelValues(j.Kind).Inc()
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		State  string `query:"state" enum:",pending,running,cancelling,completed,failed,cancelled"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		principal, authErr := requireScope(ctx, domain.ScopeJobsRead)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.JobFilters{State: input.State, Limit: input.Limit}
		if input.Cursor != "" {
			createdAt, id, ok := strings.Cut(input.Cursor, "|")
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			f.CursorCreatedAt, f.CursorID = createdAt, id
		}
		items, err := e.ListJobs(ctx, principal, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: mapJobs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		principal, authErr := requireScope(ctx, domain.ScopeJobsRead)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.GetJob(ctx, input.JobID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel job",
		Errors: []int{
			http.StatusNotFound,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		principal, authErr := requireScope(ctx, domain.ScopeJobsWrite)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Cancel(ctx, input.JobID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})
}

func registerTokens(api huma.API, store credstore.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-token",
		Method:        http.MethodPost,
		Path:          "/tokens",
		Summary:       "Issue personal access token",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body IssueTokenRequest `json:"body"`
	}) (*struct {
		Body IssuedTokenResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requireScope(ctx, domain.ScopeTokensWrite)
		if authErr != nil {
			return nil, authErr
		}
		owner := principal.ID
		if input.Body.Owner != "" && input.Body.Owner != principal.ID {
			if !principal.Admin() {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "only administrators may issue for another owner", nil)
			}
			owner = input.Body.Owner
		}
		ttl := time.Duration(input.Body.TTLSeconds) * time.Second
		t, secret, err := store.IssueToken(ctx, owner, input.Body.Name, input.Body.Scopes, ttl)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssuedTokenResponse `json:"body"`
		}{Body: IssuedTokenResponse{TokenResponse: tokenResponse(t), Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tokens",
		Method:      http.MethodGet,
		Path:        "/tokens",
		Summary:     "List personal access tokens",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TokenResponse `json:"body"`
	}, error) {
		principal, authErr := requireScope(ctx, domain.ScopeTokensRead)
		if authErr != nil {
			return nil, authErr
		}
		owner := principal.ID
		if principal.Admin() {
			owner = ""
		}
		items, err := store.Repo.ListTokens(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TokenResponse `json:"body"`
		}{Body: mapTokens(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-token",
		Method:      http.MethodPost,
		Path:        "/tokens/{token_id}/revoke",
		Summary:     "Revoke personal access token",
		Errors: []int{
			http.StatusNotFound,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		TokenID string `path:"token_id"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		principal, authErr := requireScope(ctx, domain.ScopeTokensWrite)
		if authErr != nil {
			return nil, authErr
		}
		if err := store.RevokeToken(ctx, input.TokenID, principal); err != nil {
			return nil, handleError(err)
		}
		t, err := store.Repo.GetToken(ctx, input.TokenID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: tokenResponse(t)}, nil
	})
}

func registerApps(api huma.API, store credstore.Store, g guard.Guard, cfg *config.Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-app-grant",
		Method:        http.MethodPost,
		Path:          "/authorized-apps",
		Summary:       "Record authorized app grant",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body RecordGrantRequest `json:"body"`
	}) (*struct {
		Body GrantResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requireScope(ctx, domain.ScopeAppsWrite)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ClientID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "client_id is required", nil)
		}
		owner := principal.ID
		if input.Body.Owner != "" && input.Body.Owner != principal.ID {
			if !principal.Admin() {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "only administrators may grant for another owner", nil)
			}
			owner = input.Body.Owner
		}
		grant, err := store.RecordGrant(ctx, owner, input.Body.ClientID, input.Body.Scopes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GrantResponse `json:"body"`
		}{Body: grantResponse(grant)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-app-grants",
		Method:      http.MethodGet,
		Path:        "/authorized-apps",
		Summary:     "List authorized app grants",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []GrantResponse `json:"body"`
	}, error) {
		principal, authErr := requireScope(ctx, domain.ScopeAppsRead)
		if authErr != nil {
			return nil, authErr
		}
		owner := principal.ID
		if principal.Admin() {
			owner = ""
		}
		items, err := store.Repo.ListGrants(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GrantResponse `json:"body"`
		}{Body: mapGrants(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-app-grant",
		Method:      http.MethodPost,
		Path:        "/authorized-apps/{grant_id}/revoke",
		Summary:     "Revoke authorized app grant",
		Errors: []int{
			http.StatusNotFound,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		GrantID string `path:"grant_id"`
	}) (*struct {
		Body GrantResponse `json:"body"`
	}, error) {
		principal, authErr := requireScope(ctx, domain.ScopeAppsWrite)
		if authErr != nil {
			return nil, authErr
		}
		if err := store.RevokeGrant(ctx, input.GrantID, principal); err != nil {
			return nil, handleError(err)
		}
		grant, err := store.Repo.GetGrant(ctx, input.GrantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GrantResponse `json:"body"`
		}{Body: grantResponse(grant)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "exchange-app-token",
		Method:      http.MethodPost,
		Path:        "/authorized-apps/{grant_id}/token",
		Summary:     "Exchange grant for delegated app token",
		Errors: []int{
			http.StatusNotFound,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GrantID string `path:"grant_id"`
	}) (*struct {
		Body AppTokenResponse `json:"body"`
	}, error) {
		principal, authErr := requireScope(ctx, domain.ScopeAppsWrite)
		if authErr != nil {
			return nil, authErr
		}
		ttl := cfg.AppTokenTTL()
		token, err := g.ExchangeAppToken(ctx, input.GrantID, principal, ttl)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AppTokenResponse `json:"body"`
		}{Body: AppTokenResponse{Token: token, ExpiresIn: int(ttl.Seconds())}}, nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit trail",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Actor  string `query:"actor"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
		Cursor int64  `query:"cursor" minimum:"0"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		if _, authErr := requireScope(ctx, domain.ScopeAdmin); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAudit(ctx, repo.AuditFilters{
			Type:   input.Type,
			Actor:  input.Actor,
			Limit:  input.Limit,
			Cursor: input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: mapAudit(items)}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Principal `json:"body"`
	}, error) {
		principal, authErr := requireScope(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.Principal `json:"body"`
		}{Body: principal}, nil
	})
}
