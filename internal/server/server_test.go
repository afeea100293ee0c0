package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"glow/internal/config"
	"glow/internal/credstore"
	"glow/internal/db"
	"glow/internal/domain"
	"glow/internal/engine"
	"glow/internal/guard"
	"glow/internal/metrics"
	"glow/internal/migrate"
	"glow/internal/repo"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	Store  credstore.Store
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	seed := func(id string, scopes []string) {
		err := r.InsertPrincipal(ctx, domain.Principal{ID: id, Scopes: scopes, CreatedAt: time.Now().UTC().Format(time.RFC3339)})
		if err != nil {
			t.Fatalf("seed principal %s: %v", id, err)
		}
	}
	seed("alice", []string{
		domain.ScopeJobsRead, domain.ScopeJobsWrite,
		domain.ScopeTokensRead, domain.ScopeTokensWrite,
		domain.ScopeAppsRead, domain.ScopeAppsWrite,
	})
	seed("root", []string{domain.ScopeAdmin})

	eng := engine.New(r)
	eng.RegisterKind("reduce", nil)
	store := credstore.New(r)
	g := guard.New(store, testJWTSecret)
	handler, err := New(Config{
		Engine:   eng,
		Store:    store,
		Guard:    g,
		App:      config.Default(),
		Metrics:  metrics.New(),
		BasePath: "/v1",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Store:  store,
		Engine: eng,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func issueSecret(t *testing.T, ts *testServer, owner string, scopes []string) string {
	t.Helper()
	_, secret, err := ts.Store.IssueToken(context.Background(), owner, "test", scopes, 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return secret
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, bearer string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestRequestsWithoutCredentialRejected(t *testing.T) {
	ts := newTestServer(t)
	res, _ := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/jobs", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/jobs", nil, "garbage-token")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d, want 401", res.StatusCode)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	secret := issueSecret(t, ts, "alice", []string{domain.ScopeJobsRead, domain.ScopeJobsWrite})

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/jobs", map[string]any{
		"kind":       "reduce",
		"parameters": map[string]any{"frames": []string{"a", "b"}},
	}, secret)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var created JobResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if created.State != domain.JobPending || created.Owner != "alice" {
		t.Fatalf("created = %+v", created)
	}

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/jobs/"+created.ID, nil, secret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/jobs", nil, secret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var listed []JobResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d jobs", len(listed))
	}

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/jobs/"+created.ID+"/cancel", nil, secret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, data)
	}
	var cancelled JobResponse
	if err := json.Unmarshal(data, &cancelled); err != nil {
		t.Fatal(err)
	}
	if cancelled.State != domain.JobCancelling {
		t.Fatalf("state = %s", cancelled.State)
	}
	// Idempotent repeat.
	res, _ = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/jobs/"+created.ID+"/cancel", nil, secret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second cancel status %d", res.StatusCode)
	}
}

func TestSubmitJobRequiresWriteScope(t *testing.T) {
	ts := newTestServer(t)
	readOnly := issueSecret(t, ts, "alice", []string{domain.ScopeJobsRead})
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/jobs", map[string]any{"kind": "reduce"}, readOnly)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestJobOwnershipHidesForeignJobs(t *testing.T) {
	ts := newTestServer(t)
	aliceSecret := issueSecret(t, ts, "alice", []string{domain.ScopeJobsRead, domain.ScopeJobsWrite})
	rootSecret := issueSecret(t, ts, "root", []string{domain.ScopeAdmin})

	_, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/jobs", map[string]any{"kind": "reduce"}, aliceSecret)
	var created JobResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}

	// Admin sees the job; a stranger's lookup is a plain 404.
	res, _ := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/jobs/"+created.ID, nil, rootSecret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin get status %d", res.StatusCode)
	}
	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/jobs/no-such-id", nil, aliceSecret)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status %d", res.StatusCode)
	}
}

func TestTokenIssueReturnsSecretOnce(t *testing.T) {
	ts := newTestServer(t)
	secret := issueSecret(t, ts, "alice", []string{domain.ScopeTokensRead, domain.ScopeTokensWrite})

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/tokens", map[string]any{
		"name":   "ci",
		"scopes": []string{domain.ScopeTokensRead},
	}, secret)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue status %d: %s", res.StatusCode, data)
	}
	var issued IssuedTokenResponse
	if err := json.Unmarshal(data, &issued); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(issued.Secret, credstore.SecretPrefix) {
		t.Fatalf("secret = %q", issued.Secret)
	}

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/tokens", nil, secret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	if strings.Contains(string(data), issued.Secret) {
		t.Fatalf("raw secret leaked in listing")
	}
	if strings.Contains(string(data), "secret_hash") || strings.Contains(string(data), "salt") {
		t.Fatalf("hash material leaked in listing: %s", data)
	}
}

func TestRevokedTokenStopsAuthenticating(t *testing.T) {
	ts := newTestServer(t)
	manager := issueSecret(t, ts, "alice", []string{domain.ScopeTokensRead, domain.ScopeTokensWrite, domain.ScopeJobsRead})

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/tokens", map[string]any{
		"scopes": []string{domain.ScopeJobsRead},
	}, manager)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue status %d: %s", res.StatusCode, data)
	}
	var issued IssuedTokenResponse
	if err := json.Unmarshal(data, &issued); err != nil {
		t.Fatal(err)
	}

	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/jobs", nil, issued.Secret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pre-revocation status %d", res.StatusCode)
	}

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/tokens/"+issued.ID+"/revoke", nil, manager)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d: %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/jobs", nil, issued.Secret)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("post-revocation status %d, want 401", res.StatusCode)
	}
}

func TestAppGrantExchangeAndRevocation(t *testing.T) {
	ts := newTestServer(t)
	secret := issueSecret(t, ts, "alice", []string{
		domain.ScopeAppsRead, domain.ScopeAppsWrite, domain.ScopeJobsRead,
	})

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/authorized-apps", map[string]any{
		"client_id": "sky-dashboard",
		"scopes":    []string{domain.ScopeJobsRead},
	}, secret)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant status %d: %s", res.StatusCode, data)
	}
	var grant GrantResponse
	if err := json.Unmarshal(data, &grant); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/authorized-apps/"+grant.ID+"/token", nil, secret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("exchange status %d: %s", res.StatusCode, data)
	}
	var appToken AppTokenResponse
	if err := json.Unmarshal(data, &appToken); err != nil {
		t.Fatal(err)
	}
	if appToken.Token == "" || appToken.ExpiresIn <= 0 {
		t.Fatalf("app token = %+v", appToken)
	}

	// The delegated token reads jobs on the owner's behalf.
	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/jobs", nil, appToken.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("app token list status %d", res.StatusCode)
	}
	// But not beyond its granted scopes.
	res, _ = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/jobs", map[string]any{"kind": "reduce"}, appToken.Token)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("app token submit status %d, want 403", res.StatusCode)
	}

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/authorized-apps/"+grant.ID+"/revoke", nil, secret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d: %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/jobs", nil, appToken.Token)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked grant token status %d, want 401", res.StatusCode)
	}
	res, _ = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/authorized-apps/"+grant.ID+"/token", nil, secret)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("exchange after revoke status %d, want 409", res.StatusCode)
	}
}

func TestAuditRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	userSecret := issueSecret(t, ts, "alice", []string{domain.ScopeJobsRead})
	rootSecret := issueSecret(t, ts, "root", []string{domain.ScopeAdmin})

	res, _ := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/audit", nil, userSecret)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("user audit status %d, want 403", res.StatusCode)
	}
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/audit", nil, rootSecret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin audit status %d: %s", res.StatusCode, data)
	}
	var entries []AuditEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatalf("no audit entries; token issuance should be recorded")
	}
}

func TestMetricsEndpointUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/metrics", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "glow_auth_failures_total") {
		t.Fatalf("metrics output missing collectors")
	}
}

func TestUnknownKindRejected(t *testing.T) {
	ts := newTestServer(t)
	secret := issueSecret(t, ts, "alice", []string{domain.ScopeJobsWrite})
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/jobs", map[string]any{"kind": "mystery"}, secret)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "unknown_kind" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}
