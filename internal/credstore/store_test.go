package credstore_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"glow/internal/credstore"
	"glow/internal/db"
	"glow/internal/domain"
	"glow/internal/migrate"
	"glow/internal/repo"
)

func newTestStore(t *testing.T) (credstore.Store, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	store := credstore.New(r)
	ctx := context.Background()
	seedPrincipal(t, ctx, r, "alice", []string{domain.ScopeJobsRead, domain.ScopeJobsWrite, domain.ScopeTokensRead, domain.ScopeTokensWrite})
	seedPrincipal(t, ctx, r, "root", []string{domain.ScopeAdmin})
	return store, ctx
}

func seedPrincipal(t *testing.T, ctx context.Context, r repo.Repo, id string, scopes []string) {
	t.Helper()
	err := r.InsertPrincipal(ctx, domain.Principal{
		ID:        id,
		Scopes:    scopes,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("seed principal %s: %v", id, err)
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	store, ctx := newTestStore(t)
	tok, secret, err := store.IssueToken(ctx, "alice", "laptop", []string{domain.ScopeJobsRead}, 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(secret, credstore.SecretPrefix) {
		t.Fatalf("secret prefix missing: %s", secret)
	}
	if tok.SecretHash == secret {
		t.Fatalf("raw secret stored")
	}
	principal, scopes, err := store.ValidateToken(ctx, secret)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if principal.ID != "alice" {
		t.Fatalf("principal = %s", principal.ID)
	}
	if len(scopes) != 1 || scopes[0] != domain.ScopeJobsRead {
		t.Fatalf("scopes = %v", scopes)
	}
}

func TestValidateRejectsTamperedSecret(t *testing.T) {
	store, ctx := newTestStore(t)
	_, secret, err := store.IssueToken(ctx, "alice", "", []string{domain.ScopeJobsRead}, 0)
	if err != nil {
		t.Fatal(err)
	}
	tampered := secret + "x"
	if _, _, err := store.ValidateToken(ctx, tampered); !errors.Is(err, credstore.ErrCredentialInvalid) {
		t.Fatalf("err = %v, want ErrCredentialInvalid", err)
	}
}

func TestValidateFailuresIndistinguishable(t *testing.T) {
	store, ctx := newTestStore(t)

	// Unknown secret.
	_, _, unknownErr := store.ValidateToken(ctx, credstore.SecretPrefix+"nope.nope")

	// Revoked token.
	tok, secret, err := store.IssueToken(ctx, "alice", "", []string{domain.ScopeJobsRead}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RevokeToken(ctx, tok.ID, domain.Principal{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	_, _, revokedErr := store.ValidateToken(ctx, secret)

	// Expired token.
	store.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	_, expSecret, err := store.IssueToken(ctx, "alice", "", []string{domain.ScopeJobsRead}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	store.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 2, 0, 0, time.UTC) }
	_, _, expiredErr := store.ValidateToken(ctx, expSecret)

	for name, err := range map[string]error{"unknown": unknownErr, "revoked": revokedErr, "expired": expiredErr} {
		if !errors.Is(err, credstore.ErrCredentialInvalid) {
			t.Fatalf("%s err = %v, want ErrCredentialInvalid", name, err)
		}
	}
}

func TestIssueTokenScopeSubset(t *testing.T) {
	store, ctx := newTestStore(t)
	// alice does not hold apps:write.
	_, _, err := store.IssueToken(ctx, "alice", "", []string{domain.ScopeAppsWrite}, 0)
	if !errors.Is(err, credstore.ErrInvalidScope) {
		t.Fatalf("err = %v, want ErrInvalidScope", err)
	}
	_, _, err = store.IssueToken(ctx, "alice", "", []string{"jobs:all"}, 0)
	if !errors.Is(err, credstore.ErrInvalidScope) {
		t.Fatalf("unknown scope err = %v, want ErrInvalidScope", err)
	}
	_, _, err = store.IssueToken(ctx, "alice", "", nil, 0)
	if !errors.Is(err, credstore.ErrInvalidScope) {
		t.Fatalf("empty scopes err = %v, want ErrInvalidScope", err)
	}
	// admin implies every scope.
	if _, _, err := store.IssueToken(ctx, "root", "", []string{domain.ScopeAppsWrite}, 0); err != nil {
		t.Fatalf("admin issue: %v", err)
	}
}

func TestRevokeTokenOwnership(t *testing.T) {
	store, ctx := newTestStore(t)
	tok, _, err := store.IssueToken(ctx, "alice", "", []string{domain.ScopeJobsRead}, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = store.RevokeToken(ctx, tok.ID, domain.Principal{ID: "mallory"})
	if !errors.Is(err, credstore.ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
	// Admin may revoke anyone's token.
	if err := store.RevokeToken(ctx, tok.ID, domain.Principal{ID: "root", Scopes: []string{domain.ScopeAdmin}}); err != nil {
		t.Fatalf("admin revoke: %v", err)
	}
	// Idempotent.
	if err := store.RevokeToken(ctx, tok.ID, domain.Principal{ID: "alice"}); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	got, err := store.Repo.GetToken(ctx, tok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Revoked {
		t.Fatalf("token not marked revoked")
	}
}

func TestRecordAndRevokeGrant(t *testing.T) {
	store, ctx := newTestStore(t)
	g, err := store.RecordGrant(ctx, "alice", "sky-dashboard", []string{domain.ScopeJobsRead})
	if err != nil {
		t.Fatalf("record grant: %v", err)
	}
	if g.Revoked {
		t.Fatalf("new grant revoked")
	}
	_, err = store.RecordGrant(ctx, "alice", "sky-dashboard", []string{domain.ScopeAppsWrite})
	if !errors.Is(err, credstore.ErrInvalidScope) {
		t.Fatalf("scope escalation err = %v", err)
	}
	err = store.RevokeGrant(ctx, g.ID, domain.Principal{ID: "mallory"})
	if !errors.Is(err, credstore.ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
	if err := store.RevokeGrant(ctx, g.ID, domain.Principal{ID: "alice"}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := store.RevokeGrant(ctx, g.ID, domain.Principal{ID: "alice"}); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	got, err := store.Repo.GetGrant(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Revoked {
		t.Fatalf("grant not marked revoked")
	}
}

func TestAuditTrailRecordsCredentialLifecycle(t *testing.T) {
	store, ctx := newTestStore(t)
	tok, _, err := store.IssueToken(ctx, "alice", "", []string{domain.ScopeJobsRead}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RevokeToken(ctx, tok.ID, domain.Principal{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	for _, evtType := range []string{"token.issued", "token.revoked"} {
		entries, err := store.Repo.ListAudit(ctx, repo.AuditFilters{Type: evtType})
		if err != nil || len(entries) != 1 {
			t.Fatalf("%s entries = %d, err %v", evtType, len(entries), err)
		}
	}
}
