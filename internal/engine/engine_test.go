package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"glow/internal/db"
	"glow/internal/domain"
	"glow/internal/engine"
	"glow/internal/migrate"
	"glow/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "root"} {
		err := r.InsertPrincipal(ctx, domain.Principal{
			ID:        id,
			Scopes:    []string{domain.ScopeJobsRead, domain.ScopeJobsWrite},
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		})
		if err != nil {
			t.Fatalf("seed principal %s: %v", id, err)
		}
	}
	eng := engine.New(r)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.RegisterKind("reduce", nil)
	return testEnv{Engine: eng, Repo: r, Ctx: ctx}
}

func alice() domain.Principal {
	return domain.Principal{ID: "alice", Scopes: []string{domain.ScopeJobsRead, domain.ScopeJobsWrite}}
}

func admin() domain.Principal {
	return domain.Principal{ID: "root", Scopes: []string{domain.ScopeAdmin}}
}

func TestSubmitJobStartsPending(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.SubmitJob(env.Ctx, "alice", "reduce", json.RawMessage(`{"frames":["a"]}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if j.State != domain.JobPending {
		t.Fatalf("state = %s, want pending", j.State)
	}
	if j.Owner != "alice" {
		t.Fatalf("owner = %s", j.Owner)
	}
	entries, err := env.Repo.ListAudit(env.Ctx, repo.AuditFilters{Type: "job.created"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("audit entries = %d, err %v", len(entries), err)
	}
}

func TestSubmitJobUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitJob(env.Ctx, "alice", "mystery", nil)
	if !errors.Is(err, engine.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestSubmitJobInvalidParameters(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitJob(env.Ctx, "alice", "reduce", json.RawMessage(`[1,2]`))
	if !errors.Is(err, engine.ErrInvalidParameters) {
		t.Fatalf("err = %v, want ErrInvalidParameters", err)
	}
}

func TestGetJobHidesForeignJobs(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.SubmitJob(env.Ctx, "bob", "reduce", nil)
	if err != nil {
		t.Fatal(err)
	}
	// Foreign and missing jobs are indistinguishable.
	if _, err := env.Engine.GetJob(env.Ctx, j.ID, alice()); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign job err = %v, want ErrNotFound", err)
	}
	if _, err := env.Engine.GetJob(env.Ctx, "no-such-job", alice()); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing job err = %v, want ErrNotFound", err)
	}
	if _, err := env.Engine.GetJob(env.Ctx, j.ID, admin()); err != nil {
		t.Fatalf("admin should see any job: %v", err)
	}
}

func TestListJobsScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.SubmitJob(env.Ctx, "alice", "reduce", nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.SubmitJob(env.Ctx, "bob", "reduce", nil); err != nil {
		t.Fatal(err)
	}
	mine, err := env.Engine.ListJobs(env.Ctx, alice(), repo.JobFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 3 {
		t.Fatalf("alice sees %d jobs, want 3", len(mine))
	}
	all, err := env.Engine.ListJobs(env.Ctx, admin(), repo.JobFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("admin sees %d jobs, want 4", len(all))
	}
}

func TestTransitionCASSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.SubmitJob(env.Ctx, "alice", "reduce", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Transition(env.Ctx, j.ID, []string{domain.JobPending}, domain.JobRunning, nil, nil); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err = env.Engine.Transition(env.Ctx, j.ID, []string{domain.JobPending}, domain.JobRunning, nil, nil)
	if !errors.Is(err, repo.ErrStaleTransition) {
		t.Fatalf("second claim err = %v, want ErrStaleTransition", err)
	}
}

func TestTransitionWritesResultAtomically(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.SubmitJob(env.Ctx, "alice", "reduce", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Transition(env.Ctx, j.ID, []string{domain.JobPending}, domain.JobRunning, nil, nil); err != nil {
		t.Fatal(err)
	}
	result := `{"status":"ok"}`
	if err := env.Engine.Transition(env.Ctx, j.ID, []string{domain.JobRunning}, domain.JobCompleted, &result, nil); err != nil {
		t.Fatal(err)
	}
	got, err := env.Repo.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.JobCompleted || got.ResultJSON == nil || *got.ResultJSON != result {
		t.Fatalf("job = %+v", got)
	}
	// Terminal states admit no exit.
	err = env.Engine.Transition(env.Ctx, j.ID, []string{domain.JobRunning, domain.JobCancelling}, domain.JobFailed, nil, nil)
	if !errors.Is(err, repo.ErrStaleTransition) {
		t.Fatalf("transition out of completed err = %v, want ErrStaleTransition", err)
	}
}

func TestCancelPendingJob(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.SubmitJob(env.Ctx, "alice", "reduce", nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Cancel(env.Ctx, j.ID, alice())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != domain.JobCancelling {
		t.Fatalf("state = %s, want cancelling", got.State)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.SubmitJob(env.Ctx, "alice", "reduce", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, j.ID, alice()); err != nil {
		t.Fatal(err)
	}
	// Repeating the cancel is a no-op success.
	got, err := env.Engine.Cancel(env.Ctx, j.ID, alice())
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if got.State != domain.JobCancelling {
		t.Fatalf("state = %s", got.State)
	}
	if err := env.Engine.Transition(env.Ctx, j.ID, []string{domain.JobCancelling}, domain.JobCancelled, nil, nil); err != nil {
		t.Fatal(err)
	}
	got, err = env.Engine.Cancel(env.Ctx, j.ID, alice())
	if err != nil {
		t.Fatalf("cancel of cancelled job: %v", err)
	}
	if got.State != domain.JobCancelled {
		t.Fatalf("state = %s", got.State)
	}
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.SubmitJob(env.Ctx, "alice", "reduce", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Transition(env.Ctx, j.ID, []string{domain.JobPending}, domain.JobRunning, nil, nil); err != nil {
		t.Fatal(err)
	}
	result := `{}`
	if err := env.Engine.Transition(env.Ctx, j.ID, []string{domain.JobRunning}, domain.JobCompleted, &result, nil); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Cancel(env.Ctx, j.ID, alice())
	if !errors.Is(err, repo.ErrStaleTransition) {
		t.Fatalf("err = %v, want ErrStaleTransition", err)
	}
}

func TestCancelForeignJobNotFound(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.SubmitJob(env.Ctx, "bob", "reduce", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Cancel(env.Ctx, j.ID, alice())
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListJobsPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.Engine.Now = func() time.Time {
			return time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC)
		}
		if _, err := env.Engine.SubmitJob(env.Ctx, "alice", "reduce", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatal(err)
		}
	}
	page, err := env.Engine.ListJobs(env.Ctx, alice(), repo.JobFilters{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("page length = %d", len(page))
	}
	last := page[len(page)-1]
	rest, err := env.Engine.ListJobs(env.Ctx, alice(), repo.JobFilters{
		CursorCreatedAt: last.CreatedAt,
		CursorID:        last.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 3 {
		t.Fatalf("rest length = %d, want 3", len(rest))
	}
	for _, j := range rest {
		if j.ID == last.ID {
			t.Fatalf("cursor job repeated")
		}
	}
}
