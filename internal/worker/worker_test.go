package worker_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/intent"
	"careline/internal/migrate"
	"careline/internal/plan"
	"careline/internal/repo"
	"careline/internal/worker"
)

type testEnv struct {
	Engine engine.Engine
	Worker *worker.Worker
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
	eng := engine.New(conn, config.Default(), intent.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateTenant(ctx, "org-1", "Test Org", "tester"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return testEnv{Engine: eng, Worker: worker.New(eng), Ctx: ctx}
}

func seedMember(t *testing.T, env testEnv, first, last string) domain.Member {
	t.Helper()
	m, err := env.Engine.AddMember(env.Ctx, "org-1", engine.MemberAddOptions{
		FirstName: first,
		LastName:  last,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("seed member: %v", err)
	}
	return m
}

func enqueue(t *testing.T, env testEnv, intentKey string, params map[string]string, targets []string) domain.Job {
	t.Helper()
	p, err := plan.Build(env.Engine.Catalog, "org-1", intentKey, params, "tester", targets, env.Engine.Now())
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	j, created, err := env.Engine.EnqueueJob(env.Ctx, p)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh job")
	}
	return j
}

func TestWorkerExecutesScheduledPause(t *testing.T) {
	env := newTestEnv(t)
	m := seedMember(t, env, "Ana", "Costa")
	if _, err := env.Engine.SetPolicy(env.Ctx, "org-1", "member.paused", true, "tester"); err != nil {
		t.Fatal(err)
	}
	j := enqueue(t, env, "member.pause.schedule",
		map[string]string{"member": m.ID, "date": "2026-02-01", "reason": "travel"}, []string{m.ID})

	n, err := env.Worker.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 processed job, got %d", n)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, "org-1", j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", got.Status, got.LastError)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.ResultJSON == nil {
		t.Fatalf("expected a recorded result")
	}
	member, err := env.Engine.Repo.GetMember(env.Ctx, "org-1", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if member.Status != "paused" {
		t.Fatalf("expected paused member, got %s", member.Status)
	}
	if member.StatusAt == nil || *member.StatusAt != "2026-02-01" {
		t.Fatalf("expected effective date 2026-02-01, got %v", member.StatusAt)
	}
	items, err := env.Engine.Repo.ListWorkItems(env.Ctx, "org-1", repo.WorkItemFilters{Trigger: "policy_follow_up"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected a surfaced work item, got %d", len(items))
	}
}

func TestWorkerRegistersMemberEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetPolicy(env.Ctx, "org-1", "member.register", true, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.OpenOrUpdateDraft(env.Ctx, "org-1", "s1", "member.create.register",
		map[string]string{"first_name": "Rui", "last_name": "Melo", "phone": "+351912345678", "birth_date": "1961-04-02"}, "tester"); err != nil {
		t.Fatal(err)
	}
	_, job, err := env.Engine.ConfirmDraft(env.Ctx, "org-1", "s1", "", "tester")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if job == nil {
		t.Fatalf("expected a job")
	}
	if _, err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, "org-1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", got.Status, got.LastError)
	}
	members, err := env.Engine.Repo.ListMembers(env.Ctx, "org-1", repo.MemberFilters{Search: "Rui"})
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("expected the registered member, got %d", len(members))
	}
	items, err := env.Engine.Repo.ListWorkItems(env.Ctx, "org-1", repo.WorkItemFilters{Trigger: "member_review"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].EntityID != members[0].ID {
		t.Fatalf("expected a review item for the new member, got %+v", items)
	}
}

func TestWorkerPolicyRevokedBeforeExecution(t *testing.T) {
	env := newTestEnv(t)
	m := seedMember(t, env, "Ana", "Costa")
	if _, err := env.Engine.SetPolicy(env.Ctx, "org-1", "member.paused", true, "tester"); err != nil {
		t.Fatal(err)
	}
	j := enqueue(t, env, "member.pause.schedule",
		map[string]string{"member": m.ID, "date": "2026-02-01"}, []string{m.ID})
	if _, err := env.Engine.SetPolicy(env.Ctx, "org-1", "member.paused", false, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, "org-1", j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobFailed {
		t.Fatalf("expected failed job, got %s", got.Status)
	}
	if got.LastError == nil {
		t.Fatalf("expected a last error")
	}
	member, err := env.Engine.Repo.GetMember(env.Ctx, "org-1", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if member.Status != "active" {
		t.Fatalf("denied execution must not mutate members, got %s", member.Status)
	}
	items, err := env.Engine.Repo.ListWorkItems(env.Ctx, "org-1", repo.WorkItemFilters{Trigger: "policy_follow_up"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected a follow-up item, got %d", len(items))
	}
}

func TestWorkerPartialSuccess(t *testing.T) {
	env := newTestEnv(t)
	m := seedMember(t, env, "Ana", "Costa")
	if _, err := env.Engine.SetPolicy(env.Ctx, "org-1", "member.paused", true, "tester"); err != nil {
		t.Fatal(err)
	}
	j := enqueue(t, env, "member.pause.schedule",
		map[string]string{"member": m.ID, "date": "2026-02-01"}, []string{m.ID, "no-such-member"})
	if _, err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, "org-1", j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobPartial {
		t.Fatalf("expected partial, got %s (%v)", got.Status, got.LastError)
	}
	member, err := env.Engine.Repo.GetMember(env.Ctx, "org-1", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if member.Status != "paused" {
		t.Fatalf("the resolvable target must still change, got %s", member.Status)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	m := seedMember(t, env, "Ana", "Costa")
	if _, err := env.Engine.SetPolicy(env.Ctx, "org-1", "member.paused", true, "tester"); err != nil {
		t.Fatal(err)
	}
	j := enqueue(t, env, "member.pause.schedule",
		map[string]string{"member": m.ID, "date": "2026-02-01"}, []string{m.ID})

	now := env.Engine.Now().UTC().Format(time.RFC3339)
	claimed, err := env.Engine.Repo.ClaimJob(env.Ctx, "org-1", j.ID, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatalf("expected first claim to win")
	}
	claimed, err = env.Engine.Repo.ClaimJob(env.Ctx, "org-1", j.ID, now)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Fatalf("expected second claim to lose")
	}
}

func TestWorkerFailsUndecodablePlan(t *testing.T) {
	env := newTestEnv(t)
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	j := domain.Job{
		ID:             uuid.NewString(),
		TenantID:       "org-1",
		IntentKey:      "member.pause.schedule",
		IdempotencyKey: uuid.NewString(),
		PlanJSON:       "{not json",
		Status:         domain.JobPending,
		MaxAttempts:    3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.InsertJobTx(env.Ctx, tx, j); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, "org-1", j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestWorkerRetriesInfrastructureFailureUntilBudget(t *testing.T) {
	env := newTestEnv(t)
	m := seedMember(t, env, "Ana", "Costa")
	if _, err := env.Engine.SetPolicy(env.Ctx, "org-1", "member.paused", true, "tester"); err != nil {
		t.Fatal(err)
	}
	j := enqueue(t, env, "member.pause.schedule",
		map[string]string{"member": m.ID, "date": "2026-02-01"}, []string{m.ID})

	// break the event log so execution fails with an infrastructure
	// error instead of a verdict about the request
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `ALTER TABLE events RENAME TO events_offline`); err != nil {
		t.Fatalf("break events table: %v", err)
	}

	for attempt := 1; attempt < j.MaxAttempts; attempt++ {
		if _, err := env.Worker.RunOnce(env.Ctx); err != nil {
			t.Fatalf("run once: %v", err)
		}
		got, err := env.Engine.Repo.GetJob(env.Ctx, "org-1", j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.JobPending {
			t.Fatalf("attempt %d: expected requeued job, got %s", attempt, got.Status)
		}
		if got.Attempts != attempt {
			t.Fatalf("expected %d attempts, got %d", attempt, got.Attempts)
		}
		if got.LastError == nil {
			t.Fatalf("attempt %d: expected the failure recorded", attempt)
		}
	}

	if _, err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, "org-1", j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobFailed {
		t.Fatalf("expected terminal failure after the budget, got %s", got.Status)
	}
	if got.Attempts != j.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", j.MaxAttempts, got.Attempts)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "retries exhausted") {
		t.Fatalf("expected retries exhausted, got %v", got.LastError)
	}
	member, err := env.Engine.Repo.GetMember(env.Ctx, "org-1", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if member.Status != "active" {
		t.Fatalf("failed attempts must roll back, got %s", member.Status)
	}
}

func TestWorkerTreatsDischargedTargetAsNoop(t *testing.T) {
	env := newTestEnv(t)
	m := seedMember(t, env, "Ana", "Costa")
	for _, key := range []string{"member.discharged", "member.paused"} {
		if _, err := env.Engine.SetPolicy(env.Ctx, "org-1", key, true, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	enqueue(t, env, "member.discharge.schedule",
		map[string]string{"member": m.ID, "date": "2026-01-31"}, []string{m.ID})
	if _, err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}

	j := enqueue(t, env, "member.pause.schedule",
		map[string]string{"member": m.ID, "date": "2026-02-01"}, []string{m.ID})
	if _, err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, "org-1", j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobSucceeded {
		t.Fatalf("expected a successful no-op, got %s (%v)", got.Status, got.LastError)
	}
	if got.ResultJSON == nil {
		t.Fatal("expected a recorded result")
	}
	var res domain.HandlerResult
	if err := json.Unmarshal([]byte(*got.ResultJSON), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Code != "noop" || res.Affected != 0 {
		t.Fatalf("expected noop with zero mutation, got %+v", res)
	}
	member, err := env.Engine.Repo.GetMember(env.Ctx, "org-1", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if member.Status != "discharged" {
		t.Fatalf("the member must stay discharged, got %s", member.Status)
	}
	if member.StatusAt == nil || *member.StatusAt != "2026-01-31" {
		t.Fatalf("the discharge date must survive, got %v", member.StatusAt)
	}
}

func TestWorkerDoesNotRetryUnknownIntent(t *testing.T) {
	env := newTestEnv(t)
	p := plan.Plan{
		IntentKey:   "member.zap.now",
		TenantID:    "org-1",
		Params:      map[string]string{},
		Automation:  intent.Executing,
		ActionKey:   "member.register",
		RequesterID: "tester",
		CreatedAt:   env.Engine.Now(),
	}
	j, created, err := env.Engine.EnqueueJob(env.Ctx, p)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh job")
	}
	if _, err := env.Worker.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, "org-1", j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobFailed {
		t.Fatalf("expected failed without retries, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
}
